// Package store persists orchestration results.
package store

import (
	"batchbridge/internal/apperrors"
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

var dialectors = map[string]func(dsn string) gorm.Dialector{
	DialectSQLite:   sqlite.Open,
	DialectPostgres: postgres.Open,
	DialectMySQL:    mysql.Open,
}

// Result is one output of an orchestration, kept at its position in the
// orchestration's result list.
type Result struct {
	ID         uint      `gorm:"primaryKey"`
	InstanceID string    `gorm:"size:64;not null;uniqueIndex:idx_results_instance_position"`
	Position   int       `gorm:"not null;uniqueIndex:idx_results_instance_position"`
	Value      string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// Config selects the database.
type Config struct {
	Dialect      string // sqlite (default), postgres or mysql
	DSN          string
	MaxOpenConns int // default: 1 for sqlite, driver default otherwise
}

// Store reads and writes results.
type Store struct {
	db *gorm.DB
}

// Open connects to the database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectSQLite
	}
	open, ok := dialectors[cfg.Dialect]
	if !ok {
		return nil, apperrors.Validation("dialect", fmt.Sprintf("unsupported database dialect %q", cfg.Dialect))
	}
	if cfg.DSN == "" {
		return nil, apperrors.Validation("dsn", "database DSN is required")
	}

	db, err := gorm.Open(open(cfg.DSN), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database handle: %w", err)
	}
	if cfg.MaxOpenConns <= 0 && cfg.Dialect == DialectSQLite {
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.AutoMigrate(&Result{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	slog.Info("Results store opened", "dialect", cfg.Dialect)
	return &Store{db: db}, nil
}

// SaveResults replaces the stored results of an instance.
func (s *Store) SaveResults(ctx context.Context, instanceID string, values []string) error {
	if instanceID == "" {
		return apperrors.Validation("instanceId", "instance id is required")
	}
	rows := make([]Result, len(values))
	for i, v := range values {
		rows[i] = Result{InstanceID: instanceID, Position: i, Value: v}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("instance_id = ?", instanceID).Delete(&Result{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return apperrors.Internal("store.SaveResults", err)
	}
	return nil
}

// Results returns the stored results of an instance in order. An instance
// with no stored results yields a not-found error.
func (s *Store) Results(ctx context.Context, instanceID string) ([]string, error) {
	var rows []Result
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("position").
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Internal("store.Results", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NotFound("results", instanceID)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Value
	}
	return out, nil
}

// Ready checks the database connection.
func (s *Store) Ready(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
