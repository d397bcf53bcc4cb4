// bridge-service runs the sample orchestrations against a batch backend and
// serves the engine webhooks the completion-signal tasks call.
package main

import (
	"batchbridge/internal/api"
	"batchbridge/internal/batch"
	"batchbridge/internal/batch/azure"
	"batchbridge/internal/batch/docker"
	"batchbridge/internal/config"
	"batchbridge/internal/dispatcher"
	"batchbridge/internal/durable"
	"batchbridge/internal/health"
	"batchbridge/internal/notify"
	"batchbridge/internal/observability"
	"batchbridge/internal/retrieval"
	"batchbridge/internal/store"
	"batchbridge/internal/submission"
	"batchbridge/internal/workflows"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg, err := config.Load()
	if err != nil {
		return err
	}
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	// Fail before accepting work if signal tasks could not reach us
	callbackBase, err := notify.CallbackBase(svcCfg.Callback)
	if err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Batch backend, connected on first use
	batchClient := batch.NewLazy(opener(svcCfg))
	defer batchClient.Close()

	// Results database
	results, err := store.Open(store.Config{Dialect: svcCfg.Results.Dialect, DSN: svcCfg.Results.DSN})
	if err != nil {
		return err
	}
	defer results.Close()

	// Create callback dispatcher and orchestration host
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)
	host := durable.NewHost(durable.Config{}, eventDispatcher, metrics)

	// Batch services and the sample orchestrations
	submitter := submission.NewService(batchClient, notify.New(svcCfg.Callback), svcCfg.Defaults, metrics)
	retriever := retrieval.NewService(batchClient, metrics)
	workflows.New(submitter, retriever, results, workflows.Config{
		Sample:            sample(svcCfg),
		CompletionTimeout: svcCfg.CompletionTimeout,
	}).Register(host)

	slog.Info("Batch bridge configured",
		"backend", svcCfg.Batch.Backend,
		"callbackBase", callbackBase,
		"resultsDialect", svcCfg.Results.Dialect,
	)

	// Create health checker
	healthChecker := health.NewChecker(batchClient)
	healthChecker.Register("results", results)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Engine:        host,
		BatchAdmin:    retriever,
		Results:       results,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Triggers: map[string]string{
			"multipleJobs":  workflows.MultipleJobOrchestrator,
			"multipleTasks": workflows.MultipleTaskOrchestrator,
		},
		APIKey:      svcCfg.APIKey,
		CallbackKey: svcCfg.Callback.Key,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop orchestrations. Instances are not durable; batch jobs keep
	// running but their completion signals will find no listener.
	if active := host.Active(); active > 0 {
		slog.Warn("Terminating running orchestrations", "active", active)
	}
	hostCtx, hostCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer hostCancel()
	if err := host.Close(hostCtx); err != nil {
		slog.Warn("Orchestration host shutdown error", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	// Log final dispatcher stats
	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}

// opener connects to the configured batch backend.
func opener(cfg *config.ServiceConfig) batch.Opener {
	return func(ctx context.Context) (batch.Client, error) {
		switch cfg.Batch.Backend {
		case config.BackendDocker:
			b, err := docker.New(ctx, docker.LoadConfigFromEnv())
			if err != nil {
				return nil, fmt.Errorf("connect to docker: %w", err)
			}
			slog.Info("Connected to Docker daemon")
			return b, nil
		default:
			c, err := azure.NewClient(cfg.Batch.AccountURL, cfg.Batch.AccountName, cfg.Batch.AccountKey)
			if err != nil {
				return nil, err
			}
			slog.Info("Using Azure Batch account", "account", cfg.Batch.AccountName, "url", cfg.Batch.AccountURL)
			return c, nil
		}
	}
}

// sample picks the node image of the greeting jobs: the configured image if
// any, otherwise one that runs on the selected backend.
func sample(cfg *config.ServiceConfig) workflows.Sample {
	if cfg.Defaults.NodeAgentSKUID != "" {
		return workflows.Sample{
			ImageReference: cfg.Defaults.ImageReference,
			NodeAgentSKUID: cfg.Defaults.NodeAgentSKUID,
		}
	}
	if cfg.Batch.Backend == config.BackendDocker {
		return workflows.LinuxSample
	}
	return workflows.WindowsSample
}
