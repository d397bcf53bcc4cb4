package batch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a Lazy handle used after Close.
var ErrClosed = errors.New("batch client closed")

// Opener constructs the underlying client.
type Opener func(ctx context.Context) (Client, error)

// Lazy is a Client that opens its underlying connection on first use.
//
// A failed open is not cached; the next call tries again. Close releases the
// underlying client exactly once and is a no-op when nothing was opened.
type Lazy struct {
	open Opener

	mu     sync.Mutex
	client Client
	closed bool
}

// NewLazy wraps open in a lazily initialised handle.
func NewLazy(open Opener) *Lazy {
	return &Lazy{open: open}
}

func (l *Lazy) get(ctx context.Context) (Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if l.client != nil {
		return l.client, nil
	}
	c, err := l.open(ctx)
	if err != nil {
		return nil, err
	}
	l.client = c
	return c, nil
}

// Opened reports whether the underlying client has been created.
func (l *Lazy) Opened() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}

func (l *Lazy) CreateJob(ctx context.Context, spec JobSpec) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.CreateJob(ctx, spec)
}

func (l *Lazy) CreatePool(ctx context.Context, spec PoolSpec) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.CreatePool(ctx, spec)
}

func (l *Lazy) AddTasks(ctx context.Context, jobID string, tasks []TaskSpec) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.AddTasks(ctx, jobID, tasks)
}

func (l *Lazy) GetJob(ctx context.Context, jobID string) (*JobInfo, error) {
	c, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetJob(ctx, jobID)
}

func (l *Lazy) GetTaskFile(ctx context.Context, jobID, taskID, name string) (string, error) {
	c, err := l.get(ctx)
	if err != nil {
		return "", err
	}
	return c.GetTaskFile(ctx, jobID, taskID, name)
}

func (l *Lazy) DeletePool(ctx context.Context, poolID string) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.DeletePool(ctx, poolID)
}

func (l *Lazy) Ping(ctx context.Context) error {
	c, err := l.get(ctx)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}

// Ready adapts Ping to the health.ReadinessChecker interface.
func (l *Lazy) Ready(ctx context.Context) error {
	return l.Ping(ctx)
}

// Close releases the underlying client if it was opened.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.client == nil {
		return nil
	}
	err := l.client.Close()
	l.client = nil
	return err
}

var _ Client = (*Lazy)(nil)
