package durable

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
)

// mailbox holds the external events of one instance. An event raised with no
// waiter is buffered under its name until a wait consumes it.
type mailbox struct {
	mu      sync.Mutex
	pending map[string][]json.RawMessage
	waiters map[string][]chan json.RawMessage
}

func newMailbox() *mailbox {
	return &mailbox{
		pending: make(map[string][]json.RawMessage),
		waiters: make(map[string][]chan json.RawMessage),
	}
}

// deliver hands payload to the oldest waiter for name, or buffers it.
func (m *mailbox) deliver(name string, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ws := m.waiters[name]; len(ws) > 0 {
		ch := ws[0]
		m.waiters[name] = ws[1:]
		ch <- payload // buffered, never blocks
		return
	}
	m.pending[name] = append(m.pending[name], payload)
}

// wait returns the next event raised under name.
func (m *mailbox) wait(ctx context.Context, name string) (json.RawMessage, error) {
	m.mu.Lock()
	if q := m.pending[name]; len(q) > 0 {
		payload := q[0]
		m.pending[name] = q[1:]
		m.mu.Unlock()
		return payload, nil
	}
	ch := make(chan json.RawMessage, 1)
	m.waiters[name] = append(m.waiters[name], ch)
	m.mu.Unlock()

	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if i := slices.Index(m.waiters[name], ch); i >= 0 {
		m.waiters[name] = slices.Delete(m.waiters[name], i, i+1)
		return nil, ctx.Err()
	}
	// Delivered between cancellation and re-locking: keep the event for the next wait.
	payload := <-ch
	m.pending[name] = append([]json.RawMessage{payload}, m.pending[name]...)
	return nil, ctx.Err()
}

// waiting reports how many waits are registered under name.
func (m *mailbox) waiting(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters[name])
}
