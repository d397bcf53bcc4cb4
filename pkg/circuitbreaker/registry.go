package circuitbreaker

import (
	"slices"
	"sync"
)

// Registry hands out one breaker per key, created on first use with the
// registry's config. The key becomes the breaker's name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for key.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = New(r.config)
	b.name = key
	r.breakers[key] = b
	return b
}

// OpenKeys returns the sorted keys whose breaker currently rejects calls.
func (r *Registry) OpenKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key, b := range r.breakers {
		if b.State() == Open {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Stats counts the registry's breakers by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case Open:
			stats.Open++
		case HalfOpen:
			stats.HalfOpen++
		case Closed:
			stats.Closed++
		}
	}
	return stats
}

// Stats holds registry statistics.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
}
