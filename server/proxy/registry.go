// Package proxy implements backend pool management for the ferry forwarder:
// a registry of configured backends with alive/dead and load state, the
// backend selection algorithm, and the dead backend re-check loop.
package proxy

import (
	"fmt"
	"sync"

	"github.com/migadu/ferry/logger"
	"github.com/migadu/ferry/pkg/metrics"
)

// Backend is a read-only view of one configured destination server. Identity
// is the backend's index in the configured list; the address never changes
// after startup.
type Backend struct {
	Index             int
	Addr              string
	Alive             bool
	ActiveConnections int
}

type backendState struct {
	addr   string
	alive  bool
	active int
}

// Registry is the single source of truth for backend state. It is safe for
// concurrent use by forwarder sessions and the health checker; all mutations
// happen under the registry lock and never lose an increment or interleave a
// partial alive-flag/count read.
type Registry struct {
	mu       sync.RWMutex
	backends []*backendState
}

// NewRegistry creates a registry for the given backend addresses. All
// backends start alive with zero load. The address list must not be empty;
// that is a fatal startup condition, not a runtime state.
func NewRegistry(addrs []string) (*Registry, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("the server list can not be empty")
	}

	backends := make([]*backendState, len(addrs))
	for i, addr := range addrs {
		backends[i] = &backendState{addr: addr, alive: true}
		metrics.BackendUp.WithLabelValues(addr).Set(1)
		metrics.BackendActiveConnections.WithLabelValues(addr).Set(0)
	}

	return &Registry{backends: backends}, nil
}

// Len returns the number of configured backends.
func (r *Registry) Len() int {
	return len(r.backends)
}

// Addr returns the address of the backend at the given index.
func (r *Registry) Addr(index int) string {
	return r.backends[index].addr
}

// Snapshot returns a consistent view of all backends' alive flags and
// active-connection counts. The returned slice is owned by the caller.
func (r *Registry) Snapshot() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]Backend, len(r.backends))
	for i, b := range r.backends {
		snapshot[i] = Backend{
			Index:             i,
			Addr:              b.addr,
			Alive:             b.alive,
			ActiveConnections: b.active,
		}
	}
	return snapshot
}

// DeadBackends returns the backends currently marked dead, for re-checking.
func (r *Registry) DeadBackends() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var dead []Backend
	for i, b := range r.backends {
		if !b.alive {
			dead = append(dead, Backend{Index: i, Addr: b.addr})
		}
	}
	return dead
}

// MarkAlive transitions a backend to alive. Idempotent; only an actual
// dead-to-alive change is logged.
func (r *Registry) MarkAlive(index int) {
	r.mu.Lock()
	b := r.backends[index]
	changed := !b.alive
	b.alive = true
	r.mu.Unlock()

	if changed {
		metrics.BackendUp.WithLabelValues(b.addr).Set(1)
		logger.Info("Backend is back alive", "backend", b.addr)
	}
}

// MarkDead transitions a backend to dead. Idempotent; only an actual
// alive-to-dead change is logged.
func (r *Registry) MarkDead(index int) {
	r.mu.Lock()
	b := r.backends[index]
	changed := b.alive
	b.alive = false
	r.mu.Unlock()

	if changed {
		metrics.BackendUp.WithLabelValues(b.addr).Set(0)
		logger.Warn("Backend marked dead", "backend", b.addr)
	}
}

// IncrementLoad records a newly opened session against a backend.
func (r *Registry) IncrementLoad(index int) {
	r.mu.Lock()
	b := r.backends[index]
	b.active++
	active := b.active
	r.mu.Unlock()

	metrics.BackendActiveConnections.WithLabelValues(b.addr).Set(float64(active))
}

// DecrementLoad records a closed session. The count is clamped at zero; going
// below would indicate a double-release bug, which is logged rather than
// propagated into the balancer's view.
func (r *Registry) DecrementLoad(index int) {
	r.mu.Lock()
	b := r.backends[index]
	clamped := b.active == 0
	if !clamped {
		b.active--
	}
	active := b.active
	r.mu.Unlock()

	if clamped {
		logger.Error("Load count decremented below zero, clamping", "backend", b.addr)
		return
	}
	metrics.BackendActiveConnections.WithLabelValues(b.addr).Set(float64(active))
}
