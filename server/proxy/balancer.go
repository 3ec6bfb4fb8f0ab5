package proxy

import (
	"errors"

	"github.com/migadu/ferry/logger"
)

// ErrNoBackendAvailable is returned by Select when every configured backend
// is currently marked dead. The caller must close the client connection.
var ErrNoBackendAvailable = errors.New("no backend available")

// Balancer chooses the backend for a new session from a registry snapshot.
// Selection alone never mutates load counts; the forwarder increments only
// after a successful dial so unreachable backends are never counted.
type Balancer struct {
	registry         *Registry
	leastConnections bool
}

// NewBalancer creates a balancer over the given registry. When
// leastConnections is false the balancer always picks the first alive
// backend in configured order, a deterministic fallback rather than
// round-robin.
func NewBalancer(registry *Registry, leastConnections bool) *Balancer {
	return &Balancer{
		registry:         registry,
		leastConnections: leastConnections,
	}
}

// Select returns the backend for a new connection. With least-connections
// enabled it picks the alive backend with the fewest active sessions, ties
// broken by lowest configured index so equal load always resolves the same
// way. Concurrent selections may observe the same snapshot and land on the
// same backend before either increments its counter; that soft-balancing
// race is accepted.
func (lb *Balancer) Select() (Backend, error) {
	snapshot := lb.registry.Snapshot()

	selected := -1
	for _, b := range snapshot {
		if !b.Alive {
			continue
		}
		if selected == -1 {
			selected = b.Index
			if !lb.leastConnections {
				break
			}
			continue
		}
		if b.ActiveConnections < snapshot[selected].ActiveConnections {
			selected = b.Index
		}
	}

	if selected == -1 {
		logger.Debug("Balancer: no alive backend in pool", "backends", len(snapshot))
		return Backend{}, ErrNoBackendAvailable
	}

	return snapshot[selected], nil
}
