package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/migadu/ferry/logger"
	"github.com/migadu/ferry/pkg/metrics"
)

// HealthChecker periodically re-checks backends currently marked dead and
// flips them back to alive when a bare TCP connect succeeds. Backends that
// are alive are not re-verified; a silently unreachable backend is only
// detected by a forwarder's failed dial. Probe failures are routine and not
// surfaced; only state transitions are logged (by the registry).
type HealthChecker struct {
	registry     *Registry
	interval     time.Duration
	probeTimeout time.Duration
}

// NewHealthChecker creates a checker that sleeps interval between cycles and
// bounds each probe's connect attempt by probeTimeout.
func NewHealthChecker(registry *Registry, interval, probeTimeout time.Duration) *HealthChecker {
	return &HealthChecker{
		registry:     registry,
		interval:     interval,
		probeTimeout: probeTimeout,
	}
}

// Run loops until ctx is cancelled. Each cycle sleeps first, then probes all
// dead backends. Probes run concurrently, one goroutine per backend, so an
// unreachable host's connect timeout never delays another backend's probe,
// and no registry lock is held across the network call.
func (hc *HealthChecker) Run(ctx context.Context) {
	logger.Info("Health checker started", "interval", hc.interval, "probe_timeout", hc.probeTimeout)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Health checker stopped")
			return
		case <-ticker.C:
			hc.checkDeadBackends(ctx)
		}
	}
}

func (hc *HealthChecker) checkDeadBackends(ctx context.Context) {
	dead := hc.registry.DeadBackends()
	if len(dead) == 0 {
		return
	}

	logger.Debug("Health checker: probing dead backends", "count", len(dead))

	var wg sync.WaitGroup
	for _, b := range dead {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			if hc.probe(ctx, b.Addr) {
				metrics.HealthProbesTotal.WithLabelValues(b.Addr, "success").Inc()
				hc.registry.MarkAlive(b.Index)
			} else {
				metrics.HealthProbesTotal.WithLabelValues(b.Addr, "failure").Inc()
			}
		}(b)
	}
	wg.Wait()
}

// probe attempts a bare TCP connect to the backend. The connection carries no
// payload; it exists only to prove the backend accepts connections again.
func (hc *HealthChecker) probe(ctx context.Context, addr string) bool {
	dialer := &net.Dialer{Timeout: hc.probeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.Debug("Health checker: probe failed", "backend", addr, "error", err)
		return false
	}
	conn.Close()
	return true
}
