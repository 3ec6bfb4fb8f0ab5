package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/ferry/logger"
)

// ConnectionLimiter caps the number of concurrently accepted client
// connections, in total and per client IP. Zero for either limit means
// unlimited. Connections from trusted networks bypass the per-IP limit.
type ConnectionLimiter struct {
	maxConnections   int
	maxPerIP         int
	currentTotal     atomic.Int64
	perIPConnections map[string]*atomic.Int64
	mu               sync.RWMutex
	cleanupInterval  time.Duration
	trustedNets      []*net.IPNet
}

// NewConnectionLimiter creates a connection limiter. trustedNetworks is a
// list of CIDR blocks; entries that fail to parse are logged and skipped.
func NewConnectionLimiter(maxConnections, maxPerIP int, trustedNetworks []string) *ConnectionLimiter {
	var trustedNets []*net.IPNet
	for _, cidr := range trustedNetworks {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Connection limiter: ignoring invalid trusted network", "cidr", cidr, "error", err)
			continue
		}
		trustedNets = append(trustedNets, network)
	}

	return &ConnectionLimiter{
		maxConnections:   maxConnections,
		maxPerIP:         maxPerIP,
		perIPConnections: make(map[string]*atomic.Int64),
		cleanupInterval:  5 * time.Minute,
		trustedNets:      trustedNets,
	}
}

func (cl *ConnectionLimiter) isTrusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, network := range cl.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr net.Addr) (string, net.IP) {
	if tcpAddr, ok := remoteAddr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String(), tcpAddr.IP
	}
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return remoteAddr.String(), nil
	}
	return host, net.ParseIP(host)
}

// Accept registers a new connection. On success it returns a release
// function that must be called exactly once when the connection ends. On
// failure the connection must be closed without being served.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if cl.maxConnections <= 0 && cl.maxPerIP <= 0 {
		return func() {}, nil
	}

	trackingIP, ip := remoteIP(remoteAddr)
	trusted := cl.isTrusted(ip)

	if cl.maxConnections > 0 {
		if current := cl.currentTotal.Load(); current >= int64(cl.maxConnections) {
			return nil, fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	var ipCounter *atomic.Int64
	if cl.maxPerIP > 0 && !trusted {
		cl.mu.Lock()
		var exists bool
		ipCounter, exists = cl.perIPConnections[trackingIP]
		if !exists {
			ipCounter = &atomic.Int64{}
			cl.perIPConnections[trackingIP] = ipCounter
		}
		cl.mu.Unlock()

		if current := ipCounter.Load(); current >= int64(cl.maxPerIP) {
			return nil, fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", trackingIP, current, cl.maxPerIP)
		}
		ipCounter.Add(1)
	}

	total := cl.currentTotal.Add(1)
	logger.Debug("Connection limiter: connection accepted", "ip", trackingIP, "total", total, "max_total", cl.maxConnections, "max_per_ip", cl.maxPerIP)

	released := atomic.Bool{}
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		cl.currentTotal.Add(-1)
		if ipCounter != nil {
			if remaining := ipCounter.Add(-1); remaining <= 0 {
				cl.mu.Lock()
				if ipCounter.Load() <= 0 {
					delete(cl.perIPConnections, trackingIP)
				}
				cl.mu.Unlock()
			}
		}
	}, nil
}

// TotalConnections returns the number of currently registered connections.
func (cl *ConnectionLimiter) TotalConnections() int64 {
	return cl.currentTotal.Load()
}

// StartCleanup periodically removes stale per-IP entries until ctx ends.
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ip, counter := range cl.perIPConnections {
		if counter.Load() <= 0 {
			delete(cl.perIPConnections, ip)
		}
	}
}
