// Package tcpproxy implements the listening side of the ferry forwarder: a
// payload-agnostic TCP listener that relays every accepted connection to a
// backend chosen by the balancer.
package tcpproxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/migadu/ferry/logger"
	"github.com/migadu/ferry/pkg/metrics"
	"github.com/migadu/ferry/server"
	"github.com/migadu/ferry/server/proxy"
)

// ServerOptions holds configuration options for the forwarding server.
type ServerOptions struct {
	ListenAddr          string
	ConnectTimeout      time.Duration
	LoadBalancing       bool
	MaxConnections      int
	MaxConnectionsPerIP int
	TrustedNetworks     []string
}

// Server accepts client connections and hands each one to its own Session.
// The accept loop never blocks on a session's lifetime; an error on a single
// accept is logged and the loop continues.
type Server struct {
	addr           string
	registry       *proxy.Registry
	balancer       *proxy.Balancer
	limiter        *server.ConnectionLimiter
	connectTimeout time.Duration
	loadBalancing  bool
	appCtx         context.Context
	wg             sync.WaitGroup
}

// New creates a forwarding server. The listener closes and the accept loop
// returns when appCtx is cancelled; in-flight sessions are not drained.
func New(appCtx context.Context, registry *proxy.Registry, balancer *proxy.Balancer, opts ServerOptions) *Server {
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}

	return &Server{
		addr:           opts.ListenAddr,
		registry:       registry,
		balancer:       balancer,
		limiter:        server.NewConnectionLimiter(opts.MaxConnections, opts.MaxConnectionsPerIP, opts.TrustedNetworks),
		connectTimeout: connectTimeout,
		loadBalancing:  opts.LoadBalancing,
		appCtx:         appCtx,
	}
}

// Start binds the listening socket and serves until the application context
// is cancelled. A bind failure is fatal and returned to the caller.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("unable to bind to %s: %w", s.addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on an already bound listener until the
// application context is cancelled.
func (s *Server) Serve(listener net.Listener) error {
	defer listener.Close()

	logger.Info("Ferry forward server started", "listen", listener.Addr().String())
	for _, b := range s.registry.Snapshot() {
		logger.Info("Forwarding to backend", "backend", b.Addr)
	}
	if s.loadBalancing {
		logger.Info("Load balancing algorithm is ENABLED")
	} else {
		logger.Info("Load balancing algorithm is DISABLED")
	}

	s.limiter.StartCleanup(s.appCtx)

	go func() {
		<-s.appCtx.Done()
		listener.Close()
	}()

	return s.acceptConnections(listener)
}

func (s *Server) acceptConnections(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Listener closed on shutdown.
			if s.appCtx.Err() != nil {
				return nil
			}
			// A failed accept is a connection-level issue; the listener
			// itself is still healthy.
			logger.Debug("Failed to accept connection", "error", err)
			continue
		}

		metrics.ConnectionsTotal.Inc()
		logger.Info("Accepted client", "client", conn.RemoteAddr().String())

		release, err := s.limiter.Accept(conn.RemoteAddr())
		if err != nil {
			metrics.ConnectionsRejected.WithLabelValues("limit").Inc()
			logger.Warn("Connection limit exceeded, dropping client", "client", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}

		sess := newSession(s, conn, release)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
		}()
	}
}

// Wait blocks until all running sessions have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}
