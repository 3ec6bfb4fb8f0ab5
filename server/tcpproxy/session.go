package tcpproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/ferry/logger"
	"github.com/migadu/ferry/pkg/metrics"
	"github.com/migadu/ferry/server/proxy"
)

// State is the lifecycle state of a session. Transitions only move forward:
// Selecting -> Dialing -> Relaying -> Closed, with early exits straight to
// Closed on rejection or dial failure.
type State int32

const (
	StateSelecting State = iota
	StateDialing
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSelecting:
		return "selecting"
	case StateDialing:
		return "dialing"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session carries one accepted client connection through selection, dial,
// and relay. Each session runs in its own goroutine; nothing it does may
// affect another session or the accept loop.
type Session struct {
	server         *Server
	clientConn     net.Conn
	backend        proxy.Backend
	backendConn    net.Conn
	state          atomic.Int32
	releaseLimiter func()
}

func newSession(server *Server, clientConn net.Conn, releaseLimiter func()) *Session {
	return &Session{
		server:         server,
		clientConn:     clientConn,
		releaseLimiter: releaseLimiter,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

func (s *Session) run() {
	defer s.releaseLimiter()

	clientAddr := s.clientConn.RemoteAddr().String()

	backend, err := s.server.balancer.Select()
	if err != nil {
		if errors.Is(err, proxy.ErrNoBackendAvailable) {
			metrics.ConnectionsRejected.WithLabelValues("no_backend").Inc()
			logger.Warn("Rejecting client, no backend available", "client", clientAddr)
		}
		s.clientConn.Close()
		s.setState(StateClosed)
		return
	}
	s.backend = backend

	s.setState(StateDialing)
	dialer := &net.Dialer{Timeout: s.server.connectTimeout}
	backendConn, err := dialer.DialContext(s.server.appCtx, "tcp", backend.Addr)
	if err != nil {
		// A single dial attempt per session: the backend goes dead, the
		// client is dropped, and no other backend is tried.
		s.server.registry.MarkDead(backend.Index)
		metrics.BackendDialFailures.WithLabelValues(backend.Addr).Inc()
		metrics.ConnectionsRejected.WithLabelValues("dial_failed").Inc()
		logger.Warn("Backend dial failed, dropping client", "client", clientAddr, "backend", backend.Addr, "error", err)
		s.clientConn.Close()
		s.setState(StateClosed)
		return
	}
	s.backendConn = backendConn

	s.server.registry.IncrementLoad(backend.Index)
	metrics.ConnectionsCurrent.Inc()
	logger.Debug("Session established", "client", clientAddr, "backend", backend.Addr)

	s.setState(StateRelaying)
	started := time.Now()
	s.relay()

	// Both copy loops have returned and both sockets are closed; release the
	// load count exactly once for this session.
	s.server.registry.DecrementLoad(backend.Index)
	metrics.ConnectionsCurrent.Dec()
	metrics.ConnectionDuration.Observe(time.Since(started).Seconds())
	s.setState(StateClosed)
	logger.Debug("Session closed", "client", clientAddr, "backend", backend.Addr, "duration", time.Since(started))
}

// relay copies bytes in both directions until either side closes. When one
// direction ends, closing the opposite socket unblocks the paired copy; a
// half-open relay would otherwise block forever.
func (s *Session) relay() {
	ctx, cancel := context.WithCancel(s.server.appCtx)
	defer cancel()

	var wg sync.WaitGroup

	// Client to backend
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.backendConn.Close()
		bytesIn, err := io.Copy(s.backendConn, s.clientConn)
		metrics.BytesThroughput.WithLabelValues("in").Add(float64(bytesIn))
		if err != nil && !isClosingError(err) {
			logger.Debug("Error copying from client to backend", "backend", s.backend.Addr, "error", err)
		}
	}()

	// Backend to client
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.clientConn.Close()
		bytesOut, err := io.Copy(s.clientConn, s.backendConn)
		metrics.BytesThroughput.WithLabelValues("out").Add(float64(bytesOut))
		if err != nil && !isClosingError(err) {
			logger.Debug("Error copying from backend to client", "backend", s.backend.Addr, "error", err)
		}
	}()

	// Unblock both copy loops on shutdown.
	go func() {
		<-ctx.Done()
		s.clientConn.Close()
		s.backendConn.Close()
	}()

	wg.Wait()
}

func isClosingError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
