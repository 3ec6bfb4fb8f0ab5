// Package httpapi exposes a read-only admin API for the ferry proxy:
// per-backend health and load, aggregate proxy stats, and the Prometheus
// metrics endpoint.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/ferry/logger"
	"github.com/migadu/ferry/server/proxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the admin HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	registry     *proxy.Registry
	server       *http.Server
	started      time.Time
}

// ServerOptions holds configuration options for the admin API server.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
}

// BackendStatus is the per-backend entry returned by the backends endpoint.
type BackendStatus struct {
	Address           string `json:"address"`
	Alive             bool   `json:"alive"`
	ActiveConnections int    `json:"active_connections"`
}

// StatsResponse is returned by the stats endpoint.
type StatsResponse struct {
	Backends       int    `json:"backends"`
	AliveBackends  int    `json:"alive_backends"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Started        string `json:"started"`
}

// New creates a new admin API server. An API key is required; the API
// exposes operational state and must not run unauthenticated.
func New(registry *proxy.Registry, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for admin API server")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		registry:     registry,
		started:      time.Now(),
	}, nil
}

// Start runs the admin API server until ctx is cancelled. Failures after
// startup are reported on errChan rather than crashing the proxy.
func Start(ctx context.Context, registry *proxy.Registry, options ServerOptions, errChan chan error) {
	server, err := New(registry, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}

	logger.Info("Starting admin API server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down admin API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down admin API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	// Prometheus metrics (exempt from API key auth, see authMiddleware)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/backends", s.handleListBackends).Methods("GET")
	v1.HandleFunc("/backends/{address}", s.handleGetBackend).Methods("GET")
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Admin API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		ip := net.ParseIP(host)
		for _, allowed := range s.allowedHosts {
			if _, network, err := net.ParseCIDR(allowed); err == nil {
				if ip != nil && network.Contains(ip) {
					next.ServeHTTP(w, r)
					return
				}
			} else if host == allowed {
				next.ServeHTTP(w, r)
				return
			}
		}

		http.Error(w, `{"error": "Forbidden"}`, http.StatusForbidden)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Snapshot()

	statuses := make([]BackendStatus, len(snapshot))
	for i, b := range snapshot {
		statuses[i] = BackendStatus{
			Address:           b.Addr,
			Alive:             b.Alive,
			ActiveConnections: b.ActiveConnections,
		}
	}

	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]

	for _, b := range s.registry.Snapshot() {
		if b.Addr == address {
			writeJSON(w, http.StatusOK, BackendStatus{
				Address:           b.Addr,
				Alive:             b.Alive,
				ActiveConnections: b.ActiveConnections,
			})
			return
		}
	}

	http.Error(w, `{"error": "Backend not found"}`, http.StatusNotFound)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot := s.registry.Snapshot()

	stats := StatsResponse{
		Backends:      len(snapshot),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Started:       s.started.UTC().Format(time.RFC3339),
	}
	for _, b := range snapshot {
		if b.Alive {
			stats.AliveBackends++
		}
		stats.ActiveSessions += b.ActiveConnections
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Admin API: failed to encode response", "error", err)
	}
}
