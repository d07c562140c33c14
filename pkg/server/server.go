package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/proxy"
	"mercator-hq/warden/pkg/proxy/middleware"
	"mercator-hq/warden/pkg/telemetry/health"
)

// Interceptor is the proxy pipeline mounted at the root of the server.
type Interceptor interface {
	http.Handler

	// Intercepts reports whether host is a configured LLM endpoint.
	Intercepts(host string) bool
}

// Routes are the handlers mounted by the server. Proxy is required.
type Routes struct {
	Proxy Interceptor

	// Override serves proxy.OverridePath for every host, so the form on a
	// block page reaches the gateway whatever domain was blocked.
	Override http.Handler

	// Health serves /healthz, /readyz and /version.
	Health *health.Checker

	// Metrics is served at the configured metrics path when enabled.
	Metrics http.Handler

	// Commit and BuildTime are reported by /version.
	Commit    string
	BuildTime string
}

// Server is the gateway's HTTP listener.
//
// Intercepted traffic reaches the proxy for every path. The health and
// metrics endpoints are only served for hosts that are not configured LLM
// endpoints, so a provider path such as /metrics is never shadowed.
type Server struct {
	config       *config.Config
	routes       Routes
	httpServer   *http.Server
	addr         net.Addr
	logger       *slog.Logger
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	mu           sync.RWMutex
	isRunning    bool
}

// NewServer creates a server. It does not listen until Start is called.
func NewServer(cfg *config.Config, routes Routes) (*Server, error) {
	if routes.Proxy == nil {
		return nil, errors.New("server: proxy handler is required")
	}
	return &Server{
		config:       cfg,
		routes:       routes,
		logger:       slog.Default().With("component", "server"),
		shutdownChan: make(chan struct{}),
	}, nil
}

// Start listens on the configured address and blocks until ctx is
// cancelled, SIGINT or SIGTERM arrives, Stop is called or serving fails.
// Shutdown is graceful in the first three cases.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Server.ListenAddress)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.ListenAddress, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.addr = ln.Addr()
	s.isRunning = true
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting gateway",
			"address", ln.Addr().String(),
			"mode", s.config.Mode,
			"endpoints", len(s.config.Endpoints),
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, initiating shutdown")
		return s.Shutdown(context.Background())
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown(context.Background())
	case err := <-errChan:
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	case <-s.shutdownChan:
		s.logger.Info("shutdown requested")
		return s.Shutdown(context.Background())
	}
}

// Stop asks a running Start to shut down gracefully.
func (s *Server) Stop() {
	select {
	case <-s.shutdownChan:
	default:
		close(s.shutdownChan)
	}
}

// Shutdown stops accepting connections and waits up to ShutdownTimeout for
// in-flight requests, streamed responses included, to complete.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		s.logger.Info("initiating graceful shutdown", "timeout", s.config.Server.ShutdownTimeout.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		s.logger.Info("gateway stopped")
	})

	return shutdownErr
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	admin := http.NewServeMux()
	if s.routes.Health != nil {
		s.routes.Health.Register(admin, s.routes.Commit, s.routes.BuildTime)
	}
	if m := s.config.Telemetry.Metrics; s.routes.Metrics != nil && m.Enabled && m.Path != "" {
		admin.Handle("GET "+m.Path, s.routes.Metrics)
	}

	root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.routes.Override != nil && r.URL.Path == proxy.OverridePath {
			s.routes.Override.ServeHTTP(w, r)
			return
		}
		if !s.routes.Proxy.Intercepts(r.Host) {
			if h, pattern := admin.Handler(r); pattern != "" {
				h.ServeHTTP(w, r)
				return
			}
		}
		s.routes.Proxy.ServeHTTP(w, r)
	})

	var handler http.Handler = root
	handler = middleware.RecoveryMiddleware(handler)
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.RequestIDMiddleware(handler)
	return handler
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Health is a readiness check reporting whether the listener is up.
func (s *Server) Health(context.Context) error {
	if !s.IsRunning() {
		return errors.New("server is not running")
	}
	return nil
}
