// Package server provides the HTTP server that wires the hub, the stream
// endpoint and the intake bus together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ricesearch/logstream/internal/bus"
	"github.com/ricesearch/logstream/internal/config"
	"github.com/ricesearch/logstream/internal/hub"
	"github.com/ricesearch/logstream/internal/metrics"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/pkg/middleware"
	"github.com/ricesearch/logstream/internal/stream"
)

// Server is the main HTTP server.
type Server struct {
	cfg     Config
	appCfg  config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	bus      bus.Bus
	hub      *hub.Hub
	endpoint *stream.Endpoint
	limiter  *middleware.RateLimiter
	handler  http.Handler

	httpServer *http.Server

	mu      sync.Mutex
	started bool
	stopped bool
	ready   atomic.Bool
	cancel  context.CancelFunc
}

// Config configures the server.
type Config struct {
	// Host is the address to bind to.
	Host string

	// Port is the HTTP port.
	Port int

	// Version is the application version.
	Version string

	// Commit is the build commit.
	Commit string

	// ReadHeaderTimeout bounds reading request headers.
	ReadHeaderTimeout time.Duration

	// ReadTimeout is the HTTP read timeout.
	ReadTimeout time.Duration

	// WriteTimeout is the HTTP write timeout. Zero keeps event streams open
	// indefinitely.
	WriteTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible server defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              8080,
		Version:           "dev",
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Option customizes a Server.
type Option func(*Server)

// WithBus uses b as the intake bus instead of building one from config.
func WithBus(b bus.Bus) Option {
	return func(s *Server) { s.bus = b }
}

// New creates a server with all dependencies. m may be nil.
func New(cfg Config, appCfg config.Config, log *logger.Logger, m *metrics.Metrics, opts ...Option) (*Server, error) {
	if cfg.Port == 0 {
		d := DefaultConfig()
		d.Version, d.Commit = cfg.Version, cfg.Commit
		cfg = d
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	if log == nil {
		log = logger.Default()
	}

	s := &Server{
		cfg:     cfg,
		appCfg:  appCfg,
		log:     log,
		metrics: m,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.bus == nil {
		b, err := bus.NewBus(appCfg.Bus, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create intake bus: %w", err)
		}
		s.bus = b
	}
	if m != nil {
		s.bus = bus.NewInstrumentedBus(s.bus, m)
	}

	s.hub = hub.New(hub.Config{
		HeartbeatInterval: appCfg.Stream.HeartbeatInterval,
		ClientTimeout:     appCfg.Stream.ClientTimeout,
		BufferSize:        appCfg.Stream.BufferSize,
		RateWindow:        appCfg.Filter.RateWindow,
		RateMax:           appCfg.Filter.RateMax,
	}, log, m)

	streamCfg := stream.DefaultConfig()
	if appCfg.Stream.Name != "" {
		streamCfg.Name = appCfg.Stream.Name
	}
	if appCfg.Stream.Path != "" {
		streamCfg.Path = appCfg.Stream.Path
	}
	if appCfg.Stream.MaxBodyBytes > 0 {
		streamCfg.MaxBodyBytes = appCfg.Stream.MaxBodyBytes
	}
	if appCfg.Bus.Topic != "" {
		streamCfg.Topic = appCfg.Bus.Topic
	}
	streamCfg.CORS = appCfg.Stream.CORS
	streamCfg.AllowedOrigins = appCfg.CORSOrigins()
	s.endpoint = stream.New(streamCfg, s.hub, s.bus, log, m)

	if appCfg.Security.RateLimit > 0 {
		rlCfg := middleware.DefaultRateLimiterConfig()
		rlCfg.RequestsPerSecond = float64(appCfg.Security.RateLimit)
		rlCfg.Burst = appCfg.Security.RateLimit * 2
		s.limiter = middleware.NewRateLimiter(rlCfg)
	}

	s.handler = s.setupRoutes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the subscriber hub.
func (s *Server) Hub() *hub.Hub { return s.hub }

// Endpoint returns the stream endpoint.
func (s *Server) Endpoint() *stream.Endpoint { return s.endpoint }

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve subscribes the endpoint to the intake bus and serves HTTP on ln.
// It returns nil after a graceful Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server already started")
	}
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server stopped")
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if err := s.endpoint.ConsumeBus(ctx, s.bus); err != nil {
		s.mu.Unlock()
		cancel()
		ln.Close()
		return fmt.Errorf("failed to subscribe to intake bus: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.ready.Store(true)
	s.log.Info("Starting HTTP server", "addr", ln.Addr().String(), "stream", s.endpoint.Path())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.ready.Store(false)
		return err
	}
	return nil
}

// Stop drains the server: readiness fails first, open streams are closed
// by the endpoint shutdown, then the HTTP server and the bus are released.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	s.ready.Store(false)

	s.log.Info("Shutting down server...")

	s.endpoint.Shutdown()

	var errs []error
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
			errs = append(errs, err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.log.Warn("bus close error", "error", err)
			errs = append(errs, err)
		}
	}

	s.log.Info("Server stopped")
	return errors.Join(errs...)
}

// Ready reports whether the server accepts traffic.
func (s *Server) Ready() bool {
	return s.ready.Load() && !s.hub.IsClosed()
}
