// Package grpcserver exposes the standard gRPC health service for the
// logstream server, so orchestrators and gRPC-aware load balancers can probe
// it. The reported status follows the readiness of the stream hub.
package grpcserver

import (
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/ricesearch/logstream/internal/pkg/logger"
)

// ServiceName is the health service name reported for the stream.
const ServiceName = "logstream.v1.Stream"

// ReadinessSource reports whether the server accepts traffic.
type ReadinessSource interface {
	Ready() bool
}

// ReadinessFunc adapts a function to ReadinessSource.
type ReadinessFunc func() bool

// Ready calls f.
func (f ReadinessFunc) Ready() bool { return f() }

// Config holds the gRPC server configuration.
type Config struct {
	// TCPAddr is the TCP address to listen on (e.g., ":50051").
	TCPAddr string

	// UnixSocketPath is the Unix socket path for local connections.
	// Empty string disables Unix socket listening.
	UnixSocketPath string

	// PollInterval is how often readiness is sampled.
	PollInterval time.Duration

	// Reflection registers the server reflection service.
	Reflection bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		TCPAddr:      ":50051",
		PollInterval: time.Second,
	}
}

// Server serves grpc.health.v1 for the logstream server.
type Server struct {
	cfg    Config
	log    *logger.Logger
	source ReadinessSource

	grpcServer *grpc.Server
	health     *health.Server

	tcpListener  net.Listener
	unixListener net.Listener

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a gRPC health server driven by source.
func New(cfg Config, log *logger.Logger, source ReadinessSource) *Server {
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = DefaultConfig().TCPAddr
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		cfg:    cfg,
		log:    log.WithComponent("grpc"),
		source: source,
		health: health.NewServer(),
		stop:   make(chan struct{}),
	}
}

// Start binds the listeners and serves in the background.
func (s *Server) Start() error {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  10 * time.Second,
			Timeout:               3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	s.grpcServer = grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	if s.cfg.Reflection {
		reflection.Register(s.grpcServer)
	}
	s.refresh()

	tcpLis, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP %s: %w", s.cfg.TCPAddr, err)
	}
	s.tcpListener = tcpLis
	s.log.Info("gRPC health server listening on TCP", "addr", tcpLis.Addr().String())

	go func() {
		if err := s.grpcServer.Serve(tcpLis); err != nil {
			s.log.Error("TCP server error", "error", err)
		}
	}()

	if s.cfg.UnixSocketPath != "" && runtime.GOOS != "windows" {
		_ = os.Remove(s.cfg.UnixSocketPath)

		unixLis, err := net.Listen("unix", s.cfg.UnixSocketPath)
		if err != nil {
			s.log.Warn("Failed to listen on Unix socket", "path", s.cfg.UnixSocketPath, "error", err)
		} else {
			s.unixListener = unixLis
			_ = os.Chmod(s.cfg.UnixSocketPath, 0666)
			s.log.Info("gRPC health server listening on Unix socket", "path", s.cfg.UnixSocketPath)

			go func() {
				if err := s.grpcServer.Serve(unixLis); err != nil {
					s.log.Error("Unix socket server error", "error", err)
				}
			}()
		}
	}

	s.wg.Add(1)
	go s.watch()

	return nil
}

// Addr returns the bound TCP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// watch mirrors readiness into the health service until Stop.
func (s *Server) watch() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.source == nil || s.source.Ready() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop reports NOT_SERVING to watchers and gracefully stops the server.
// Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.health.Shutdown()

		if s.grpcServer != nil {
			s.log.Info("Stopping gRPC server...")
			s.grpcServer.GracefulStop()
		}
		if s.unixListener != nil {
			_ = os.Remove(s.cfg.UnixSocketPath)
		}
	})
}
