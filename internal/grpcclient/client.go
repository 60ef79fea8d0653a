// Package grpcclient provides a gRPC health client for probing a logstream
// server over TCP or its local Unix socket.
package grpcclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Config holds the client configuration.
type Config struct {
	// ServerAddress is the server address.
	// Supports:
	//   - "localhost:50051" (TCP)
	//   - "unix:///tmp/logstream.sock" (Unix socket)
	//   - "auto" (try Unix socket first, fall back to TCP)
	ServerAddress string

	// UnixSocketPath is the default Unix socket path for auto-detection.
	UnixSocketPath string

	// TCPAddress is the default TCP address for auto-detection.
	TCPAddress string

	// Timeout bounds each health check.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ServerAddress:  "auto",
		UnixSocketPath: "/tmp/logstream.sock",
		TCPAddress:     "localhost:50051",
		Timeout:        5 * time.Second,
	}
}

// Client probes the grpc.health.v1 service.
type Client struct {
	cfg    Config
	addr   string
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// New creates a health client. The connection is established lazily on
// the first call.
func New(cfg Config) (*Client, error) {
	d := DefaultConfig()
	if cfg.ServerAddress == "" {
		cfg.ServerAddress = d.ServerAddress
	}
	if cfg.TCPAddress == "" {
		cfg.TCPAddress = d.TCPAddress
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}

	addr := cfg.resolveAddress()
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	target := addr
	if strings.HasPrefix(addr, "unix://") {
		socketPath := strings.TrimPrefix(addr, "unix://")
		opts = append(opts, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}))
		// The custom dialer ignores the target; passthrough keeps the
		// resolver from interpreting the path.
		target = "passthrough:///" + socketPath
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}

	return &Client{
		cfg:    cfg,
		addr:   addr,
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
	}, nil
}

// Address returns the resolved server address.
func (c *Client) Address() string { return c.addr }

// Close closes the client connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Check returns the serving status of service. An empty service asks for
// the server as a whole.
func (c *Client) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// Watch calls fn for every status change of service until ctx is done or
// the server ends the stream.
func (c *Client) Watch(ctx context.Context, service string, fn func(healthpb.HealthCheckResponse_ServingStatus)) error {
	stream, err := c.health.Watch(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health watch failed: %w", err)
	}
	for {
		resp, err := stream.Recv()
		if err == io.EOF || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("health watch failed: %w", err)
		}
		fn(resp.GetStatus())
	}
}

// resolveAddress resolves the server address based on configuration.
func (cfg *Config) resolveAddress() string {
	if cfg.ServerAddress != "auto" {
		return cfg.ServerAddress
	}

	// Auto-detect: try Unix socket first (non-Windows only)
	if runtime.GOOS != "windows" && cfg.UnixSocketPath != "" {
		if _, err := os.Stat(cfg.UnixSocketPath); err == nil {
			return "unix://" + cfg.UnixSocketPath
		}
	}

	return cfg.TCPAddress
}
