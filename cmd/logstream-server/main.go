// Package main provides the logstream server binary.
// It serves the log event stream over HTTP (SSE) and an optional gRPC
// health service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ricesearch/logstream/internal/config"
	"github.com/ricesearch/logstream/internal/grpcserver"
	"github.com/ricesearch/logstream/internal/metrics"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "logstream-server",
		Short: "Logstream Server - real-time log event distribution",
		Long: `Logstream Server fans log events out to connected subscribers.

The server exposes:
  - SSE stream on /v1/logs/stream (configurable) with per-session filters
  - Ingestion and filter updates via POST on the same path
  - Health, readiness, diagnostics and Prometheus metrics over HTTP
  - gRPC health service (optional)

Examples:
  logstream-server                          # Start with defaults
  logstream-server --http-port 9090         # Custom HTTP port
  logstream-server --grpc-port 50051        # Enable gRPC health
  logstream-server --bus redis              # Take intake from Redis Streams`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("http-port", 8080, "HTTP server port")
	rootCmd.Flags().Int("grpc-port", 0, "gRPC health port (0 disables)")
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().String("unix-socket", "", "gRPC Unix socket path (disabled on Windows)")
	rootCmd.Flags().String("bus", "", "intake bus type (memory, kafka, redis)")
	rootCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "graceful shutdown timeout")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("logstream-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags override config
	if cmd.Flags().Changed("http-port") {
		appCfg.Port, _ = cmd.Flags().GetInt("http-port")
	}
	if cmd.Flags().Changed("grpc-port") {
		appCfg.GRPCPort, _ = cmd.Flags().GetInt("grpc-port")
	}
	if cmd.Flags().Changed("host") {
		appCfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("bus") {
		appCfg.Bus.Type, _ = cmd.Flags().GetString("bus")
	}
	if verbose {
		appCfg.Log.Level = "debug"
	}
	if err := appCfg.Validate(); err != nil {
		return err
	}

	log := logger.New(appCfg.Log.Level, appCfg.Log.Format)
	log.Info("Starting Logstream Server",
		"version", version,
		"http_port", appCfg.Port,
		"grpc_port", appCfg.GRPCPort,
		"bus", appCfg.Bus.Type,
	)

	var metricsSvc *metrics.Metrics
	if appCfg.Observability.MetricsEnabled {
		metricsSvc = metrics.New()
		defer func() { _ = metricsSvc.Close() }()
	}

	srvCfg := server.DefaultConfig()
	srvCfg.Host = appCfg.Host
	srvCfg.Port = appCfg.Port
	srvCfg.Version = version
	srvCfg.Commit = commit
	srvCfg.ShutdownTimeout, _ = cmd.Flags().GetDuration("shutdown-timeout")

	srv, err := server.New(srvCfg, *appCfg, log, metricsSvc)
	if err != nil {
		return err
	}

	var grpcSrv *grpcserver.Server
	if addr := appCfg.GRPCAddress(); addr != "" {
		unixSocket, _ := cmd.Flags().GetString("unix-socket")
		grpcSrv = grpcserver.New(grpcserver.Config{
			TCPAddr:        addr,
			UnixSocketPath: unixSocket,
			Reflection:     appCfg.IsDevelopment(),
		}, log, srv)
		if err := grpcSrv.Start(); err != nil {
			_ = srv.Stop(context.Background())
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")

		if grpcSrv != nil {
			grpcSrv.Stop()
		}
		return srv.Stop(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error("Server exited with error", "error", err)
		return err
	}
	log.Info("Server stopped cleanly")
	return nil
}
