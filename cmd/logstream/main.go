// Package main provides the logstream client binary: tail a stream with
// filters, send log lines, and change a live session's filter.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/logstream/internal/client"
	"github.com/ricesearch/logstream/internal/config"
	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/grpcclient"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/transport"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "logstream",
		Short: "Logstream - tail and feed a real-time log stream",
		Long: `logstream talks to a logstream server.

Run 'logstream tail' to follow events, 'logstream send' to publish lines
read from stdin, and 'logstream filter' to change filters on a live session.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringP("server", "s", "", "server URL (overrides config)")
	rootCmd.PersistentFlags().String("path", "", "stream path (overrides config)")

	rootCmd.AddCommand(
		tailCmd(),
		sendCmd(),
		filterCmd(),
		healthCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// clientSetup resolves configuration and logging shared by every command.
func clientSetup(cmd *cobra.Command) (transport.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	appCfg, err := config.Load(configPath)
	if err != nil {
		return transport.Config{}, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(os.Stderr, level, appCfg.Log.Format)

	cfg := transport.FromConfig(*appCfg)
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		cfg.ServerURL = s
	}
	if p, _ := cmd.Flags().GetString("path"); p != "" {
		cfg.StreamPath = p
	}
	return cfg, log, nil
}

// addFilterFlags registers the filter selection flags.
func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("branches", nil, "branches to include (comma-separated)")
	cmd.Flags().StringSlice("levels", nil, "levels to include (comma-separated)")
	cmd.Flags().StringSlice("keywords", nil, "keywords to match (comma-separated, exclusive with branches/levels)")
}

// specFromFlags builds a filter from the filter flags. Absent flags leave
// that axis unrestricted.
func specFromFlags(cmd *cobra.Command) (filter.Spec, error) {
	q := url.Values{}
	for _, name := range []string{"branches", "levels", "keywords"} {
		values, _ := cmd.Flags().GetStringSlice(name)
		if len(values) > 0 {
			q[name] = values
		}
	}
	return filter.FromQuery(q)
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func versionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("logstream %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)

			remote, _ := cmd.Flags().GetBool("remote")
			if !remote {
				return nil
			}
			cfg, _, err := clientSetup(cmd)
			if err != nil {
				return err
			}
			c := client.New(client.Config{BaseURL: cfg.ServerURL, StreamPath: cfg.StreamPath})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			v, err := c.Version(ctx)
			if err != nil {
				return fmt.Errorf("failed to query server: %w", err)
			}
			fmt.Printf("server %s (%s, %s)\n", v.Version, v.Commit, v.GoVersion)
			return nil
		},
	}
	cmd.Flags().Bool("remote", false, "also print the server version")
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe server health over HTTP and optionally gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := clientSetup(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			c := client.New(client.Config{BaseURL: cfg.ServerURL, StreamPath: cfg.StreamPath})
			h, err := c.Health(ctx)
			if err != nil {
				return fmt.Errorf("http health: %w", err)
			}
			fmt.Printf("http  %s %s\n", cfg.ServerURL, h.Status)

			addr, _ := cmd.Flags().GetString("grpc")
			if addr == "" {
				return nil
			}
			gc, err := grpcclient.New(grpcclient.Config{ServerAddress: addr})
			if err != nil {
				return err
			}
			defer gc.Close()
			status, err := gc.Check(ctx, "")
			if err != nil {
				return fmt.Errorf("grpc health: %w", err)
			}
			fmt.Printf("grpc  %s %s\n", gc.Address(), status)
			return nil
		},
	}
	cmd.Flags().String("grpc", "", `gRPC address to probe ("auto" tries the Unix socket first)`)
	return cmd
}
