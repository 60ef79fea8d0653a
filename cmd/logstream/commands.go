package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/logevent"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/transport"
)

func tailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the event stream",
		Long: `Follow the event stream with an initial filter.

Examples:
  logstream tail
  logstream tail --branches api,worker --levels error,fatal
  logstream tail --keywords timeout --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := clientSetup(cmd)
			if err != nil {
				return err
			}
			spec, err := specFromFlags(cmd)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")

			cfg.Subscribe = true
			cfg.Filter = spec
			return follow(cmd.OutOrStdout(), cfg, log, format, nil)
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().String("format", "text", "output format (text, json)")
	return cmd
}

func filterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Open a session and change its filter through the update protocol",
		Long: `Open a session with no restriction, then request the given filter
with a filter:update frame and print the filter the server applied.
With --follow the session keeps printing matching events.

Examples:
  logstream filter --levels error
  logstream filter --keywords oom,panic --follow`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := clientSetup(cmd)
			if err != nil {
				return err
			}
			spec, err := specFromFlags(cmd)
			if err != nil {
				return err
			}
			followFlag, _ := cmd.Flags().GetBool("follow")
			format, _ := cmd.Flags().GetString("format")
			out := cmd.OutOrStdout()

			cfg.Subscribe = true
			cfg.Filter = filter.MatchAll()

			apply := func(ctx context.Context, t *transport.Transport) error {
				applied, err := t.SetFilters(ctx, spec)
				if err != nil {
					return explain(err, cfg)
				}
				data, _ := json.Marshal(applied)
				fmt.Fprintf(out, "applied %s\n", data)
				return nil
			}

			if followFlag {
				return follow(out, cfg, log, format, apply)
			}

			ctx, cancel := signalContext()
			defer cancel()
			t := transport.New(cfg, log)
			if err := t.Start(ctx); err != nil {
				return explain(err, cfg)
			}
			defer t.Stop()
			return apply(ctx, t)
		},
	}
	addFilterFlags(cmd)
	cmd.Flags().Bool("follow", false, "keep printing events after the filter is applied")
	cmd.Flags().String("format", "text", "output format (text, json)")
	return cmd
}

// explain adds a hint for the failures a user can act on.
func explain(err error, cfg transport.Config) error {
	switch {
	case apperrors.IsNotFound(err):
		return fmt.Errorf("no stream endpoint at %s%s (check --server and --path): %w", cfg.ServerURL, cfg.StreamPath, err)
	case apperrors.IsValidation(err):
		return fmt.Errorf("filter rejected: %w", err)
	case apperrors.IsTimeout(err):
		return fmt.Errorf("server at %s did not answer in time: %w", cfg.ServerURL, err)
	case apperrors.IsUnavailable(err):
		return fmt.Errorf("server at %s is shutting down: %w", cfg.ServerURL, err)
	default:
		return err
	}
}

// follow subscribes with cfg, optionally runs setup, and prints events
// until interrupted.
func follow(out io.Writer, cfg transport.Config, log *logger.Logger, format string, setup func(context.Context, *transport.Transport) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	t := transport.New(cfg, log)
	if err := t.Start(ctx); err != nil {
		return explain(err, cfg)
	}
	defer t.Stop()

	events := make(chan logevent.Event, 256)
	t.OnEvent(func(ev logevent.Event) {
		select {
		case events <- ev:
		default:
			log.Warn("output too slow, skipping event", "id", ev.ID)
		}
	})
	t.OnFiltersChanged(func(spec filter.Spec) {
		log.Info("filter changed", "filter", spec.String())
	})

	if setup != nil {
		if err := setup(ctx, t); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := printEvent(out, ev, format); err != nil {
				return err
			}
		}
	}
}

func printEvent(out io.Writer, ev logevent.Event, format string) error {
	if format == "json" {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	}
	ts := time.UnixMilli(ev.Timestamp).Format(time.RFC3339Nano)
	branch := ev.Branch
	if branch == "" {
		branch = "-"
	}
	_, err := fmt.Fprintf(out, "%s %-5s [%s] %s\n", ts, strings.ToUpper(ev.Level), branch, ev.Text())
	return err
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Publish log events",
		Long: `Publish each argument, or each line of stdin when no arguments are
given, as a log event. Buffered events are handed to the teardown sender on
interrupt or SIGTERM.

Examples:
  logstream send --level error --branch api "upstream timed out"
  tail -f app.log | logstream send --branch app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := clientSetup(cmd)
			if err != nil {
				return err
			}
			level, _ := cmd.Flags().GetString("level")
			branch, _ := cmd.Flags().GetString("branch")
			source, _ := cmd.Flags().GetString("source")

			cfg.Subscribe = false
			cfg.Source = source
			cfg.Branch = branch

			ctx, cancel := signalContext()
			defer cancel()

			t := transport.New(cfg, log)
			if err := t.Start(ctx); err != nil {
				return err
			}

			lines := make(chan string)
			go func() {
				defer close(lines)
				if len(args) > 0 {
					for _, a := range args {
						lines <- a
					}
					return
				}
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()

			sent := 0
			for {
				select {
				case <-ctx.Done():
					// Interrupted: hand off whatever is buffered and leave.
					t.Teardown()
					t.Stop()
					log.Info("interrupted", "sent", sent)
					return nil
				case line, ok := <-lines:
					if !ok {
						flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.FilterTimeout)
						err := t.Flush(flushCtx)
						flushCancel()
						t.Stop()
						if err != nil {
							return err
						}
						st := t.Stats()
						if st.Dropped > 0 {
							fmt.Fprintf(os.Stderr, "sent %d events, %d dropped\n", sent, st.Dropped)
						}
						return nil
					}
					if strings.TrimSpace(line) == "" {
						continue
					}
					t.Send(logevent.New(level, branch, line))
					sent++
				}
			}
		},
	}
	cmd.Flags().String("level", logevent.LevelInfo, "event level")
	cmd.Flags().String("branch", "", "event branch")
	cmd.Flags().String("source", "", "event source (defaults to the session id on the server)")
	return cmd
}
