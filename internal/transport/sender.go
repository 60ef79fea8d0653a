package transport

import (
	"context"
	"sync"
	"time"

	"github.com/ricesearch/logstream/internal/client"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/stream"
)

// Sender delivers a flushed batch to the server.
type Sender interface {
	Send(ctx context.Context, batch stream.Batch) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, batch stream.Batch) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, batch stream.Batch) error { return f(ctx, batch) }

// httpSender is the reliable path: a POST whose outcome is awaited.
type httpSender struct {
	client *client.Client
}

func (s *httpSender) Send(ctx context.Context, batch stream.Batch) error {
	return s.client.PostBatch(ctx, batch)
}

// beaconSender is the teardown path. Send hands the batch off and returns
// at once; delivery is bounded by timeout and its result is only logged.
type beaconSender struct {
	next    Sender
	timeout time.Duration
	log     *logger.Logger
	wg      sync.WaitGroup
}

func newBeaconSender(next Sender, timeout time.Duration, log *logger.Logger) *beaconSender {
	return &beaconSender{next: next, timeout: timeout, log: log}
}

func (s *beaconSender) Send(_ context.Context, batch stream.Batch) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.next.Send(ctx, batch); err != nil {
			s.log.Debug("beacon delivery failed", "entries", len(batch.Entries), "error", err)
		}
	}()
	return nil
}

// wait blocks until in-flight beacons finish. Each is bounded by timeout.
func (s *beaconSender) wait() { s.wg.Wait() }
