// Package transport is the outbound client side of a log stream. It buffers
// locally produced log entries and filter requests, flushes them to the
// server on size or time thresholds, subscribes to the session's event
// stream, and resolves filter requests when their ack or error arrives.
package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ricesearch/logstream/internal/client"
	"github.com/ricesearch/logstream/internal/config"
	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/logevent"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/stream"
)

// Errors returned by the transport.
var (
	ErrStopped       = apperrors.New(apperrors.CodeUnavailable, "transport stopped")
	ErrNotSubscribed = apperrors.New(apperrors.CodeInvalidRequest, "transport has no stream session")
)

// Config configures a Transport.
type Config struct {
	// ServerURL is the logstream server base URL.
	ServerURL string

	// StreamPath is the stream endpoint path.
	StreamPath string

	// Subscribe opens the event stream on Start. Filter requests need it.
	Subscribe bool

	// Filter is the initial stream filter.
	Filter filter.Spec

	// Source tags events sent through the transport.
	Source string

	// Branch is the default branch of records mirrored by Handler.
	Branch string

	// Level is the minimum level mirrored by Handler.
	Level slog.Level

	BufferCapacity int
	FlushThreshold int
	FlushInterval  time.Duration
	FilterTimeout  time.Duration
	ConnectTimeout time.Duration
	BeaconTimeout  time.Duration

	// Sender overrides the reliable sender. The beacon path wraps it too.
	Sender Sender
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		ServerURL:      "http://localhost:8080",
		StreamPath:     client.DefaultStreamPath,
		Subscribe:      true,
		Filter:         filter.MatchAll(),
		Level:          slog.LevelInfo,
		BufferCapacity: 200,
		FlushThreshold: 5,
		FlushInterval:  500 * time.Millisecond,
		FilterTimeout:  5 * time.Second,
		ConnectTimeout: 10 * time.Second,
		BeaconTimeout:  time.Second,
	}
}

// FromConfig maps the client section of the application config.
func FromConfig(cfg config.Config) Config {
	c := DefaultConfig()
	c.ServerURL = cfg.Client.ServerURL
	c.StreamPath = cfg.Stream.Path
	c.BufferCapacity = cfg.Client.BufferCapacity
	c.FlushThreshold = cfg.Client.FlushThreshold
	c.FlushInterval = cfg.Client.FlushInterval
	c.FilterTimeout = cfg.Client.FilterTimeout
	c.ConnectTimeout = cfg.Client.ConnectTimeout
	c.BeaconTimeout = cfg.Client.BeaconTimeout
	return c
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ServerURL == "" {
		c.ServerURL = d.ServerURL
	}
	if c.StreamPath == "" {
		c.StreamPath = d.StreamPath
	}
	if c.Filter.Kind == "" {
		c.Filter = d.Filter
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = d.BufferCapacity
	}
	if c.FlushThreshold <= 0 {
		c.FlushThreshold = d.FlushThreshold
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.FilterTimeout <= 0 {
		c.FilterTimeout = d.FilterTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.BeaconTimeout <= 0 {
		c.BeaconTimeout = d.BeaconTimeout
	}
}

// Stats is a snapshot of transport counters.
type Stats struct {
	SessionID        string        `json:"sessionId"`
	Running          bool          `json:"running"`
	Subscribed       bool          `json:"subscribed"`
	Buffered         int           `json:"buffered"`
	Dropped          int64         `json:"dropped"`
	Flushes          int64         `json:"flushes"`
	FlushFailures    int64         `json:"flushFailures"`
	LastFlushLatency time.Duration `json:"lastFlushLatency"`
	PendingFilters   int           `json:"pendingFilters"`
	LastHeartbeat    time.Time     `json:"lastHeartbeat"`
}

// Transport is the client-side outbound transport.
type Transport struct {
	log *logger.Logger

	// lifecycle serializes Start, Stop and UpdateOptions.
	lifecycle sync.Mutex

	// flushMu keeps batches in order on the wire.
	flushMu sync.Mutex

	mu         sync.Mutex
	cfg        Config
	client     *client.Client
	sender     Sender
	beacon     *beaconSender
	running    bool
	subscribed bool
	sessionID  string
	buf        *buffer
	timer      *time.Timer
	flushCh    chan struct{}
	cancel     context.CancelFunc

	current    filter.Spec
	hasCurrent bool
	pending    map[string]*pendingRequest
	group      singleflight.Group

	nextListener    uint64
	filterListeners map[uint64]func(filter.Spec)
	eventListeners  map[uint64]func(logevent.Event)

	flushes       int64
	flushFailures int64
	lastLatency   time.Duration
	lastHeartbeat time.Time

	wg sync.WaitGroup
}

// New creates a stopped transport.
func New(cfg Config, log *logger.Logger) *Transport {
	if log == nil {
		log = logger.Default()
	}
	t := &Transport{
		log:             log.WithComponent("transport"),
		pending:         make(map[string]*pendingRequest),
		filterListeners: make(map[uint64]func(filter.Spec)),
		eventListeners:  make(map[uint64]func(logevent.Event)),
	}
	t.configure(cfg)
	return t
}

// configure installs cfg. Callers hold t.mu or own t exclusively.
func (t *Transport) configure(cfg Config) {
	cfg.applyDefaults()
	t.cfg = cfg
	t.client = client.New(client.Config{
		BaseURL:    cfg.ServerURL,
		StreamPath: cfg.StreamPath,
	})
	t.sender = cfg.Sender
	if t.sender == nil {
		t.sender = &httpSender{client: t.client}
	}
	t.beacon = newBeaconSender(t.sender, cfg.BeaconTimeout, t.log)
	t.buf = newBuffer(cfg.BufferCapacity)
}

// Start opens the stream subscription when configured, waits for the
// session id, and begins accepting entries. Starting a running transport
// is a no-op.
func (t *Transport) Start(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	cfg := t.cfg
	t.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	sessionID := uuid.NewString()
	var initial *filter.Spec
	if cfg.Subscribe {
		id, spec, err := t.subscribe(ctx, runCtx, cfg)
		if err != nil {
			cancel()
			t.wg.Wait()
			return err
		}
		sessionID, initial = id, spec
	}

	flushCh := make(chan struct{}, 1)
	t.mu.Lock()
	t.running = true
	t.subscribed = cfg.Subscribe
	t.sessionID = sessionID
	t.cancel = cancel
	t.flushCh = flushCh
	if initial != nil {
		t.current, t.hasCurrent = *initial, true
	}
	t.mu.Unlock()

	t.wg.Add(1)
	go t.flushLoop(runCtx, flushCh)

	t.log.Info("transport started", "session", sessionID, "server", cfg.ServerURL, "subscribed", cfg.Subscribe)
	return nil
}

// Stop rejects pending filter requests with ErrStopped, hands the remaining
// buffer to the beacon sender and releases every goroutine. A flush already
// on the wire completes first. Safe to call more than once.
func (t *Transport) Stop() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	t.flushMu.Lock()
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		t.flushMu.Unlock()
		return
	}
	t.running = false
	t.subscribed = false
	entries, dropped := t.buf.take()
	sessionID := t.sessionID
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.stopTimerLocked()
	cancel := t.cancel
	beacon := t.beacon
	t.mu.Unlock()
	t.flushMu.Unlock()

	for _, p := range pending {
		p.settle(filterResult{err: ErrStopped})
	}
	t.sendBeacon(beacon, sessionID, entries, dropped)

	cancel()
	t.wg.Wait()
	beacon.wait()
	t.log.Info("transport stopped", "session", sessionID)
}

// IsRunning reports whether the transport accepts entries.
func (t *Transport) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// UpdateOptions replaces the configuration, restarting the transport when
// it was running.
func (t *Transport) UpdateOptions(cfg Config) error {
	wasRunning := t.IsRunning()
	if wasRunning {
		t.Stop()
	}

	t.lifecycle.Lock()
	t.mu.Lock()
	t.configure(cfg)
	t.hasCurrent = false
	t.mu.Unlock()
	t.lifecycle.Unlock()

	if wasRunning {
		return t.Start(context.Background())
	}
	return nil
}

// SessionID returns the stream session id, or the producer id when the
// transport does not subscribe.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Send buffers ev for delivery. It reports false when the transport is
// not running.
func (t *Transport) Send(ev logevent.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	if ev.Source == "" {
		ev.Source = t.cfg.Source
	}
	t.enqueueLocked(stream.LogEntry(ev.Normalize()), false)
	return true
}

// enqueueLocked buffers e and schedules a flush: immediately at the
// threshold or for control entries, otherwise on the single flush timer.
// Callers hold t.mu.
func (t *Transport) enqueueLocked(e stream.Entry, immediate bool) {
	// No logging here: the transport may be mirroring its own logger.
	t.buf.push(e)
	if immediate || t.buf.len() >= t.cfg.FlushThreshold {
		t.signalFlushLocked()
		return
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.cfg.FlushInterval, t.timerFired)
	}
}

func (t *Transport) timerFired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = nil
	if t.running {
		t.signalFlushLocked()
	}
}

func (t *Transport) signalFlushLocked() {
	t.stopTimerLocked()
	select {
	case t.flushCh <- struct{}{}:
	default:
	}
}

func (t *Transport) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Transport) flushLoop(ctx context.Context, flushCh <-chan struct{}) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-flushCh:
			if err := t.Flush(ctx); err != nil && ctx.Err() == nil {
				t.log.Warn("flush failed", "error", err)
			}
		}
	}
}

// Flush sends the buffered entries with the reliable sender. On failure
// the entries are counted as dropped and reported by the next payload.
func (t *Transport) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrStopped
	}
	entries, dropped := t.buf.take()
	t.stopTimerLocked()
	sessionID := t.sessionID
	sender := t.sender
	t.mu.Unlock()

	if len(entries) == 0 && dropped == 0 {
		return nil
	}

	batch := stream.Batch{
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Dropped:   dropped,
		Entries:   entries,
	}
	start := time.Now()
	err := sender.Send(ctx, batch)
	latency := time.Since(start)

	t.mu.Lock()
	t.flushes++
	t.lastLatency = latency
	if err != nil {
		t.flushFailures++
		t.buf.addDropped(int64(len(entries)) + dropped)
	}
	t.mu.Unlock()

	if err != nil {
		return apperrors.StreamError("flush failed", err)
	}
	return nil
}

// Teardown hands the buffered entries to the beacon sender without
// waiting for delivery. The transport keeps running.
func (t *Transport) Teardown() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	entries, dropped := t.buf.take()
	t.stopTimerLocked()
	sessionID := t.sessionID
	beacon := t.beacon
	t.mu.Unlock()

	t.sendBeacon(beacon, sessionID, entries, dropped)
}

func (t *Transport) sendBeacon(beacon *beaconSender, sessionID string, entries []stream.Entry, dropped int64) {
	if len(entries) == 0 && dropped == 0 {
		return
	}
	_ = beacon.Send(context.Background(), stream.Batch{
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
		Dropped:   dropped,
		Entries:   entries,
	})
}

// OnEvent registers fn for log events received on the stream. The returned
// function unregisters it.
func (t *Transport) OnEvent(fn func(logevent.Event)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.eventListeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.eventListeners, id)
	}
}

// OnFiltersChanged registers fn for changes of the active server filter.
// The returned function unregisters it.
func (t *Transport) OnFiltersChanged(fn func(filter.Spec)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextListener
	t.nextListener++
	t.filterListeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.filterListeners, id)
	}
}

// Stats returns a snapshot of transport counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		SessionID:        t.sessionID,
		Running:          t.running,
		Subscribed:       t.subscribed,
		Buffered:         t.buf.len(),
		Dropped:          t.buf.total,
		Flushes:          t.flushes,
		FlushFailures:    t.flushFailures,
		LastFlushLatency: t.lastLatency,
		PendingFilters:   len(t.pending),
		LastHeartbeat:    t.lastHeartbeat,
	}
}
