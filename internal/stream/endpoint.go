// Package stream adapts HTTP onto the subscriber hub: a Server-Sent Events
// stream per connection, plus a POST channel for filter updates and client
// log ingestion on the same path.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ricesearch/logstream/internal/bus"
	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/hub"
	"github.com/ricesearch/logstream/internal/logevent"
	"github.com/ricesearch/logstream/internal/metrics"
	reqctx "github.com/ricesearch/logstream/internal/pkg/context"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/pkg/security"
)

// SessionHeader carries the session id on POST requests that do not name
// it in the body.
const SessionHeader = "X-Session-ID"

// Config configures an Endpoint.
type Config struct {
	// Name identifies the endpoint in diagnostics.
	Name string

	// Path is the single path the endpoint serves.
	Path string

	// CORS enables cross-origin headers.
	CORS bool

	// AllowedOrigins restricts CORS. Empty or "*" allows any origin.
	AllowedOrigins []string

	// MaxBodyBytes limits POST bodies.
	MaxBodyBytes int64

	// QueueSize bounds POST bodies accepted but not yet processed.
	QueueSize int

	// Topic is the intake bus topic for ingested log events.
	Topic string

	// PublishTimeout bounds one intake publish.
	PublishTimeout time.Duration
}

// DefaultConfig returns endpoint defaults.
func DefaultConfig() Config {
	return Config{
		Name:           "logstream",
		Path:           "/v1/logs/stream",
		CORS:           true,
		MaxBodyBytes:   1 << 20,
		QueueSize:      1024,
		Topic:          bus.TopicLogEvent,
		PublishTimeout: 5 * time.Second,
	}
}

// Diagnostics merges endpoint identity with the hub snapshot.
type Diagnostics struct {
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	CORS          bool      `json:"cors"`
	Started       time.Time `json:"started"`
	IngestBatches int64     `json:"ingestBatches"`
	ClientDropped int64     `json:"clientDropped"`
	QueueDepth    int       `json:"queueDepth"`

	hub.Diagnostics
}

// Endpoint serves one stream path.
type Endpoint struct {
	cfg     Config
	hub     *hub.Hub
	bus     bus.Bus
	log     *logger.Logger
	metrics *metrics.Metrics

	started       time.Time
	ingestBatches atomic.Int64
	clientDropped atomic.Int64

	mu        sync.RWMutex
	closed    bool
	jobs      chan job
	workDone  chan struct{}
	consumers []context.CancelFunc

	shutdownOnce sync.Once
}

// New creates an endpoint in front of h. Ingested log events are published
// on b; with a nil bus they are broadcast directly. m may be nil.
func New(cfg Config, h *hub.Hub, b bus.Bus, log *logger.Logger, m *metrics.Metrics) *Endpoint {
	d := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = d.Path
	}
	if cfg.Name == "" {
		cfg.Name = d.Name
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = d.MaxBodyBytes
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Topic == "" {
		cfg.Topic = d.Topic
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = d.PublishTimeout
	}
	if log == nil {
		log = logger.Default()
	}

	e := &Endpoint{
		cfg:      cfg,
		hub:      h,
		bus:      b,
		log:      log.WithComponent("stream"),
		metrics:  m,
		started:  time.Now(),
		jobs:     make(chan job, cfg.QueueSize),
		workDone: make(chan struct{}),
	}
	go e.work()
	return e
}

// Path returns the served path.
func (e *Endpoint) Path() string { return e.cfg.Path }

// Hub returns the hub behind the endpoint.
func (e *Endpoint) Hub() *hub.Hub { return e.hub }

// ServeHTTP implements http.Handler.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != e.cfg.Path {
		apperrors.WriteError(w, apperrors.NotFoundError("route"))
		return
	}

	switch r.Method {
	case http.MethodOptions:
		if e.cfg.CORS {
			e.setCORS(w, r)
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		e.handleStream(w, r)
	case http.MethodPost:
		e.handlePost(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		apperrors.WriteErrorWithStatus(w, http.StatusMethodNotAllowed,
			apperrors.New(apperrors.CodeInvalidRequest, "method not allowed"))
	}
}

func (e *Endpoint) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	allowed := "*"
	if len(e.cfg.AllowedOrigins) > 0 && !containsOrigin(e.cfg.AllowedOrigins, "*") {
		if !containsOrigin(e.cfg.AllowedOrigins, origin) {
			return
		}
		allowed = origin
		w.Header().Add("Vary", "Origin")
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", allowed)
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader)
	h.Set("Access-Control-Max-Age", "600")
}

func containsOrigin(list []string, origin string) bool {
	for _, o := range list {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (e *Endpoint) handleStream(w http.ResponseWriter, r *http.Request) {
	spec, err := filter.FromQuery(r.URL.Query())
	if err != nil {
		apperrors.WriteError(w, err)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		apperrors.WriteError(w, apperrors.StreamError("streaming not supported", nil))
		return
	}

	id := uuid.NewString()
	session, err := e.hub.AddClient(id, hub.WithInitialFilter(spec))
	if err != nil {
		switch {
		case apperrors.IsUnavailable(err):
			apperrors.WriteError(w, apperrors.ServiceUnavailableError("stream"))
		case apperrors.IsAlreadyExists(err):
			e.log.Warn("session id collision", "session", id)
			apperrors.WriteError(w, apperrors.InternalError("session id collision", err))
		default:
			apperrors.WriteError(w, err)
		}
		return
	}

	ctx := logger.IntoContext(reqctx.WithSessionID(r.Context(), id), e.log)
	start := time.Now()
	defer func() {
		e.hub.Detach(session)
		e.metrics.RecordStreamDuration(time.Since(start))
	}()

	if e.cfg.CORS {
		e.setCORS(w, r)
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	e.pump(ctx, sw, session, spec, r.RemoteAddr)
}

// pump writes the session's frames until the client goes away or the hub
// closes the session.
func (e *Endpoint) pump(ctx context.Context, sw *sseWriter, session *hub.Session, spec filter.Spec, remote string) {
	log := logger.FromContext(ctx).WithSession(reqctx.GetSessionID(ctx))
	start := time.Now()
	log.Debug("stream opened", "filter", spec.String(), "remote", security.SanitizeForLog(remote))
	defer func() {
		log.Debug("stream closed", "duration", time.Since(start))
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-session.Out():
			if !ok {
				return
			}
			if err := sw.WriteFrame(f); err != nil {
				log.Debug("stream write failed", "error", err)
				return
			}
		}
	}
}

func (e *Endpoint) handlePost(w http.ResponseWriter, r *http.Request) {
	if e.cfg.CORS {
		e.setCORS(w, r)
	}

	r.Body = http.MaxBytesReader(w, r.Body, e.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apperrors.WriteErrorWithStatus(w, http.StatusRequestEntityTooLarge,
				apperrors.New(apperrors.CodeInvalidRequest, "request body too large"))
			return
		}
		apperrors.WriteError(w, apperrors.InvalidRequestError("failed to read body"))
		return
	}

	j, err := decodeRequest(body, r.Header.Get(SessionHeader))
	if err != nil {
		apperrors.WriteError(w, apperrors.Wrap(apperrors.CodeInvalidRequest, err.Error(), err))
		return
	}

	if err := e.enqueue(j); err != nil {
		apperrors.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
}

func (e *Endpoint) enqueue(j job) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return apperrors.ServiceUnavailableError("stream")
	}

	select {
	case e.jobs <- j:
		return nil
	default:
		e.log.Warn("intake queue full, rejecting request", "session", j.sessionID)
		return apperrors.ServiceUnavailableError("intake queue")
	}
}

// work processes accepted POST bodies in arrival order.
func (e *Endpoint) work() {
	defer close(e.workDone)
	for j := range e.jobs {
		e.process(j)
	}
}

func (e *Endpoint) process(j job) {
	e.hub.Touch(j.sessionID)

	if j.batch == nil {
		e.dispatchControl(j.sessionID, j.frame)
		return
	}

	b := j.batch
	logs, controls := 0, 0
	for _, entry := range b.Entries {
		switch entry.Kind {
		case EntryLog:
			if entry.Event == nil {
				continue
			}
			ev := entry.Event.Normalize()
			if ev.Source == "" {
				ev.Source = j.sessionID
			}
			e.publish(ev)
			logs++
		case EntryControl:
			e.dispatchControl(j.sessionID, entry.Frame)
			controls++
		default:
			e.log.Debug("skipping unknown entry kind", "session", j.sessionID,
				"kind", security.SanitizeForLogWithLength(entry.Kind, 32))
		}
	}

	if b.Dropped > 0 {
		e.clientDropped.Add(b.Dropped)
		e.log.Debug("client reported dropped entries", "session", j.sessionID, "dropped", b.Dropped)
	}
	e.ingestBatches.Add(1)
	e.metrics.RecordIngest(logs, controls, b.Dropped)
}

func (e *Endpoint) dispatchControl(sessionID string, frame json.RawMessage) {
	resp := e.hub.HandleFilterUpdate(sessionID, frame)
	if resp != nil && resp.IsError() {
		e.log.Debug("filter update rejected", "session", sessionID, "tag", security.SanitizeForLog(resp.Tag), "code", resp.Code)
	}
}

func (e *Endpoint) publish(ev logevent.Event) {
	if e.bus == nil {
		e.BroadcastLog(ev)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PublishTimeout)
	defer cancel()
	if err := e.bus.Publish(ctx, e.cfg.Topic, ev); err != nil {
		e.log.Warn("failed to publish ingested event", "event_id", ev.ID, "error", err)
	}
}

// ConsumeBus broadcasts every event published on the intake topic of b.
// The subscription ends when ctx is cancelled or the endpoint shuts down.
func (e *Endpoint) ConsumeBus(ctx context.Context, b bus.Bus) error {
	ctx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return apperrors.ServiceUnavailableError("stream")
	}
	e.consumers = append(e.consumers, cancel)
	e.mu.Unlock()

	err := b.Subscribe(ctx, e.cfg.Topic, func(_ context.Context, ev bus.Event) error {
		e.BroadcastLog(ev)
		return nil
	})
	if err != nil {
		cancel()
		return err
	}
	e.log.Info("consuming intake bus", "topic", e.cfg.Topic)
	return nil
}

// BroadcastLog delivers ev to matching sessions and returns the number of
// recipients.
func (e *Endpoint) BroadcastLog(ev logevent.Event) int {
	return e.hub.Broadcast(ev)
}

// Diagnostics returns endpoint and hub state.
func (e *Endpoint) Diagnostics() Diagnostics {
	return Diagnostics{
		Name:          e.cfg.Name,
		Path:          e.cfg.Path,
		CORS:          e.cfg.CORS,
		Started:       e.started,
		IngestBatches: e.ingestBatches.Load(),
		ClientDropped: e.clientDropped.Load(),
		QueueDepth:    len(e.jobs),
		Diagnostics:   e.hub.Diagnostics(),
	}
}

// Shutdown stops intake and finishes every POST already accepted, then
// cancels bus subscriptions and shuts the hub down. Safe to call more than
// once.
func (e *Endpoint) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.jobs)
		consumers := e.consumers
		e.consumers = nil
		e.mu.Unlock()

		<-e.workDone
		for _, cancel := range consumers {
			cancel()
		}
		e.hub.Shutdown()
		e.log.Info("endpoint shut down")
	})
}
