// Package hub implements the subscriber hub: the set of connected stream
// sessions, broadcast fan-out through each session's filter predicate,
// heartbeat and timeout sweeps, and the per-session filter-update protocol.
package hub

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/logevent"
	"github.com/ricesearch/logstream/internal/metrics"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/logger"
	"github.com/ricesearch/logstream/internal/pkg/security"
)

// Errors returned to callers of AddClient.
var (
	ErrDuplicateSession = apperrors.AlreadyExistsError("session")
	ErrHubClosed        = apperrors.ServiceUnavailableError("hub")
)

// Config holds hub settings.
type Config struct {
	HeartbeatInterval time.Duration
	ClientTimeout     time.Duration
	BufferSize        int
	RateWindow        time.Duration
	RateMax           int

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		ClientTimeout:     45 * time.Second,
		BufferSize:        256,
		RateWindow:        5 * time.Second,
		RateMax:           3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ClientTimeout <= 0 {
		c.ClientTimeout = d.ClientTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.RateMax <= 0 {
		c.RateMax = d.RateMax
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// FilterUpdateStats counts filter update outcomes.
type FilterUpdateStats struct {
	Applied     int64 `json:"applied"`
	Rejected    int64 `json:"rejected"`
	Replayed    int64 `json:"replayed"`
	RateLimited int64 `json:"rateLimited"`
	Internal    int64 `json:"internal"`
}

// Diagnostics is a snapshot of hub state.
type Diagnostics struct {
	ActiveClients      int               `json:"activeClients"`
	TotalConnections   int64             `json:"totalConnections"`
	MessagesDispatched int64             `json:"messagesDispatched"`
	MessagesDropped    int64             `json:"messagesDropped"`
	FilterUpdates      FilterUpdateStats `json:"filterUpdates"`
	StartedAt          time.Time         `json:"startedAt"`
	UptimeMs           int64             `json:"uptimeMs"`
	Sessions           []SessionInfo     `json:"sessions"`
}

// Hub owns every connected session.
type Hub struct {
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	totalConnections   atomic.Int64
	messagesDispatched atomic.Int64
	messagesDropped    atomic.Int64
	updates            struct {
		applied, rejected, replayed, rateLimited, internal atomic.Int64
	}

	startedAt    time.Time
	stopSweep    chan struct{}
	sweepDone    chan struct{}
	shutdownOnce sync.Once
}

// New creates a hub and starts its heartbeat sweep. m may be nil.
func New(cfg Config, log *logger.Logger, m *metrics.Metrics) *Hub {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Default()
	}

	h := &Hub{
		cfg:       cfg,
		log:       log.WithComponent("hub"),
		metrics:   m,
		sessions:  make(map[string]*Session),
		startedAt: cfg.Clock(),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go h.runSweep()
	return h
}

func (h *Hub) now() time.Time { return h.cfg.Clock() }

// ClientOption customizes a session created by AddClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	spec *filter.Spec
}

// WithInitialFilter installs spec instead of the match-all filter. The
// connected event reports it.
func WithInitialFilter(spec filter.Spec) ClientOption {
	return func(o *clientOptions) { o.spec = &spec }
}

// AddClient registers a new session under id and queues its connected
// event. A colliding active id fails with ErrDuplicateSession.
func (h *Hub) AddClient(id string, opts ...ClientOption) (*Session, error) {
	if err := security.ValidateSessionID(id); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, "invalid session id", err)
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.spec != nil {
		if err := o.spec.Validate(); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if existing, ok := h.sessions[id]; ok && existing.IsActive() {
		h.mu.Unlock()
		return nil, apperrors.Wrap(apperrors.CodeAlreadyExists, fmt.Sprintf("session %s already connected", id), ErrDuplicateSession)
	}

	s := newSession(id, h.cfg.BufferSize, h.now())
	if o.spec != nil {
		s.installLocked(*o.spec)
	}
	connected, _ := json.Marshal(map[string]any{
		"sessionId": id,
		"filter":    s.spec,
	})
	kind := s.spec.Kind
	s.mu.Lock()
	s.enqueueLocked(EventConnected, connected)
	s.mu.Unlock()

	h.sessions[id] = s
	h.mu.Unlock()

	h.totalConnections.Add(1)
	h.metrics.RecordSessionOpened()
	h.metrics.RecordFilterKindChange("", string(kind))

	h.log.Info("client connected", "session", id)
	return s, nil
}

// RemoveClient deactivates the session registered under id and releases its
// output. It reports false when no active session was removed.
func (h *Hub) RemoveClient(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	return h.closeSession(s, metrics.ReasonRemoved)
}

// Detach removes s only if it is still the session registered under its id.
// Stream handlers use it so a late cancellation never removes a newer
// session that reconnected under the same id.
func (h *Hub) Detach(s *Session) bool {
	h.mu.Lock()
	if cur, ok := h.sessions[s.id]; ok && cur == s {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()
	return h.closeSession(s, metrics.ReasonRemoved)
}

func (h *Hub) closeSession(s *Session, reason string) bool {
	closed, kind := s.close()
	if !closed {
		return false
	}
	h.metrics.RecordSessionClosed(reason)
	h.metrics.RecordFilterKindChange(string(kind), "")
	h.log.Info("client disconnected", "session", s.id, "reason", reason)
	return true
}

// GetClient returns the active session registered under id.
func (h *Hub) GetClient(id string) (*Session, bool) {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if !ok || !s.IsActive() {
		return nil, false
	}
	return s, true
}

// GetActiveClients returns the ids of active sessions ordered by connect
// time, then id.
func (h *Hub) GetActiveClients() []string {
	active := h.activeSnapshot()
	ids := make([]string, len(active))
	for i, s := range active {
		ids[i] = s.id
	}
	return ids
}

func (h *Hub) activeSnapshot() []*Session {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.RUnlock()

	active := list[:0]
	for _, s := range list {
		if s.IsActive() {
			active = append(active, s)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if !active[i].connectedAt.Equal(active[j].connectedAt) {
			return active[i].connectedAt.Before(active[j].connectedAt)
		}
		return active[i].id < active[j].id
	})
	return active
}

// Touch refreshes a session's heartbeat on client activity.
func (h *Hub) Touch(id string) bool {
	s, ok := h.GetClient(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.lastHeartbeat = h.now()
	return true
}

// Broadcast delivers ev to every active session whose predicate accepts it
// and returns the number of sessions that received it. Inactive sessions
// found along the way are pruned.
func (h *Hub) Broadcast(ev logevent.Event) int {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0
	}
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	if len(snapshot) == 0 {
		h.metrics.RecordBroadcast(0)
		return 0
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to encode event", "event_id", ev.ID, "error", err)
		return 0
	}

	now := h.now()
	delivered := 0
	var stale []*Session
	for _, s := range snapshot {
		ok, alive := h.deliver(s, ev, data, now)
		if !alive {
			stale = append(stale, s)
			continue
		}
		if ok {
			delivered++
		}
	}

	h.prune(stale)
	h.messagesDispatched.Add(int64(delivered))
	h.metrics.RecordBroadcast(delivered)
	return delivered
}

// deliver applies the session predicate and enqueues the event. alive is
// false when the session was already inactive.
func (h *Hub) deliver(s *Session, ev logevent.Event, data json.RawMessage, now time.Time) (ok, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return false, false
	}
	if !s.predicate(ev) {
		return false, true
	}
	if !s.enqueueLocked(EventLog, data) {
		h.recordDrop(s)
		return false, true
	}
	s.stats.Sent++
	s.lastHeartbeat = now
	return true, true
}

// recordDrop counts a full-buffer drop. Callers hold s.mu.
func (h *Hub) recordDrop(s *Session) {
	h.messagesDropped.Add(1)
	h.metrics.RecordDrop()
	if n := s.stats.Dropped; n == 1 || n%1000 == 0 {
		h.log.Warn("session buffer full, dropping frames", "session", s.id, "dropped", n)
	}
}

func (h *Hub) prune(stale []*Session) {
	if len(stale) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range stale {
		if cur, ok := h.sessions[s.id]; ok && cur == s {
			delete(h.sessions, s.id)
		}
	}
}

func (h *Hub) runSweep() {
	defer close(h.sweepDone)

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweep()
		case <-h.stopSweep:
			return
		}
	}
}

// sweep sends a heartbeat to every active session and removes sessions
// whose last heartbeat is older than the client timeout.
func (h *Hub) sweep() {
	h.mu.RLock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	now := h.now()
	beat, _ := json.Marshal(map[string]int64{"ts": now.UnixMilli()})

	var stale, expired []*Session
	for _, s := range snapshot {
		s.mu.Lock()
		switch {
		case !s.active:
			stale = append(stale, s)
		case now.Sub(s.lastHeartbeat) > h.cfg.ClientTimeout:
			expired = append(expired, s)
		default:
			if s.enqueueLocked(EventHeartbeat, beat) {
				s.lastHeartbeat = now
			} else {
				h.recordDrop(s)
			}
		}
		s.mu.Unlock()
	}

	for _, s := range expired {
		h.log.Warn("client timed out", "session", s.id, "timeout", h.cfg.ClientTimeout)
		stale = append(stale, s)
		h.closeSession(s, metrics.ReasonTimeout)
	}
	h.prune(stale)
}

// Diagnostics returns a snapshot of hub counters and sessions.
func (h *Hub) Diagnostics() Diagnostics {
	active := h.activeSnapshot()
	infos := make([]SessionInfo, 0, len(active))
	for _, s := range active {
		infos = append(infos, s.Info())
	}

	return Diagnostics{
		ActiveClients:      len(active),
		TotalConnections:   h.totalConnections.Load(),
		MessagesDispatched: h.messagesDispatched.Load(),
		MessagesDropped:    h.messagesDropped.Load(),
		FilterUpdates: FilterUpdateStats{
			Applied:     h.updates.applied.Load(),
			Rejected:    h.updates.rejected.Load(),
			Replayed:    h.updates.replayed.Load(),
			RateLimited: h.updates.rateLimited.Load(),
			Internal:    h.updates.internal.Load(),
		},
		StartedAt: h.startedAt,
		UptimeMs:  h.now().Sub(h.startedAt).Milliseconds(),
		Sessions:  infos,
	}
}

// IsClosed reports whether Shutdown has been called.
func (h *Hub) IsClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Shutdown stops the sweep and closes every session. Safe to call more
// than once.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.stopSweep)
		<-h.sweepDone

		h.mu.Lock()
		h.closed = true
		sessions := h.sessions
		h.sessions = make(map[string]*Session)
		h.mu.Unlock()

		for _, s := range sessions {
			h.closeSession(s, metrics.ReasonShutdown)
		}
		h.log.Info("hub shut down", "sessions_closed", len(sessions))
	})
}

// ApplyInitialFilter installs spec on a session without going through the
// update protocol: no tag, no rate window. Used for filters supplied when
// the stream is opened.
func (h *Hub) ApplyInitialFilter(id string, spec filter.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s, ok := h.GetClient(id)
	if !ok {
		return apperrors.NotFoundError("session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return apperrors.NotFoundError("session")
	}
	prev := s.installLocked(spec)
	h.metrics.RecordFilterKindChange(string(prev), string(spec.Kind))
	return nil
}
