package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ricesearch/logstream/internal/filter"
)

// Stream event names.
const (
	EventConnected   = "connected"
	EventLog         = "log"
	EventHeartbeat   = "heartbeat"
	EventFilterAck   = OpFilterAck
	EventFilterError = OpFilterError
)

// maxSeenTags bounds the replay set of one session. Oldest tags are
// forgotten first.
const maxSeenTags = 4096

// Frame is one framed event on a session's output.
type Frame struct {
	Seq   uint64          `json:"seq"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SessionStats are per-session delivery counters.
type SessionStats struct {
	Sent          int64 `json:"sent"`
	Dropped       int64 `json:"dropped"`
	FilterUpdates int64 `json:"filterUpdates"`
}

// SessionInfo is a point-in-time view of a session for diagnostics.
type SessionInfo struct {
	ID            string       `json:"id"`
	Active        bool         `json:"active"`
	ConnectedAt   time.Time    `json:"connectedAt"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	Filter        filter.Spec  `json:"filter"`
	Stats         SessionStats `json:"stats"`
	Buffered      int          `json:"buffered"`
}

// Session is one subscriber's live state inside the hub. All mutation is
// serialized by mu.
type Session struct {
	id          string
	connectedAt time.Time
	out         chan Frame

	mu            sync.Mutex
	active        bool
	lastHeartbeat time.Time
	spec          filter.Spec
	predicate     filter.Predicate
	stats         SessionStats
	window        []time.Time // accepted filter updates, oldest first
	seenTags      map[string]struct{}
	tagOrder      []string
	seq           uint64
}

func newSession(id string, bufferSize int, now time.Time) *Session {
	spec := filter.MatchAll()
	return &Session{
		id:            id,
		connectedAt:   now,
		out:           make(chan Frame, bufferSize),
		active:        true,
		lastHeartbeat: now,
		spec:          spec,
		predicate:     filter.Compile(spec),
		seenTags:      make(map[string]struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ConnectedAt returns when the session was created.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Out returns the session's frame stream. It is closed when the session is
// removed, times out, or the hub shuts down.
func (s *Session) Out() <-chan Frame { return s.out }

// IsActive reports whether the session still receives frames.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// ActiveFilter returns the installed filter specification.
func (s *Session) ActiveFilter() filter.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// LastHeartbeat returns the last time a frame was accepted for the session.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Info returns a diagnostics snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:            s.id,
		Active:        s.active,
		ConnectedAt:   s.connectedAt,
		LastHeartbeat: s.lastHeartbeat,
		Filter:        s.spec,
		Stats:         s.stats,
		Buffered:      len(s.out),
	}
}

// enqueueLocked appends a frame without blocking. It reports false when the
// session is inactive or its buffer is full. Callers hold s.mu.
func (s *Session) enqueueLocked(event string, data json.RawMessage) bool {
	if !s.active {
		return false
	}
	s.seq++
	select {
	case s.out <- Frame{Seq: s.seq, Event: event, Data: data}:
		return true
	default:
		s.stats.Dropped++
		return false
	}
}

// installLocked replaces the active filter. Callers hold s.mu.
func (s *Session) installLocked(spec filter.Spec) (previous filter.Kind) {
	previous = s.spec.Kind
	s.spec = spec
	s.predicate = filter.Compile(spec)
	return previous
}

// rememberTagLocked records a tag as seen. Callers hold s.mu.
func (s *Session) rememberTagLocked(tag string) {
	if _, ok := s.seenTags[tag]; ok {
		return
	}
	s.seenTags[tag] = struct{}{}
	s.tagOrder = append(s.tagOrder, tag)
	if len(s.tagOrder) > maxSeenTags {
		oldest := s.tagOrder[0]
		s.tagOrder = s.tagOrder[1:]
		delete(s.seenTags, oldest)
	}
}

// pruneWindowLocked drops accepted-update timestamps older than window.
// Callers hold s.mu.
func (s *Session) pruneWindowLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(s.window) && !s.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.window = append(s.window[:0], s.window[i:]...)
	}
}

// close marks the session inactive and closes its output. It reports
// whether this call performed the transition.
func (s *Session) close() (bool, filter.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false, ""
	}
	s.active = false
	close(s.out)
	return true, s.spec.Kind
}
