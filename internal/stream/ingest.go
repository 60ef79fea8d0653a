package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ricesearch/logstream/internal/logevent"
	"github.com/ricesearch/logstream/internal/pkg/security"
)

// Ingestion entry kinds.
const (
	EntryLog     = "log"
	EntryControl = "control"
)

// Batch is the body a client transport POSTs on flush.
type Batch struct {
	SessionID string  `json:"sessionId"`
	Timestamp int64   `json:"timestamp"`
	Dropped   int64   `json:"dropped"`
	Entries   []Entry `json:"entries"`
}

// Entry is one buffered client entry: a log event or a control frame.
type Entry struct {
	Kind  string          `json:"kind"`
	Event *logevent.Event `json:"event,omitempty"`
	Frame json.RawMessage `json:"frame,omitempty"`
}

// IsControl reports whether the entry carries a control frame.
func (e Entry) IsControl() bool { return e.Kind == EntryControl }

// LogEntry wraps an event as a batch entry.
func LogEntry(ev logevent.Event) Entry {
	return Entry{Kind: EntryLog, Event: &ev}
}

// ControlEntry wraps an encoded control frame as a batch entry.
func ControlEntry(frame json.RawMessage) Entry {
	return Entry{Kind: EntryControl, Frame: frame}
}

// job is a decoded POST body waiting for the intake worker.
type job struct {
	sessionID string
	frame     json.RawMessage // single filter:update
	batch     *Batch
}

// decodeRequest classifies a POST body as a single control frame or an
// ingestion batch. header is the X-Session-ID value, used when the body
// does not name the session.
func decodeRequest(body []byte, header string) (job, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return job{}, fmt.Errorf("body must be a JSON object")
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return job{}, fmt.Errorf("malformed JSON: %w", err)
	}

	var sessionID string
	if raw, ok := probe["sessionId"]; ok {
		if err := json.Unmarshal(raw, &sessionID); err != nil {
			return job{}, fmt.Errorf("sessionId must be a string")
		}
	}
	if sessionID == "" {
		sessionID = header
	}
	if err := security.ValidateSessionID(sessionID); err != nil {
		return job{}, err
	}

	_, isFrame := probe["op"]
	_, isBatch := probe["entries"]
	switch {
	case isFrame && !isBatch:
		return job{sessionID: sessionID, frame: json.RawMessage(trimmed)}, nil
	case isBatch:
		var b Batch
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return job{}, fmt.Errorf("malformed batch: %w", err)
		}
		if b.Dropped < 0 {
			return job{}, fmt.Errorf("dropped must not be negative")
		}
		b.SessionID = sessionID
		return job{sessionID: sessionID, batch: &b}, nil
	default:
		return job{}, fmt.Errorf("body must be a filter:update frame or an ingestion batch")
	}
}
