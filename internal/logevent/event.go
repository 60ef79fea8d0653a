// Package logevent defines the structured log event record that flows from
// producers through the intake bus and the hub to stream subscribers.
package logevent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Common levels. Any other lower-cased value is carried through unchanged.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelFatal = "fatal"
)

// TypeLog is the default event type for log records.
const TypeLog = "log"

// Event is an immutable log event record.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "log", "metric").
	Type string `json:"type"`

	// Timestamp is the creation time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Level is the lower-cased severity.
	Level string `json:"level"`

	// Branch is the optional namespace the event belongs to.
	Branch string `json:"branch,omitempty"`

	// Source identifies the producing process or client session.
	Source string `json:"source,omitempty"`

	// Payload contains the event data.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New creates an event with a fresh ID and the current time.
// payload is JSON-encoded; encoding failures leave the payload empty.
func New(level, branch string, payload any) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      TypeLog,
		Timestamp: time.Now().UnixMilli(),
		Level:     NormalizeLevel(level),
		Branch:    branch,
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// Normalize fills defaults on an event received from an untrusted producer.
func (e Event) Normalize() Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = TypeLog
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	e.Level = NormalizeLevel(e.Level)
	return e
}

// NormalizeLevel lower-cases a level and folds common aliases.
func NormalizeLevel(level string) string {
	l := strings.ToLower(strings.TrimSpace(level))
	switch l {
	case "warning":
		return LevelWarn
	case "err":
		return LevelError
	case "critical", "panic":
		return LevelFatal
	}
	return l
}

// Text returns the searchable text of the event used by keyword filters.
// A string payload is returned verbatim; an object payload yields its
// "message" or "msg" field when present; otherwise the raw JSON is used.
func (e Event) Text() string {
	if len(e.Payload) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &obj); err == nil {
		for _, key := range []string{"message", "msg"} {
			if raw, ok := obj[key]; ok {
				if err := json.Unmarshal(raw, &s); err == nil {
					return s
				}
			}
		}
	}

	return string(e.Payload)
}
