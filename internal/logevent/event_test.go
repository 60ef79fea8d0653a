package logevent

import (
	"encoding/json"
	"testing"
)

func TestNew(t *testing.T) {
	ev := New("WARNING", "core", map[string]string{"message": "disk low"})

	if ev.ID == "" {
		t.Error("ID should be generated")
	}
	if ev.Type != TypeLog {
		t.Errorf("Type = %q, want %q", ev.Type, TypeLog)
	}
	if ev.Level != LevelWarn {
		t.Errorf("Level = %q, want %q", ev.Level, LevelWarn)
	}
	if ev.Timestamp == 0 {
		t.Error("Timestamp should be set")
	}
	if got := ev.Text(); got != "disk low" {
		t.Errorf("Text() = %q, want %q", got, "disk low")
	}
}

func TestNormalize(t *testing.T) {
	ev := Event{Level: " Error "}.Normalize()
	if ev.ID == "" || ev.Type != TypeLog || ev.Timestamp == 0 {
		t.Errorf("Normalize() left defaults unset: %+v", ev)
	}
	if ev.Level != LevelError {
		t.Errorf("Level = %q, want %q", ev.Level, LevelError)
	}

	kept := Event{ID: "e-1", Type: "metric", Timestamp: 42}.Normalize()
	if kept.ID != "e-1" || kept.Type != "metric" || kept.Timestamp != 42 {
		t.Errorf("Normalize() overwrote set fields: %+v", kept)
	}
}

func TestText(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"empty", "", ""},
		{"string", `"plain text"`, "plain text"},
		{"message field", `{"message":"hello","n":1}`, "hello"},
		{"msg field", `{"msg":"short"}`, "short"},
		{"no message", `{"n":1}`, `{"n":1}`},
		{"array", `[1,2]`, `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Event{Payload: json.RawMessage(tt.payload)}
			if got := ev.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeLevel(t *testing.T) {
	tests := map[string]string{
		"INFO":     "info",
		"warning":  "warn",
		"err":      "error",
		"critical": "fatal",
		"trace":    "trace",
	}
	for in, want := range tests {
		if got := NormalizeLevel(in); got != want {
			t.Errorf("NormalizeLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
