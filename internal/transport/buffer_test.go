package transport

import (
	"encoding/json"
	"testing"

	"github.com/ricesearch/logstream/internal/logevent"
	"github.com/ricesearch/logstream/internal/stream"
)

func logEntry(id string) stream.Entry {
	return stream.LogEntry(logevent.Event{ID: id, Level: logevent.LevelInfo})
}

func controlEntry(tag string) stream.Entry {
	return stream.ControlEntry(json.RawMessage(`{"op":"filter:update","tag":"` + tag + `"}`))
}

func entryIDs(entries []stream.Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		if e.IsControl() {
			var f struct {
				Tag string `json:"tag"`
			}
			_ = json.Unmarshal(e.Frame, &f)
			ids[i] = "c:" + f.Tag
			continue
		}
		ids[i] = e.Event.ID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBuffer_Eviction(t *testing.T) {
	tests := []struct {
		name        string
		capacity    int
		push        []stream.Entry
		wantIDs     []string
		wantDropped int64
	}{
		{
			name:     "under capacity keeps order",
			capacity: 3,
			push:     []stream.Entry{logEntry("a"), logEntry("b")},
			wantIDs:  []string{"a", "b"},
		},
		{
			name:        "overflow evicts oldest log",
			capacity:    3,
			push:        []stream.Entry{logEntry("a"), logEntry("b"), logEntry("c"), logEntry("d")},
			wantIDs:     []string{"b", "c", "d"},
			wantDropped: 1,
		},
		{
			name:     "control sits ahead of logs",
			capacity: 4,
			push:     []stream.Entry{logEntry("a"), controlEntry("x"), logEntry("b"), controlEntry("y")},
			wantIDs:  []string{"c:x", "c:y", "a", "b"},
		},
		{
			name:        "overflow spares controls while logs remain",
			capacity:    3,
			push:        []stream.Entry{controlEntry("x"), logEntry("a"), logEntry("b"), controlEntry("y")},
			wantIDs:     []string{"c:x", "c:y", "b"},
			wantDropped: 1,
		},
		{
			name:        "only controls evicts oldest control",
			capacity:    2,
			push:        []stream.Entry{controlEntry("x"), controlEntry("y"), controlEntry("z")},
			wantIDs:     []string{"c:y", "c:z"},
			wantDropped: 1,
		},
		{
			name:        "log push into full control buffer",
			capacity:    2,
			push:        []stream.Entry{controlEntry("x"), controlEntry("y"), logEntry("a")},
			wantIDs:     []string{"c:y", "a"},
			wantDropped: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBuffer(tt.capacity)
			for _, e := range tt.push {
				b.push(e)
			}
			entries, dropped := b.take()
			if got := entryIDs(entries); !equalIDs(got, tt.wantIDs) {
				t.Errorf("entries = %v, want %v", got, tt.wantIDs)
			}
			if dropped != tt.wantDropped {
				t.Errorf("dropped = %d, want %d", dropped, tt.wantDropped)
			}
		})
	}
}

func TestBuffer_TakeResetsDropped(t *testing.T) {
	b := newBuffer(1)
	b.push(logEntry("a"))
	b.push(logEntry("b"))
	b.addDropped(2)

	if _, dropped := b.take(); dropped != 3 {
		t.Errorf("dropped = %d, want 3", dropped)
	}
	if b.len() != 0 {
		t.Errorf("len after take = %d", b.len())
	}
	if _, dropped := b.take(); dropped != 0 {
		t.Errorf("dropped after reset = %d, want 0", dropped)
	}
	if b.total != 3 {
		t.Errorf("total = %d, want 3", b.total)
	}
}

func TestBuffer_ControlsCountAfterTake(t *testing.T) {
	b := newBuffer(4)
	b.push(controlEntry("x"))
	b.take()

	b.push(logEntry("a"))
	b.push(controlEntry("y"))
	entries, _ := b.take()
	if got, want := entryIDs(entries), []string{"c:y", "a"}; !equalIDs(got, want) {
		t.Errorf("entries = %v, want %v", got, want)
	}
}
