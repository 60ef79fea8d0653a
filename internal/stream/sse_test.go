package stream

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ricesearch/logstream/internal/hub"
)

func TestWriteEvent(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		event string
		data  string
		want  string
	}{
		{
			name:  "full frame",
			id:    "7",
			event: "log",
			data:  `{"a":1}`,
			want:  "id: 7\nevent: log\ndata: {\"a\":1}\n\n",
		},
		{
			name: "multi-line data",
			data: "one\ntwo",
			want: "data: one\ndata: two\n\n",
		},
		{
			name:  "empty data",
			event: "heartbeat",
			want:  "event: heartbeat\ndata: \n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeEvent(&buf, tt.id, tt.event, []byte(tt.data)); err != nil {
				t.Fatal(err)
			}
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestScanner(t *testing.T) {
	input := ": opening comment\n\n" +
		"id: 1\nevent: connected\ndata: {\"sessionId\":\"x\"}\n\n" +
		"id: 2\r\nevent: log\r\ndata: line1\r\ndata: line2\r\n\r\n" +
		"retry: 100\n\n" +
		"data:no-space\n"

	sc := NewScanner(strings.NewReader(input))
	var got []Message
	for sc.Next() {
		got = append(got, sc.Message())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3: %+v", len(got), got)
	}
	if got[0].Event != "connected" || got[0].Seq() != 1 || string(got[0].Data) != `{"sessionId":"x"}` {
		t.Errorf("message 0 = %+v", got[0])
	}
	if got[1].Event != "log" || got[1].ID != "2" || string(got[1].Data) != "line1\nline2" {
		t.Errorf("message 1 = %+v", got[1])
	}
	if got[2].Event != "" || string(got[2].Data) != "no-space" || got[2].Seq() != 0 {
		t.Errorf("message 2 = %+v", got[2])
	}
}

func TestScanner_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := []hub.Frame{
		{Seq: 1, Event: hub.EventConnected, Data: []byte(`{"sessionId":"s"}`)},
		{Seq: 2, Event: hub.EventFilterAck, Data: []byte(`{"op":"filter:ack","tag":"t"}`)},
	}
	sw := &sseWriter{w: &buf, flusher: nopFlusher{}}
	for _, f := range frames {
		if err := sw.WriteFrame(f); err != nil {
			t.Fatal(err)
		}
	}

	sc := NewScanner(&buf)
	for i, f := range frames {
		if !sc.Next() {
			t.Fatalf("missing message %d: %v", i, sc.Err())
		}
		msg := sc.Message()
		if msg.Seq() != f.Seq || msg.Event != f.Event || string(msg.Data) != string(f.Data) {
			t.Errorf("message %d = %+v, want %+v", i, msg, f)
		}
	}
	if sc.Next() {
		t.Error("unexpected extra message")
	}
}

type nopFlusher struct{}

func (nopFlusher) Flush() {}
