package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ricesearch/logstream/internal/filter"
)

func updateFrame(tag, spec string) []byte {
	return []byte(fmt.Sprintf(`{"op":"filter:update","tag":%q,"ts":1700000000000,"spec":%s}`, tag, spec))
}

func branchesSpec(branches ...string) string {
	data, _ := json.Marshal(filter.Spec{Kind: filter.KindBranchesLevels, Branches: branches})
	return string(data)
}

func quotedList(prefix string, n int) string {
	items := make([]string, n)
	for i := range items {
		items[i] = fmt.Sprintf("%q", fmt.Sprintf("%s%d", prefix, i))
	}
	return "[" + strings.Join(items, ",") + "]"
}

func TestHandleFilterUpdate_Ack(t *testing.T) {
	h := newTestHub(t, nil)
	s := mustAdd(t, h, "c")
	drain(s)

	resp := h.HandleFilterUpdate("c", updateFrame("t1", `{"kind":"branches-levels","branches":["Core"],"levels":["error"]}`))
	if !resp.IsAck() {
		t.Fatalf("expected ack, got %+v", resp)
	}
	if resp.Tag != "t1" {
		t.Errorf("tag = %q, want t1", resp.Tag)
	}
	if resp.AppliedTs == 0 {
		t.Error("appliedTs not set")
	}
	if resp.ActiveSpec == nil || len(resp.ActiveSpec.Branches) != 1 {
		t.Fatalf("activeSpec = %+v", resp.ActiveSpec)
	}

	frames := drain(s)
	if len(frames) != 1 || frames[0].Event != EventFilterAck {
		t.Fatalf("frames = %+v, want one %s", frames, EventFilterAck)
	}
	sent, err := ParseControlFrame(frames[0].Data)
	if err != nil {
		t.Fatalf("ParseControlFrame: %v", err)
	}
	if sent.Op != OpFilterAck || sent.Tag != "t1" {
		t.Errorf("queued frame = %+v", sent)
	}

	if got := s.Stats().FilterUpdates; got != 1 {
		t.Errorf("stats.filterUpdates = %d, want 1", got)
	}

	// case-insensitive matching after the update
	ev := branchEvent("CORE")
	ev.Level = "ERROR"
	if got := h.Broadcast(ev); got != 1 {
		t.Errorf("broadcast = %d, want 1", got)
	}
}

func TestHandleFilterUpdate_Replay(t *testing.T) {
	h := newTestHub(t, nil)
	s := mustAdd(t, h, "c")
	drain(s)

	first := h.HandleFilterUpdate("c", updateFrame("same", branchesSpec("a")))
	if !first.IsAck() {
		t.Fatalf("first update: %+v", first)
	}
	second := h.HandleFilterUpdate("c", updateFrame("same", branchesSpec("b")))
	if second != nil {
		t.Fatalf("replay produced a response: %+v", second)
	}

	if frames := drain(s); len(frames) != 1 {
		t.Errorf("got %d frames, want exactly one response", len(frames))
	}
	if got := s.ActiveFilter(); got.Branches[0] != "a" {
		t.Errorf("replay changed the filter to %v", got)
	}
	if got := s.Stats().FilterUpdates; got != 1 {
		t.Errorf("filterUpdates = %d, want 1", got)
	}
	if d := h.Diagnostics(); d.FilterUpdates.Replayed != 1 || d.FilterUpdates.Applied != 1 {
		t.Errorf("filter update stats = %+v", d.FilterUpdates)
	}
}

func TestHandleFilterUpdate_TagPortability(t *testing.T) {
	h := newTestHub(t, nil)
	mustAdd(t, h, "one")
	mustAdd(t, h, "two")

	for _, id := range []string{"one", "two"} {
		if resp := h.HandleFilterUpdate(id, updateFrame("shared", branchesSpec(id))); !resp.IsAck() {
			t.Errorf("session %s: %+v", id, resp)
		}
	}
}

func TestHandleFilterUpdate_ReconnectResetsReplay(t *testing.T) {
	h := newTestHub(t, nil)
	mustAdd(t, h, "c")

	if resp := h.HandleFilterUpdate("c", updateFrame("t", branchesSpec("a"))); !resp.IsAck() {
		t.Fatalf("first: %+v", resp)
	}
	h.RemoveClient("c")
	mustAdd(t, h, "c")

	if resp := h.HandleFilterUpdate("c", updateFrame("t", branchesSpec("b"))); !resp.IsAck() {
		t.Errorf("after reconnect: %+v", resp)
	}
}

func TestHandleFilterUpdate_RateLimit(t *testing.T) {
	clock := newFakeClock()
	h := newTestHub(t, func(c *Config) { c.Clock = clock.Now })
	s := mustAdd(t, h, "c")

	for i := 1; i <= 3; i++ {
		resp := h.HandleFilterUpdate("c", updateFrame(fmt.Sprintf("t%d", i), branchesSpec(fmt.Sprintf("b%d", i))))
		if !resp.IsAck() {
			t.Fatalf("update %d: %+v", i, resp)
		}
		clock.Advance(time.Second)
	}

	resp := h.HandleFilterUpdate("c", updateFrame("t4", branchesSpec("b4")))
	if !resp.IsError() || resp.Code != CodeRateLimited {
		t.Fatalf("4th update = %+v, want %s", resp, CodeRateLimited)
	}
	if got := s.ActiveFilter(); got.Branches[0] != "b3" {
		t.Errorf("active filter = %v, want b3", got)
	}

	// the rejected tag is not remembered
	clock.Advance(2*time.Second + time.Millisecond)
	resp = h.HandleFilterUpdate("c", updateFrame("t4", branchesSpec("b4")))
	if !resp.IsAck() {
		t.Fatalf("after window slid: %+v", resp)
	}
	if got := s.ActiveFilter(); got.Branches[0] != "b4" {
		t.Errorf("active filter = %v, want b4", got)
	}

	// t2 and t3 are still inside the window, plus t4
	resp = h.HandleFilterUpdate("c", updateFrame("t5", branchesSpec("b5")))
	if resp.Code != CodeRateLimited {
		t.Errorf("5th update = %+v, want %s", resp, CodeRateLimited)
	}
}

func TestHandleFilterUpdate_RejectedDoNotConsumeWindow(t *testing.T) {
	h := newTestHub(t, nil)
	mustAdd(t, h, "c")

	for i := 0; i < 5; i++ {
		resp := h.HandleFilterUpdate("c", updateFrame(fmt.Sprintf("bad%d", i), `{"kind":"keyword","keywords":[]}`))
		if resp.Code != CodeInvalidSpec {
			t.Fatalf("bad update %d: %+v", i, resp)
		}
	}
	if resp := h.HandleFilterUpdate("c", updateFrame("good", branchesSpec("a"))); !resp.IsAck() {
		t.Errorf("valid update after rejections: %+v", resp)
	}
}

func TestHandleFilterUpdate_ValidationBoundaries(t *testing.T) {
	h := newTestHub(t, func(c *Config) { c.RateMax = 100 })
	s := mustAdd(t, h, "c")

	tests := []struct {
		name string
		spec string
		ok   bool
	}{
		{"32 branches", fmt.Sprintf(`{"kind":"branches-levels","branches":%s}`, quotedList("b", 32)), true},
		{"33 branches", fmt.Sprintf(`{"kind":"branches-levels","branches":%s}`, quotedList("b", 33)), false},
		{"8 levels", fmt.Sprintf(`{"kind":"branches-levels","levels":%s}`, quotedList("l", 8)), true},
		{"9 levels", fmt.Sprintf(`{"kind":"branches-levels","levels":%s}`, quotedList("l", 9)), false},
		{"empty keywords", `{"kind":"keyword","keywords":[]}`, false},
		{"missing keywords", `{"kind":"keyword"}`, false},
		{"single keyword", `{"kind":"keyword","keywords":["boom"]}`, true},
		{"non-string branch", `{"kind":"branches-levels","branches":[1]}`, false},
		{"empty branch", `{"kind":"branches-levels","branches":[""]}`, false},
		{"unknown kind", `{"kind":"regex","pattern":".*"}`, false},
		{"unknown key", `{"kind":"keyword","keywords":["a"],"extra":true}`, false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := s.ActiveFilter()
			resp := h.HandleFilterUpdate("c", updateFrame(fmt.Sprintf("v%d", i), tt.spec))
			if tt.ok {
				if !resp.IsAck() {
					t.Errorf("expected ack, got %+v", resp)
				}
				return
			}
			if !resp.IsError() || resp.Code != CodeInvalidSpec {
				t.Errorf("expected %s, got %+v", CodeInvalidSpec, resp)
			}
			if after := s.ActiveFilter(); !filter.Equal(before, after) {
				t.Errorf("filter changed on rejection: %v -> %v", before, after)
			}
		})
	}
}

func TestHandleFilterUpdate_HostileInput(t *testing.T) {
	h := newTestHub(t, nil)
	s := mustAdd(t, h, "c")
	if resp := h.HandleFilterUpdate("c", updateFrame("init", branchesSpec("keep"))); !resp.IsAck() {
		t.Fatalf("setup: %+v", resp)
	}

	frames := []string{
		`null`,
		`42`,
		`"string"`,
		`[]`,
		`{}`,
		``,
		`{`,
		`{"op":"filter:update"}`,
		`{"op":"filter:update","tag":42,"spec":{"kind":"keyword","keywords":["x"]}}`,
		`{"op":"filter:ack","tag":"a","spec":{"kind":"keyword","keywords":["x"]}}`,
		`{"op":"filter:update","tag":"a"}`,
		`{"op":"filter:update","tag":"b","spec":null}`,
		`{"op":"filter:update","tag":"c","spec":42}`,
		`{"op":"filter:update","tag":"d","spec":"string"}`,
		`{"op":"filter:update","tag":"e","spec":[]}`,
		`{"op":"filter:update","tag":"f","spec":{}}`,
		`{"op":"filter:update","tag":"g","spec":{"__proto__":{"polluted":true}}}`,
		`{"op":"filter:update","tag":"h","spec":{"kind":"keyword","keywords":["x"],"constructor":{"prototype":{}}}}`,
		`{"op":"filter:update","tag":"i","__proto__":{"kind":"keyword"},"spec":{"kind":"keyword","keywords":["x"]}}`,
		`{"op":"filter:update","tag":"j","spec":{"kind":"branches-levels","branches":{"0":"a"}}}`,
	}

	for _, raw := range frames {
		resp := h.HandleFilterUpdate("c", []byte(raw))
		if resp == nil {
			t.Errorf("%s: no response", raw)
			continue
		}
		if !resp.IsError() || resp.Code != CodeInvalidSpec {
			t.Errorf("%s: got %+v, want %s", raw, resp, CodeInvalidSpec)
		}
	}

	if got := s.ActiveFilter(); len(got.Branches) != 1 || got.Branches[0] != "keep" {
		t.Errorf("filter changed by hostile input: %v", got)
	}
	if !s.IsActive() {
		t.Error("session closed by hostile input")
	}
}

func TestHandleFilterUpdate_TagEcho(t *testing.T) {
	h := newTestHub(t, nil)
	mustAdd(t, h, "c")

	resp := h.HandleFilterUpdate("c", updateFrame("corr-1", `{"kind":"keyword","keywords":[]}`))
	if resp.Tag != "corr-1" {
		t.Errorf("error frame tag = %q, want corr-1", resp.Tag)
	}

	data, err := json.Marshal(errorFrame("", CodeInvalidSpec, "x"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"tag":""`) {
		t.Errorf("tag must always be serialized: %s", data)
	}
}

func TestHandleFilterUpdate_UnknownSession(t *testing.T) {
	h := newTestHub(t, nil)

	resp := h.HandleFilterUpdate("ghost", updateFrame("t", branchesSpec("a")))
	if !resp.IsError() || resp.Code != CodeInternal {
		t.Errorf("got %+v, want %s", resp, CodeInternal)
	}
	if d := h.Diagnostics(); d.FilterUpdates.Internal != 1 {
		t.Errorf("internal count = %d, want 1", d.FilterUpdates.Internal)
	}
}

func TestNewUpdateFrame(t *testing.T) {
	frame, err := NewUpdateFrame("tag-1", filter.Spec{Kind: filter.KindKeyword, Keywords: []string{"x"}}, 42)
	if err != nil {
		t.Fatalf("NewUpdateFrame: %v", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}

	h := newTestHub(t, nil)
	mustAdd(t, h, "c")
	if resp := h.HandleFilterUpdate("c", data); !resp.IsAck() {
		t.Errorf("hub rejected a client-built frame: %+v", resp)
	}
}

func TestParseControlFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"ack", `{"op":"filter:ack","tag":"a","appliedTs":1,"activeSpec":{"kind":"keyword","keywords":["x"]}}`, false},
		{"error", `{"op":"filter:error","tag":"a","code":"rate_limited"}`, false},
		{"update request", `{"op":"filter:update","tag":"a","spec":{"kind":"keyword","keywords":["x"]}}`, true},
		{"unknown op", `{"op":"subscribe"}`, true},
		{"not json", `nope`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseControlFrame([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func FuzzHandleFilterUpdate(f *testing.F) {
	f.Add([]byte(`{"op":"filter:update","tag":"a","spec":{"kind":"keyword","keywords":["x"]}}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`{"__proto__":{}}`))

	h := New(Config{HeartbeatInterval: time.Hour, RateMax: 1 << 20, BufferSize: 1}, nil, nil)
	defer h.Shutdown()
	if _, err := h.AddClient("fuzz"); err != nil {
		f.Fatal(err)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		resp := h.HandleFilterUpdate("fuzz", data)
		if resp != nil && resp.Op != OpFilterAck && resp.Op != OpFilterError {
			t.Fatalf("unexpected response op %q", resp.Op)
		}
	})
}
