package transport

import (
	"context"
	"log/slog"

	"github.com/ricesearch/logstream/internal/logevent"
)

// LevelFatal is the slog level mirrored as a fatal event.
const LevelFatal = slog.LevelError + 4

// BranchKey is the record attribute that selects an event's branch.
const BranchKey = "branch"

// Handler returns a slog.Handler that mirrors records at or above the
// configured level into the transport. Attributes become payload fields.
func (t *Transport) Handler() slog.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &mirrorHandler{t: t, level: t.cfg.Level, branch: t.cfg.Branch}
}

type mirrorHandler struct {
	t      *Transport
	level  slog.Level
	branch string
	attrs  []scopedAttrs
	groups []string
}

// scopedAttrs is a WithAttrs batch and the groups open when it was added.
type scopedAttrs struct {
	groups []string
	attrs  []slog.Attr
}

func (h *mirrorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *mirrorHandler) Handle(_ context.Context, r slog.Record) error {
	payload := map[string]any{"message": r.Message}
	branch := h.branch

	put := func(groups []string, a slog.Attr) {
		a.Value = a.Value.Resolve()
		if len(groups) == 0 && a.Key == BranchKey && a.Value.Kind() == slog.KindString {
			branch = a.Value.String()
			return
		}
		putAttr(payload, groups, a)
	}
	for _, sa := range h.attrs {
		for _, a := range sa.attrs {
			put(sa.groups, a)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		put(h.groups, a)
		return true
	})

	ev := logevent.New(levelName(r.Level), branch, payload)
	if !r.Time.IsZero() {
		ev.Timestamp = r.Time.UnixMilli()
	}
	h.t.Send(ev)
	return nil
}

func (h *mirrorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	c := *h
	c.attrs = append(append([]scopedAttrs(nil), h.attrs...), scopedAttrs{
		groups: h.groups,
		attrs:  append([]slog.Attr(nil), attrs...),
	})
	return &c
}

// WithGroup nests attributes added afterwards. Attributes added before the
// group keep their own path.
func (h *mirrorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.groups = append(append([]string(nil), h.groups...), name)
	return &c
}

// putAttr stores a under the group path in m. Empty attributes and empty
// groups are skipped; groups with an empty key are inlined. Group maps are
// created only when something lands in them.
func putAttr(m map[string]any, groups []string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		members := a.Value.Group()
		if len(members) == 0 {
			return
		}
		if a.Key != "" {
			groups = append(groups[:len(groups):len(groups)], a.Key)
		}
		for _, sub := range members {
			putAttr(m, groups, sub)
		}
		return
	}

	target := m
	for _, g := range groups {
		next, ok := target[g].(map[string]any)
		if !ok {
			next = make(map[string]any)
			target[g] = next
		}
		target = next
	}
	target[a.Key] = attrValue(a.Value)
}

func attrValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UnixMilli()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}

func levelName(l slog.Level) string {
	switch {
	case l >= LevelFatal:
		return logevent.LevelFatal
	case l >= slog.LevelError:
		return logevent.LevelError
	case l >= slog.LevelWarn:
		return logevent.LevelWarn
	case l >= slog.LevelInfo:
		return logevent.LevelInfo
	default:
		return logevent.LevelDebug
	}
}
