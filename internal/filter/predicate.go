package filter

import (
	"strings"

	"github.com/ricesearch/logstream/internal/logevent"
)

// Predicate reports whether an event passes a filter.
type Predicate func(ev logevent.Event) bool

// Compile turns a validated spec into a predicate. Unknown kinds compile to
// a predicate that rejects everything.
func Compile(s Spec) Predicate {
	c := Canonical(s)
	switch c.Kind {
	case KindBranchesLevels:
		branchOk := membership(c.Branches)
		levelOk := membership(c.Levels)
		return func(ev logevent.Event) bool {
			return branchOk(ev.Branch) && levelOk(ev.Level)
		}
	case KindKeyword:
		keywords := c.Keywords
		return func(ev logevent.Event) bool {
			if len(keywords) == 0 {
				return false
			}
			text := strings.ToLower(ev.Text())
			if text == "" {
				return false
			}
			for _, k := range keywords {
				if strings.Contains(text, k) {
					return true
				}
			}
			return false
		}
	default:
		return func(logevent.Event) bool { return false }
	}
}

// membership returns a case-insensitive set test. An empty list allows
// everything; a missing or empty field never matches a non-empty list.
func membership(lowered []string) func(string) bool {
	if len(lowered) == 0 {
		return func(string) bool { return true }
	}
	set := make(map[string]struct{}, len(lowered))
	for _, v := range lowered {
		set[v] = struct{}{}
	}
	return func(field string) bool {
		if field == "" {
			return false
		}
		_, ok := set[strings.ToLower(field)]
		return ok
	}
}
