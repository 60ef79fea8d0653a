// Package filter validates subscriber filter specifications and compiles
// them into predicates over log events.
//
// A specification is a tagged union keyed by "kind":
//
//	{"kind":"branches-levels","branches":["core"],"levels":["error","warn"]}
//	{"kind":"keyword","keywords":["timeout"]}
//
// Parse never retains the caller's bytes or object graph: every accepted
// specification is rebuilt from scratch, so nothing a client sends can reach
// shared state.
package filter
