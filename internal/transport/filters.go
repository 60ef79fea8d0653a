package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/hub"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/hash"
	"github.com/ricesearch/logstream/internal/stream"
)

// FilterError is a filter request rejected by the server or abandoned
// after the request timeout.
type FilterError struct {
	Tag     string
	Code    string
	Message string
	Timeout bool
}

func (e *FilterError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("filter request %s timed out", e.Tag)
	}
	return fmt.Sprintf("filter request %s rejected: %s: %s", e.Tag, e.Code, e.Message)
}

// Unwrap exposes a timed-out request as a TIMEOUT AppError.
func (e *FilterError) Unwrap() error {
	if e.Timeout {
		return errFilterTimeout
	}
	return nil
}

var errFilterTimeout = apperrors.TimeoutError("filter request")

type filterResult struct {
	spec filter.Spec
	err  error
}

// pendingRequest is an in-flight filter:update awaiting its response.
type pendingRequest struct {
	tag  string
	done chan filterResult
	once sync.Once
}

func newPendingRequest(tag string) *pendingRequest {
	return &pendingRequest{tag: tag, done: make(chan filterResult, 1)}
}

// settle delivers the first result. Later results are ignored.
func (p *pendingRequest) settle(r filterResult) {
	p.once.Do(func() { p.done <- r })
}

// CurrentFilters returns the filter last acknowledged by the server, or
// false before the stream has connected.
func (t *Transport) CurrentFilters() (filter.Spec, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.hasCurrent
}

// SetFilters asks the server to replace the session's filter and waits for
// the outcome. The spec is validated locally first. A spec equal to the
// active one returns immediately. Concurrent identical requests share one
// round trip.
func (t *Transport) SetFilters(ctx context.Context, spec filter.Spec) (filter.Spec, error) {
	if err := spec.Validate(); err != nil {
		return filter.Spec{}, err
	}
	spec = filter.Canonical(spec)

	t.mu.Lock()
	switch {
	case !t.running:
		t.mu.Unlock()
		return filter.Spec{}, ErrStopped
	case !t.subscribed:
		t.mu.Unlock()
		return filter.Spec{}, ErrNotSubscribed
	case t.hasCurrent && filter.Equal(t.current, spec):
		current := t.current
		t.mu.Unlock()
		return current, nil
	}
	t.mu.Unlock()

	payload, err := json.Marshal(spec)
	if err != nil {
		return filter.Spec{}, apperrors.InternalError("failed to encode filter", err)
	}
	ch := t.group.DoChan(hash.RequestKey("filter", payload), func() (interface{}, error) {
		return t.requestFilter(spec)
	})

	select {
	case <-ctx.Done():
		return filter.Spec{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return filter.Spec{}, res.Err
		}
		return res.Val.(filter.Spec), nil
	}
}

// SetFiltersAsync issues SetFilters in the background and logs a failure.
func (t *Transport) SetFiltersAsync(spec filter.Spec) {
	go func() {
		if _, err := t.SetFilters(context.Background(), spec); err != nil {
			t.log.Warn("filter update failed", "filter", spec.String(), "error", err)
		}
	}()
}

// requestFilter queues a tagged filter:update with an immediate flush and
// waits for its ack, its error, or the request timeout.
func (t *Transport) requestFilter(spec filter.Spec) (filter.Spec, error) {
	tag := uuid.NewString()
	frame, err := hub.NewUpdateFrame(tag, spec, time.Now().UnixMilli())
	if err != nil {
		return filter.Spec{}, apperrors.InternalError("failed to build filter request", err)
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return filter.Spec{}, apperrors.InternalError("failed to encode filter request", err)
	}

	p := newPendingRequest(tag)
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return filter.Spec{}, ErrStopped
	}
	timeout := t.cfg.FilterTimeout
	t.pending[tag] = p
	t.enqueueLocked(stream.ControlEntry(raw), true)
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return res.spec, res.err
	case <-timer.C:
		t.mu.Lock()
		if t.pending[tag] == p {
			delete(t.pending, tag)
		}
		t.mu.Unlock()
		// A response may have raced the timer.
		select {
		case res := <-p.done:
			return res.spec, res.err
		default:
		}
		return filter.Spec{}, &FilterError{Tag: tag, Code: hub.CodeInternal, Message: "no response from server", Timeout: true}
	}
}

// resolve settles the pending request matching a response frame. Frames
// with unknown tags are ignored.
func (t *Transport) resolve(frame hub.ControlFrame) {
	t.mu.Lock()
	p, ok := t.pending[frame.Tag]
	if !ok {
		t.mu.Unlock()
		t.log.Debug("response for unknown filter request", "tag", frame.Tag, "op", frame.Op)
		return
	}
	delete(t.pending, frame.Tag)

	if !frame.IsAck() {
		t.mu.Unlock()
		p.settle(filterResult{err: &FilterError{Tag: frame.Tag, Code: frame.Code, Message: frame.Message}})
		return
	}

	var spec filter.Spec
	if frame.ActiveSpec != nil {
		spec = *frame.ActiveSpec
	}
	changed := !t.hasCurrent || !filter.Equal(t.current, spec)
	t.current, t.hasCurrent = spec, true
	var listeners []func(filter.Spec)
	if changed {
		for _, fn := range t.filterListeners {
			listeners = append(listeners, fn)
		}
	}
	t.mu.Unlock()

	p.settle(filterResult{spec: spec})
	for _, fn := range listeners {
		fn(spec)
	}
}
