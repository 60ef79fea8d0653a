package transport

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/hub"
	"github.com/ricesearch/logstream/internal/logevent"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/security"
	"github.com/ricesearch/logstream/internal/stream"
)

// connectedEvent is the payload of the stream's first event.
type connectedEvent struct {
	SessionID string      `json:"sessionId"`
	Filter    filter.Spec `json:"filter"`
}

type heartbeatEvent struct {
	Ts int64 `json:"ts"`
}

// subscribe opens the event stream and waits for its connected event. The
// stream lives under runCtx; startCtx and ConnectTimeout bound only the
// wait for the session id.
func (t *Transport) subscribe(startCtx, runCtx context.Context, cfg Config) (string, *filter.Spec, error) {
	streamCtx, cancel := context.WithCancel(runCtx)
	timer := time.AfterFunc(cfg.ConnectTimeout, cancel)
	defer timer.Stop()

	t.mu.Lock()
	c := t.client
	t.mu.Unlock()

	// Only the connect timer cancels streamCtx while both parents are live.
	timedOut := func() bool {
		return streamCtx.Err() != nil && runCtx.Err() == nil && startCtx.Err() == nil
	}

	sc, body, err := c.OpenStream(streamCtx, cfg.Filter)
	if err != nil {
		if timedOut() {
			err = apperrors.TimeoutError("stream connect")
		}
		cancel()
		return "", nil, apperrors.StreamError("failed to open event stream", err)
	}

	connected := make(chan connectedEvent, 1)
	ended := make(chan error, 1)
	t.wg.Add(1)
	go t.readLoop(streamCtx, sc, body, connected, ended)

	select {
	case ev := <-connected:
		return ev.SessionID, &ev.Filter, nil
	case err := <-ended:
		if timedOut() {
			err = apperrors.TimeoutError("stream connect")
		}
		cancel()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return "", nil, apperrors.StreamError("event stream closed before connect", err)
	case <-startCtx.Done():
		cancel()
		return "", nil, startCtx.Err()
	}
}

// readLoop consumes the event stream until it ends or ctx is cancelled.
func (t *Transport) readLoop(ctx context.Context, sc *stream.Scanner, body io.ReadCloser, connected chan<- connectedEvent, ended chan<- error) {
	defer t.wg.Done()
	defer body.Close()

	gotConnected := false
	for sc.Next() {
		msg := sc.Message()
		switch msg.Event {
		case hub.EventConnected:
			var ev connectedEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil || security.ValidateSessionID(ev.SessionID) != nil {
				t.log.Warn("malformed connected event", "data", security.SanitizeForLog(string(msg.Data)))
				continue
			}
			if !gotConnected {
				gotConnected = true
				connected <- ev
			}
		case hub.EventLog:
			var ev logevent.Event
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				t.log.Debug("malformed log event", "error", err)
				continue
			}
			t.notifyEvent(ev)
		case hub.EventHeartbeat:
			var hb heartbeatEvent
			if err := json.Unmarshal(msg.Data, &hb); err == nil {
				t.mu.Lock()
				t.lastHeartbeat = time.UnixMilli(hb.Ts)
				t.mu.Unlock()
			}
		case hub.EventFilterAck, hub.EventFilterError:
			frame, err := hub.ParseControlFrame(msg.Data)
			if err != nil {
				t.log.Debug("malformed control frame", "error", err)
				continue
			}
			t.resolve(frame)
		}
	}

	err := sc.Err()
	if !gotConnected {
		ended <- err
		return
	}
	if ctx.Err() != nil {
		return
	}

	t.log.Warn("event stream ended", "error", err)
	t.mu.Lock()
	t.subscribed = false
	pending := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()
	for _, p := range pending {
		p.settle(filterResult{err: ErrNotSubscribed})
	}
}

func (t *Transport) notifyEvent(ev logevent.Event) {
	t.mu.Lock()
	listeners := make([]func(logevent.Event), 0, len(t.eventListeners))
	for _, fn := range t.eventListeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
