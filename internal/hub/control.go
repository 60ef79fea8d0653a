package hub

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ricesearch/logstream/internal/filter"
	"github.com/ricesearch/logstream/internal/pkg/security"
)

// Control frame operations.
const (
	OpFilterUpdate = "filter:update"
	OpFilterAck    = "filter:ack"
	OpFilterError  = "filter:error"
)

// Control frame error codes.
const (
	CodeInvalidSpec = "invalid_spec"
	CodeAuthFailed  = "auth_failed"
	CodeInternal    = "internal"
	CodeRateLimited = "rate_limited"
)

// Filter update outcomes, as recorded in metrics.
const (
	resultApplied     = "applied"
	resultRejected    = "rejected"
	resultReplayed    = "replayed"
	resultRateLimited = "rate_limited"
	resultInternal    = "internal"
)

// ControlFrame is a filter-update request or its response.
type ControlFrame struct {
	Op         string          `json:"op"`
	Tag        string          `json:"tag"`
	Ts         int64           `json:"ts,omitempty"`
	Spec       json.RawMessage `json:"spec,omitempty"`
	AppliedTs  int64           `json:"appliedTs,omitempty"`
	ActiveSpec *filter.Spec    `json:"activeSpec,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// IsAck reports whether the frame acknowledges an update.
func (f *ControlFrame) IsAck() bool { return f != nil && f.Op == OpFilterAck }

// IsError reports whether the frame rejects an update.
func (f *ControlFrame) IsError() bool { return f != nil && f.Op == OpFilterError }

// NewUpdateFrame builds a filter:update request.
func NewUpdateFrame(tag string, spec filter.Spec, ts int64) (ControlFrame, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return ControlFrame{}, err
	}
	return ControlFrame{Op: OpFilterUpdate, Tag: tag, Ts: ts, Spec: raw}, nil
}

// ParseControlFrame decodes a response frame (ack or error) received by a
// client. Update requests are rejected; the hub parses those itself.
func ParseControlFrame(data []byte) (ControlFrame, error) {
	var f ControlFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ControlFrame{}, err
	}
	if f.Op != OpFilterAck && f.Op != OpFilterError {
		return ControlFrame{}, fmt.Errorf("not a response frame: op %q", security.SanitizeForLogWithLength(f.Op, 32))
	}
	return f, nil
}

func errorFrame(tag, code, msg string) *ControlFrame {
	return &ControlFrame{Op: OpFilterError, Tag: tag, Code: code, Message: msg}
}

// updateRequest is the validated envelope of an incoming filter:update.
type updateRequest struct {
	tag  string
	spec json.RawMessage
}

// parseUpdate decodes the envelope of an update frame. The tag is returned
// whenever it could be read, so errors can be correlated.
func parseUpdate(raw []byte) (updateRequest, string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return updateRequest{}, "", fmt.Errorf("frame must be a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return updateRequest{}, "", fmt.Errorf("frame is not valid JSON")
	}

	var tag string
	if rawTag, ok := fields["tag"]; ok {
		if err := json.Unmarshal(rawTag, &tag); err != nil {
			tag = ""
		} else if err := security.ValidateTag(tag); err != nil {
			return updateRequest{}, "", err
		}
	}

	for key := range fields {
		if security.IsReservedKey(key) {
			return updateRequest{}, tag, fmt.Errorf("reserved key %q not allowed", key)
		}
	}

	var op string
	if err := json.Unmarshal(fields["op"], &op); err != nil || op != OpFilterUpdate {
		return updateRequest{}, tag, fmt.Errorf("op must be %q", OpFilterUpdate)
	}
	if tag == "" {
		return updateRequest{}, "", fmt.Errorf("tag must be a non-empty string")
	}

	spec, ok := fields["spec"]
	if !ok {
		return updateRequest{}, tag, fmt.Errorf("missing spec")
	}
	return updateRequest{tag: tag, spec: spec}, tag, nil
}

// HandleFilterUpdate runs the filter-update state machine for one frame:
// replay check, sliding-window rate check, validation, apply. Every
// response is also queued on the session output. It returns nil when the
// frame was a replay and was ignored. It never panics on client input.
func (h *Hub) HandleFilterUpdate(id string, raw []byte) (resp *ControlFrame) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("filter update panicked", "session", security.SanitizeForLog(id), "panic", r)
			h.countUpdate(resultInternal)
			resp = errorFrame("", CodeInternal, "internal error")
			if s, ok := h.GetClient(id); ok {
				h.emit(s, resp)
			}
		}
	}()

	s, ok := h.GetClient(id)
	if !ok {
		h.countUpdate(resultInternal)
		return errorFrame("", CodeInternal, "unknown session")
	}

	req, tag, err := parseUpdate(raw)
	if err != nil {
		h.countUpdate(resultRejected)
		h.log.Debug("rejected filter frame", "session", id, "error", err)
		resp = errorFrame(tag, CodeInvalidSpec, err.Error())
		h.emit(s, resp)
		return resp
	}

	resp, result := h.process(s, req)
	h.countUpdate(result)
	return resp
}

func (h *Hub) process(s *Session, req updateRequest) (*ControlFrame, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, result := h.applyLocked(s, req)
	if resp != nil {
		h.enqueueControlLocked(s, resp)
	}
	return resp, result
}

// applyLocked performs the state transitions for a well-formed request.
// Callers hold s.mu.
func (h *Hub) applyLocked(s *Session, req updateRequest) (*ControlFrame, string) {
	if !s.active {
		return errorFrame(req.tag, CodeInternal, "session closed"), resultInternal
	}

	if _, seen := s.seenTags[req.tag]; seen {
		return nil, resultReplayed
	}

	now := h.now()
	s.pruneWindowLocked(now, h.cfg.RateWindow)
	if len(s.window) >= h.cfg.RateMax {
		h.log.Debug("filter update rate limited", "session", s.id, "tag", security.SanitizeForLog(req.tag))
		return errorFrame(req.tag, CodeRateLimited,
			fmt.Sprintf("at most %d filter updates per %s", h.cfg.RateMax, h.cfg.RateWindow)), resultRateLimited
	}

	spec, err := filter.Parse(req.spec)
	if err != nil {
		return errorFrame(req.tag, CodeInvalidSpec, err.Error()), resultRejected
	}

	prev := s.installLocked(spec)
	s.rememberTagLocked(req.tag)
	s.window = append(s.window, now)
	s.stats.FilterUpdates++
	h.metrics.RecordFilterKindChange(string(prev), string(spec.Kind))

	h.log.Debug("filter applied", "session", s.id, "filter", spec.String())

	applied := spec
	return &ControlFrame{
		Op:         OpFilterAck,
		Tag:        req.tag,
		AppliedTs:  now.UnixMilli(),
		ActiveSpec: &applied,
	}, resultApplied
}

func (h *Hub) emit(s *Session, f *ControlFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.enqueueControlLocked(s, f)
}

// enqueueControlLocked queues f as an SSE event named after its op.
// Callers hold s.mu.
func (h *Hub) enqueueControlLocked(s *Session, f *ControlFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.log.Error("failed to encode control frame", "session", s.id, "error", err)
		return
	}
	if !s.active {
		return
	}
	if !s.enqueueLocked(f.Op, data) {
		h.recordDrop(s)
	}
}

func (h *Hub) countUpdate(result string) {
	switch result {
	case resultApplied:
		h.updates.applied.Add(1)
	case resultRejected:
		h.updates.rejected.Add(1)
	case resultReplayed:
		h.updates.replayed.Add(1)
	case resultRateLimited:
		h.updates.rateLimited.Add(1)
	case resultInternal:
		h.updates.internal.Add(1)
	}
	h.metrics.RecordFilterUpdate(result)
}
