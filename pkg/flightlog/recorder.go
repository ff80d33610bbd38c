package flightlog

import (
	"context"
	"encoding/json"
	"time"

	"aegis/pkg/privacy"
	"aegis/pkg/stream"
)

// Recorder is the audit front-end. Every payload is scrubbed through the
// privacy validator before it touches the store; the forwarded payload is
// never the scrubbed one.
type Recorder struct {
	Store    Store
	Scrubber *privacy.Validator
	Hub      *stream.Hub
}

func NewRecorder(store Store, scrubber *privacy.Validator, hub *stream.Hub) *Recorder {
	if scrubber == nil {
		scrubber = privacy.NewValidator()
	}
	return &Recorder{Store: store, Scrubber: scrubber, Hub: hub}
}

func (r *Recorder) append(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := r.Store.Append(ctx, e); err != nil {
		return err
	}
	if r.Hub != nil {
		r.Hub.Publish(stream.NewEvent(e.Type, e.TraceID, e.AgentID, e))
	}
	return nil
}

func (r *Recorder) LogRequest(ctx context.Context, traceID, agentID string, payload json.RawMessage) error {
	return r.append(ctx, Entry{
		TraceID: traceID,
		Type:    TypeRequest,
		AgentID: agentID,
		Payload: r.Scrubber.ScrubJSON(payload),
	})
}

func (r *Recorder) LogResponse(ctx context.Context, traceID, agentID string, status int, latency time.Duration, body json.RawMessage) error {
	return r.append(ctx, Entry{
		TraceID:   traceID,
		Type:      TypeResponse,
		AgentID:   agentID,
		Status:    status,
		LatencyMS: latency.Milliseconds(),
		Payload:   r.Scrubber.ScrubJSON(body),
	})
}

func (r *Recorder) LogError(ctx context.Context, traceID, agentID, reason string) error {
	return r.append(ctx, Entry{
		TraceID: traceID,
		Type:    TypeError,
		AgentID: agentID,
		Reason:  reason,
	})
}

func (r *Recorder) LogBlocked(ctx context.Context, traceID, agentID, reason string, payload json.RawMessage) error {
	return r.append(ctx, Entry{
		TraceID: traceID,
		Type:    TypeBlocked,
		AgentID: agentID,
		Reason:  reason,
		Payload: r.Scrubber.ScrubJSON(payload),
	})
}

func (r *Recorder) LogOverride(ctx context.Context, traceID, agentID, warning string) error {
	return r.append(ctx, Entry{
		TraceID: traceID,
		Type:    TypeOverride,
		AgentID: agentID,
		Reason:  warning,
	})
}

// Trace replays a segment in write order. Missing traces yield an empty
// slice.
func (r *Recorder) Trace(ctx context.Context, traceID string) ([]Entry, error) {
	return r.Store.Trace(ctx, traceID)
}
