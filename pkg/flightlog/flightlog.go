package flightlog

import (
	"context"
	"encoding/json"
	"time"
)

// Entry types. A trace accumulates an ordered sequence of these forming
// its full lifecycle.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
	TypeBlocked  = "blocked"
	TypeOverride = "user_override"
)

// Entry is one audit record. Never mutated after write.
type Entry struct {
	TraceID   string          `json:"trace_id"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Status    int             `json:"status,omitempty"`
	LatencyMS int64           `json:"latency_ms,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Store is the append-only per-trace audit medium. Append must preserve
// per-trace write order; Trace returns entries in that order, and an
// unknown trace id yields an empty slice, not an error.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Trace(ctx context.Context, traceID string) ([]Entry, error)
}
