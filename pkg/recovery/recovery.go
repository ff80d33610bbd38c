package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"aegis/pkg/manifest"
)

// Failure classes.
const (
	ClassTimeout           = "timeout"
	ClassResourceExhausted = "resource_exhausted"
	ClassInvalidAction     = "invalid_action"
	ClassUnknown           = "unknown"
)

// Recovery strategies.
const (
	StrategyRollback = "rollback"
	StrategyRetry    = "retry"
	StrategyGiveUp   = "give_up"
)

// Compensation semantically undoes a prior effect when true rollback is
// unavailable.
type Compensation func(ctx context.Context) error

// Result is the outcome of one recovery attempt, recorded per trace.
type Result struct {
	TraceID    string    `json:"trace_id"`
	Class      string    `json:"class"`
	Strategy   string    `json:"strategy"`
	Success    bool      `json:"success"`
	Message    string    `json:"message"`
	Err        string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Engine selects and executes recovery strategies. Outcomes are kept in
// memory keyed by trace id for later lookup.
type Engine struct {
	mu       sync.Mutex
	outcomes map[string]Result
}

func NewEngine() *Engine {
	return &Engine{outcomes: map[string]Result{}}
}

// Classify buckets an execution failure by its nature.
func Classify(err error) string {
	if err == nil {
		return ClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ClassTimeout
	case strings.Contains(msg, "resource") || strings.Contains(msg, "exhausted") ||
		strings.Contains(msg, "too many") || strings.Contains(msg, "rate limit"):
		return ClassResourceExhausted
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "unsupported"):
		return ClassInvalidAction
	default:
		return ClassUnknown
	}
}

// ShouldAttemptRecovery is a cheap pre-check so callers can skip
// HandleFailure when nothing can help.
func ShouldAttemptRecovery(err error, m manifest.Manifest) bool {
	if m.Capabilities.Reversibility != manifest.ReversibilityNone {
		return true
	}
	if Classify(err) == ClassTimeout {
		return true
	}
	msg := strings.ToLower(errString(err))
	return strings.Contains(msg, "connection") || strings.Contains(msg, "unavailable")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// HandleFailure classifies the error, picks a strategy from declared
// reversibility, executes it, and records the outcome.
//
// The retry strategy is advisory: it sanctions a retry without performing
// one, keeping this path idempotent and side-effect-free.
func (e *Engine) HandleFailure(ctx context.Context, traceID string, cause error, m manifest.Manifest, comp Compensation) Result {
	class := Classify(cause)
	res := Result{
		TraceID:    traceID,
		Class:      class,
		RecordedAt: time.Now().UTC(),
	}
	reversible := m.Capabilities.Reversibility == manifest.ReversibilityFull ||
		m.Capabilities.Reversibility == manifest.ReversibilityPartial

	switch {
	case reversible && comp != nil:
		res.Strategy = StrategyRollback
		if err := comp(ctx); err != nil {
			res.Success = false
			res.Message = "compensating transaction failed"
			res.Err = err.Error()
		} else {
			res.Success = true
			res.Message = "compensating transaction applied"
		}
	case m.Capabilities.Reversibility == manifest.ReversibilityPartial || class == ClassTimeout:
		res.Strategy = StrategyRetry
		res.Success = true
		res.Message = "retry sanctioned; caller must resubmit"
	default:
		res.Strategy = StrategyGiveUp
		res.Success = false
		res.Message = fmt.Sprintf("no recovery available for %s failure; transaction may be left inconsistent", class)
		if cause != nil {
			res.Err = cause.Error()
		}
	}

	e.mu.Lock()
	e.outcomes[traceID] = res
	e.mu.Unlock()
	return res
}

// Outcome returns the recorded recovery result for a trace.
func (e *Engine) Outcome(traceID string) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.outcomes[traceID]
	return res, ok
}
