package reputation

import (
	"fmt"
	"sync"
	"time"

	"aegis/pkg/manifest"
)

const (
	initialScore = 5.0
	maxEvents    = 100
)

// Event adjusts an agent's dynamic score. Applied only through the ledger.
type Event struct {
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	ScoreDelta float64   `json:"score_delta"`
	Timestamp  time.Time `json:"timestamp"`
	TraceID    string    `json:"trace_id"`
}

// Score is the mutable reputation state for one agent. Copies returned by
// the ledger are snapshots; the ledger owns the live value.
type Score struct {
	AgentID   string    `json:"agent_id"`
	Score     float64   `json:"score"`
	Events    []Event   `json:"events"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrustLevel maps the current score to the manifest trust-level enum.
func (s Score) TrustLevel() string {
	return manifest.TrustLevelForScore(s.Score)
}

// Ledger serializes reputation updates per agent. Read-modify-write on
// a score must never lose updates under concurrent events.
type Ledger struct {
	mu     sync.Mutex
	scores map[string]*Score
}

func NewLedger() *Ledger {
	return &Ledger{scores: map[string]*Score{}}
}

// GetOrCreate returns a snapshot, lazily creating the score at 5.0.
func (l *Ledger) GetOrCreate(agentID string) Score {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.getLocked(agentID)
}

// Get returns a snapshot without creating missing scores.
func (l *Ledger) Get(agentID string) (Score, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.scores[agentID]
	if !ok {
		return Score{}, false
	}
	return *s, true
}

func (l *Ledger) getLocked(agentID string) *Score {
	s, ok := l.scores[agentID]
	if !ok {
		s = &Score{AgentID: agentID, Score: initialScore, UpdatedAt: time.Now().UTC()}
		l.scores[agentID] = s
	}
	return s
}

// Apply mutates the agent's score by the event delta, clamped to [0,10],
// keeping the most recent 100 events.
func (l *Ledger) Apply(agentID string, ev Event) Score {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.getLocked(agentID)
	s.Score = clamp(s.Score + ev.ScoreDelta)
	s.Events = append(s.Events, ev)
	if len(s.Events) > maxEvents {
		s.Events = s.Events[len(s.Events)-maxEvents:]
	}
	s.UpdatedAt = ev.Timestamp
	return *s
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// Export returns a snapshot of every score for propagation to other nodes.
func (l *Ledger) Export() map[string]Score {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Score, len(l.scores))
	for id, s := range l.scores {
		cp := *s
		cp.Events = append([]Event(nil), s.Events...)
		out[id] = cp
	}
	return out
}

// Import merges scores from another node conservatively: for an agent
// known on both sides the lower score wins.
func (l *Ledger) Import(scores map[string]Score) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, incoming := range scores {
		if id == "" {
			continue
		}
		existing, ok := l.scores[id]
		if !ok {
			cp := incoming
			cp.AgentID = id
			cp.Score = clamp(cp.Score)
			cp.Events = tail(cp.Events, maxEvents)
			l.scores[id] = &cp
			continue
		}
		if incoming.Score < existing.Score {
			existing.Score = clamp(incoming.Score)
		}
		existing.Events = tail(append(existing.Events, incoming.Events...), maxEvents)
		if incoming.UpdatedAt.After(existing.UpdatedAt) {
			existing.UpdatedAt = incoming.UpdatedAt
		}
	}
}

func tail(events []Event, n int) []Event {
	if len(events) <= n {
		return events
	}
	return append([]Event(nil), events[len(events)-n:]...)
}

// Feedback event constructors used by the gateway.

func CompletedEvent(traceID string) Event {
	return Event{Type: "request_completed", Severity: "info", ScoreDelta: 0.1, TraceID: traceID}
}

func BlockedEvent(traceID string) Event {
	return Event{Type: "request_blocked", Severity: "warning", ScoreDelta: -0.5, TraceID: traceID}
}

func FailureEvent(traceID string) Event {
	return Event{Type: "backend_failure", Severity: "warning", ScoreDelta: -0.2, TraceID: traceID}
}

func (e Event) String() string {
	return fmt.Sprintf("%s(%+.2f)", e.Type, e.ScoreDelta)
}
