package quarantine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/pkg/manifest"
	"aegis/pkg/store"
)

// Session records a caller-acknowledged override of a trust warning.
// Not a hard block; retained for later audit lookup by trace id.
type Session struct {
	SessionID string            `json:"session_id"`
	TraceID   string            `json:"trace_id"`
	Warning   string            `json:"warning_message"`
	Timestamp time.Time         `json:"timestamp"`
	Manifest  manifest.Manifest `json:"manifest"`
}

// Store guards the set of open sessions. Optionally persisted through the
// shared cache so sessions survive a restart.
type Store struct {
	mu       sync.Mutex
	sessions map[string]Session
	cache    store.Cache
	ttl      time.Duration
}

func NewStore(cache store.Cache, ttl time.Duration) *Store {
	return &Store{sessions: map[string]Session{}, cache: cache, ttl: ttl}
}

func (s *Store) Create(ctx context.Context, traceID, warning string, m manifest.Manifest) Session {
	session := Session{
		SessionID: uuid.NewString(),
		TraceID:   traceID,
		Warning:   warning,
		Timestamp: time.Now().UTC(),
		Manifest:  m,
	}
	s.mu.Lock()
	s.sessions[traceID] = session
	s.mu.Unlock()
	if s.cache != nil {
		if raw, err := json.Marshal(session); err == nil {
			_ = s.cache.Set(ctx, cacheKey(traceID), string(raw), s.ttl)
		}
	}
	return session
}

func (s *Store) Get(ctx context.Context, traceID string) (Session, bool) {
	s.mu.Lock()
	session, ok := s.sessions[traceID]
	s.mu.Unlock()
	if ok {
		return session, true
	}
	if s.cache == nil {
		return Session{}, false
	}
	raw, err := s.cache.Get(ctx, cacheKey(traceID))
	if err != nil {
		return Session{}, false
	}
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return Session{}, false
	}
	return session, true
}

func cacheKey(traceID string) string {
	return "quarantine:" + traceID
}
