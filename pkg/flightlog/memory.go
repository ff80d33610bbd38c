package flightlog

import (
	"context"
	"sync"
)

// MemoryStore keeps segments in memory. Used in tests and as the default
// when no durable backend is configured.
type MemoryStore struct {
	mu     sync.Mutex
	traces map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: map[string][]Entry{}}
}

func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces[e.TraceID] = append(s.traces[e.TraceID], e)
	return nil
}

func (s *MemoryStore) Trace(ctx context.Context, traceID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.traces[traceID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}
