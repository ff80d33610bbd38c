package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"aegis/pkg/store"
)

const snapshotKey = "reputation:snapshot"

// Persist writes the full ledger export to the cache so a restarted
// sidecar keeps learned scores.
func (l *Ledger) Persist(ctx context.Context, cache store.Cache) error {
	if cache == nil {
		return nil
	}
	raw, err := json.Marshal(l.Export())
	if err != nil {
		return fmt.Errorf("reputation: marshal snapshot: %w", err)
	}
	return cache.Set(ctx, snapshotKey, string(raw), 0)
}

// Load merges a persisted snapshot into the ledger. Missing snapshots are
// not an error.
func (l *Ledger) Load(ctx context.Context, cache store.Cache) error {
	if cache == nil {
		return nil
	}
	raw, err := cache.Get(ctx, snapshotKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	var scores map[string]Score
	if err := json.Unmarshal([]byte(raw), &scores); err != nil {
		return fmt.Errorf("reputation: decode snapshot: %w", err)
	}
	l.Import(scores)
	return nil
}
