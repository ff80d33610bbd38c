package flightlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type flightDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists audit entries to an append-only table. A serial
// primary key preserves per-trace write order on replay.
type PostgresStore struct {
	DB flightDB
}

// Schema for the audit_entries table. Applied by the operator or at
// startup via EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT NOT NULL,
	entry_type TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	status INT NOT NULL DEFAULT 0,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	payload JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_trace_idx ON audit_entries (trace_id, id);
`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_entries (trace_id, entry_type, agent_id, status, latency_ms, reason, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.TraceID, e.Type, e.AgentID, e.Status, e.LatencyMS, e.Reason, e.Payload, e.Timestamp)
	return err
}

func (s *PostgresStore) Trace(ctx context.Context, traceID string) ([]Entry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT trace_id, entry_type, agent_id, status, latency_ms, reason, payload, created_at
		FROM audit_entries WHERE trace_id=$1 ORDER BY id ASC
	`, traceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TraceID, &e.Type, &e.AgentID, &e.Status, &e.LatencyMS, &e.Reason, &e.Payload, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// NewPostgresPool opens the pgx pool used by PostgresStore.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("flightlog: parse DATABASE_URL: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("flightlog: db ping: %w", err)
	}
	return pool, nil
}
