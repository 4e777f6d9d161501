// Package postgres provides the PostgreSQL-backed [history.Store].
//
// The store keeps three tables: sessions, turns and notes. [Migrate] is
// idempotent and runs on every [NewStore]; all operations share a single
// [pgxpool.Pool] and are safe for concurrent use.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlovoice/parlo/pkg/history"
)

var _ history.Store = (*Store)(nil)

// Store persists session history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and
// ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// StartSession implements [history.Store]. Re-recording an existing session id
// updates its parameters; session ids are unique per connection so this only
// happens when a write is retried.
func (s *Store) StartSession(ctx context.Context, rec history.SessionRecord) error {
	const q = `
		INSERT INTO sessions (id, language, translator_mode, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET language = EXCLUDED.language,
		    translator_mode = EXCLUDED.translator_mode,
		    started_at = EXCLUDED.started_at`

	_, err := s.pool.Exec(ctx, q, rec.ID, rec.Language, rec.TranslatorMode, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("history store: start session: %w", err)
	}
	return nil
}

// EndSession implements [history.Store].
func (s *Store) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	const q = `UPDATE sessions SET ended_at = $2 WHERE id = $1`

	_, err := s.pool.Exec(ctx, q, sessionID, endedAt)
	if err != nil {
		return fmt.Errorf("history store: end session: %w", err)
	}
	return nil
}

// RecordTurn implements [history.Store].
func (s *Store) RecordTurn(ctx context.Context, rec history.TurnRecord) error {
	const q = `
		INSERT INTO turns (session_id, turn_id, transcript, reply, duration_ms)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		int64(rec.TurnID),
		rec.Transcript,
		rec.Reply,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("history store: record turn: %w", err)
	}
	return nil
}

// SaveNotes implements [history.Store]. Each call appends a new notes
// document; a session that requests notes twice keeps both versions.
func (s *Store) SaveNotes(ctx context.Context, sessionID, body string) error {
	const q = `INSERT INTO notes (session_id, body) VALUES ($1, $2)`

	_, err := s.pool.Exec(ctx, q, sessionID, body)
	if err != nil {
		return fmt.Errorf("history store: save notes: %w", err)
	}
	return nil
}

// Ping verifies database connectivity. Health checks call it.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("history store: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
