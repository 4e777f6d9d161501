package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT         PRIMARY KEY,
    language        TEXT         NOT NULL DEFAULT '',
    translator_mode BOOLEAN      NOT NULL DEFAULT false,
    started_at      TIMESTAMPTZ  NOT NULL,
    ended_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    turn_id     BIGINT       NOT NULL,
    transcript  TEXT         NOT NULL,
    reply       TEXT         NOT NULL,
    duration_ms BIGINT       NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_session_turn
    ON turns (session_id, turn_id);
`

const ddlNotes = `
CREATE TABLE IF NOT EXISTS notes (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    body        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_notes_session_id
    ON notes (session_id);
`

// Migrate creates the sessions, turns and notes tables. It is idempotent and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlTurns, ddlNotes} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("history migrate: %w", err)
		}
	}
	return nil
}
