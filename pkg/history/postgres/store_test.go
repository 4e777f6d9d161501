package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlovoice/parlo/pkg/history"
	"github.com/parlovoice/parlo/pkg/history/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if PARLO_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PARLO_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PARLO_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema and
// closes it when the test finishes.
func newTestStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS sessions, turns, notes`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store, pool
}

func TestStore_SessionLifecycle(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	err := store.StartSession(ctx, history.SessionRecord{
		ID:             "sess-test-1",
		Language:       "es",
		TranslatorMode: true,
		StartedAt:      started,
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	ended := started.Add(3 * time.Minute)
	if err := store.EndSession(ctx, "sess-test-1", ended); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	var (
		language       string
		translatorMode bool
		gotEnded       *time.Time
	)
	row := pool.QueryRow(ctx,
		`SELECT language, translator_mode, ended_at FROM sessions WHERE id = $1`, "sess-test-1")
	if err := row.Scan(&language, &translatorMode, &gotEnded); err != nil {
		t.Fatalf("scan session: %v", err)
	}
	if language != "es" || !translatorMode {
		t.Errorf("session = %q translator=%v", language, translatorMode)
	}
	if gotEnded == nil || !gotEnded.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", gotEnded, ended)
	}
}

func TestStore_StartSessionIsIdempotent(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	rec := history.SessionRecord{ID: "sess-test-2", Language: "de", StartedAt: time.Now().UTC()}
	if err := store.StartSession(ctx, rec); err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	rec.Language = "fr"
	if err := store.StartSession(ctx, rec); err != nil {
		t.Fatalf("second StartSession: %v", err)
	}

	var count int
	var language string
	row := pool.QueryRow(ctx,
		`SELECT count(*), max(language) FROM sessions WHERE id = $1`, "sess-test-2")
	if err := row.Scan(&count, &language); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Errorf("sessions = %d, want 1", count)
	}
	if language != "fr" {
		t.Errorf("language = %q, want fr (retry wins)", language)
	}
}

func TestStore_RecordTurn(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	err := store.RecordTurn(ctx, history.TurnRecord{
		SessionID:  "sess-test-3",
		TurnID:     7,
		Transcript: "hola, como estas",
		Reply:      "¡Hola! Muy bien, gracias.",
		Duration:   1450 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}

	var (
		turnID     int64
		transcript string
		durationMS int64
	)
	row := pool.QueryRow(ctx,
		`SELECT turn_id, transcript, duration_ms FROM turns WHERE session_id = $1`, "sess-test-3")
	if err := row.Scan(&turnID, &transcript, &durationMS); err != nil {
		t.Fatalf("scan turn: %v", err)
	}
	if turnID != 7 || transcript != "hola, como estas" || durationMS != 1450 {
		t.Errorf("turn = (%d, %q, %dms)", turnID, transcript, durationMS)
	}
}

func TestStore_SaveNotesAppends(t *testing.T) {
	store, pool := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveNotes(ctx, "sess-test-4", "first draft"); err != nil {
		t.Fatalf("SaveNotes: %v", err)
	}
	if err := store.SaveNotes(ctx, "sess-test-4", "second draft"); err != nil {
		t.Fatalf("SaveNotes: %v", err)
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT count(*) FROM notes WHERE session_id = $1`, "sess-test-4")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 2 {
		t.Errorf("notes = %d, want 2", count)
	}
}

func TestStore_Ping(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
