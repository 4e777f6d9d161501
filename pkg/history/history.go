// Package history defines the persistence interface for session records.
//
// A [Store] keeps a durable log of sessions, completed turns and generated
// study notes. The session controller writes to it as turns complete; nothing
// in the live pipeline reads it back, so a nil store simply means the
// conversation lives only in memory for the lifetime of the connection.
//
// The canonical implementation is the postgres subpackage.
package history

import (
	"context"
	"time"
)

// SessionRecord describes one voice session.
type SessionRecord struct {
	// ID is the session identifier handed out in the connected ack.
	ID string

	// Language is the BCP-47 tag the session practises.
	Language string

	// TranslatorMode records whether replies included translations.
	TranslatorMode bool

	// StartedAt is when the session was opened.
	StartedAt time.Time

	// EndedAt is when the session was torn down. Zero while active.
	EndedAt time.Time
}

// TurnRecord describes one completed utterance-to-response cycle.
type TurnRecord struct {
	// SessionID is the owning session.
	SessionID string

	// TurnID is the controller's turn counter value for this turn.
	TurnID uint32

	// Transcript is the finalized user utterance.
	Transcript string

	// Reply is the full generated reply text.
	Reply string

	// Duration is the wall time from finalized transcript to audio complete.
	Duration time.Duration
}

// Store persists sessions, turns and notes. Implementations must be safe for
// concurrent use. Write failures should be surfaced to the caller; the
// controller logs and continues, it never fails a live turn on a storage
// error.
type Store interface {
	// StartSession records the beginning of a session.
	StartSession(ctx context.Context, rec SessionRecord) error

	// EndSession marks the session as ended at the given instant.
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// RecordTurn appends a completed turn.
	RecordTurn(ctx context.Context, rec TurnRecord) error

	// SaveNotes stores a generated study-notes document for the session.
	SaveNotes(ctx context.Context, sessionID, body string) error
}
