// Package session implements the server-side session and turn controller.
//
// Each connected client owns one [Controller]: a single-goroutine event loop
// that drives the utterance-to-response cycle across the STT, LLM and TTS
// providers. The loop is the sole mutator of session and turn state; wire
// messages and asynchronous provider results enter it as typed events and are
// processed one at a time, so barge-in and turn transitions never race.
//
// Turn-id tagging is the correctness mechanism for cancellation races: every
// event produced by an in-flight turn pipeline carries the turn id it was
// produced for, and the loop discards any event whose id does not match the
// active turn. A barge-in increments the id, instantly staling whatever the
// cancelled pipeline still has buffered.
//
// The package also provides the [Registry] of live sessions, the capped
// conversation [History], study-notes generation ([NotesGenerator]) and
// non-blocking persistence ([Recorder]).
package session

import (
	"sync/atomic"
	"time"
)

// Phase is the controller's position in the turn cycle.
type Phase int32

// Controller phases. Idle is both the initial state (before the session is
// started) and the terminal state (after disconnect).
const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseThinking
	PhaseSpeaking
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseThinking:
		return "thinking"
	case PhaseSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Session holds per-session parameters and counters. The controller's event
// loop is the only writer; the atomic fields exist so other goroutines (the
// registry, tests, log statements) can read a consistent snapshot without
// locking.
type Session struct {
	// ID is the unique session identifier handed to the client in the
	// connected ack.
	ID string

	// StartedAt is when the session was created.
	StartedAt time.Time

	// Language is the BCP-47 tag being practised. Mutated only by the event
	// loop on config updates.
	Language string

	// TranslatorMode makes replies include a native-language translation.
	TranslatorMode bool

	// Voice is the synthesis voice id for this session. Empty selects the
	// provider default.
	Voice string

	// Image is the data URL of the most recent image upload, consumed by the
	// next generation request. Empty when none is attached.
	Image string

	turnID atomic.Uint32
	phase  atomic.Int32
}

// TurnID returns the controller's current turn counter. Turn ids start at
// zero and increment when a turn begins and again on barge-in.
func (s *Session) TurnID() uint32 { return s.turnID.Load() }

// Phase returns the controller's current phase.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

func (s *Session) setPhase(p Phase) { s.phase.Store(int32(p)) }
