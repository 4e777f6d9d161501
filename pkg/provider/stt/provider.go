// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram or a local
// whisper.cpp model) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// and emits two streams of Transcript values — low-latency partials for
// responsiveness and authoritative finals for the turn pipeline.
//
// The session controller drives utterance boundaries itself: when the
// endpointer reports speech-end, the controller calls Finalize to force the
// provider to commit whatever it has heard, rather than waiting for the
// provider's own endpointing.
//
// Implementations must be safe for concurrent use.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// transcription session.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. The pipeline sends 16000.
	SampleRate int

	// Language is the BCP-47 tag for recognition (e.g. "es", "de-DE").
	// Empty lets the provider auto-detect, if supported.
	Language string

	// Vocabulary holds recognition hints for uncommon words the session is
	// likely to contain (lesson terms, proper nouns).
	Vocabulary []string
}

// SessionHandle is an open transcription session. Callers must call Close
// when done; failing to do so leaks goroutines and connections inside the
// provider. All methods are safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers raw PCM bytes matching the StreamConfig format.
	// Returns an error after Close.
	SendAudio(chunk []byte) error

	// Finalize forces the provider to commit the current utterance and emit
	// a final transcript for it, without closing the session. The next
	// SendAudio starts a fresh utterance.
	Finalize() error

	// Partials emits interim transcripts as the provider revises its guess.
	// Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio, closes both channels and releases the
	// session. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any STT backend. A provider may have
// multiple sessions open at once (one per connected client).
type Provider interface {
	// StartStream opens a streaming transcription session. The returned
	// handle accepts audio immediately; the caller owns it and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
