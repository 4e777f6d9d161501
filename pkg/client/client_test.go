package client

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/parlovoice/parlo/pkg/audio"
	"github.com/parlovoice/parlo/pkg/audio/opus"
	"github.com/parlovoice/parlo/pkg/playback"
	"github.com/parlovoice/parlo/pkg/transport"
	"github.com/parlovoice/parlo/pkg/vad"
	"github.com/parlovoice/parlo/pkg/wire"
)

// fakeConn is an in-memory Conn: the test owns the inbound event channel and
// inspects everything the session sent.
type fakeConn struct {
	mu       sync.Mutex
	events   chan transport.Event
	sent     []wire.Type
	frames   int
	payloads [][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 64)}
}

func (f *fakeConn) Events() <-chan transport.Event { return f.events }

func (f *fakeConn) record(t wire.Type) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, t)
	if t == wire.TypeAudioFrame {
		f.frames++
	}
	return nil
}

func (f *fakeConn) SendAudioFrame(pcm []byte) error {
	f.mu.Lock()
	f.payloads = append(f.payloads, append([]byte(nil), pcm...))
	f.mu.Unlock()
	return f.record(wire.TypeAudioFrame)
}
func (f *fakeConn) SendSpeechStart() error          { return f.record(wire.TypeSpeechStart) }
func (f *fakeConn) SendSpeechEnd() error            { return f.record(wire.TypeSpeechEnd) }
func (f *fakeConn) SendBargeIn() error              { return f.record(wire.TypeBargeIn) }
func (f *fakeConn) SendConfigUpdate(p wire.ConfigUpdatePayload) error {
	return f.record(wire.TypeConfigUpdate)
}
func (f *fakeConn) SendImageUpload(p wire.ImageUploadPayload) error {
	return f.record(wire.TypeImageUpload)
}
func (f *fakeConn) SendNotesRequest() error { return f.record(wire.TypeNotesRequest) }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeConn) sentTypes() []wire.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Type(nil), f.sent...)
}

func (f *fakeConn) sentCount(t wire.Type) int {
	n := 0
	for _, st := range f.sentTypes() {
		if st == t {
			n++
		}
	}
	return n
}

func (f *fakeConn) audioFrames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *fakeConn) framePayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.payloads))
	copy(out, f.payloads)
	return out
}

// newSession constructs a session over a fake conn, failing the test on a
// codec setup error.
func newSession(t *testing.T, conn Conn, sink playback.Sink, cfg Config) *Session {
	t.Helper()
	s, err := New(conn, sink, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// recordingSink satisfies playback.Sink and counts chunks played.
type recordingSink struct {
	mu     sync.Mutex
	played int
}

func (r *recordingSink) Play(ctx context.Context, pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.played++
	return nil
}

func (r *recordingSink) Flush() {}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.played
}

// testConfig returns a fast, deterministic pipeline tuning: adaptation
// effectively off, short silence window and hangover.
func testConfig() Config {
	return Config{
		VAD: vad.Config{
			AdaptFrames:     1,
			StartFrames:     3,
			SilenceDuration: 60 * time.Millisecond,
			Hangover:        20 * time.Millisecond,
		},
		Playback: playback.Config{
			MinBuffer:    time.Millisecond,
			JitterOffset: time.Millisecond,
		},
	}
}

// voicedPCM returns n frames of loud 200 Hz tone as PCM16 bytes.
func voicedPCM(n int) []byte {
	samples := make([]int16, n*audio.FrameSamples(audio.InputSampleRate))
	for i := range samples {
		samples[i] = int16(20000 * math.Sin(2*math.Pi*200*float64(i)/float64(audio.InputSampleRate)))
	}
	return audio.EncodePCM16(samples)
}

// silentPCM returns n frames of silence as PCM16 bytes.
func silentPCM(n int) []byte {
	return make([]byte, n*audio.FrameBytes(audio.InputSampleRate))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestSession_ForwardsFramesOnlyWhileActive checks that silence is never
// transmitted and a speech region produces exactly one speech-start.
func TestSession_ForwardsFramesOnlyWhileActive(t *testing.T) {
	conn := newFakeConn()
	s := newSession(t, conn, &recordingSink{}, testConfig())
	defer s.Close()

	// Confirmed silence: nothing transmitted.
	s.WriteAudio(silentPCM(10))
	if got := conn.audioFrames(); got != 0 {
		t.Fatalf("expected no frames during silence, got %d", got)
	}

	// A speech region: one speech-start, frames flowing.
	s.WriteAudio(voicedPCM(10))
	if got := conn.sentCount(wire.TypeSpeechStart); got != 1 {
		t.Errorf("expected exactly one speech_start, got %d", got)
	}
	if got := conn.audioFrames(); got == 0 {
		t.Error("expected audio frames during speech")
	}

	// Silence long enough for speech-end: state moves to thinking.
	s.WriteAudio(silentPCM(10))
	if got := conn.sentCount(wire.TypeSpeechEnd); got != 1 {
		t.Errorf("expected exactly one speech_end, got %d", got)
	}
	if got := s.State(); got != StateThinking {
		t.Errorf("expected thinking after speech end, got %s", got)
	}
}

// TestSession_OnsetFramesForwardedOnSpeechStart checks that the frames inside
// the endpointer's confirmation window reach the server once speech-start
// fires, so the first syllable of an utterance is not clipped.
func TestSession_OnsetFramesForwardedOnSpeechStart(t *testing.T) {
	conn := newFakeConn()
	s := newSession(t, conn, &recordingSink{}, testConfig())
	defer s.Close()

	s.WriteAudio(silentPCM(10))
	if got := conn.audioFrames(); got != 0 {
		t.Fatalf("expected no frames during silence, got %d", got)
	}

	// StartFrames is 3: two frames accumulate before speech-start fires on
	// the third. All ten must still arrive.
	s.WriteAudio(voicedPCM(10))
	if got := conn.sentCount(wire.TypeSpeechStart); got != 1 {
		t.Fatalf("expected exactly one speech_start, got %d", got)
	}
	if got := conn.audioFrames(); got != 10 {
		t.Errorf("audio frames sent = %d, want 10", got)
	}

	// The buffered onset flushes after speech-start, not before.
	types := conn.sentTypes()
	if types[0] != wire.TypeSpeechStart {
		t.Errorf("first message sent = %v, want speech_start", types[0])
	}

	// Default profile: frames travel as raw PCM16.
	for i, p := range conn.framePayloads() {
		if len(p) != audio.FrameBytes(audio.InputSampleRate) {
			t.Fatalf("frame %d: %d bytes, want raw PCM frame", i, len(p))
		}
	}
}

// TestSession_OpusProfileCompressesUpstream checks that a session on the opus
// profile sends Opus packets rather than raw PCM.
func TestSession_OpusProfileCompressesUpstream(t *testing.T) {
	conn := newFakeConn()
	cfg := testConfig()
	cfg.Codec = opus.ProfileOpus
	s := newSession(t, conn, &recordingSink{}, cfg)
	defer s.Close()

	s.WriteAudio(silentPCM(2))
	s.WriteAudio(voicedPCM(10))

	payloads := conn.framePayloads()
	if len(payloads) == 0 {
		t.Fatal("expected audio frames during speech")
	}
	raw := audio.FrameBytes(audio.InputSampleRate)
	for i, p := range payloads {
		if len(p) == 0 || len(p) >= raw {
			t.Errorf("frame %d: %d bytes, want a compressed packet below the %d-byte raw frame", i, len(p), raw)
		}
	}
}

func TestNew_UnsupportedCodec(t *testing.T) {
	if _, err := New(newFakeConn(), &recordingSink{}, Config{Codec: "mp3"}); err == nil {
		t.Fatal("expected error for unsupported codec")
	}
}

// TestSession_PlaysCurrentTurnChunks checks chunk acceptance and the
// speaking → listening transition on audio-complete.
func TestSession_PlaysCurrentTurnChunks(t *testing.T) {
	conn := newFakeConn()
	sink := &recordingSink{}
	s := newSession(t, conn, sink, testConfig())
	defer s.Close()

	pcm := make([]byte, 4800) // 100 ms at 24 kHz
	conn.events <- chunkEvent(1, pcm)

	waitFor(t, "speaking state", func() bool { return s.State() == StateSpeaking })
	waitFor(t, "chunk played", func() bool { return sink.count() == 1 })

	conn.events <- completeEvent(1)
	waitFor(t, "listening state", func() bool { return s.State() == StateListening })
}

// TestSession_BargeIn checks the client half of barge-in: playback flushed,
// barge-in sent, stale chunks suppressed, new-turn chunks accepted.
func TestSession_BargeIn(t *testing.T) {
	conn := newFakeConn()
	sink := &recordingSink{}
	s := newSession(t, conn, sink, testConfig())
	defer s.Close()

	conn.events <- chunkEvent(1, make([]byte, 48000)) // 1 s of audio, keeps playing
	waitFor(t, "speaking state", func() bool { return s.State() == StateSpeaking })

	// User starts talking over the reply.
	s.WriteAudio(voicedPCM(6))

	if got := conn.sentCount(wire.TypeBargeIn); got != 1 {
		t.Fatalf("expected one barge_in, got %d", got)
	}
	if got := s.State(); got != StateListening {
		t.Errorf("expected listening after barge-in, got %s", got)
	}
	if got := s.sched.QueueLen(); got != 0 {
		t.Errorf("expected empty playback queue after barge-in, got %d", got)
	}

	played := sink.count()

	// A late chunk for the interrupted turn must be dropped silently.
	conn.events <- chunkEvent(1, make([]byte, 4800))
	time.Sleep(20 * time.Millisecond)
	if got := sink.count(); got != played {
		t.Errorf("stale chunk reached the sink: %d -> %d", played, got)
	}
	if got := s.State(); got != StateListening {
		t.Errorf("stale chunk changed state to %s", got)
	}

	// The next turn's audio plays normally.
	conn.events <- chunkEvent(2, make([]byte, 4800))
	waitFor(t, "new turn speaking", func() bool { return s.State() == StateSpeaking })
	waitFor(t, "new turn chunk played", func() bool { return sink.count() > played })
}

// TestSession_StaleControlMessagesDropped checks the turn-id equality check
// on transcripts and deltas.
func TestSession_StaleControlMessagesDropped(t *testing.T) {
	conn := newFakeConn()
	s := newSession(t, conn, &recordingSink{}, testConfig())
	defer s.Close()

	conn.events <- chunkEvent(3, make([]byte, 480))
	waitFor(t, "turn 3 active", func() bool { return s.State() == StateSpeaking })

	conn.events <- deltaEvent(2, "old token")
	conn.events <- deltaEvent(3, "current token")

	var got []string
	waitFor(t, "current delta", func() bool {
		for {
			select {
			case ev := <-s.Events():
				if ev.Kind == EventDelta {
					got = append(got, ev.Delta.Token)
				}
			default:
				return len(got) >= 1
			}
		}
	})
	if len(got) != 1 || got[0] != "current token" {
		t.Errorf("expected only the current-turn delta, got %v", got)
	}
}

// TestSession_DisconnectReconnect checks the idle/listening mirror of the
// transport lifecycle.
func TestSession_DisconnectReconnect(t *testing.T) {
	conn := newFakeConn()
	s := newSession(t, conn, &recordingSink{}, testConfig())
	defer s.Close()

	conn.events <- transport.Event{Kind: transport.EventDisconnected}
	waitFor(t, "idle state", func() bool { return s.State() == StateIdle })

	// Frames written while idle are not classified or transmitted.
	s.WriteAudio(voicedPCM(6))
	if got := conn.audioFrames(); got != 0 {
		t.Errorf("expected no frames while idle, got %d", got)
	}

	conn.events <- transport.Event{Kind: transport.EventReconnected}
	waitFor(t, "listening state", func() bool { return s.State() == StateListening })
}

// ── event constructors ───────────────────────────────────────────────────────

func chunkEvent(turnID uint32, pcm []byte) transport.Event {
	frame := wire.EncodeAudioChunk(turnID, pcm)
	_, payload, _, err := wire.Decode(frame)
	if err != nil {
		panic(err)
	}
	return transport.Event{Kind: transport.EventMessage, Type: wire.TypeAudioChunk, Payload: payload}
}

func completeEvent(turnID uint32) transport.Event {
	frame, err := wire.EncodeJSON(wire.TypeAudioComplete, wire.AudioCompletePayload{TurnID: turnID})
	if err != nil {
		panic(err)
	}
	_, payload, _, err := wire.Decode(frame)
	if err != nil {
		panic(err)
	}
	return transport.Event{Kind: transport.EventMessage, Type: wire.TypeAudioComplete, Payload: payload}
}

func deltaEvent(turnID uint32, token string) transport.Event {
	frame, err := wire.EncodeJSON(wire.TypeDelta, wire.DeltaPayload{TurnID: turnID, Token: token})
	if err != nil {
		panic(err)
	}
	_, payload, _, err := wire.Decode(frame)
	if err != nil {
		panic(err)
	}
	return transport.Event{Kind: transport.EventMessage, Type: wire.TypeDelta, Payload: payload}
}
