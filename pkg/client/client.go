// Package client wires the capture-side pipeline into a full voice session:
// ring buffer → endpointer → transport → playback.
//
// The capture callback pushes raw PCM into [Session.WriteAudio]; the session
// frames it, runs voice-activity detection, and forwards audio to the server
// only while the endpointer is active, compressed to Opus packets when the
// "opus" profile was negotiated. Inbound transcripts, generation deltas
// and synthesized audio arrive on the transport event stream; audio chunks
// for the current turn are handed to the playback scheduler, everything else
// is surfaced on [Session.Events].
//
// The session mirrors the server's turn state machine (idle → listening →
// thinking → speaking) and implements the client half of barge-in: when the
// user speaks while a reply is playing, playback is flushed immediately, a
// barge-in message is sent, and synthesized chunks are suppressed until one
// tagged with a newer turn id arrives.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parlovoice/parlo/pkg/audio"
	"github.com/parlovoice/parlo/pkg/audio/opus"
	"github.com/parlovoice/parlo/pkg/playback"
	"github.com/parlovoice/parlo/pkg/transport"
	"github.com/parlovoice/parlo/pkg/vad"
	"github.com/parlovoice/parlo/pkg/wire"
)

// State is the client's mirror of the session lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Conn is the subset of the transport client the session depends on.
// *transport.Client satisfies it; tests substitute a fake.
type Conn interface {
	Events() <-chan transport.Event
	SendAudioFrame(pcm []byte) error
	SendSpeechStart() error
	SendSpeechEnd() error
	SendBargeIn() error
	SendConfigUpdate(p wire.ConfigUpdatePayload) error
	SendImageUpload(p wire.ImageUploadPayload) error
	SendNotesRequest() error
	Close() error
}

var _ Conn = (*transport.Client)(nil)

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventState reports a lifecycle phase change.
	EventState EventKind = iota
	// EventTranscript carries an interim or final transcript.
	EventTranscript
	// EventDelta carries one generation token.
	EventDelta
	// EventNotes carries generated study notes.
	EventNotes
	// EventError carries a server-reported error.
	EventError
	// EventDisconnected and EventReconnected mirror the transport lifecycle.
	EventDisconnected
	EventReconnected
)

// Event is one item on the session's application-facing stream.
type Event struct {
	Kind EventKind

	State      State                  // EventState
	Transcript wire.TranscriptPayload // EventTranscript
	Final      bool                   // EventTranscript
	Delta      wire.DeltaPayload      // EventDelta
	Notes      string                 // EventNotes
	Err        wire.ErrorPayload      // EventError
}

// Config tunes the client pipeline. The zero value picks the defaults.
type Config struct {
	// SampleRate of the capture stream. Default 16000.
	SampleRate int

	// Codec is the negotiated upstream frame encoding, matching the codec
	// sent in the init payload: "pcm16" (default) or "opus".
	Codec string

	// RingCapacity in samples. Default one second of audio.
	RingCapacity int

	// VAD tunes the endpointer.
	VAD vad.Config

	// Playback tunes the scheduler. The sample rate defaults to the 24 kHz
	// synthesis rate.
	Playback playback.Config
}

func (c *Config) withDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = audio.InputSampleRate
	}
	if c.Codec == "" {
		c.Codec = opus.ProfilePCM16
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = c.SampleRate // one second
	}
}

// Session is one live client voice session.
//
// WriteAudio may be called from a capture callback concurrently with the
// inbound event goroutine; all shared state is mutex-guarded.
type Session struct {
	conn  Conn
	ring  *audio.Ring
	ep    *vad.Endpointer
	enc   *opus.Encoder // nil when the pcm16 profile is negotiated
	sched *playback.Scheduler

	events chan Event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       State
	currentTurn uint32
	suppress    bool // drop chunks still tagged with the interrupted turn

	// preroll holds the frames of the endpointer's confirmation window so
	// the utterance onset reaches the server once speech-start fires.
	preroll []audio.Frame
}

// Dial connects to the server and returns a running session. sink receives
// the synthesized audio at its scheduled play time.
func Dial(ctx context.Context, url string, params wire.InitPayload, sink playback.Sink, cfg Config, opts ...transport.Option) (*Session, error) {
	if cfg.Codec == "" {
		cfg.Codec = params.AudioCodec
	}
	conn, err := transport.Dial(ctx, url, params, opts...)
	if err != nil {
		return nil, err
	}
	s, err := New(conn, sink, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-connected transport. The session takes ownership of
// conn and closes it on Close.
func New(conn Conn, sink playback.Sink, cfg Config) (*Session, error) {
	cfg.withDefaults()
	var enc *opus.Encoder
	switch cfg.Codec {
	case opus.ProfilePCM16:
	case opus.ProfileOpus:
		e, err := opus.NewEncoder(cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		enc = e
	default:
		return nil, fmt.Errorf("client: unsupported codec %q", cfg.Codec)
	}
	s := &Session{
		conn:   conn,
		ring:   audio.NewRing(cfg.RingCapacity, cfg.SampleRate),
		ep:     vad.New(cfg.VAD),
		enc:    enc,
		sched:  playback.NewScheduler(cfg.Playback, sink),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		state:  StateListening,
	}
	s.wg.Add(1)
	go s.inboundLoop()
	return s, nil
}

// Events returns the application-facing event stream. Closed on Close or
// when the transport gives up.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current mirror state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DroppedSamples returns capture samples lost to ring overflow.
func (s *Session) DroppedSamples() uint64 { return s.ring.Dropped() }

// UpdateConfig requests a mid-session parameter change.
func (s *Session) UpdateConfig(p wire.ConfigUpdatePayload) error {
	return s.conn.SendConfigUpdate(p)
}

// UploadImage attaches an image to the session for the next turn.
func (s *Session) UploadImage(p wire.ImageUploadPayload) error {
	return s.conn.SendImageUpload(p)
}

// RequestNotes asks the server for conversation notes.
func (s *Session) RequestNotes() error {
	return s.conn.SendNotesRequest()
}

// Close tears the session down: transport closed, playback stopped.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
		s.sched.Close()
	})
	return err
}

// ── capture path ─────────────────────────────────────────────────────────────

// WriteAudio accepts raw PCM16 bytes from the capture callback. It never
// blocks on the network or playback; complete frames are processed inline.
func (s *Session) WriteAudio(pcm []byte) {
	s.ring.Write(audio.DecodePCM16(pcm))
	for {
		f, ok := s.ring.ReadFrame()
		if !ok {
			return
		}
		s.processFrame(f)
	}
}

func (s *Session) processFrame(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateIdle {
		// Disconnected: classify nothing, send nothing.
		return
	}

	ev, fired := s.ep.Process(f)
	if fired {
		switch ev.Type {
		case vad.SpeechStart:
			s.onSpeechStartLocked()
			s.flushPrerollLocked()
		case vad.SpeechEnd:
			if err := s.conn.SendSpeechEnd(); err != nil {
				slog.Debug("client: send speech end", "error", err)
			}
			if s.state == StateListening {
				s.setStateLocked(StateThinking)
			}
		}
	}

	if s.ep.Active(f.Timestamp + f.Duration()) {
		s.sendFrameLocked(f)
	} else {
		s.bufferPrerollLocked(f)
	}
}

// sendFrameLocked transmits one frame, compressing it first when the opus
// profile was negotiated.
func (s *Session) sendFrameLocked(f audio.Frame) {
	data := f.Data
	if s.enc != nil {
		packet, err := s.enc.Encode(f)
		if err != nil {
			slog.Warn("client: encode audio frame", "error", err)
			return
		}
		data = packet
	}
	if err := s.conn.SendAudioFrame(data); err != nil {
		slog.Debug("client: send audio frame", "error", err)
	}
}

// bufferPrerollLocked keeps a rolling window of the most recent inactive
// frames. Speech-start only fires after the confirmation window fills, so
// without this the first syllable of every utterance would be clipped; the
// window mirrors the hangover that protects the trailing edge.
func (s *Session) bufferPrerollLocked(f audio.Frame) {
	window := s.ep.StartFrames() - 1
	if window <= 0 {
		return
	}
	s.preroll = append(s.preroll, f)
	if len(s.preroll) > window {
		copy(s.preroll, s.preroll[len(s.preroll)-window:])
		s.preroll = s.preroll[:window]
	}
}

func (s *Session) flushPrerollLocked() {
	for _, f := range s.preroll {
		s.sendFrameLocked(f)
	}
	s.preroll = s.preroll[:0]
}

// onSpeechStartLocked handles a speech-start transition, including the
// barge-in path when a reply is in flight or playing.
func (s *Session) onSpeechStartLocked() {
	if s.state == StateThinking || s.state == StateSpeaking || s.sched.Playing() || s.sched.QueueLen() > 0 {
		s.sched.BargeIn()
		if err := s.conn.SendBargeIn(); err != nil {
			slog.Debug("client: send barge-in", "error", err)
		}
		s.suppress = true
		s.setStateLocked(StateListening)
	}
	if err := s.conn.SendSpeechStart(); err != nil {
		slog.Debug("client: send speech start", "error", err)
	}
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.emit(Event{Kind: EventState, State: st})
}

// ── inbound path ─────────────────────────────────────────────────────────────

func (s *Session) inboundLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for ev := range s.conn.Events() {
		switch ev.Kind {
		case transport.EventMessage:
			s.handleMessage(ev.Type, ev.Payload)
		case transport.EventDisconnected:
			s.mu.Lock()
			s.preroll = s.preroll[:0]
			s.setStateLocked(StateIdle)
			s.mu.Unlock()
			s.sched.BargeIn()
			s.emit(Event{Kind: EventDisconnected})
		case transport.EventReconnected:
			s.mu.Lock()
			s.ep.Reset()
			s.ring.Reset()
			s.preroll = s.preroll[:0]
			s.suppress = false
			s.setStateLocked(StateListening)
			s.mu.Unlock()
			s.emit(Event{Kind: EventReconnected})
		case transport.EventClosed:
			s.mu.Lock()
			s.setStateLocked(StateIdle)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Session) handleMessage(t wire.Type, payload []byte) {
	switch t {
	case wire.TypeAudioChunk:
		turnID, pcm, err := wire.DecodeAudioChunk(payload)
		if err != nil {
			slog.Warn("client: bad audio chunk", "error", err)
			return
		}
		s.acceptChunk(turnID, pcm)

	case wire.TypeAudioComplete:
		var p wire.AudioCompletePayload
		if err := wire.DecodeJSON(t, payload, &p); err != nil {
			slog.Warn("client: bad audio complete", "error", err)
			return
		}
		s.mu.Lock()
		current := !s.suppress && p.TurnID == s.currentTurn
		if current {
			s.setStateLocked(StateListening)
		}
		s.mu.Unlock()
		if current {
			s.sched.Complete()
		}

	case wire.TypeTranscriptInterim, wire.TypeTranscriptFinal:
		var p wire.TranscriptPayload
		if err := wire.DecodeJSON(t, payload, &p); err != nil {
			slog.Warn("client: bad transcript", "error", err)
			return
		}
		if s.stale(p.TurnID) {
			return
		}
		s.emit(Event{Kind: EventTranscript, Transcript: p, Final: t == wire.TypeTranscriptFinal})

	case wire.TypeDelta:
		var p wire.DeltaPayload
		if err := wire.DecodeJSON(t, payload, &p); err != nil {
			slog.Warn("client: bad delta", "error", err)
			return
		}
		if s.stale(p.TurnID) {
			return
		}
		s.emit(Event{Kind: EventDelta, Delta: p})

	case wire.TypeNotes:
		var p wire.NotesPayload
		if err := wire.DecodeJSON(t, payload, &p); err != nil {
			slog.Warn("client: bad notes", "error", err)
			return
		}
		s.emit(Event{Kind: EventNotes, Notes: p.Notes})

	case wire.TypeError:
		var p wire.ErrorPayload
		if err := wire.DecodeJSON(t, payload, &p); err != nil {
			slog.Warn("client: bad error payload", "error", err)
			return
		}
		s.emit(Event{Kind: EventError, Err: p})

	case wire.TypeImageReceived, wire.TypeConfigUpdated:
		// Acknowledgments; nothing for the pipeline to do.

	default:
		slog.Debug("client: ignoring message", "type", t.String())
	}
}

// acceptChunk applies the turn-id equality check that makes barge-in
// race-safe: chunks for an older turn are dropped, a chunk for a newer turn
// ends suppression and advances the mirror turn id.
func (s *Session) acceptChunk(turnID uint32, pcm []byte) {
	s.mu.Lock()
	if turnID < s.currentTurn || (s.suppress && turnID == s.currentTurn) {
		s.mu.Unlock()
		return
	}
	if turnID > s.currentTurn {
		s.currentTurn = turnID
		s.suppress = false
	}
	s.setStateLocked(StateSpeaking)
	s.mu.Unlock()

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.sched.Enqueue(cp)
}

// stale reports whether a turn-tagged control message refers to an
// interrupted turn. It also advances the mirror turn id, since transcripts
// and deltas for a new turn arrive ahead of its audio.
func (s *Session) stale(turnID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turnID < s.currentTurn || (s.suppress && turnID == s.currentTurn) {
		return true
	}
	if turnID > s.currentTurn {
		s.currentTurn = turnID
		s.suppress = false
	}
	return false
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		// The application stopped draining; drop rather than stall audio.
		slog.Debug("client: dropping event", "kind", ev.Kind)
	}
}
