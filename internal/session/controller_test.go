package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parlovoice/parlo/internal/config"
	"github.com/parlovoice/parlo/pkg/provider/llm"
	llmmock "github.com/parlovoice/parlo/pkg/provider/llm/mock"
	"github.com/parlovoice/parlo/pkg/provider/stt"
	sttmock "github.com/parlovoice/parlo/pkg/provider/stt/mock"
	ttsmock "github.com/parlovoice/parlo/pkg/provider/tts/mock"
	"github.com/parlovoice/parlo/pkg/wire"
)

// frameRecorder captures every wire frame the controller sends.
type frameRecorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *frameRecorder) send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.mu.Lock()
	r.frames = append(r.frames, cp)
	r.mu.Unlock()
	return nil
}

// payloads returns the decoded payloads of every sent frame of type t.
func (r *frameRecorder) payloads(tb testing.TB, t wire.Type) [][]byte {
	tb.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for _, f := range r.frames {
		typ, payload, _, err := wire.Decode(f)
		if err != nil {
			tb.Fatalf("decode sent frame: %v", err)
		}
		if typ == t {
			out = append(out, payload)
		}
	}
	return out
}

func (r *frameRecorder) count(tb testing.TB, t wire.Type) int {
	return len(r.payloads(tb, t))
}

// syncBuffer captures log output written from the controller goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func decodePayload[T any](tb testing.TB, payload []byte) T {
	tb.Helper()
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		tb.Fatalf("unmarshal payload: %v", err)
	}
	return v
}

// testConfig mirrors the production defaults with values the tests rely on.
func testConfig() *config.Config {
	return &config.Config{
		Audio: config.AudioConfig{
			InputSampleRate:   16000,
			OutputSampleRate:  24000,
			Codec:             config.CodecPCM16,
			MaxUtteranceBytes: 2_400_000,
		},
		Turn: config.TurnConfig{
			SoftBudgetMs: 8000,
			ImageBudgetMs: 18000,
			HardCapMs:    20000,
		},
		Session: config.SessionConfig{
			Language:            "es",
			ConfidenceThreshold: 0.55,
			Voice:               config.VoiceConfig{VoiceID: "tutor", SpeedFactor: 1.0},
		},
		History: config.HistoryConfig{MaxEntries: 20, Window: 10},
	}
}

type testRig struct {
	c       *Controller
	rec     *frameRecorder
	conf    *config.Config
	sttP    *sttmock.Provider
	sttSess *sttmock.Session
	llmP    *llmmock.Provider
	ttsP    *ttsmock.Provider
	store   *fakeStore
}

func newTestRig() *testRig {
	sess := sttmock.NewSession()
	return &testRig{
		rec:     &frameRecorder{},
		conf:    testConfig(),
		sttP:    &sttmock.Provider{Session: sess},
		sttSess: sess,
		llmP:    &llmmock.Provider{},
		ttsP:    &ttsmock.Provider{},
		store:   &fakeStore{},
	}
}

func (r *testRig) start(t *testing.T) {
	t.Helper()
	c, err := NewController(ControllerConfig{
		STT:   r.sttP,
		LLM:   r.llmP,
		TTS:   r.ttsP,
		Send:  r.rec.send,
		Conf:  r.conf,
		Store: r.store,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.c = c
	t.Cleanup(c.Close)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// utter drives one finalized utterance through the controller.
func (r *testRig) utter(t *testing.T, text string, confidence float64) {
	t.Helper()
	r.c.HandleSpeechEnd()
	waitFor(t, "thinking phase", func() bool { return r.c.Session().Phase() == PhaseThinking })
	r.sttSess.FinalsCh <- stt.Transcript{Text: text, IsFinal: true, Confidence: confidence}
}

func TestNewController_MissingDependencies(t *testing.T) {
	_, err := NewController(ControllerConfig{})
	if err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestController_FullTurn(t *testing.T) {
	rig := newTestRig()
	rig.llmP.StreamChunks = []llm.Chunk{
		{Text: "Hello there. "},
		{Text: "Nice to meet you.", FinishReason: "stop"},
	}
	rig.ttsP.PerFragmentAudio = make([]byte, 3000)
	rig.start(t)

	if got := rig.c.Session().Phase(); got != PhaseListening {
		t.Fatalf("phase after start = %v, want listening", got)
	}

	rig.utter(t, "hola mundo", 0.92)
	waitFor(t, "audio complete", func() bool {
		return rig.rec.count(t, wire.TypeAudioComplete) == 1
	})

	// Final transcript echoed with the new turn id.
	finals := rig.rec.payloads(t, wire.TypeTranscriptFinal)
	if len(finals) != 1 {
		t.Fatalf("transcript_final frames = %d, want 1", len(finals))
	}
	tp := decodePayload[wire.TranscriptPayload](t, finals[0])
	if tp.TurnID != 1 || tp.Text != "hola mundo" {
		t.Errorf("transcript payload = %+v", tp)
	}

	// Streamed deltas for both generation chunks.
	deltas := rig.rec.payloads(t, wire.TypeDelta)
	if len(deltas) != 2 {
		t.Fatalf("delta frames = %d, want 2", len(deltas))
	}
	d := decodePayload[wire.DeltaPayload](t, deltas[0])
	if d.TurnID != 1 || d.Token != "Hello there. " {
		t.Errorf("first delta = %+v", d)
	}

	// Synthesized audio arrives turn-tagged; two 3000-byte fragments stay
	// below the chunk size and flush together at synthesis end.
	chunks := rig.rec.payloads(t, wire.TypeAudioChunk)
	if len(chunks) != 1 {
		t.Fatalf("audio_chunk frames = %d, want 1", len(chunks))
	}
	turnID, pcm, err := wire.DecodeAudioChunk(chunks[0])
	if err != nil {
		t.Fatalf("DecodeAudioChunk: %v", err)
	}
	if turnID != 1 || len(pcm) != 6000 {
		t.Errorf("audio chunk turn=%d len=%d, want turn=1 len=6000", turnID, len(pcm))
	}

	ac := decodePayload[wire.AudioCompletePayload](t, rig.rec.payloads(t, wire.TypeAudioComplete)[0])
	if ac.TurnID != 1 {
		t.Errorf("audio_complete turn = %d, want 1", ac.TurnID)
	}

	waitFor(t, "listening phase", func() bool { return rig.c.Session().Phase() == PhaseListening })
	if got := rig.c.History().Len(); got != 2 {
		t.Errorf("history entries = %d, want 2", got)
	}
	waitFor(t, "turn persisted", func() bool { return rig.store.turnCount() == 1 })

	// The LLM saw the utterance as the last user message.
	req := rig.llmP.LastStreamRequest()
	if len(req.Messages) == 0 || req.Messages[len(req.Messages)-1].Content != "hola mundo" {
		t.Errorf("llm request messages = %+v", req.Messages)
	}
	if !strings.Contains(req.SystemPrompt, "es") {
		t.Errorf("system prompt missing language: %q", req.SystemPrompt)
	}
}

// TestController_GenerationFinishReasonLogged checks the provider's finish
// reason is surfaced when generation ends, ahead of synthesis completing the
// turn.
func TestController_GenerationFinishReasonLogged(t *testing.T) {
	var buf syncBuffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	rig := newTestRig()
	rig.llmP.StreamChunks = []llm.Chunk{{Text: "Claro que sí.", FinishReason: "stop"}}
	rig.ttsP.PerFragmentAudio = make([]byte, 3000)
	rig.start(t)

	rig.utter(t, "hola", 0.9)
	waitFor(t, "finish reason logged", func() bool {
		out := buf.String()
		return strings.Contains(out, "generation finished") && strings.Contains(out, "reason=stop")
	})
}

func TestController_ChunksLargeAudio(t *testing.T) {
	rig := newTestRig()
	rig.llmP.StreamChunks = []llm.Chunk{{Text: "One long reply.", FinishReason: "stop"}}
	rig.ttsP.AudioChunks = [][]byte{make([]byte, audioChunkBytes*2+100)}
	rig.start(t)

	rig.utter(t, "cuéntame algo", 0.9)
	waitFor(t, "audio complete", func() bool {
		return rig.rec.count(t, wire.TypeAudioComplete) == 1
	})

	chunks := rig.rec.payloads(t, wire.TypeAudioChunk)
	if len(chunks) != 3 {
		t.Fatalf("audio_chunk frames = %d, want 3 (two full + remainder)", len(chunks))
	}
	for i, c := range chunks[:2] {
		_, pcm, _ := wire.DecodeAudioChunk(c)
		if len(pcm) != audioChunkBytes {
			t.Errorf("chunk %d size = %d, want %d", i, len(pcm), audioChunkBytes)
		}
	}
	_, last, _ := wire.DecodeAudioChunk(chunks[2])
	if len(last) != 100 {
		t.Errorf("remainder size = %d, want 100", len(last))
	}
}

func TestController_LowConfidenceClarification(t *testing.T) {
	rig := newTestRig()
	rig.ttsP.AudioChunks = [][]byte{make([]byte, 1200)}
	rig.start(t)

	rig.utter(t, "mumble mumble", 0.31)
	waitFor(t, "audio complete", func() bool {
		return rig.rec.count(t, wire.TypeAudioComplete) == 1
	})

	if got := rig.llmP.StreamCallCount(); got != 0 {
		t.Errorf("llm stream calls = %d, want 0 for clarification", got)
	}
	deltas := rig.rec.payloads(t, wire.TypeDelta)
	if len(deltas) != 1 {
		t.Fatalf("delta frames = %d, want 1", len(deltas))
	}
	d := decodePayload[wire.DeltaPayload](t, deltas[0])
	if !d.Final || d.Token != clarificationText {
		t.Errorf("clarification delta = %+v", d)
	}
	if got := rig.c.History().Len(); got != 0 {
		t.Errorf("history entries = %d, want 0 after clarification", got)
	}
	if rig.store.turnCount() != 0 {
		t.Errorf("clarification turn was persisted")
	}
}

func TestController_BargeInCancelsActiveTurn(t *testing.T) {
	rig := newTestRig()
	gate := make(chan struct{})
	rig.llmP.StreamDelay = gate
	rig.llmP.StreamChunks = []llm.Chunk{{Text: "Too late. ", FinishReason: "stop"}}
	rig.start(t)

	rig.utter(t, "pregunta larga", 0.9)
	waitFor(t, "generation started", func() bool { return rig.llmP.StreamCallCount() == 1 })

	// User speaks again while the reply is still being generated.
	rig.c.HandleSpeechStart()
	waitFor(t, "barge-in", func() bool { return rig.c.Session().TurnID() == 2 })
	if got := rig.c.Session().Phase(); got != PhaseListening {
		t.Errorf("phase after barge-in = %v, want listening", got)
	}

	// A second barge-in with nothing active is a no-op.
	rig.c.HandleBargeIn()
	time.Sleep(20 * time.Millisecond)
	if got := rig.c.Session().TurnID(); got != 2 {
		t.Errorf("turn id after idempotent barge-in = %d, want 2", got)
	}

	// Release the cancelled stream; whatever it still produces must be
	// dropped as stale.
	close(gate)
	time.Sleep(50 * time.Millisecond)
	if n := rig.rec.count(t, wire.TypeDelta); n != 0 {
		t.Errorf("delta frames after barge-in = %d, want 0", n)
	}
	if n := rig.rec.count(t, wire.TypeAudioChunk); n != 0 {
		t.Errorf("audio frames after barge-in = %d, want 0", n)
	}
}

func TestController_StaleEventsProduceNoOutput(t *testing.T) {
	rig := newTestRig()
	rig.start(t)

	// Events tagged with a turn id that is not the active turn's.
	rig.c.enqueue(evLLMDelta{turnID: 99, text: "ghost"})
	rig.c.enqueue(evTTSChunk{turnID: 99, pcm: bytes.Repeat([]byte{1}, 100)})
	rig.c.enqueue(evTTSDone{turnID: 99})
	time.Sleep(50 * time.Millisecond)

	rig.rec.mu.Lock()
	sent := len(rig.rec.frames)
	rig.rec.mu.Unlock()
	if sent != 0 {
		t.Errorf("frames sent for stale events = %d, want 0", sent)
	}
	if got := rig.c.Session().Phase(); got != PhaseListening {
		t.Errorf("phase = %v, want listening unchanged", got)
	}
}

func TestController_BudgetExpiryFallback(t *testing.T) {
	rig := newTestRig()
	rig.conf.Turn.SoftBudgetMs = 40
	gate := make(chan struct{}) // never released: generation hangs
	rig.llmP.StreamDelay = gate
	rig.llmP.StreamChunks = []llm.Chunk{{Text: "never arrives", FinishReason: "stop"}}
	rig.start(t)

	rig.utter(t, "pregunta dificil", 0.9)
	waitFor(t, "fallback delta", func() bool {
		return rig.rec.count(t, wire.TypeDelta) == 1
	})

	d := decodePayload[wire.DeltaPayload](t, rig.rec.payloads(t, wire.TypeDelta)[0])
	if !d.Final || d.Token != budgetFallbackText || d.TurnID != 1 {
		t.Errorf("fallback delta = %+v", d)
	}
	waitFor(t, "audio complete", func() bool {
		return rig.rec.count(t, wire.TypeAudioComplete) == 1
	})
	ac := decodePayload[wire.AudioCompletePayload](t, rig.rec.payloads(t, wire.TypeAudioComplete)[0])
	if ac.TurnID != 1 {
		t.Errorf("audio_complete turn = %d, want the active turn id 1", ac.TurnID)
	}
	waitFor(t, "listening phase", func() bool { return rig.c.Session().Phase() == PhaseListening })
	waitFor(t, "fallback turn persisted", func() bool { return rig.store.turnCount() == 1 })
}

func TestController_ProviderErrorKeepsSessionAlive(t *testing.T) {
	rig := newTestRig()
	rig.llmP.StreamErr = errors.New("upstream 500")
	rig.start(t)

	rig.utter(t, "hola", 0.9)
	waitFor(t, "error frame", func() bool {
		return rig.rec.count(t, wire.TypeError) == 1
	})
	ep := decodePayload[wire.ErrorPayload](t, rig.rec.payloads(t, wire.TypeError)[0])
	if ep.TurnID != 1 || ep.Message == "" {
		t.Errorf("error payload = %+v", ep)
	}
	waitFor(t, "listening phase", func() bool { return rig.c.Session().Phase() == PhaseListening })

	// The session survives: the next utterance completes normally.
	rig.llmP.StreamErr = nil
	rig.llmP.StreamChunks = []llm.Chunk{{Text: "Recovered.", FinishReason: "stop"}}
	rig.ttsP.PerFragmentAudio = make([]byte, 500)

	rig.utter(t, "hola otra vez", 0.9)
	waitFor(t, "second turn completes", func() bool {
		return rig.rec.count(t, wire.TypeAudioComplete) == 1
	})
	ac := decodePayload[wire.AudioCompletePayload](t, rig.rec.payloads(t, wire.TypeAudioComplete)[0])
	if ac.TurnID != 2 {
		t.Errorf("recovered turn id = %d, want 2", ac.TurnID)
	}
}

func TestController_ConfigUpdateLanguageRestartsSTT(t *testing.T) {
	rig := newTestRig()
	rig.start(t)

	// Give the restart its own stream so the superseded one can be closed.
	replacement := sttmock.NewSession()
	rig.sttP.Session = replacement

	enabled := true
	rig.c.HandleConfigUpdate(wire.ConfigUpdatePayload{
		Language:       "de",
		TranslatorMode: &enabled,
		Voice:          "narrator",
	})
	waitFor(t, "config updated ack", func() bool {
		return rig.rec.count(t, wire.TypeConfigUpdated) == 1
	})

	cu := decodePayload[wire.ConfigUpdatedPayload](t, rig.rec.payloads(t, wire.TypeConfigUpdated)[0])
	if cu.Language != "de" || !cu.TranslatorMode || cu.Voice != "narrator" {
		t.Errorf("config_updated payload = %+v", cu)
	}

	calls := rig.sttP.Calls()
	if len(calls) != 2 {
		t.Fatalf("StartStream calls = %d, want 2", len(calls))
	}
	if calls[1].Cfg.Language != "de" {
		t.Errorf("restarted stream language = %q, want de", calls[1].Cfg.Language)
	}
	waitFor(t, "old stream closed", func() bool { return rig.sttSess.CloseCount() == 1 })
}

func TestController_ConfigUpdateWithoutLanguageKeepsStream(t *testing.T) {
	rig := newTestRig()
	rig.start(t)

	rig.c.HandleConfigUpdate(wire.ConfigUpdatePayload{Voice: "calm"})
	waitFor(t, "config updated ack", func() bool {
		return rig.rec.count(t, wire.TypeConfigUpdated) == 1
	})
	if calls := rig.sttP.Calls(); len(calls) != 1 {
		t.Errorf("StartStream calls = %d, want 1 (no restart)", len(calls))
	}
}

func TestController_ImageUploadAttachesToNextTurn(t *testing.T) {
	rig := newTestRig()
	rig.llmP.StreamChunks = []llm.Chunk{{Text: "I see a cat.", FinishReason: "stop"}}
	rig.ttsP.PerFragmentAudio = make([]byte, 400)
	rig.start(t)

	const dataURL = "data:image/png;base64,aGk="
	rig.c.HandleImageUpload(wire.ImageUploadPayload{Data: dataURL, Name: "cat.png"})
	waitFor(t, "image ack", func() bool {
		return rig.rec.count(t, wire.TypeImageReceived) == 1
	})

	rig.utter(t, "que hay en la imagen", 0.9)
	waitFor(t, "turn completes", func() bool {
		return rig.rec.count(t, wire.TypeAudioComplete) == 1
	})

	req := rig.llmP.LastStreamRequest()
	if len(req.Images) != 1 || req.Images[0] != dataURL {
		t.Errorf("request images = %v, want the uploaded data URL", req.Images)
	}

	// The image is consumed by the turn it was attached to.
	rig.utter(t, "y ahora", 0.9)
	waitFor(t, "second turn completes", func() bool {
		return rig.rec.count(t, wire.TypeAudioComplete) == 2
	})
	if req := rig.llmP.LastStreamRequest(); len(req.Images) != 0 {
		t.Errorf("second request still carries images: %v", req.Images)
	}
}

func TestController_NotesRequest(t *testing.T) {
	rig := newTestRig()
	rig.llmP.CompleteResponse = &llm.CompletionResponse{Content: "## Study notes"}
	rig.start(t)

	rig.c.History().Add("user", "hola")
	rig.c.History().Add("assistant", "¡hola!")

	rig.c.HandleNotesRequest()
	waitFor(t, "notes frame", func() bool {
		return rig.rec.count(t, wire.TypeNotes) == 1
	})
	np := decodePayload[wire.NotesPayload](t, rig.rec.payloads(t, wire.TypeNotes)[0])
	if np.Notes != "## Study notes" {
		t.Errorf("notes = %q", np.Notes)
	}
}

func TestController_InterimTranscriptForwarded(t *testing.T) {
	rig := newTestRig()
	rig.start(t)

	rig.sttSess.PartialsCh <- stt.Transcript{Text: "ho", Confidence: 0.4}
	waitFor(t, "interim frame", func() bool {
		return rig.rec.count(t, wire.TypeTranscriptInterim) == 1
	})
	tp := decodePayload[wire.TranscriptPayload](t, rig.rec.payloads(t, wire.TypeTranscriptInterim)[0])
	if tp.TurnID != 1 || tp.Text != "ho" {
		t.Errorf("interim payload = %+v, want prospective turn id 1", tp)
	}
}

func TestController_EmptyFinalReturnsToListening(t *testing.T) {
	rig := newTestRig()
	rig.start(t)

	rig.utter(t, "   ", 0.9)
	waitFor(t, "listening phase", func() bool { return rig.c.Session().Phase() == PhaseListening })
	if n := rig.rec.count(t, wire.TypeTranscriptFinal); n != 0 {
		t.Errorf("transcript_final frames = %d, want 0 for empty text", n)
	}
	if got := rig.c.Session().TurnID(); got != 0 {
		t.Errorf("turn id = %d, want 0 (no turn started)", got)
	}
}

func TestController_AudioFramesForwardedToSTT(t *testing.T) {
	rig := newTestRig()
	rig.start(t)

	rig.c.HandleAudioFrame(bytes.Repeat([]byte{0x7f}, 640))
	waitFor(t, "frame forwarded", func() bool { return rig.sttSess.AudioChunkCount() == 1 })
	if got := rig.sttSess.AudioBytes(); got != 640 {
		t.Errorf("forwarded bytes = %d, want 640", got)
	}
}

func TestController_CloseIsIdempotent(t *testing.T) {
	rig := newTestRig()
	rig.start(t)

	rig.c.Close()
	rig.c.Close()

	if got := rig.c.Session().Phase(); got != PhaseIdle {
		t.Errorf("phase after close = %v, want idle", got)
	}
	if got := rig.sttSess.CloseCount(); got < 1 {
		t.Errorf("stt close count = %d, want >= 1", got)
	}
	rig.store.mu.Lock()
	defer rig.store.mu.Unlock()
	if len(rig.store.ended) != 1 {
		t.Errorf("session end records = %d, want 1", len(rig.store.ended))
	}
}

func TestController_VocabularyCorrectionApplied(t *testing.T) {
	rig := newTestRig()
	rig.conf.Vocabulary = []string{"Eldrinax"}
	rig.llmP.StreamChunks = []llm.Chunk{{Text: "Sí.", FinishReason: "stop"}}
	rig.ttsP.PerFragmentAudio = make([]byte, 100)
	rig.start(t)

	rig.utter(t, "tell me about eldrinacks", 0.9)
	waitFor(t, "final frame", func() bool {
		return rig.rec.count(t, wire.TypeTranscriptFinal) == 1
	})
	tp := decodePayload[wire.TranscriptPayload](t, rig.rec.payloads(t, wire.TypeTranscriptFinal)[0])
	if !strings.Contains(tp.Text, "Eldrinax") {
		t.Errorf("corrected transcript = %q, want vocabulary spelling", tp.Text)
	}
}
