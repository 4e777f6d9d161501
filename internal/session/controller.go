package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parlovoice/parlo/internal/config"
	"github.com/parlovoice/parlo/internal/observe"
	"github.com/parlovoice/parlo/internal/transcript"
	"github.com/parlovoice/parlo/pkg/history"
	"github.com/parlovoice/parlo/pkg/provider/llm"
	"github.com/parlovoice/parlo/pkg/provider/stt"
	"github.com/parlovoice/parlo/pkg/provider/tts"
	"github.com/parlovoice/parlo/pkg/wire"
)

const (
	// eventQueueDepth bounds the controller's inbox. Audio frames are the
	// only high-rate producer and are dropped (never blocked) on overflow.
	eventQueueDepth = 256

	// audioChunkBytes is the synthesized-audio chunk size sent to the
	// client: 200 ms of 24 kHz mono PCM16.
	audioChunkBytes = 9600

	// sentenceBufDepth is the buffer of the text channel feeding TTS, sized
	// to absorb several sentences without stalling the generation reader.
	sentenceBufDepth = 16

	// clarificationText is spoken instead of a generated reply when the
	// transcript confidence is below the configured threshold.
	clarificationText = "Sorry, I didn't quite catch that. Could you say it again?"

	// budgetFallbackText closes out a turn that exceeded its wall budget.
	budgetFallbackText = "Let me keep that brief — go ahead."
)

// systemPromptTemplate is the base persona for generation; %s is the
// practised language.
const systemPromptTemplate = "You are a friendly conversation partner helping the user practise %s. " +
	"Reply naturally and briefly, matching the learner's level, and gently correct significant mistakes."

// translatorSuffix is appended to the system prompt in translator mode.
const translatorSuffix = "After each reply, add an English translation of your reply in parentheses."

// SendFunc delivers one encoded wire frame to the client. Implementations
// must be safe for concurrent use; the controller and its pipelines may call
// from different goroutines.
type SendFunc func(frame []byte) error

// ControllerConfig carries everything a [Controller] needs. STT, LLM, TTS,
// Send and Conf are required.
type ControllerConfig struct {
	// STT, LLM and TTS are the provider chains driving the pipeline.
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Send delivers encoded frames to the client.
	Send SendFunc

	// Conf is the server configuration (budgets, thresholds, vocabulary).
	Conf *config.Config

	// Language, TranslatorMode and Voice are the session parameters from the
	// init payload. Empty values fall back to the configured defaults.
	Language       string
	TranslatorMode bool
	Voice          string

	// Store persists turns and notes. Nil disables persistence.
	Store history.Store

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// turn is the controller's in-flight utterance-to-response cycle. Owned
// exclusively by the event loop.
type turn struct {
	id         uint32
	cancel     context.CancelFunc
	startedAt  time.Time
	transcript string
	reply      strings.Builder
	status     string

	pending   []byte // synthesized audio awaiting a full chunk
	sentBytes int

	firstToken bool
	firstAudio bool

	softTimer *time.Timer
	hardTimer *time.Timer
}

// Controller drives one session's turn cycle. All state transitions happen on
// a single event-loop goroutine; exported Handle methods and provider
// pipelines only enqueue events. Create with [NewController], start with
// [Controller.Start] and always [Controller.Close] on disconnect.
type Controller struct {
	sess      *Session
	sttP      stt.Provider
	llmP      llm.Provider
	ttsP      tts.Provider
	send      SendFunc
	conf      *config.Config
	metrics   *observe.Metrics
	corrector *transcript.Corrector
	hist      *History
	notes     *NotesGenerator
	recorder  *Recorder

	events chan event
	done   chan struct{}

	closeOnce sync.Once
	startMu   sync.Mutex
	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	// handleMu guards sttHandle: the loop swaps it on language change and
	// Close releases it from the caller's goroutine.
	handleMu  sync.Mutex
	sttHandle stt.SessionHandle

	// Loop-owned state below; never touched off the loop goroutine.
	active     *turn
	finalizeAt time.Time
}

// NewController builds a Controller for one client connection.
func NewController(cfg ControllerConfig) (*Controller, error) {
	var errs []error
	if cfg.STT == nil {
		errs = append(errs, errors.New("session: STT provider is required"))
	}
	if cfg.LLM == nil {
		errs = append(errs, errors.New("session: LLM provider is required"))
	}
	if cfg.TTS == nil {
		errs = append(errs, errors.New("session: TTS provider is required"))
	}
	if cfg.Send == nil {
		errs = append(errs, errors.New("session: send function is required"))
	}
	if cfg.Conf == nil {
		errs = append(errs, errors.New("session: configuration is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	language := cfg.Language
	if language == "" {
		language = cfg.Conf.Session.Language
	}
	voice := cfg.Voice
	if voice == "" {
		voice = cfg.Conf.Session.Voice.VoiceID
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	sess := &Session{
		ID:             NewID(),
		StartedAt:      time.Now().UTC(),
		Language:       language,
		TranslatorMode: cfg.TranslatorMode || cfg.Conf.Session.TranslatorMode,
		Voice:          voice,
	}

	return &Controller{
		sess:      sess,
		sttP:      cfg.STT,
		llmP:      cfg.LLM,
		ttsP:      cfg.TTS,
		send:      cfg.Send,
		conf:      cfg.Conf,
		metrics:   metrics,
		corrector: transcript.NewCorrector(),
		hist:      NewHistory(cfg.Conf.History.MaxEntries, cfg.Conf.History.Window),
		notes:     NewNotesGenerator(cfg.LLM),
		recorder:  NewRecorder(cfg.Store),
		events:    make(chan event, eventQueueDepth),
		done:      make(chan struct{}),
	}, nil
}

// Session returns the session state snapshot holder.
func (c *Controller) Session() *Session { return c.sess }

// History returns the session's conversation history.
func (c *Controller) History() *History { return c.hist }

// Start opens the transcription stream and launches the event loop. The
// controller moves from idle to listening; a failure to open STT leaves it
// idle and is a session-level error.
func (c *Controller) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return errors.New("session: controller already started")
	}

	c.runCtx, c.runCancel = context.WithCancel(ctx)

	handle, err := c.sttP.StartStream(c.runCtx, c.streamConfig())
	if err != nil {
		c.runCancel()
		return fmt.Errorf("session: start transcription: %w", err)
	}
	c.setHandle(handle)
	c.started = true

	c.metrics.ActiveSessions.Add(c.runCtx, 1)
	c.recorder.SessionStarted(history.SessionRecord{
		ID:             c.sess.ID,
		Language:       c.sess.Language,
		TranslatorMode: c.sess.TranslatorMode,
		StartedAt:      c.sess.StartedAt,
	})

	c.sess.setPhase(PhaseListening)
	go c.pumpTranscripts(handle)
	go c.loop()

	slog.Info("session started",
		"session_id", c.sess.ID,
		"language", c.sess.Language,
		"translator_mode", c.sess.TranslatorMode,
	)
	return nil
}

// Close tears the session down: cancels any in-flight turn, closes the
// transcription stream and flushes pending store writes. Safe to call more
// than once.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.startMu.Lock()
		started := c.started
		c.startMu.Unlock()

		close(c.done)
		if !started {
			c.sess.setPhase(PhaseIdle)
			return
		}

		c.runCancel()
		c.sess.setPhase(PhaseIdle)
		if handle := c.setHandle(nil); handle != nil {
			if err := handle.Close(); err != nil {
				slog.Warn("session: close transcription stream", "session_id", c.sess.ID, "err", err)
			}
		}
		c.metrics.ActiveSessions.Add(context.Background(), -1)
		c.recorder.SessionEnded(c.sess.ID, time.Now().UTC())
		c.recorder.Stop()
		slog.Info("session closed", "session_id", c.sess.ID)
	})
}

// ── wire entry points (any goroutine) ──

// HandleAudioFrame enqueues one inbound PCM frame. Frames are dropped rather
// than blocking when the controller is behind.
func (c *Controller) HandleAudioFrame(pcm []byte) {
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	select {
	case c.events <- evAudioFrame{pcm: cp}:
	case <-c.done:
	default:
		c.metrics.RecordDroppedFrames(context.Background(), 1, "controller")
	}
}

// HandleSpeechStart reports the client endpointer's speech-start.
func (c *Controller) HandleSpeechStart() { c.enqueue(evSpeechStart{}) }

// HandleSpeechEnd reports the client endpointer's speech-end.
func (c *Controller) HandleSpeechEnd() { c.enqueue(evSpeechEnd{}) }

// HandleBargeIn reports an explicit client barge-in.
func (c *Controller) HandleBargeIn() { c.enqueue(evBargeIn{}) }

// HandleConfigUpdate applies a mid-session parameter change.
func (c *Controller) HandleConfigUpdate(p wire.ConfigUpdatePayload) {
	c.enqueue(evConfigUpdate{payload: p})
}

// HandleImageUpload attaches an image to the session.
func (c *Controller) HandleImageUpload(p wire.ImageUploadPayload) {
	c.enqueue(evImageUpload{payload: p})
}

// HandleNotesRequest asks for study notes over the conversation so far.
func (c *Controller) HandleNotesRequest() { c.enqueue(evNotesRequest{}) }

func (c *Controller) enqueue(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// ── event loop ──

func (c *Controller) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

func (c *Controller) dispatch(ev event) {
	switch ev := ev.(type) {
	case evAudioFrame:
		c.onAudioFrame(ev.pcm)
	case evSpeechStart:
		c.onSpeechStart()
	case evSpeechEnd:
		c.onSpeechEnd()
	case evBargeIn:
		c.bargeIn("explicit")
	case evConfigUpdate:
		c.onConfigUpdate(ev.payload)
	case evImageUpload:
		c.onImageUpload(ev.payload)
	case evNotesRequest:
		c.onNotesRequest()
	case evTranscriptInterim:
		c.onInterim(ev.transcript)
	case evTranscriptFinal:
		c.onFinalTranscript(ev.transcript)
	case evLLMDelta:
		c.onLLMDelta(ev.turnID, ev.text)
	case evLLMDone:
		c.onLLMDone(ev.turnID, ev.reason)
	case evTTSChunk:
		c.onTTSChunk(ev.turnID, ev.pcm)
	case evTTSDone:
		c.onTTSDone(ev.turnID)
	case evBudgetExpired:
		c.onBudgetExpired(ev.turnID)
	case evTurnError:
		c.onTurnError(ev.turnID, ev.stage, ev.err)
	case evNotesReady:
		c.onNotesReady(ev.body, ev.err)
	case evSTTClosed:
		c.onSTTClosed(ev.handle)
	}
}

func (c *Controller) onAudioFrame(pcm []byte) {
	handle := c.handle()
	if handle == nil || c.sess.Phase() == PhaseIdle {
		return
	}
	if err := handle.SendAudio(pcm); err != nil {
		slog.Warn("session: forward audio failed", "session_id", c.sess.ID, "err", err)
	}
}

func (c *Controller) onSpeechStart() {
	switch c.sess.Phase() {
	case PhaseThinking, PhaseSpeaking:
		c.bargeIn("speech_start")
	}
}

func (c *Controller) onSpeechEnd() {
	if c.sess.Phase() != PhaseListening {
		return
	}
	handle := c.handle()
	if handle == nil {
		return
	}
	c.finalizeAt = time.Now()
	if err := handle.Finalize(); err != nil {
		c.sendError("transcription failed", 0)
		slog.Warn("session: finalize failed", "session_id", c.sess.ID, "err", err)
		return
	}
	c.sess.setPhase(PhaseThinking)
}

func (c *Controller) onInterim(t stt.Transcript) {
	phase := c.sess.Phase()
	if phase != PhaseListening && phase != PhaseThinking {
		return
	}
	c.sendJSON(wire.TypeTranscriptInterim, wire.TranscriptPayload{
		TurnID:     c.sess.TurnID() + 1,
		Text:       t.Text,
		Confidence: t.Confidence,
	})
}

func (c *Controller) onFinalTranscript(t stt.Transcript) {
	if c.active != nil {
		// A turn is already running; a provider final for the previous
		// utterance arriving now is stale by definition.
		return
	}
	phase := c.sess.Phase()
	if phase != PhaseThinking && phase != PhaseListening {
		return
	}
	if strings.TrimSpace(t.Text) == "" {
		c.sess.setPhase(PhaseListening)
		return
	}

	if !c.finalizeAt.IsZero() {
		c.metrics.STTFinalLatency.Record(c.runCtx, time.Since(c.finalizeAt).Seconds())
		c.finalizeAt = time.Time{}
	}

	text, corrections := c.corrector.Correct(t.Text, c.conf.Vocabulary)
	if len(corrections) > 0 {
		slog.Debug("session: vocabulary corrections applied",
			"session_id", c.sess.ID, "count", len(corrections))
	}

	id := c.sess.turnID.Add(1)
	c.sendJSON(wire.TypeTranscriptFinal, wire.TranscriptPayload{
		TurnID:     id,
		Text:       text,
		Confidence: t.Confidence,
	})

	tn := &turn{id: id, startedAt: time.Now(), transcript: text, status: "ok"}
	c.active = tn
	c.sess.setPhase(PhaseThinking)
	c.armBudgets(tn)

	turnCtx, cancel := context.WithCancel(c.runCtx)
	tn.cancel = cancel

	if transcript.NeedsClarification(t, c.conf.Session.ConfidenceThreshold) {
		tn.status = "clarification"
		tn.reply.WriteString(clarificationText)
		c.sendJSON(wire.TypeDelta, wire.DeltaPayload{TurnID: id, Token: clarificationText, Final: true})
		go c.runClarification(turnCtx, id)
		return
	}

	req := c.buildRequest(text)
	go c.runPipeline(turnCtx, id, req)
}

func (c *Controller) onLLMDelta(id uint32, text string) {
	if c.stale(id) {
		return
	}
	t := c.active
	if !t.firstToken {
		t.firstToken = true
		c.metrics.LLMFirstTokenLatency.Record(c.runCtx, time.Since(t.startedAt).Seconds())
	}
	t.reply.WriteString(text)
	c.sendJSON(wire.TypeDelta, wire.DeltaPayload{TurnID: id, Token: text})
}

// onLLMDone records the end of generation. The turn is not finished yet:
// synthesis drains independently and evTTSDone completes it.
func (c *Controller) onLLMDone(id uint32, reason string) {
	if c.stale(id) {
		return
	}
	slog.Debug("session: generation finished",
		"session_id", c.sess.ID, "turn_id", id, "reason", reason)
}

func (c *Controller) onTTSChunk(id uint32, pcm []byte) {
	if c.stale(id) {
		return
	}
	t := c.active
	if !t.firstAudio {
		t.firstAudio = true
		c.metrics.TTSFirstAudioLatency.Record(c.runCtx, time.Since(t.startedAt).Seconds())
		c.sess.setPhase(PhaseSpeaking)
	}

	t.pending = append(t.pending, pcm...)
	for len(t.pending) >= audioChunkBytes {
		if !c.sendTurnAudio(t, t.pending[:audioChunkBytes]) {
			return
		}
		t.pending = t.pending[audioChunkBytes:]
	}
}

func (c *Controller) onTTSDone(id uint32) {
	if c.stale(id) {
		return
	}
	t := c.active
	if len(t.pending) > 0 {
		c.sendTurnAudio(t, t.pending)
		t.pending = nil
	}
	c.sendJSON(wire.TypeAudioComplete, wire.AudioCompletePayload{TurnID: id})
	c.finishTurn(t.status)
}

// sendTurnAudio emits one tagged chunk, enforcing the per-utterance audio
// cap. Returns false when the cap was hit and the turn was closed out.
func (c *Controller) sendTurnAudio(t *turn, pcm []byte) bool {
	limit := c.conf.Audio.MaxUtteranceBytes
	if limit > 0 && t.sentBytes+len(pcm) > limit {
		slog.Warn("session: utterance audio cap reached, truncating",
			"session_id", c.sess.ID, "turn_id", t.id, "sent_bytes", t.sentBytes)
		t.cancel()
		t.pending = nil
		c.sendJSON(wire.TypeAudioComplete, wire.AudioCompletePayload{TurnID: t.id})
		c.finishTurn(t.status)
		return false
	}
	t.sentBytes += len(pcm)
	if err := c.send(wire.EncodeAudioChunk(t.id, pcm)); err != nil {
		slog.Warn("session: send audio chunk failed", "session_id", c.sess.ID, "err", err)
	}
	return true
}

func (c *Controller) onBudgetExpired(id uint32) {
	if c.stale(id) {
		return
	}
	t := c.active
	t.cancel()
	c.sendJSON(wire.TypeDelta, wire.DeltaPayload{TurnID: id, Token: budgetFallbackText, Final: true})
	c.sendJSON(wire.TypeAudioComplete, wire.AudioCompletePayload{TurnID: id})
	t.reply.WriteString(budgetFallbackText)
	c.finishTurn("fallback")
}

func (c *Controller) onTurnError(id uint32, stage string, err error) {
	if c.stale(id) {
		return
	}
	t := c.active
	t.cancel()
	c.metrics.RecordProviderError(c.runCtx, "chain", stage)
	c.sendError(fmt.Sprintf("%s unavailable, please try again", stage), id)
	slog.Warn("session: turn failed",
		"session_id", c.sess.ID, "turn_id", id, "stage", stage, "err", err)
	c.finishTurn("error")
}

// bargeIn aborts the active turn: cancel generation and synthesis, bump the
// turn id so buffered pipeline output is stale on arrival, and return to
// listening. Calling it with no active turn is a no-op, which makes repeated
// barge-ins idempotent.
func (c *Controller) bargeIn(cause string) {
	if c.active == nil {
		return
	}
	t := c.active
	t.cancel()
	c.stopTimers(t)
	c.active = nil
	c.sess.turnID.Add(1)
	c.metrics.RecordBargeIn(c.runCtx)
	c.sess.setPhase(PhaseListening)
	slog.Debug("session: barge-in",
		"session_id", c.sess.ID, "cancelled_turn", t.id, "cause", cause)
}

func (c *Controller) onConfigUpdate(p wire.ConfigUpdatePayload) {
	if p.Language != "" && p.Language != c.sess.Language {
		if err := c.restartSTT(p.Language); err != nil {
			c.sendError("language change failed", 0)
			slog.Warn("session: language change failed",
				"session_id", c.sess.ID, "language", p.Language, "err", err)
		} else {
			c.sess.Language = p.Language
		}
	}
	if p.TranslatorMode != nil {
		c.sess.TranslatorMode = *p.TranslatorMode
	}
	if p.Voice != "" {
		c.sess.Voice = p.Voice
	}
	c.sendJSON(wire.TypeConfigUpdated, wire.ConfigUpdatedPayload{
		Language:       c.sess.Language,
		TranslatorMode: c.sess.TranslatorMode,
		Voice:          c.sess.Voice,
	})
}

func (c *Controller) onImageUpload(p wire.ImageUploadPayload) {
	c.sess.Image = p.Data
	if err := c.send(wire.Encode(wire.TypeImageReceived, nil)); err != nil {
		slog.Warn("session: send image ack failed", "session_id", c.sess.ID, "err", err)
	}
}

func (c *Controller) onNotesRequest() {
	entries := c.hist.All()
	language := c.sess.Language
	go func() {
		body, err := c.notes.Generate(c.runCtx, entries, language)
		c.enqueue(evNotesReady{body: body, err: err})
	}()
}

func (c *Controller) onNotesReady(body string, err error) {
	if err != nil {
		c.sendError("notes generation failed", 0)
		slog.Warn("session: notes generation failed", "session_id", c.sess.ID, "err", err)
		return
	}
	c.sendJSON(wire.TypeNotes, wire.NotesPayload{Notes: body})
	c.recorder.NotesGenerated(c.sess.ID, body)
}

func (c *Controller) onSTTClosed(handle stt.SessionHandle) {
	if handle != c.handle() {
		return // a superseded stream winding down
	}
	select {
	case <-c.runCtx.Done():
		return // normal teardown
	default:
	}
	slog.Warn("session: transcription stream closed, restarting", "session_id", c.sess.ID)
	if err := c.restartSTT(c.sess.Language); err != nil {
		c.sendError("transcription unavailable", 0)
		slog.Error("session: transcription restart failed", "session_id", c.sess.ID, "err", err)
		go c.Close()
	}
}

// ── turn completion ──

// stale reports whether id belongs to anything but the active turn. The
// equality check is the single authority for cancellation races: a stale
// event produces no transition and no output.
func (c *Controller) stale(id uint32) bool {
	return c.active == nil || c.active.id != id
}

func (c *Controller) finishTurn(status string) {
	t := c.active
	if t == nil {
		return
	}
	c.stopTimers(t)
	t.cancel()
	c.active = nil

	elapsed := time.Since(t.startedAt)
	c.metrics.TurnLatency.Record(c.runCtx, elapsed.Seconds())
	c.metrics.RecordTurn(c.runCtx, status)

	if status == "ok" || status == "fallback" {
		c.hist.Add("user", t.transcript)
		c.hist.Add("assistant", t.reply.String())
		c.recorder.TurnCompleted(history.TurnRecord{
			SessionID:  c.sess.ID,
			TurnID:     t.id,
			Transcript: t.transcript,
			Reply:      t.reply.String(),
			Duration:   elapsed,
		})
	}

	c.sess.setPhase(PhaseListening)
	slog.Debug("session: turn finished",
		"session_id", c.sess.ID, "turn_id", t.id, "status", status,
		"ms", elapsed.Milliseconds())
}

func (c *Controller) armBudgets(t *turn) {
	soft := c.conf.Turn.SoftBudget()
	if c.sess.Image != "" {
		soft = c.conf.Turn.ImageBudget()
	}
	id := t.id
	t.softTimer = time.AfterFunc(soft, func() { c.enqueue(evBudgetExpired{turnID: id}) })
	t.hardTimer = time.AfterFunc(c.conf.Turn.HardCap(), func() { c.enqueue(evBudgetExpired{turnID: id}) })
}

func (c *Controller) stopTimers(t *turn) {
	if t.softTimer != nil {
		t.softTimer.Stop()
	}
	if t.hardTimer != nil {
		t.hardTimer.Stop()
	}
}

// ── pipeline (runs off the loop goroutine, communicates via events) ──

func (c *Controller) buildRequest(text string) llm.CompletionRequest {
	var sb strings.Builder
	fmt.Fprintf(&sb, systemPromptTemplate, c.sess.Language)
	if c.sess.TranslatorMode {
		sb.WriteString(" ")
		sb.WriteString(translatorSuffix)
	}

	window := c.hist.Window()
	msgs := make([]llm.Message, 0, len(window)+1)
	msgs = append(msgs, window...)
	msgs = append(msgs, llm.Message{Role: "user", Content: text})

	req := llm.CompletionRequest{
		SystemPrompt: sb.String(),
		Messages:     msgs,
	}
	if c.sess.Image != "" {
		req.Images = []string{c.sess.Image}
		c.sess.Image = "" // consumed by this turn
	}
	return req
}

// runPipeline streams LLM output into TTS, emitting loop events along the
// way. It owns the text channel between the two providers.
func (c *Controller) runPipeline(ctx context.Context, id uint32, req llm.CompletionRequest) {
	chunks, err := c.llmP.StreamCompletion(ctx, req)
	if err != nil {
		c.enqueue(evTurnError{turnID: id, stage: "generation", err: err})
		return
	}

	textCh := make(chan string, sentenceBufDepth)
	audioCh, err := c.ttsP.SynthesizeStream(ctx, textCh, c.voiceProfile())
	if err != nil {
		close(textCh)
		go drainChunks(chunks)
		c.enqueue(evTurnError{turnID: id, stage: "synthesis", err: err})
		return
	}
	go c.forwardAudio(ctx, id, audioCh)

	defer close(textCh)
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				flushText(ctx, textCh, &buf)
				c.enqueue(evLLMDone{turnID: id})
				return
			}
			if chunk.FinishReason == "error" {
				c.enqueue(evTurnError{turnID: id, stage: "generation", err: errors.New("stream failed")})
				return
			}
			if chunk.Text != "" {
				c.enqueue(evLLMDelta{turnID: id, text: chunk.Text})
				buf.WriteString(chunk.Text)
				emitSentences(ctx, textCh, &buf)
			}
			if chunk.FinishReason != "" {
				flushText(ctx, textCh, &buf)
				c.enqueue(evLLMDone{turnID: id, reason: chunk.FinishReason})
				return
			}
		}
	}
}

// runClarification synthesizes the canned clarification without touching the
// LLM.
func (c *Controller) runClarification(ctx context.Context, id uint32) {
	textCh := make(chan string, 1)
	textCh <- clarificationText
	close(textCh)

	audioCh, err := c.ttsP.SynthesizeStream(ctx, textCh, c.voiceProfile())
	if err != nil {
		c.enqueue(evTurnError{turnID: id, stage: "synthesis", err: err})
		return
	}
	c.forwardAudio(ctx, id, audioCh)
}

// forwardAudio turns synthesized chunks into loop events. The closing
// evTTSDone is what completes a turn; when the turn was cancelled the event
// arrives stale and is dropped.
func (c *Controller) forwardAudio(ctx context.Context, id uint32, audioCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm, ok := <-audioCh:
			if !ok {
				c.enqueue(evTTSDone{turnID: id})
				return
			}
			c.enqueue(evTTSChunk{turnID: id, pcm: pcm})
		}
	}
}

// emitSentences flushes every complete sentence in buf to textCh, keeping
// the unfinished tail buffered for lower TTS latency on long replies.
func emitSentences(ctx context.Context, textCh chan<- string, buf *strings.Builder) {
	for {
		idx := sentenceBoundary(buf.String())
		if idx < 0 {
			return
		}
		sentence := buf.String()[:idx+1]
		rest := strings.TrimLeft(buf.String()[idx+1:], " \t\n\r")
		buf.Reset()
		buf.WriteString(rest)
		select {
		case textCh <- sentence:
		case <-ctx.Done():
			return
		}
	}
}

// flushText sends whatever remains in buf as a final fragment.
func flushText(ctx context.Context, textCh chan<- string, buf *strings.Builder) {
	if buf.Len() == 0 {
		return
	}
	select {
	case textCh <- buf.String():
	case <-ctx.Done():
	}
	buf.Reset()
}

// sentenceBoundary returns the index of the first '.', '!' or '?' followed
// by whitespace, or -1.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}

// drainChunks discards the rest of a generation stream so the provider's
// goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// ── plumbing ──

func (c *Controller) streamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate: c.conf.Audio.InputSampleRate,
		Language:   c.sess.Language,
		Vocabulary: c.conf.Vocabulary,
	}
}

// restartSTT opens a stream for the new language before closing the old one,
// so a provider failure keeps the current stream serving.
func (c *Controller) restartSTT(language string) error {
	cfg := c.streamConfig()
	cfg.Language = language
	handle, err := c.sttP.StartStream(c.runCtx, cfg)
	if err != nil {
		return err
	}
	old := c.setHandle(handle)
	go c.pumpTranscripts(handle)
	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("session: close previous transcription stream", "session_id", c.sess.ID, "err", err)
		}
	}
	return nil
}

// pumpTranscripts converts a transcription stream's channels into loop
// events. It exits when both channels close; evSTTClosed lets the loop
// decide whether that was teardown or a provider failure.
func (c *Controller) pumpTranscripts(handle stt.SessionHandle) {
	partials := handle.Partials()
	finals := handle.Finals()
	for partials != nil || finals != nil {
		select {
		case <-c.done:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			c.enqueue(evTranscriptInterim{transcript: t})
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			c.enqueue(evTranscriptFinal{transcript: t})
		}
	}
	c.enqueue(evSTTClosed{handle: handle})
}

// setHandle swaps the transcription handle and returns the previous one.
func (c *Controller) setHandle(h stt.SessionHandle) stt.SessionHandle {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	old := c.sttHandle
	c.sttHandle = h
	return old
}

func (c *Controller) handle() stt.SessionHandle {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()
	return c.sttHandle
}

func (c *Controller) voiceProfile() tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          c.sess.Voice,
		SpeedFactor: c.conf.Session.Voice.SpeedFactor,
	}
}

func (c *Controller) sendJSON(t wire.Type, v any) {
	frame, err := wire.EncodeJSON(t, v)
	if err != nil {
		slog.Error("session: encode frame", "session_id", c.sess.ID, "type", t.String(), "err", err)
		return
	}
	if err := c.send(frame); err != nil {
		slog.Warn("session: send frame failed", "session_id", c.sess.ID, "type", t.String(), "err", err)
	}
}

func (c *Controller) sendError(message string, turnID uint32) {
	c.sendJSON(wire.TypeError, wire.ErrorPayload{Message: message, TurnID: turnID})
}
