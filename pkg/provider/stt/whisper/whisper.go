// Package whisper provides a local whisper.cpp-backed STT provider using the
// whisper.cpp CGO bindings. The static library (libwhisper.a) and headers
// must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// whisper.cpp is a batch engine, so the provider cannot emit true
// low-latency partials. It buffers audio until the session controller calls
// Finalize at the utterance boundary, runs one inference over the buffered
// utterance, and emits the text as a partial immediately followed by a
// final. Useful for fully offline deployments; the streaming backends give
// better latency.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/parlovoice/parlo/pkg/audio"
	"github.com/parlovoice/parlo/pkg/provider/stt"
)

// whisper.cpp consumes 16 kHz mono float32 samples.
const modelSampleRate = 16000

const (
	defaultLanguage = "en"
	// defaultMaxUtteranceBytes caps one buffered utterance (~75 s at
	// 16 kHz PCM16), matching the session controller's audio budget.
	defaultMaxUtteranceBytes = 2_400_000
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the default transcription language (e.g. "en", "de").
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithMaxUtteranceBytes caps the audio buffered for a single utterance.
// Audio beyond the cap is dropped until the next Finalize.
func WithMaxUtteranceBytes(n int) Option {
	return func(p *Provider) { p.maxUtteranceBytes = n }
}

// Provider implements stt.Provider using the whisper.cpp Go bindings. The
// model is loaded once and shared across sessions; each session creates its
// own inference context.
type Provider struct {
	model             whisperlib.Model
	language          string
	maxUtteranceBytes int
}

var _ stt.Provider = (*Provider)(nil)

// New loads the whisper.cpp model from modelPath. Call Close when the
// provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	p := &Provider{
		model:             model,
		language:          defaultLanguage,
		maxUtteranceBytes: defaultMaxUtteranceBytes,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a transcription session. Audio accumulates until
// Finalize; cfg.SampleRate other than 16000 is resampled before inference.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = modelSampleRate
	}

	s := &session{
		model:      p.model,
		language:   lang,
		sampleRate: sr,
		maxBytes:   p.maxUtteranceBytes,
		requests:   make(chan request, 256),
		partials:   make(chan stt.Transcript, 16),
		finals:     make(chan stt.Transcript, 16),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s, nil
}

// request is one unit of work for the session goroutine: an audio chunk, or
// a finalize marker when audio is nil.
type request struct {
	audio []byte
}

// session buffers one utterance at a time and infers on Finalize. All
// buffering state is confined to the processLoop goroutine.
type session struct {
	model      whisperlib.Model
	language   string
	sampleRate int
	maxBytes   int

	requests chan request
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.SessionHandle = (*session)(nil)

func (s *session) submit(r request) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.requests <- r:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	}
}

// SendAudio buffers raw PCM16 bytes for the current utterance.
func (s *session) SendAudio(chunk []byte) error {
	return s.submit(request{audio: chunk})
}

// Finalize runs inference over the buffered utterance and emits the result.
func (s *session) Finalize() error {
	return s.submit(request{})
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of committed transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close finalizes any buffered audio and releases the session.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer  []byte
		clipped bool
	)

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		pcm := buffer
		buffer = nil
		clipped = false

		text, err := s.infer(pcm)
		if err != nil {
			slog.Error("whisper inference failed", "error", err)
			return
		}
		if text == "" {
			return
		}
		t := stt.Transcript{Text: text, IsFinal: false}
		select {
		case s.partials <- t:
		default:
		}
		t.IsFinal = true
		select {
		case s.finals <- t:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-s.done:
			flush()
			return
		case r := <-s.requests:
			if r.audio == nil {
				flush()
				continue
			}
			if len(buffer)+len(r.audio) > s.maxBytes {
				if !clipped {
					clipped = true
					slog.Warn("whisper utterance buffer full, dropping audio until finalize",
						"max_bytes", s.maxBytes)
				}
				continue
			}
			buffer = append(buffer, r.audio...)
		}
	}
}

// infer resamples the utterance to the model rate, runs whisper.cpp over it
// and returns the concatenated segment text. Each inference gets a fresh
// context; contexts are not thread-safe but the model is shareable.
func (s *session) infer(pcm []byte) (string, error) {
	if s.sampleRate != modelSampleRate {
		pcm = audio.ResampleMono16(pcm, s.sampleRate, modelSampleRate)
	}
	samples := audio.Normalize(pcm)

	wctx, err := s.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(s.language); err != nil {
		slog.Warn("whisper: failed to set language, using default",
			"language", s.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
