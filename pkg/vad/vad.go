// Package vad implements the endpointer: per-frame speech/silence
// classification with adaptive thresholds, plus discrete speech-start and
// speech-end events with hysteresis.
//
// Classification combines short-time energy with zero-crossing rate. The
// energy gate alone misses quiet fricatives and sibilants; the ZCR term
// recovers them because unvoiced consonants cross zero far more often than
// room noise at the same level.
package vad

import (
	"time"

	"github.com/parlovoice/parlo/pkg/audio"
)

// EventType distinguishes endpointer transitions.
type EventType int

const (
	// SpeechStart fires once hysteresis confirms a new speech region.
	SpeechStart EventType = iota
	// SpeechEnd fires after the configured silence duration elapses with no
	// speech frame.
	SpeechEnd
)

// String returns "speech_start" or "speech_end".
func (t EventType) String() string {
	if t == SpeechStart {
		return "speech_start"
	}
	return "speech_end"
}

// Event is a discrete endpointer transition, timestamped with the frame
// that triggered it.
type Event struct {
	Type      EventType
	Timestamp time.Duration
}

// Config tunes the endpointer. The zero value picks the defaults below.
// SilenceDuration and Hangover are product tuning knobs, not correctness
// invariants; both are exposed through configuration.
type Config struct {
	// SpeechThreshold is the fixed energy floor above which a frame counts
	// as speech regardless of the noise estimate. Default 0.015.
	SpeechThreshold float64

	// SilenceThreshold is the lower fixed energy floor used together with
	// the ZCR gate. Default 0.008.
	SilenceThreshold float64

	// ZCRThreshold is the zero-crossing rate above which a low-energy frame
	// still counts as speech. Default 0.15.
	ZCRThreshold float64

	// SpeechMultiplier scales the adapted noise floor into the speech
	// threshold. Default 3.0.
	SpeechMultiplier float64

	// SilenceMultiplier scales the adapted noise floor into the silence
	// threshold. Default 1.5.
	SilenceMultiplier float64

	// AdaptFrames is the number of leading frames over which the noise
	// floor adapts; after that it is frozen. Default 50 (~1 s).
	AdaptFrames int

	// StartFrames is the consecutive-speech-frame count required before
	// SpeechStart fires. Default 3 (~60 ms).
	StartFrames int

	// SilenceDuration is how long silence must persist before SpeechEnd
	// fires. Default 1200 ms; useful range is roughly 800 ms to 1400 ms.
	SilenceDuration time.Duration

	// Hangover is the trailing-send window: how long Active() stays true
	// after SpeechEnd so trailing syllables are still forwarded.
	// Default 300 ms.
	Hangover time.Duration
}

const noiseFloorAlpha = 0.1

func (c *Config) withDefaults() {
	if c.SpeechThreshold == 0 {
		c.SpeechThreshold = 0.015
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = 0.008
	}
	if c.ZCRThreshold == 0 {
		c.ZCRThreshold = 0.15
	}
	if c.SpeechMultiplier == 0 {
		c.SpeechMultiplier = 3.0
	}
	if c.SilenceMultiplier == 0 {
		c.SilenceMultiplier = 1.5
	}
	if c.AdaptFrames == 0 {
		c.AdaptFrames = 50
	}
	if c.StartFrames == 0 {
		c.StartFrames = 3
	}
	if c.SilenceDuration == 0 {
		c.SilenceDuration = 1200 * time.Millisecond
	}
	if c.Hangover == 0 {
		c.Hangover = 300 * time.Millisecond
	}
}

// Endpointer consumes frames and emits speech-start/speech-end transitions.
// It is clocked entirely by frame timestamps, never wall time, so it is
// deterministic for a given frame sequence. Not safe for concurrent use;
// feed it from a single goroutine.
type Endpointer struct {
	cfg Config

	frameCount  int
	noiseFloor  float64
	inSpeech    bool
	speechRun   int
	silenceFor  time.Duration
	activeUntil time.Duration
	started     bool // a region has begun since the last Reset
}

// New creates an Endpointer with cfg's zero fields defaulted.
func New(cfg Config) *Endpointer {
	cfg.withDefaults()
	return &Endpointer{cfg: cfg}
}

// Process classifies one frame and returns a transition event if the frame
// caused one.
func (e *Endpointer) Process(f audio.Frame) (Event, bool) {
	samples := audio.Normalize(f.Data)
	energy := meanAbs(samples)
	zcr := zeroCrossingRate(samples)

	if e.frameCount < e.cfg.AdaptFrames {
		e.noiseFloor = e.noiseFloor*(1-noiseFloorAlpha) + energy*noiseFloorAlpha
	}
	e.frameCount++
	// Transitions are suppressed while the noise floor is still settling;
	// hysteresis counters keep running so a region spanning the window
	// boundary fires immediately after it.
	canEmit := e.frameCount > e.cfg.AdaptFrames

	speechThresh := max(e.cfg.SpeechThreshold, e.noiseFloor*e.cfg.SpeechMultiplier)
	silenceThresh := max(e.cfg.SilenceThreshold, e.noiseFloor*e.cfg.SilenceMultiplier)

	isSpeech := energy > speechThresh || (energy > silenceThresh && zcr > e.cfg.ZCRThreshold)

	frameEnd := f.Timestamp + f.Duration()

	if isSpeech {
		e.speechRun++
		e.silenceFor = 0
		e.activeUntil = frameEnd + e.cfg.SilenceDuration + e.cfg.Hangover
		if canEmit && !e.inSpeech && e.speechRun >= e.cfg.StartFrames {
			e.inSpeech = true
			e.started = true
			return Event{Type: SpeechStart, Timestamp: f.Timestamp}, true
		}
		return Event{}, false
	}

	e.speechRun = 0
	if e.inSpeech {
		e.silenceFor += f.Duration()
		if e.silenceFor >= e.cfg.SilenceDuration {
			e.inSpeech = false
			e.activeUntil = frameEnd + e.cfg.Hangover
			return Event{Type: SpeechEnd, Timestamp: f.Timestamp}, true
		}
	}
	return Event{}, false
}

// Active reports whether frames at timestamp now should still be forwarded:
// inside a speech region, during the silence countdown, or within the
// trailing hangover window after speech-end.
func (e *Endpointer) Active(now time.Duration) bool {
	return e.inSpeech || (e.started && now < e.activeUntil)
}

// InSpeech reports whether the endpointer is inside a confirmed speech
// region.
func (e *Endpointer) InSpeech() bool { return e.inSpeech }

// StartFrames returns the confirmation window length in frames. Callers that
// buffer the utterance onset size their window from this.
func (e *Endpointer) StartFrames() int { return e.cfg.StartFrames }

// NoiseFloor returns the current adapted noise-floor estimate.
func (e *Endpointer) NoiseFloor() float64 { return e.noiseFloor }

// Reset clears hysteresis counters and the noise-floor adaptation. Call at
// session start and after any forced re-synchronization.
func (e *Endpointer) Reset() {
	e.frameCount = 0
	e.noiseFloor = 0
	e.inSpeech = false
	e.speechRun = 0
	e.silenceFor = 0
	e.activeUntil = 0
	e.started = false
}

func meanAbs(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		if s < 0 {
			sum -= float64(s)
		} else {
			sum += float64(s)
		}
	}
	return sum / float64(len(samples))
}

func zeroCrossingRate(samples []float32) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
