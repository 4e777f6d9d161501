// Package config provides the configuration schema, loader, provider registry
// and hot-reload watcher for the parlo voice server.
package config

import "time"

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Codec selects the per-session audio codec profile negotiated at Init.
type Codec string

const (
	// CodecPCM16 sends raw little-endian PCM16 frames.
	CodecPCM16 Codec = "pcm16"

	// CodecOpus sends Opus-encoded frames.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a recognised codec profile.
func (c Codec) IsValid() bool {
	return c == CodecPCM16 || c == CodecOpus
}

// Config is the root configuration for parlo, loaded from a YAML file via
// [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Turn      TurnConfig      `yaml:"turn"`
	Session   SessionConfig   `yaml:"session"`
	Providers ProvidersConfig `yaml:"providers"`
	History   HistoryConfig   `yaml:"history"`

	// Vocabulary lists domain terms (names, places, lesson words) used for
	// STT recognition hints and phonetic transcript correction. Hot-reloadable.
	Vocabulary []string `yaml:"vocabulary"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the WebSocket endpoint listens on
	// (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address serving /metrics and /healthz.
	// Empty disables the observability listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AudioConfig fixes the session audio contract.
type AudioConfig struct {
	// InputSampleRate is the capture rate in Hz. Default 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the synthesis rate in Hz. Default 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// Codec is the default codec profile offered to clients. Default pcm16.
	Codec Codec `yaml:"codec"`

	// MaxUtteranceBytes caps the audio accepted for a single utterance.
	// Default 2400000 (~75 s at 16 kHz PCM16).
	MaxUtteranceBytes int `yaml:"max_utterance_bytes"`
}

// VADConfig tunes the energy+ZCR endpointer. Every field is hot-reloadable:
// the watcher applies changes to sessions as they start their next utterance.
type VADConfig struct {
	// SpeechThreshold is the absolute RMS floor for classifying speech.
	// Default 0.015.
	SpeechThreshold float64 `yaml:"speech_threshold"`

	// SilenceThreshold is the absolute RMS ceiling for classifying silence.
	// Default 0.008.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// ZCRThreshold is the zero-crossing rate above which low-energy frames
	// still count as (unvoiced) speech. Default 0.15.
	ZCRThreshold float64 `yaml:"zcr_threshold"`

	// AdaptFrames is the number of frames used to estimate the noise floor.
	// Default 50 (one second at 20 ms frames).
	AdaptFrames int `yaml:"adapt_frames"`

	// StartFrames is the number of consecutive speech frames required to
	// emit speech-start. Default 3.
	StartFrames int `yaml:"start_frames"`

	// SilenceDurationMs is the silence window that ends an utterance.
	// Valid range 800–1400; default 1200.
	SilenceDurationMs int `yaml:"silence_duration_ms"`

	// HangoverMs is the trailing-send window after the last speech frame.
	// Default 300.
	HangoverMs int `yaml:"hangover_ms"`
}

// SilenceDuration returns the silence window as a duration.
func (v VADConfig) SilenceDuration() time.Duration {
	return time.Duration(v.SilenceDurationMs) * time.Millisecond
}

// Hangover returns the trailing-send window as a duration.
func (v VADConfig) Hangover() time.Duration {
	return time.Duration(v.HangoverMs) * time.Millisecond
}

// TurnConfig bounds how long a single turn may run.
type TurnConfig struct {
	// SoftBudgetMs is the wall budget after which generation is cut short
	// with a brief fallback reply. Default 8000.
	SoftBudgetMs int `yaml:"soft_budget_ms"`

	// ImageBudgetMs replaces SoftBudgetMs when an image is attached to the
	// session. Default 18000.
	ImageBudgetMs int `yaml:"image_budget_ms"`

	// HardCapMs is the absolute per-turn ceiling. Default 20000.
	HardCapMs int `yaml:"hard_cap_ms"`
}

// SoftBudget returns the soft wall budget as a duration.
func (t TurnConfig) SoftBudget() time.Duration {
	return time.Duration(t.SoftBudgetMs) * time.Millisecond
}

// ImageBudget returns the image-turn wall budget as a duration.
func (t TurnConfig) ImageBudget() time.Duration {
	return time.Duration(t.ImageBudgetMs) * time.Millisecond
}

// HardCap returns the absolute per-turn ceiling as a duration.
func (t TurnConfig) HardCap() time.Duration {
	return time.Duration(t.HardCapMs) * time.Millisecond
}

// SessionConfig holds per-session defaults a client may override at Init or
// via ConfigUpdate.
type SessionConfig struct {
	// Language is the default recognition/reply language as a BCP-47 tag.
	// Empty lets the STT backend auto-detect.
	Language string `yaml:"language"`

	// TranslatorMode makes replies translate the utterance instead of
	// answering it.
	TranslatorMode bool `yaml:"translator_mode"`

	// Voice is the default synthesis voice.
	Voice VoiceConfig `yaml:"voice"`

	// ConfidenceThreshold is the final-transcript confidence below which the
	// session asks for clarification instead of answering. Default 0.55.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// VoiceConfig specifies the TTS voice.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SpeedFactor adjusts speaking rate in the range [0.5, 2.0]. 0 means
	// provider default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// ProvidersConfig declares the provider chain for each pipeline stage. The
// first entry is the primary; Fallbacks are tried in order when it fails.
type ProvidersConfig struct {
	STT ProviderChain `yaml:"stt"`
	LLM ProviderChain `yaml:"llm"`
	TTS ProviderChain `yaml:"tts"`
}

// ProviderChain is a primary provider plus ordered fallbacks.
type ProviderChain struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary fails or its circuit
	// breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block shared by all provider kinds. The
// Name field selects the constructor registered in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "deepgram", "openai").
	Name string `yaml:"name"`

	// APIKey is the provider's authentication key, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g., "gpt-4o", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// HistoryConfig holds conversation-history and persistence settings.
type HistoryConfig struct {
	// PostgresDSN is the connection string for turn/notes persistence.
	// Empty keeps history in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`

	// MaxEntries caps the retained conversation history. Default 20.
	MaxEntries int `yaml:"max_entries"`

	// Window is how many recent entries are sent to the LLM. Default 10.
	Window int `yaml:"window"`
}
