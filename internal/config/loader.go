package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per pipeline stage.
// [Validate] warns about names outside these lists.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram", "whisper"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown fields are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued tunables with the documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = 16000
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = 24000
	}
	if cfg.Audio.Codec == "" {
		cfg.Audio.Codec = CodecPCM16
	}
	if cfg.Audio.MaxUtteranceBytes == 0 {
		cfg.Audio.MaxUtteranceBytes = 2_400_000
	}

	if cfg.VAD.SpeechThreshold == 0 {
		cfg.VAD.SpeechThreshold = 0.015
	}
	if cfg.VAD.SilenceThreshold == 0 {
		cfg.VAD.SilenceThreshold = 0.008
	}
	if cfg.VAD.ZCRThreshold == 0 {
		cfg.VAD.ZCRThreshold = 0.15
	}
	if cfg.VAD.AdaptFrames == 0 {
		cfg.VAD.AdaptFrames = 50
	}
	if cfg.VAD.StartFrames == 0 {
		cfg.VAD.StartFrames = 3
	}
	if cfg.VAD.SilenceDurationMs == 0 {
		cfg.VAD.SilenceDurationMs = 1200
	}
	if cfg.VAD.HangoverMs == 0 {
		cfg.VAD.HangoverMs = 300
	}

	if cfg.Turn.SoftBudgetMs == 0 {
		cfg.Turn.SoftBudgetMs = 8000
	}
	if cfg.Turn.ImageBudgetMs == 0 {
		cfg.Turn.ImageBudgetMs = 18000
	}
	if cfg.Turn.HardCapMs == 0 {
		cfg.Turn.HardCapMs = 20000
	}

	if cfg.Session.ConfidenceThreshold == 0 {
		cfg.Session.ConfidenceThreshold = 0.55
	}

	if cfg.History.MaxEntries == 0 {
		cfg.History.MaxEntries = 20
	}
	if cfg.History.Window == 0 {
		cfg.History.Window = 10
	}
}

// Validate checks that cfg is coherent. It returns a joined error listing all
// failures found; advisory issues are logged as warnings instead.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if !cfg.Audio.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("audio.codec %q is invalid; valid values: pcm16, opus", cfg.Audio.Codec))
	}
	if cfg.Audio.InputSampleRate < 0 || cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if cfg.Audio.InputSampleRate != 16000 {
		slog.Warn("audio.input_sample_rate differs from the 16 kHz pipeline contract",
			"configured", cfg.Audio.InputSampleRate)
	}

	if cfg.VAD.SilenceDurationMs < 800 || cfg.VAD.SilenceDurationMs > 1400 {
		errs = append(errs, fmt.Errorf("vad.silence_duration_ms %d is out of range [800, 1400]", cfg.VAD.SilenceDurationMs))
	}
	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SilenceThreshold < 0 || cfg.VAD.ZCRThreshold < 0 {
		errs = append(errs, errors.New("vad thresholds must be non-negative"))
	}
	if cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.4f exceeds vad.speech_threshold %.4f", cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.HangoverMs < 0 {
		errs = append(errs, errors.New("vad.hangover_ms must be non-negative"))
	}

	if cfg.Turn.SoftBudgetMs > cfg.Turn.HardCapMs {
		errs = append(errs, fmt.Errorf("turn.soft_budget_ms %d exceeds turn.hard_cap_ms %d", cfg.Turn.SoftBudgetMs, cfg.Turn.HardCapMs))
	}
	if cfg.Turn.ImageBudgetMs > cfg.Turn.HardCapMs {
		errs = append(errs, fmt.Errorf("turn.image_budget_ms %d exceeds turn.hard_cap_ms %d", cfg.Turn.ImageBudgetMs, cfg.Turn.HardCapMs))
	}

	if cfg.Session.ConfidenceThreshold < 0 || cfg.Session.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.confidence_threshold %.2f is out of range [0, 1]", cfg.Session.ConfidenceThreshold))
	}
	if sf := cfg.Session.Voice.SpeedFactor; sf != 0 && (sf < 0.5 || sf > 2.0) {
		errs = append(errs, fmt.Errorf("session.voice.speed_factor %.2f is out of range [0.5, 2.0]", sf))
	}

	if cfg.History.Window > cfg.History.MaxEntries {
		errs = append(errs, fmt.Errorf("history.window %d exceeds history.max_entries %d", cfg.History.Window, cfg.History.MaxEntries))
	}

	validateChain("stt", cfg.Providers.STT)
	validateChain("llm", cfg.Providers.LLM)
	validateChain("tts", cfg.Providers.TTS)
	if cfg.Providers.STT.Name == "" || cfg.Providers.LLM.Name == "" || cfg.Providers.TTS.Name == "" {
		slog.Warn("incomplete provider configuration; the server needs stt, llm and tts to run turns",
			"stt", cfg.Providers.STT.Name,
			"llm", cfg.Providers.LLM.Name,
			"tts", cfg.Providers.TTS.Name,
		)
	}

	return errors.Join(errs...)
}

// validateChain warns about unknown provider names in a chain.
func validateChain(kind string, chain ProviderChain) {
	validateProviderName(kind, chain.Name)
	for _, fb := range chain.Fallbacks {
		validateProviderName(kind, fb.Name)
	}
}

func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
