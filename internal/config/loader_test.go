package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
server:
  listen_addr: ":9000"
  metrics_addr: ":9090"
  log_level: debug
audio:
  codec: opus
vad:
  silence_duration_ms: 900
  hangover_ms: 250
turn:
  soft_budget_ms: 6000
session:
  language: de
  voice:
    voice_id: narrator
    speed_factor: 1.1
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-2
    fallbacks:
      - name: whisper
        options:
          model_path: /models/ggml-base.bin
  llm:
    name: openai
    api_key: sk-key
    model: gpt-4o
  tts:
    name: elevenlabs
    api_key: el-key
history:
  postgres_dsn: postgres://localhost/parlo
vocabulary:
  - Eldrinax
  - Tower of Whispers
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Audio.Codec != CodecOpus {
		t.Errorf("codec = %q, want opus", cfg.Audio.Codec)
	}
	if cfg.VAD.SilenceDurationMs != 900 || cfg.VAD.HangoverMs != 250 {
		t.Errorf("vad = %+v", cfg.VAD)
	}
	if cfg.Turn.SoftBudgetMs != 6000 {
		t.Errorf("soft budget = %d, want 6000", cfg.Turn.SoftBudgetMs)
	}
	if cfg.Providers.STT.Name != "deepgram" || len(cfg.Providers.STT.Fallbacks) != 1 {
		t.Errorf("stt chain = %+v", cfg.Providers.STT)
	}
	if cfg.Providers.STT.Fallbacks[0].Options["model_path"] != "/models/ggml-base.bin" {
		t.Errorf("fallback options = %+v", cfg.Providers.STT.Fallbacks[0].Options)
	}
	if len(cfg.Vocabulary) != 2 {
		t.Errorf("vocabulary = %v", cfg.Vocabulary)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != LogInfo {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Audio.InputSampleRate != 16000 || cfg.Audio.OutputSampleRate != 24000 {
		t.Errorf("audio defaults = %+v", cfg.Audio)
	}
	if cfg.Audio.Codec != CodecPCM16 || cfg.Audio.MaxUtteranceBytes != 2_400_000 {
		t.Errorf("audio defaults = %+v", cfg.Audio)
	}
	if cfg.VAD.SilenceDurationMs != 1200 || cfg.VAD.HangoverMs != 300 || cfg.VAD.AdaptFrames != 50 {
		t.Errorf("vad defaults = %+v", cfg.VAD)
	}
	if cfg.Turn.SoftBudgetMs != 8000 || cfg.Turn.ImageBudgetMs != 18000 || cfg.Turn.HardCapMs != 20000 {
		t.Errorf("turn defaults = %+v", cfg.Turn)
	}
	if cfg.Session.ConfidenceThreshold != 0.55 {
		t.Errorf("confidence default = %v", cfg.Session.ConfidenceThreshold)
	}
	if cfg.History.MaxEntries != 20 || cfg.History.Window != 10 {
		t.Errorf("history defaults = %+v", cfg.History)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  listen_adress: \":8080\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parlo.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.Model != "gpt-4o" {
		t.Errorf("llm model = %q", cfg.Providers.LLM.Model)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
