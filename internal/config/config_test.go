package config

import (
	"strings"
	"testing"
	"time"
)

// valid returns a config that passes Validate, for mutation in table tests.
func valid() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "tls missing key",
			mutate:  func(c *Config) { c.Server.TLS = &TLSConfig{CertFile: "cert.pem"} },
			wantErr: "server.tls",
		},
		{
			name:    "bad codec",
			mutate:  func(c *Config) { c.Audio.Codec = "mp3" },
			wantErr: "audio.codec",
		},
		{
			name:    "silence window too short",
			mutate:  func(c *Config) { c.VAD.SilenceDurationMs = 500 },
			wantErr: "vad.silence_duration_ms",
		},
		{
			name:    "silence window too long",
			mutate:  func(c *Config) { c.VAD.SilenceDurationMs = 2000 },
			wantErr: "vad.silence_duration_ms",
		},
		{
			name: "inverted vad thresholds",
			mutate: func(c *Config) {
				c.VAD.SilenceThreshold = 0.05
				c.VAD.SpeechThreshold = 0.01
			},
			wantErr: "vad.silence_threshold",
		},
		{
			name:    "soft budget above hard cap",
			mutate:  func(c *Config) { c.Turn.SoftBudgetMs = 30000 },
			wantErr: "turn.soft_budget_ms",
		},
		{
			name:    "image budget above hard cap",
			mutate:  func(c *Config) { c.Turn.ImageBudgetMs = 30000 },
			wantErr: "turn.image_budget_ms",
		},
		{
			name:    "confidence out of range",
			mutate:  func(c *Config) { c.Session.ConfidenceThreshold = 1.5 },
			wantErr: "session.confidence_threshold",
		},
		{
			name:    "speed factor out of range",
			mutate:  func(c *Config) { c.Session.Voice.SpeedFactor = 3.0 },
			wantErr: "session.voice.speed_factor",
		},
		{
			name:    "history window above cap",
			mutate:  func(c *Config) { c.History.Window = 50 },
			wantErr: "history.window",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsMultipleErrors(t *testing.T) {
	cfg := valid()
	cfg.Server.LogLevel = "verbose"
	cfg.Audio.Codec = "mp3"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "audio.codec"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestVADConfig_Durations(t *testing.T) {
	v := VADConfig{SilenceDurationMs: 900, HangoverMs: 250}
	if v.SilenceDuration() != 900*time.Millisecond {
		t.Errorf("SilenceDuration = %v", v.SilenceDuration())
	}
	if v.Hangover() != 250*time.Millisecond {
		t.Errorf("Hangover = %v", v.Hangover())
	}
}

func TestTurnConfig_Durations(t *testing.T) {
	tc := TurnConfig{SoftBudgetMs: 8000, ImageBudgetMs: 18000, HardCapMs: 20000}
	if tc.SoftBudget() != 8*time.Second || tc.ImageBudget() != 18*time.Second || tc.HardCap() != 20*time.Second {
		t.Errorf("durations = %v %v %v", tc.SoftBudget(), tc.ImageBudget(), tc.HardCap())
	}
}
