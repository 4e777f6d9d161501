package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/parlovoice/parlo/pkg/provider/stt"
	sttmock "github.com/parlovoice/parlo/pkg/provider/stt/mock"
)

func TestSTTFallback_PrimaryHealthy(t *testing.T) {
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}

	f := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("whisper", secondary)

	handle, err := f.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()

	if len(primary.Calls()) != 1 {
		t.Errorf("primary calls = %d, want 1", len(primary.Calls()))
	}
	if len(secondary.Calls()) != 0 {
		t.Errorf("secondary calls = %d, want 0", len(secondary.Calls()))
	}
}

func TestSTTFallback_FailoverPreservesConfig(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("deepgram down")}
	secondary := &sttmock.Provider{}

	f := NewSTTFallback(primary, "deepgram", FallbackConfig{})
	f.AddFallback("whisper", secondary)

	cfg := stt.StreamConfig{SampleRate: 16000, Language: "de", Vocabulary: []string{"Eldrinax"}}
	handle, err := f.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()

	calls := secondary.Calls()
	if len(calls) != 1 {
		t.Fatalf("secondary calls = %d, want 1", len(calls))
	}
	if calls[0].Cfg.Language != "de" || len(calls[0].Cfg.Vocabulary) != 1 {
		t.Errorf("fallback received config %+v, want the original", calls[0].Cfg)
	}
}

func TestSTTFallback_AllFail(t *testing.T) {
	primary := &sttmock.Provider{StartStreamErr: errors.New("down")}

	f := NewSTTFallback(primary, "deepgram", FallbackConfig{})

	_, err := f.StartStream(context.Background(), stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
