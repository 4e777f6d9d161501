package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/parlovoice/parlo/pkg/provider/llm"
	llmmock "github.com/parlovoice/parlo/pkg/provider/llm/mock"
)

func TestLLMFallback_StreamFailover(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("rate limited")}
	secondary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "hi"}, {FinishReason: "stop"}},
	}

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("local", secondary)

	req := llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hello"}}}
	ch, err := f.StreamCompletion(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text string
	for chunk := range ch {
		text += chunk.Text
	}
	if text != "hi" {
		t.Errorf("streamed text = %q, want hi", text)
	}
	if secondary.LastStreamRequest().Messages[0].Content != "hello" {
		t.Error("fallback did not receive the original request")
	}
}

func TestLLMFallback_Complete(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "answer"},
	}

	f := NewLLMFallback(primary, "openai", FallbackConfig{})

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "q"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "answer" {
		t.Errorf("content = %q, want answer", resp.Content)
	}
}

func TestLLMFallback_CapabilitiesComeFromPrimary(t *testing.T) {
	primary := &llmmock.Provider{
		ModelCapabilities: llm.ModelCapabilities{SupportsVision: true, ContextWindow: 128000},
	}
	secondary := &llmmock.Provider{}

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("local", secondary)

	caps := f.Capabilities()
	if !caps.SupportsVision || caps.ContextWindow != 128000 {
		t.Errorf("capabilities = %+v, want the primary's", caps)
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("also down")}

	f := NewLLMFallback(primary, "openai", FallbackConfig{})
	f.AddFallback("local", secondary)

	_, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if len(primary.CompleteCalls) != 1 || len(secondary.CompleteCalls) != 1 {
		t.Error("expected both backends to be tried once")
	}
}
