package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parlovoice/parlo/pkg/provider/llm"
	llmmock "github.com/parlovoice/parlo/pkg/provider/llm/mock"
)

func TestNotesGenerator_FormatsConversation(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "## Vocabulary\n- hola — hello"},
	}
	g := NewNotesGenerator(provider)

	history := []llm.Message{
		{Role: "user", Content: "hola, como estas"},
		{Role: "assistant", Content: "¡Hola! Estoy bien. Ojo: «cómo estás» lleva tildes."},
	}

	notes, err := g.Generate(context.Background(), history, "es")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.Contains(notes, "Vocabulary") {
		t.Errorf("notes = %q", notes)
	}

	if len(provider.CompleteCalls) != 1 {
		t.Fatalf("Complete calls = %d, want 1", len(provider.CompleteCalls))
	}
	req := provider.CompleteCalls[0].Req
	if req.SystemPrompt != notesPrompt {
		t.Errorf("system prompt not the notes prompt")
	}
	if len(req.Messages) != 1 {
		t.Fatalf("messages = %d, want 1 formatted transcript", len(req.Messages))
	}
	body := req.Messages[0].Content
	if !strings.Contains(body, "Practised language: es") {
		t.Errorf("transcript missing language header: %q", body)
	}
	if !strings.Contains(body, "[learner]: hola, como estas") {
		t.Errorf("transcript missing learner line: %q", body)
	}
	if !strings.Contains(body, "[tutor]:") {
		t.Errorf("transcript missing tutor line: %q", body)
	}
}

func TestNotesGenerator_EmptyHistorySkipsProvider(t *testing.T) {
	provider := &llmmock.Provider{}
	g := NewNotesGenerator(provider)

	notes, err := g.Generate(context.Background(), nil, "de")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if notes != "" {
		t.Errorf("notes = %q, want empty", notes)
	}
	if len(provider.CompleteCalls) != 0 {
		t.Errorf("provider was called for empty history")
	}
}

func TestNotesGenerator_ProviderError(t *testing.T) {
	provider := &llmmock.Provider{CompleteErr: errors.New("quota exceeded")}
	g := NewNotesGenerator(provider)

	_, err := g.Generate(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, "fr")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "generate notes") {
		t.Errorf("error = %v, want wrapped generate notes error", err)
	}
}
