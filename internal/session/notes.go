package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/parlovoice/parlo/pkg/provider/llm"
)

// notesPrompt is the system prompt used when turning a session's conversation
// into study notes.
const notesPrompt = `Summarise the following language-practice conversation into concise study notes for the learner.
Include: new vocabulary with translations, corrected mistakes with the correct form, useful phrases worth
reviewing, and one or two suggested topics to practise next. Write the notes in the learner's native language
where explanations are needed; keep example sentences in the practised language.`

// NotesGenerator produces study notes from a session's conversation history
// using an LLM provider.
type NotesGenerator struct {
	llm llm.Provider
}

// NewNotesGenerator creates a NotesGenerator backed by the given provider.
func NewNotesGenerator(provider llm.Provider) *NotesGenerator {
	return &NotesGenerator{llm: provider}
}

// Generate formats the conversation into a transcript, asks the model for
// study notes and returns the resulting text. An empty history yields empty
// notes without a provider call.
func (g *NotesGenerator) Generate(ctx context.Context, history []llm.Message, language string) (string, error) {
	if len(history) == 0 {
		return "", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Practised language: %s\n\n", language)
	for _, m := range history {
		speaker := "learner"
		if m.Role == "assistant" {
			speaker = "tutor"
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: notesPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("session: generate notes: %w", err)
	}
	return resp.Content, nil
}
