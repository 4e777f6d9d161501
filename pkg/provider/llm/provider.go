// Package llm defines the Provider interface for language-model backends.
//
// An LLM provider wraps a remote or local model API and exposes a uniform
// interface for the session controller to stream replies, without coupling
// to any specific SDK. The controller consumes token deltas from
// StreamCompletion and pipes sentence fragments straight into synthesis.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or the supplied context is cancelled.
package llm

import "context"

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation window. The last message is the
	// user's finalized utterance.
	Messages []Message

	// SystemPrompt is injected ahead of the history. Providers without a
	// dedicated system slot prepend it as a "system"-role message.
	SystemPrompt string

	// Images holds data URLs attached to this request (session image
	// uploads). Only vision-capable backends honour them.
	Images []string

	// Tools offered to the model. Providers that do not support tool
	// calling ignore this field.
	Tools []ToolDefinition

	// Temperature controls randomness in [0.0, 2.0]; zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, a finish signal, tool calls, or any combination.
type Chunk struct {
	// Text is the incremental content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls", or "error" for failures after the stream opened.
	FinishReason string

	// ToolCalls holds tool invocations the model requests, delivered on
	// the final chunk.
	ToolCalls []ToolCall
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is the abstraction over any LLM backend.
//
// Implementations must be safe for concurrent use and must propagate
// context cancellation promptly.
type Provider interface {
	// StreamCompletion sends req and returns a channel emitting chunks as
	// they arrive. The channel is closed when generation finishes or ctx is
	// cancelled; callers must drain it. Errors after the stream opens
	// surface as a Chunk with FinishReason "error"; the error return is
	// non-nil only when the stream cannot start.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the context-window cost of messages. The
	// result need not be exact but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model,
	// constant for the provider's lifetime.
	Capabilities() ModelCapabilities
}
