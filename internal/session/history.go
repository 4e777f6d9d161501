package session

import (
	"sync"

	"github.com/parlovoice/parlo/pkg/provider/llm"
)

// Default history sizing: the store keeps the last maxEntries exchanges, the
// LLM sees only the trailing window. Both are overridable via config.
const (
	defaultMaxEntries = 20
	defaultWindow     = 10
)

// History is the capped conversation log for one session. Appends beyond the
// cap evict the oldest entry; the window view bounds what the LLM sees each
// turn so prompt size stays flat over long sessions.
//
// All methods are safe for concurrent use.
type History struct {
	mu      sync.Mutex
	max     int
	window  int
	entries []llm.Message
}

// NewHistory creates a History keeping at most max entries and exposing the
// trailing window of them. Non-positive arguments fall back to the defaults
// (20 and 10). The window is clamped to max.
func NewHistory(max, window int) *History {
	if max <= 0 {
		max = defaultMaxEntries
	}
	if window <= 0 {
		window = defaultWindow
	}
	if window > max {
		window = max
	}
	return &History{max: max, window: window}
}

// Add appends one message, evicting from the front when over the cap.
func (h *History) Add(role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, llm.Message{Role: role, Content: content})
	if len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// Window returns a copy of the trailing window of messages, ready to pass as
// the conversation part of a completion request.
func (h *History) Window() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if len(h.entries) > h.window {
		start = len(h.entries) - h.window
	}
	out := make([]llm.Message, len(h.entries)-start)
	copy(out, h.entries[start:])
	return out
}

// All returns a copy of every retained message, oldest first. Used for notes
// generation, which summarises the whole retained conversation rather than
// the LLM window.
func (h *History) All() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Reset discards all retained messages.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
}
