package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parlovoice/parlo/internal/resilience"
	"github.com/parlovoice/parlo/pkg/provider/llm"
	"github.com/parlovoice/parlo/pkg/provider/stt"
	"github.com/parlovoice/parlo/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create and Build methods when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructor functions for each pipeline
// stage. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]func(ProviderEntry) (stt.Provider, error)
	llm map[string]func(ProviderEntry) (llm.Provider, error)
	tts map[string]func(ProviderEntry) (tts.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]func(ProviderEntry) (stt.Provider, error)),
		llm: make(map[string]func(ProviderEntry) (llm.Provider, error)),
		tts: make(map[string]func(ProviderEntry) (tts.Provider, error)),
	}
}

// RegisterSTT registers an STT provider factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// CreateSTT instantiates the STT provider registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates the LLM provider registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateTTS instantiates the TTS provider registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, ok := r.tts[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: tts/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// BuildSTT assembles the chain's primary and fallbacks into a single
// [stt.Provider] wrapped in per-entry circuit breakers.
func (r *Registry) BuildSTT(chain ProviderChain, cfg resilience.FallbackConfig) (*resilience.STTFallback, error) {
	primary, err := r.CreateSTT(chain.ProviderEntry)
	if err != nil {
		return nil, err
	}
	group := resilience.NewSTTFallback(primary, chain.Name, cfg)
	for _, fb := range chain.Fallbacks {
		p, err := r.CreateSTT(fb)
		if err != nil {
			return nil, fmt.Errorf("config: stt fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

// BuildLLM assembles the chain's primary and fallbacks into a single
// [llm.Provider] wrapped in per-entry circuit breakers.
func (r *Registry) BuildLLM(chain ProviderChain, cfg resilience.FallbackConfig) (*resilience.LLMFallback, error) {
	primary, err := r.CreateLLM(chain.ProviderEntry)
	if err != nil {
		return nil, err
	}
	group := resilience.NewLLMFallback(primary, chain.Name, cfg)
	for _, fb := range chain.Fallbacks {
		p, err := r.CreateLLM(fb)
		if err != nil {
			return nil, fmt.Errorf("config: llm fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}

// BuildTTS assembles the chain's primary and fallbacks into a single
// [tts.Provider] wrapped in per-entry circuit breakers.
func (r *Registry) BuildTTS(chain ProviderChain, cfg resilience.FallbackConfig) (*resilience.TTSFallback, error) {
	primary, err := r.CreateTTS(chain.ProviderEntry)
	if err != nil {
		return nil, err
	}
	group := resilience.NewTTSFallback(primary, chain.Name, cfg)
	for _, fb := range chain.Fallbacks {
		p, err := r.CreateTTS(fb)
		if err != nil {
			return nil, fmt.Errorf("config: tts fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
	}
	return group, nil
}
