// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled PCM chunks into the synthesis pipeline and
// to inspect which text fragments were consumed. The mock echoes every text
// fragment it reads into ConsumedText before emitting the configured audio.
package mock

import (
	"context"
	"sync"

	"github.com/parlovoice/parlo/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// AudioChunks is emitted on the channel returned by SynthesizeStream
	// after the text channel closes.
	AudioChunks [][]byte

	// PerFragmentAudio, when non-nil, is emitted once per consumed text
	// fragment instead of AudioChunks.
	PerFragmentAudio []byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned from ListVoices.
	ListVoicesErr error

	// --- Call records (read after test) ---

	consumedText []string
	streamCalls  int
	voicesUsed   []tts.VoiceProfile
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call, drains text into ConsumedText and emits
// the configured audio.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.streamCalls++
	p.voicesUsed = append(p.voicesUsed, voice)
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	perFragment := p.PerFragmentAudio
	final := make([][]byte, len(p.AudioChunks))
	copy(final, p.AudioChunks)
	p.mu.Unlock()

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					for _, chunk := range final {
						select {
						case out <- chunk:
						case <-ctx.Done():
							return
						}
					}
					return
				}
				p.mu.Lock()
				p.consumedText = append(p.consumedText, fragment)
				p.mu.Unlock()
				if perFragment != nil {
					select {
					case out <- perFragment:
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ListVoices returns Voices or ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	return append([]tts.VoiceProfile(nil), p.Voices...), nil
}

// ConsumedText returns a snapshot of the text fragments read so far.
func (p *Provider) ConsumedText() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.consumedText...)
}

// StreamCallCount returns the number of SynthesizeStream invocations.
func (p *Provider) StreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streamCalls
}

// VoicesUsed returns the voice profile passed to each SynthesizeStream call.
func (p *Provider) VoicesUsed() []tts.VoiceProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.VoiceProfile(nil), p.voicesUsed...)
}
