package resilience

import (
	"context"

	"github.com/parlovoice/parlo/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across multiple
// transcription backends. Failover covers session setup only: once a
// [stt.SessionHandle] is handed out, it is bound to the backend that opened
// it and mid-session errors surface to the caller.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an STTFallback with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another STT backend, tried after earlier entries.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a transcription session on the first healthy backend.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Status reports the breaker state of every registered backend.
func (f *STTFallback) Status() []BreakerStatus {
	return f.group.Status()
}
