// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered and when Finalize fired.
package mock

import (
	"context"
	"sync"

	"github.com/parlovoice/parlo/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the handle returned by StartStream. If nil, StartStream
	// returns a fresh Session with buffered channels.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns Session or a default one.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a snapshot of recorded StartStream calls.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Session is a mock implementation of stt.SessionHandle. Tests own
// PartialsCh and FinalsCh: send the transcripts the consumer should see,
// then close them.
type Session struct {
	mu sync.Mutex

	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr, FinalizeErr and CloseErr, when non-nil, are returned by
	// the corresponding methods.
	SendAudioErr error
	FinalizeErr  error
	CloseErr     error

	audioChunks   [][]byte
	finalizeCalls int
	closeCalls    int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered transcript channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.audioChunks = append(s.audioChunks, cp)
	return s.SendAudioErr
}

// Finalize records the call.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalizeCalls++
	return s.FinalizeErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Close records the call. The first Close also closes both transcript
// channels, mirroring real providers.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if s.closeCalls == 1 {
		close(s.PartialsCh)
		close(s.FinalsCh)
	}
	return s.CloseErr
}

// AudioChunkCount returns the number of SendAudio calls.
func (s *Session) AudioChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audioChunks)
}

// AudioBytes returns the total bytes delivered via SendAudio.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.audioChunks {
		n += len(c)
	}
	return n
}

// FinalizeCount returns the number of Finalize calls.
func (s *Session) FinalizeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizeCalls
}

// CloseCount returns the number of Close calls.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
