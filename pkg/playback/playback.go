// Package playback implements the jitter-buffered playback scheduler:
// synthesized audio chunks arrive over the network at an uneven cadence and
// must come out of the speaker as one continuous stream, yet stop instantly
// on barge-in.
//
// Chunks queue on arrival. Playback begins once the buffered duration
// crosses a minimum threshold (or the stream completes first), with the
// whole schedule pushed back by a jitter offset so late chunks still make
// their slot. Each chunk is scheduled to start exactly when the previous one
// ends.
package playback

import (
	"context"
	"sync"
	"time"
)

// Default tuning.
const (
	DefaultMinBuffer    = 50 * time.Millisecond
	DefaultJitterOffset = 100 * time.Millisecond
)

// Sink receives scheduled PCM. Real sinks hand the bytes to an audio device;
// tests capture them.
type Sink interface {
	// Play renders one chunk. It is called sequentially from the scheduler
	// goroutine. ctx is cancelled on barge-in; implementations should stop
	// rendering as soon as they observe it.
	Play(ctx context.Context, pcm []byte) error

	// Flush discards any audio the sink has buffered but not yet rendered.
	// Called synchronously from BargeIn.
	Flush()
}

// Config tunes a [Scheduler]. The zero value picks the defaults above.
type Config struct {
	// SampleRate of the incoming PCM16 chunks (Hz).
	SampleRate int

	// MinBuffer is the buffered duration required before playback starts.
	MinBuffer time.Duration

	// JitterOffset delays every scheduled start to absorb delivery jitter.
	JitterOffset time.Duration
}

func (c *Config) withDefaults() {
	if c.SampleRate == 0 {
		c.SampleRate = 24000
	}
	if c.MinBuffer == 0 {
		c.MinBuffer = DefaultMinBuffer
	}
	if c.JitterOffset == 0 {
		c.JitterOffset = DefaultJitterOffset
	}
}

type chunk struct {
	pcm      []byte
	duration time.Duration
}

// Scheduler queues chunks and plays them gaplessly through a [Sink].
// All exported methods are safe for concurrent use.
type Scheduler struct {
	cfg  Config
	sink Sink

	mu         sync.Mutex
	queue      []chunk
	buffered   time.Duration
	completed  bool
	generation uint64
	cancel     context.CancelFunc // cancels the in-flight Play, nil when idle
	playing    bool
	closed     bool

	notify chan struct{}
	done   chan struct{}
}

// NewScheduler creates a Scheduler delivering to sink and starts its
// dispatch goroutine. Call Close to release it.
func NewScheduler(cfg Config, sink Sink) *Scheduler {
	cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Enqueue queues one PCM16 chunk for playback.
func (s *Scheduler) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	d := time.Duration(len(pcm)/2) * time.Second / time.Duration(s.cfg.SampleRate)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, chunk{pcm: pcm, duration: d})
	s.buffered += d
	s.mu.Unlock()
	s.wake()
}

// Complete marks the current stream as fully delivered: anything buffered
// plays out even if it never reached the minimum buffer threshold.
func (s *Scheduler) Complete() {
	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()
	s.wake()
}

// BargeIn synchronously discards everything: the queue, the in-flight chunk
// and the sink's own buffer. Safe to call repeatedly; extra calls are no-ops
// on an already-empty scheduler.
func (s *Scheduler) BargeIn() {
	s.mu.Lock()
	s.queue = nil
	s.buffered = 0
	s.completed = false
	s.generation++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	s.sink.Flush()
	s.wake()
}

// Buffered returns the queued (not yet played) duration.
func (s *Scheduler) Buffered() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// QueueLen returns the number of queued chunks.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Playing reports whether a chunk is currently being rendered.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Close stops the dispatch goroutine. The scheduler cannot be reused.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// dispatch runs the playback schedule. One stream at a time: wait for the
// buffer to fill (or complete), offset the start, then play chunks
// back-to-back until the queue drains or a barge-in bumps the generation.
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		ready := !s.closed && len(s.queue) > 0 && (s.buffered >= s.cfg.MinBuffer || s.completed)
		gen := s.generation
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return
		}
		if !ready {
			select {
			case <-s.notify:
			case <-s.done:
				return
			}
			continue
		}

		next := time.Now().Add(s.cfg.JitterOffset)
		s.playStream(gen, next)
	}
}

// playStream plays queued chunks gaplessly starting at next, until the
// stream drains after completion, the generation changes, or the scheduler
// closes.
func (s *Scheduler) playStream(gen uint64, next time.Time) {
	for {
		s.mu.Lock()
		if s.closed || s.generation != gen {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			done := s.completed
			if done {
				s.completed = false
			}
			s.mu.Unlock()
			if done {
				return
			}
			// Stream underrun: wait for the next chunk and resume the
			// schedule from wherever it left off.
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		c := s.queue[0]
		s.queue = s.queue[1:]
		s.buffered -= c.duration
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.playing = true
		s.mu.Unlock()

		if wait := time.Until(next); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			case <-s.done:
				t.Stop()
			}
		}
		if ctx.Err() == nil {
			_ = s.sink.Play(ctx, c.pcm)
		}
		cancel()

		s.mu.Lock()
		s.playing = false
		if s.cancel != nil {
			s.cancel = nil
		}
		s.mu.Unlock()

		next = next.Add(c.duration)
	}
}
