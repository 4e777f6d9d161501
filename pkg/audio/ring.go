package audio

import (
	"sync"
	"time"
)

// Ring is a bounded circular sample buffer sitting between the capture
// callback and the endpointer. Writes accept whatever the capture layer
// delivers; reads hand out fixed-size frames. Neither side ever blocks.
//
// When a write would overrun unread data, the oldest unread samples are
// overwritten: for a live endpointer, stale audio is worse than a short gap.
// Dropped() exposes how many samples were lost that way.
//
// Ring is safe for one writer and one reader running concurrently.
type Ring struct {
	mu      sync.Mutex
	buf     []int16
	head    int // next write position
	tail    int // next read position
	size    int // unread samples
	dropped uint64

	sampleRate int
	frameLen   int
	elapsed    time.Duration
}

// NewRing creates a ring holding capacity samples, serving frames of the
// default duration at sampleRate. Capacity is rounded up to at least one
// frame.
func NewRing(capacity, sampleRate int) *Ring {
	frameLen := FrameSamples(sampleRate)
	if capacity < frameLen {
		capacity = frameLen
	}
	return &Ring{
		buf:        make([]int16, capacity),
		sampleRate: sampleRate,
		frameLen:   frameLen,
	}
}

// Write appends samples, overwriting the oldest unread data on overflow.
// It never blocks.
func (r *Ring) Write(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(samples) >= len(r.buf) {
		// The write alone fills the ring; only the newest samples survive.
		r.dropped += uint64(r.size + len(samples) - len(r.buf))
		copy(r.buf, samples[len(samples)-len(r.buf):])
		r.head = 0
		r.tail = 0
		r.size = len(r.buf)
		return
	}

	overflow := r.size + len(samples) - len(r.buf)
	if overflow > 0 {
		r.tail = (r.tail + overflow) % len(r.buf)
		r.size -= overflow
		r.dropped += uint64(overflow)
	}
	for _, s := range samples {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
	}
	r.size += len(samples)
}

// ReadFrame returns the next fixed-size frame, or ok=false when fewer than
// one frame of samples is buffered. It never blocks.
func (r *Ring) ReadFrame() (Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < r.frameLen {
		return Frame{}, false
	}
	samples := make([]int16, r.frameLen)
	for i := range samples {
		samples[i] = r.buf[r.tail]
		r.tail = (r.tail + 1) % len(r.buf)
	}
	r.size -= r.frameLen

	f := Frame{
		Data:       EncodePCM16(samples),
		SampleRate: r.sampleRate,
		Timestamp:  r.elapsed,
	}
	r.elapsed += FrameDuration
	return f, true
}

// Buffered returns the number of unread samples.
func (r *Ring) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the total samples lost to overflow.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset discards all buffered samples and the drop counter. The frame
// timestamp clock keeps running.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.tail = 0
	r.size = 0
	r.dropped = 0
}
