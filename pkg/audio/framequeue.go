package audio

import "sync"

// DefaultQueueCapacity bounds the inbound frame queue at roughly two seconds
// of audio at the default frame duration.
const DefaultQueueCapacity = 100

// FrameQueue is a bounded FIFO of frames with a drop-oldest overflow policy.
// The server enqueues decoded inbound frames here ahead of transcription;
// when the consumer falls behind, the oldest frame is discarded and a counter
// incremented rather than ever blocking the producer.
//
// FrameQueue is safe for concurrent use.
type FrameQueue struct {
	mu      sync.Mutex
	frames  []Frame
	cap     int
	dropped uint64
}

// NewFrameQueue creates a queue bounded at capacity frames. A non-positive
// capacity falls back to [DefaultQueueCapacity].
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &FrameQueue{
		frames: make([]Frame, 0, capacity),
		cap:    capacity,
	}
}

// Push enqueues f. On overflow the oldest frame is dropped. Never blocks.
func (q *FrameQueue) Push(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) >= q.cap {
		q.frames = q.frames[1:]
		q.dropped++
	}
	q.frames = append(q.frames, f)
}

// Pop dequeues the oldest frame, or ok=false when the queue is empty.
func (q *FrameQueue) Pop() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the total frames discarded to overflow.
func (q *FrameQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all queued frames without touching the drop counter.
func (q *FrameQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = q.frames[:0]
}
