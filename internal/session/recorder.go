package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parlovoice/parlo/pkg/history"
)

const (
	// recorderQueueDepth bounds pending writes. The queue absorbs storage
	// latency spikes; on overflow the newest record is dropped and logged,
	// never blocking the controller's event loop.
	recorderQueueDepth = 64

	// recorderWriteTimeout caps a single store operation.
	recorderWriteTimeout = 5 * time.Second
)

// recorderJob is one pending store write.
type recorderJob func(ctx context.Context, store history.Store) error

// Recorder persists session activity through a [history.Store] without ever
// blocking the live pipeline. Writes are queued and performed by a background
// goroutine; failures are logged and swallowed, and the degraded flag reports
// whether the most recent write failed. A nil store makes every method a
// no-op, so a session without persistence costs nothing.
//
// All methods are safe for concurrent use.
type Recorder struct {
	store    history.Store
	queue    chan recorderJob
	wg       sync.WaitGroup
	stopOnce sync.Once
	degraded atomic.Bool
}

// NewRecorder creates a Recorder writing to store and starts its background
// worker. Pass nil to disable persistence entirely.
func NewRecorder(store history.Store) *Recorder {
	r := &Recorder{store: store}
	if store == nil {
		return r
	}
	r.queue = make(chan recorderJob, recorderQueueDepth)
	r.wg.Add(1)
	go r.loop()
	return r
}

// SessionStarted queues a session-start record.
func (r *Recorder) SessionStarted(rec history.SessionRecord) {
	r.enqueue("session start", func(ctx context.Context, store history.Store) error {
		return store.StartSession(ctx, rec)
	})
}

// SessionEnded queues a session-end mark.
func (r *Recorder) SessionEnded(sessionID string, endedAt time.Time) {
	r.enqueue("session end", func(ctx context.Context, store history.Store) error {
		return store.EndSession(ctx, sessionID, endedAt)
	})
}

// TurnCompleted queues a completed turn record.
func (r *Recorder) TurnCompleted(rec history.TurnRecord) {
	r.enqueue("turn", func(ctx context.Context, store history.Store) error {
		return store.RecordTurn(ctx, rec)
	})
}

// NotesGenerated queues a generated study-notes document.
func (r *Recorder) NotesGenerated(sessionID, body string) {
	r.enqueue("notes", func(ctx context.Context, store history.Store) error {
		return store.SaveNotes(ctx, sessionID, body)
	})
}

// IsDegraded reports whether the most recent store write failed.
func (r *Recorder) IsDegraded() bool {
	return r.degraded.Load()
}

// Stop drains queued writes and stops the worker. Safe to call more than
// once; a no-op recorder returns immediately.
func (r *Recorder) Stop() {
	if r.store == nil {
		return
	}
	r.stopOnce.Do(func() {
		close(r.queue)
	})
	r.wg.Wait()
}

// enqueue hands a job to the worker, dropping it when the queue is full.
func (r *Recorder) enqueue(kind string, job recorderJob) {
	if r.store == nil {
		return
	}
	select {
	case r.queue <- job:
	default:
		slog.Warn("session: recorder queue full, dropping record", "kind", kind)
	}
}

// loop performs queued writes until the queue is closed.
func (r *Recorder) loop() {
	defer r.wg.Done()
	for job := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), recorderWriteTimeout)
		err := job(ctx, r.store)
		cancel()
		if err != nil {
			r.degraded.Store(true)
			slog.Warn("session: store write failed", "err", err)
			continue
		}
		r.degraded.Store(false)
	}
}
