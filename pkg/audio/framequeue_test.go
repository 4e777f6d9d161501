package audio_test

import (
	"testing"

	"github.com/parlovoice/parlo/pkg/audio"
)

func TestFrameQueueFIFO(t *testing.T) {
	q := audio.NewFrameQueue(10)
	for i := 0; i < 3; i++ {
		q.Push(audio.Frame{Data: []byte{byte(i), 0}})
	}
	for i := 0; i < 3; i++ {
		f, ok := q.Pop()
		if !ok {
			t.Fatalf("frame %d missing", i)
		}
		if f.Data[0] != byte(i) {
			t.Errorf("frame %d = %d", i, f.Data[0])
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue returned a frame")
	}
}

// 150 pushes into a capacity-100 queue: 50 oldest dropped, counter 50,
// length 100, survivors are the newest 100.
func TestFrameQueueOverflow(t *testing.T) {
	q := audio.NewFrameQueue(100)
	for i := 0; i < 150; i++ {
		q.Push(audio.Frame{Data: []byte{byte(i), byte(i >> 8)}})
	}
	if q.Len() != 100 {
		t.Errorf("Len() = %d, want 100", q.Len())
	}
	if q.Dropped() != 50 {
		t.Errorf("Dropped() = %d, want 50", q.Dropped())
	}
	f, _ := q.Pop()
	if got := int(f.Data[0]) | int(f.Data[1])<<8; got != 50 {
		t.Errorf("oldest surviving frame = %d, want 50", got)
	}
}

func TestFrameQueueClearKeepsCounter(t *testing.T) {
	q := audio.NewFrameQueue(2)
	for i := 0; i < 5; i++ {
		q.Push(audio.Frame{})
	}
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Clear", q.Len())
	}
	if q.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", q.Dropped())
	}
}

func TestFrameQueueDefaultCapacity(t *testing.T) {
	q := audio.NewFrameQueue(0)
	for i := 0; i < audio.DefaultQueueCapacity+1; i++ {
		q.Push(audio.Frame{})
	}
	if q.Len() != audio.DefaultQueueCapacity {
		t.Errorf("Len() = %d, want %d", q.Len(), audio.DefaultQueueCapacity)
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", q.Dropped())
	}
}
