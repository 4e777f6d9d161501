// Package audio holds the frame types and buffering primitives the voice
// pipeline is built on: fixed-size PCM16 frames, a lossy-on-overflow ring
// buffer decoupling capture from the endpointer, and a bounded drop-oldest
// frame queue for the receiving side.
package audio

import "time"

// Default pipeline tuning. Capture runs at 16 kHz mono; synthesis comes back
// at 24 kHz mono.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
	FrameDuration    = 20 * time.Millisecond
)

// Frame is a single fixed-size block of PCM16 audio flowing through the
// pipeline. Sample rate and duration are fixed per session; at the default
// tuning a frame is 320 samples (640 bytes). Frames are immutable once
// produced.
type Frame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when the frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of int16 samples in the frame.
func (f Frame) Samples() int { return len(f.Data) / 2 }

// Duration returns the frame's play time at its sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// FrameSamples returns the sample count of one frame at the given rate and
// the default frame duration (e.g. 320 at 16 kHz).
func FrameSamples(sampleRate int) int {
	return int(time.Duration(sampleRate) * FrameDuration / time.Second)
}

// FrameBytes returns the byte length of one PCM16 frame at the given rate.
func FrameBytes(sampleRate int) int { return FrameSamples(sampleRate) * 2 }

// DecodePCM16 converts little-endian PCM16 bytes to int16 samples. A
// trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[2*i]) | int16(data[2*i+1])<<8
	}
	return samples
}

// EncodePCM16 converts int16 samples to little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[2*i] = byte(s)
		data[2*i+1] = byte(s >> 8)
	}
	return data
}

// Normalize converts PCM16 bytes to float32 samples in [-1, 1).
func Normalize(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		s := int16(data[2*i]) | int16(data[2*i+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Drain reads from ch until it is closed, discarding all values. Use it to
// release a producer goroutine when the consumer stops caring about the
// remaining data (e.g. a cancelled turn's synthesis channel).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
