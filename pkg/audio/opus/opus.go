// Package opus implements the optional "opus" audio codec profile for
// inbound frames. Clients on constrained links negotiate it in the init
// payload; frames then travel as Opus packets instead of raw PCM16, cutting
// upstream bandwidth roughly tenfold.
//
// Encoder and decoder are stateful across consecutive frames, so each
// direction of each session needs its own instance.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/parlovoice/parlo/pkg/audio"
)

// Codec names as they appear in the init payload.
const (
	ProfilePCM16 = "pcm16"
	ProfileOpus  = "opus"
)

const channels = 1

// Encoder turns fixed-size PCM16 frames into Opus packets.
type Encoder struct {
	enc        *gopus.Encoder
	frameSize  int
	sampleRate int
}

// NewEncoder creates a mono voice-tuned encoder for the pipeline's fixed
// frame duration at sampleRate.
func NewEncoder(sampleRate int) (*Encoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{
		enc:        enc,
		frameSize:  audio.FrameSamples(sampleRate),
		sampleRate: sampleRate,
	}, nil
}

// Encode compresses one PCM16 frame. The frame must hold exactly one frame
// duration of samples at the encoder's rate.
func (e *Encoder) Encode(f audio.Frame) ([]byte, error) {
	if f.Samples() != e.frameSize {
		return nil, fmt.Errorf("opus: frame has %d samples, want %d", f.Samples(), e.frameSize)
	}
	packet, err := e.enc.Encode(audio.DecodePCM16(f.Data), e.frameSize, len(f.Data))
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// Decoder turns Opus packets back into PCM16 frames.
type Decoder struct {
	dec        *gopus.Decoder
	frameSize  int
	sampleRate int
}

// NewDecoder creates a mono decoder matching [NewEncoder]'s framing.
func NewDecoder(sampleRate int) (*Decoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec:        dec,
		frameSize:  audio.FrameSamples(sampleRate),
		sampleRate: sampleRate,
	}, nil
}

// Decode expands one Opus packet into a PCM16 frame.
func (d *Decoder) Decode(packet []byte) (audio.Frame, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return audio.Frame{}, fmt.Errorf("opus: decode: %w", err)
	}
	return audio.Frame{
		Data:       audio.EncodePCM16(pcm),
		SampleRate: d.sampleRate,
	}, nil
}
