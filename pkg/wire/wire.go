// Package wire implements the binary duplex message envelope shared by the
// parlo client and server.
//
// Every message is a 1-byte type followed by a 4-byte big-endian payload
// length and the payload itself. Audio payloads are raw PCM16 (or Opus when
// negotiated); control payloads are UTF-8 JSON objects defined in this
// package. The codec is stateless and performs no payload validation — that
// is the session controller's job.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies a wire message kind. The value space is split by
// direction: client→server types live below 0x10, server→client at or
// above it.
type Type uint8

// Client→server message types.
const (
	TypeAudioFrame   Type = 0x01
	TypeInit         Type = 0x02
	TypeConfigUpdate Type = 0x03
	TypeImageUpload  Type = 0x04
	TypeNotesRequest Type = 0x05
	TypeSpeechStart  Type = 0x06
	TypeSpeechEnd    Type = 0x07
	TypeBargeIn      Type = 0x08
)

// Server→client message types.
const (
	TypeConnected         Type = 0x10
	TypeTranscriptInterim Type = 0x11
	TypeTranscriptFinal   Type = 0x12
	TypeAudioChunk        Type = 0x13
	TypeAudioComplete     Type = 0x14
	TypeError             Type = 0x15
	TypeNotes             Type = 0x16
	TypeImageReceived     Type = 0x17
	TypeConfigUpdated     Type = 0x18
	TypeDelta             Type = 0x19
)

// headerSize is the fixed envelope prefix: 1 type byte + 4 length bytes.
const headerSize = 5

// MaxPayload bounds a single message payload. Anything larger is a framing
// error, not a "need more data" condition.
const MaxPayload = 16 << 20

// ErrShortBuffer reports that the buffer does not yet contain a complete
// message. It is a retry signal, not a failure: the caller keeps the bytes
// and decodes again once more data arrives.
var ErrShortBuffer = errors.New("wire: short buffer")

var typeNames = map[Type]string{
	TypeAudioFrame:   "audio_frame",
	TypeInit:         "init",
	TypeConfigUpdate: "config_update",
	TypeImageUpload:  "image_upload",
	TypeNotesRequest: "notes_request",
	TypeSpeechStart:  "speech_start",
	TypeSpeechEnd:    "speech_end",
	TypeBargeIn:      "barge_in",

	TypeConnected:         "connected",
	TypeTranscriptInterim: "transcript_interim",
	TypeTranscriptFinal:   "transcript_final",
	TypeAudioChunk:        "audio_chunk",
	TypeAudioComplete:     "audio_complete",
	TypeError:             "error",
	TypeNotes:             "notes",
	TypeImageReceived:     "image_received",
	TypeConfigUpdated:     "config_updated",
	TypeDelta:             "delta",
}

// String returns the wire name of t, e.g. "audio_frame".
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// Encode serialises a message envelope. A nil payload encodes as a
// zero-length payload.
func Encode(t Type, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint32(buf[1:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	return buf
}

// Decode parses one message from the front of buf. It returns the message
// type, the payload and the number of bytes consumed.
//
// When buf holds fewer than 5 header bytes, or the declared payload length
// exceeds the bytes available, Decode returns [ErrShortBuffer] with zero
// bytes consumed; the caller must retain buf and retry after the next read.
// The returned payload aliases buf — callers that keep it past the next
// buffer mutation must copy.
func Decode(buf []byte) (Type, []byte, int, error) {
	if len(buf) < headerSize {
		return 0, nil, 0, ErrShortBuffer
	}
	t := Type(buf[0])
	n := binary.BigEndian.Uint32(buf[1:headerSize])
	if n > MaxPayload {
		return 0, nil, 0, fmt.Errorf("wire: payload length %d exceeds limit", n)
	}
	total := headerSize + int(n)
	if len(buf) < total {
		return 0, nil, 0, ErrShortBuffer
	}
	return t, buf[headerSize:total], total, nil
}
