package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ── control payloads (client→server) ──

// InitPayload opens a session. It is the first message after the WebSocket
// handshake; the server answers with [ConnectedPayload].
type InitPayload struct {
	// Language is the BCP-47 tag of the language being practised.
	Language string `json:"language"`

	// TranslatorMode makes replies include a native-language translation.
	TranslatorMode bool `json:"translator_mode,omitempty"`

	// Voice selects the synthesis voice. Empty picks the server default.
	Voice string `json:"voice,omitempty"`

	// AudioCodec is the negotiated inbound frame encoding: "pcm16"
	// (default) or "opus".
	AudioCodec string `json:"audio_codec,omitempty"`

	// SampleRate is the inbound PCM sample rate in Hz. Zero means 16000.
	SampleRate int `json:"sample_rate,omitempty"`
}

// ConfigUpdatePayload changes session parameters mid-session. Zero-valued
// fields are left unchanged; a language change restarts the transcription
// stream.
type ConfigUpdatePayload struct {
	Language       string `json:"language,omitempty"`
	TranslatorMode *bool  `json:"translator_mode,omitempty"`
	Voice          string `json:"voice,omitempty"`
}

// ImageUploadPayload attaches an image to the session. Data is a base64
// data URL; the image is referenced by the next generation request.
type ImageUploadPayload struct {
	Data string `json:"data"`
	Name string `json:"name,omitempty"`
}

// ── control payloads (server→client) ──

// ConnectedPayload acknowledges session creation.
type ConnectedPayload struct {
	SessionID  string `json:"session_id"`
	AudioCodec string `json:"audio_codec"`
	SampleRate int    `json:"sample_rate"`
}

// TranscriptPayload carries an interim or final transcript for a turn.
type TranscriptPayload struct {
	TurnID     uint32  `json:"turn_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// DeltaPayload is one streamed generation fragment.
type DeltaPayload struct {
	TurnID uint32 `json:"turn_id"`
	Token  string `json:"token"`
	Final  bool   `json:"final,omitempty"`
}

// AudioCompletePayload marks the end of synthesized audio for a turn.
type AudioCompletePayload struct {
	TurnID uint32 `json:"turn_id"`
}

// ErrorPayload reports a session-visible failure. Message is human readable;
// no stack traces or internal detail cross the wire.
type ErrorPayload struct {
	Message string `json:"message"`
	TurnID  uint32 `json:"turn_id,omitempty"`
}

// NotesPayload returns generated study notes.
type NotesPayload struct {
	Notes string `json:"notes"`
}

// ConfigUpdatedPayload echoes the effective session parameters after a
// config update.
type ConfigUpdatedPayload struct {
	Language       string `json:"language"`
	TranslatorMode bool   `json:"translator_mode"`
	Voice          string `json:"voice"`
}

// ── JSON helpers ──

// EncodeJSON marshals v and wraps it in the envelope for t.
func EncodeJSON(t Type, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s: %w", t, err)
	}
	return Encode(t, payload), nil
}

// DecodeJSON unmarshals a control payload into v.
func DecodeJSON(t Type, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("wire: decode %s payload: %w", t, err)
	}
	return nil
}

// ── audio chunk tagging ──

// Synthesized audio chunks are turn-id tagged so a client can drop chunks
// produced for a cancelled turn. The payload is a 4-byte big-endian turn id
// followed by raw PCM bytes.

// EncodeAudioChunk builds an audio_chunk payload for turnID.
func EncodeAudioChunk(turnID uint32, pcm []byte) []byte {
	payload := make([]byte, 4+len(pcm))
	binary.BigEndian.PutUint32(payload, turnID)
	copy(payload[4:], pcm)
	return Encode(TypeAudioChunk, payload)
}

// DecodeAudioChunk splits an audio_chunk payload into its turn id and PCM
// bytes. The PCM slice aliases payload.
func DecodeAudioChunk(payload []byte) (turnID uint32, pcm []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("wire: audio_chunk payload too short (%d bytes)", len(payload))
	}
	return binary.BigEndian.Uint32(payload), payload[4:], nil
}
