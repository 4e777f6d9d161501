package session

import (
	"github.com/parlovoice/parlo/pkg/provider/stt"
	"github.com/parlovoice/parlo/pkg/wire"
)

// event is the union of everything the controller loop reacts to: one variant
// per inbound wire message plus the internal events produced by the turn
// pipeline. Keeping the set closed makes the legal-transition table auditable
// in a single switch.
type event interface {
	isEvent()
}

// ── wire events (client → controller) ──

type evAudioFrame struct {
	pcm []byte
}

type evSpeechStart struct{}

type evSpeechEnd struct{}

type evBargeIn struct{}

type evConfigUpdate struct {
	payload wire.ConfigUpdatePayload
}

type evImageUpload struct {
	payload wire.ImageUploadPayload
}

type evNotesRequest struct{}

// ── internal events (pipeline → controller) ──

// evTranscriptInterim carries a partial STT result. Interims are not
// turn-tagged by the provider; the loop tags them with the prospective id of
// the turn the utterance will become.
type evTranscriptInterim struct {
	transcript stt.Transcript
}

// evTranscriptFinal carries a committed STT result that starts a turn.
type evTranscriptFinal struct {
	transcript stt.Transcript
}

// evLLMDelta is one streamed generation token for a turn.
type evLLMDelta struct {
	turnID uint32
	text   string
}

// evLLMDone marks the end of generation for a turn.
type evLLMDone struct {
	turnID uint32
	reason string
}

// evTTSChunk is one synthesized PCM chunk for a turn.
type evTTSChunk struct {
	turnID uint32
	pcm    []byte
}

// evTTSDone marks the end of synthesis for a turn.
type evTTSDone struct {
	turnID uint32
}

// evBudgetExpired fires when a turn exceeds its wall-clock budget.
type evBudgetExpired struct {
	turnID uint32
}

// evTurnError reports a provider failure scoped to one turn. The session
// stays alive; the error is surfaced to the client and the loop returns to
// listening.
type evTurnError struct {
	turnID uint32
	stage  string
	err    error
}

// evNotesReady delivers a generated study-notes document.
type evNotesReady struct {
	body string
	err  error
}

// evSTTClosed reports that a transcription stream's channels closed. The
// handle identifies which stream, so the close of a superseded stream after
// a language change is not mistaken for a failure of the live one.
type evSTTClosed struct {
	handle stt.SessionHandle
}

func (evAudioFrame) isEvent()        {}
func (evSpeechStart) isEvent()       {}
func (evSpeechEnd) isEvent()         {}
func (evBargeIn) isEvent()           {}
func (evConfigUpdate) isEvent()      {}
func (evImageUpload) isEvent()       {}
func (evNotesRequest) isEvent()      {}
func (evTranscriptInterim) isEvent() {}
func (evTranscriptFinal) isEvent()   {}
func (evLLMDelta) isEvent()          {}
func (evLLMDone) isEvent()           {}
func (evTTSChunk) isEvent()          {}
func (evTTSDone) isEvent()           {}
func (evBudgetExpired) isEvent()     {}
func (evTurnError) isEvent()         {}
func (evNotesReady) isEvent()        {}
func (evSTTClosed) isEvent()         {}
