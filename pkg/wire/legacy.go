package wire

import (
	"encoding/json"
	"fmt"
)

// Early clients spoke plain JSON text frames of the form
// {"type": "speech_end", ...} instead of the binary envelope. The server
// still accepts them; decoding produces the same (Type, payload) pair as the
// binary path so the session controller never sees the difference. Audio is
// never carried over the legacy encoding.

var typesByName = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// DecodeLegacy parses a legacy text frame. The returned payload is the
// original object with the "type" key removed, re-marshalled as JSON.
func DecodeLegacy(data []byte) (Type, []byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, nil, fmt.Errorf("wire: legacy frame: %w", err)
	}
	rawType, ok := obj["type"]
	if !ok {
		return 0, nil, fmt.Errorf("wire: legacy frame missing type")
	}
	var name string
	if err := json.Unmarshal(rawType, &name); err != nil {
		return 0, nil, fmt.Errorf("wire: legacy frame type: %w", err)
	}
	t, ok := typesByName[name]
	if !ok {
		return 0, nil, fmt.Errorf("wire: legacy frame unknown type %q", name)
	}
	if t == TypeAudioFrame || t == TypeAudioChunk {
		return 0, nil, fmt.Errorf("wire: legacy frame cannot carry audio")
	}
	delete(obj, "type")
	payload, err := json.Marshal(obj)
	if err != nil {
		return 0, nil, fmt.Errorf("wire: legacy frame: %w", err)
	}
	return t, payload, nil
}
