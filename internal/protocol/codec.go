package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxMessageSize bounds a single encoded message.
const MaxMessageSize = 64 * 1024

// Encode serializes a message for one transport frame.
func Encode(m *Message) ([]byte, error) {
	if !m.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return json.Marshal(m)
}

// Decode parses one transport frame. Unknown types are an error so the
// caller can drop them without touching state.
func Decode(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes", ErrMalformedPayload, len(data))
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if !m.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return &m, nil
}
