package taskrelay

import (
	"fmt"

	"github.com/velmie/taskrelay/codec"
)

// DefaultCodec is the JSON wire codec.
var DefaultCodec = codec.JSON()

type messageHead struct {
	MessageType MessageType `json:"message_type"`
	Version     string      `json:"version,omitempty"`
}

// Encode validates m and marshals it with c. A nil codec means DefaultCodec.
func Encode(c codec.Codec, m Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	if c == nil {
		c = DefaultCodec
	}

	data, err := c.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("taskrelay: encode %s: %w", m.Header().MessageType, err)
	}

	return data, nil
}

// Decode reads the message_type discriminator and version, unmarshals data into
// the matching variant and validates it. Unknown fields are ignored.
func Decode(c codec.Codec, data []byte) (Message, error) {
	if c == nil {
		c = DefaultCodec
	}

	var head messageHead
	if err := c.Unmarshal(data, &head); err != nil {
		return nil, &ValidationError{Field: "message", Reason: "is not decodable: " + err.Error()}
	}
	if err := checkVersion(head.Version); err != nil {
		return nil, err
	}

	var m Message
	switch head.MessageType {
	case MessageTypeTask:
		m = &Task{}
	case MessageTypeEvent:
		m = &Event{}
	case MessageTypeResponse:
		m = &Response{}
	case MessageTypeHeartbeat:
		m = &Heartbeat{}
	case MessageTypeSystem:
		m = &System{}
	case "":
		return nil, ErrMessageTypeRequired
	default:
		return nil, ErrUnknownMessageType
	}

	if err := c.Unmarshal(data, m); err != nil {
		return nil, &ValidationError{Field: "message", Reason: "is not decodable: " + err.Error()}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	return m, nil
}
