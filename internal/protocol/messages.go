package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeHello      MessageType = "hello"
	TypeTranscript MessageType = "transcript"
	TypeReady      MessageType = "ready"
	TypeError      MessageType = "error"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
	ErrOversized   = errors.New("oversized transcript text")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Hello is the producer/consumer greeting after joining.
type Hello struct {
	Type MessageType `json:"type"`
}

// ClientTranscript is a transcript event published by the producer. TS is a
// pointer so an omitted timestamp is distinguishable from an explicit zero;
// the relay stamps receipt time only when the producer sent none.
type ClientTranscript struct {
	Type    MessageType `json:"type"`
	Interim bool        `json:"interim"`
	Text    string      `json:"text"`
	TS      *int64      `json:"ts,omitempty"`
}

// Ready acknowledges a successful join before any traffic is forwarded.
type Ready struct {
	Type MessageType `json:"type"`
}

// ServerError is a recoverable error surfaced to one connection.
type ServerError struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

// ServerTranscript is the broadcast form of a transcript event.
type ServerTranscript struct {
	Type        MessageType `json:"type"`
	Interim     bool        `json:"interim"`
	Text        string      `json:"text"`
	TimestampMs int64       `json:"timestampMs"`
}

func NewReady() Ready {
	return Ready{Type: TypeReady}
}

func NewServerError(code, message string) ServerError {
	return ServerError{Type: TypeError, Code: code, Message: message}
}

// ParseClientMessage deserializes one inbound frame into exactly one known
// client variant. Anything else is a protocol violation.
func ParseClientMessage(raw []byte, maxTextLen int) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope", ErrMalformed)
	}

	switch env.Type {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return msg, nil
	case TypeTranscript:
		var msg ClientTranscript
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !utf8.ValidString(msg.Text) {
			return nil, fmt.Errorf("%w: transcript text is not valid UTF-8", ErrMalformed)
		}
		if maxTextLen > 0 && len(msg.Text) > maxTextLen {
			return nil, ErrOversized
		}
		return msg, nil
	default:
		return nil, ErrUnknownType
	}
}
