// Package protocol holds the wire format: typed binary frames for CRDT traffic
// and JSON control messages carried in text frames.
package protocol

import (
	"errors"
	"fmt"
)

// MessageType is the first byte of every binary frame.
type MessageType byte

const (
	Sync      MessageType = 0x01 // server → client: full state
	Update    MessageType = 0x02 // bidirectional: incremental update
	Awareness MessageType = 0x03 // bidirectional: cursor/presence
)

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrUnknownType = errors.New("unknown message type")
)

// Known reports whether t is one of the defined tags.
func (t MessageType) Known() bool {
	switch t {
	case Sync, Update, Awareness:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case Sync:
		return "sync"
	case Update:
		return "update"
	case Awareness:
		return "awareness"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Message is a decoded binary frame. Payload aliases the decoded buffer.
type Message struct {
	Type    MessageType
	Payload []byte
}

// EncodeFrame prefixes payload with its type tag.
func EncodeFrame(t MessageType, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = byte(t)
	copy(out[1:], payload)
	return out
}

// DecodeFrame splits a binary frame into tag and payload without copying.
// An unknown tag still returns the raw tag and payload alongside ErrUnknownType.
func DecodeFrame(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, ErrEmptyFrame
	}
	m := Message{Type: MessageType(b[0]), Payload: b[1:]}
	if !m.Type.Known() {
		return m, ErrUnknownType
	}
	return m, nil
}
