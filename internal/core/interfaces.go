package core

import "errors"

// ConnID identifies one accepted transport connection. Issued by the
// adapter at accept time, never reused.
type ConnID string

// Frame is one outbound websocket message.
type Frame struct {
	Data   []byte
	Binary bool
}

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Connection abstracts an outbound transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type Connection interface {
	ID() ConnID
	// TrySend enqueues without blocking. It returns ErrBackpressure when the
	// outbox is full and ErrConnClosed after Close.
	TrySend(Frame) error
	// Close flushes what is already queued, then closes the socket.
	Close()
}

// SendFunc delivers a payload to one connection of a session.
type SendFunc func(to ConnID, f Frame)
