package signal

import (
	"sync"

	"github.com/dkeye/wigma-ws/internal/core"
	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
)

// WsSignalConn is a websocket with a byte-bounded outbox drained by its
// write pump.
type WsSignalConn struct {
	id   core.ConnID
	conn *websocket.Conn

	mu      sync.Mutex
	out     *queue.Queue
	queued  int
	limit   int
	closing bool
	wake    chan struct{}
}

func newWSConn(id core.ConnID, ws *websocket.Conn, limit int) *WsSignalConn {
	return &WsSignalConn{
		id:    id,
		conn:  ws,
		out:   queue.New(),
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

func (c *WsSignalConn) ID() core.ConnID { return c.id }

// TrySend queues f. A frame larger than the whole budget is still accepted
// when the outbox is empty.
func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return core.ErrConnClosed
	}
	if c.queued > 0 && c.queued+len(f.Data) > c.limit {
		c.mu.Unlock()
		return core.ErrBackpressure
	}
	c.out.Add(f)
	c.queued += len(f.Data)
	c.mu.Unlock()
	c.signal()
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued, sends
// a close frame and closes the socket.
func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()
	c.signal()
}

// Buffered is the number of bytes waiting in the outbox.
func (c *WsSignalConn) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued
}

// next pops one frame; done reports a closing, fully drained outbox.
func (c *WsSignalConn) next() (f core.Frame, ok, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.out.Length() == 0 {
		return core.Frame{}, false, c.closing
	}
	f = c.out.Remove().(core.Frame)
	c.queued -= len(f.Data)
	return f, true, false
}

func (c *WsSignalConn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
