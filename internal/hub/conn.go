package hub

import (
	"sync"

	"github.com/aklemp/talon/pkg/message"
)

// outboundQueueSize bounds a connection's unread broadcast backlog. A
// client that falls further behind than this is closed and expected to
// reconnect and resume from its last seen event id.
const outboundQueueSize = 256

// Conn is one client connection attached to a session. Broadcasts are
// queued on the outbound channel; the transport layer drains Outbound
// and writes frames to the wire.
type Conn struct {
	ID        string
	SessionID string

	mu     sync.Mutex
	closed bool
	out    chan message.Server
}

func newConn(id, sessionID string) *Conn {
	return &Conn{
		ID:        id,
		SessionID: sessionID,
		out:       make(chan message.Server, outboundQueueSize),
	}
}

// Outbound is the stream of frames to write to the client. The channel
// is closed when the connection is detached or overflows.
func (c *Conn) Outbound() <-chan message.Server { return c.out }

// enqueue queues one frame without ever blocking the caller. Transient
// frames are dropped when the queue is full. A persisted frame that
// cannot be queued closes the connection; the client reconciles by
// resuming from its last event id. Returns false once closed.
func (c *Conn) enqueue(msg message.Server, transient bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- msg:
		return true
	default:
	}
	if transient {
		return true
	}
	c.closed = true
	close(c.out)
	return false
}

// Send queues one frame for this connection only, with persisted-frame
// semantics: an overflow closes the connection. Used for direct replies
// (queued acks, event replay) that must not be lost silently.
func (c *Conn) Send(msg message.Server) bool {
	return c.enqueue(msg, false)
}

// Close shuts the outbound stream. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}
