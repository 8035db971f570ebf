package hub

import (
	"sync"

	"veil/internal/wire"
)

// Client is one connected socket's send side.
//
// Send is never closed by the server so concurrent broadcasters cannot panic;
// done signals the owning goroutines to stop. Close is idempotent.
type Client struct {
	SessionID string
	UserHex   string
	Send      chan wire.Frame

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userHex, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		UserHex:   userHex,
		Send:      make(chan wire.Frame, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals shutdown (idempotent). It does NOT close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// TrySend enqueues a frame without blocking.
// It reports false when the client is shutting down or its queue is full.
func (c *Client) TrySend(f wire.Frame) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- f:
		return true
	default:
		return false
	}
}
