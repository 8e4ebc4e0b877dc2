package session

import (
	"sync"

	"github.com/gorilla/websocket"

	"bpmncollab/internal/metrics"
)

const DefaultSendQueueSize = 256

// MinSendQueueSize fits the frames Connect queues before the write pump has
// drained anything: client_id, update, lock and user_list.
const MinSendQueueSize = 4

// Client is one connected participant. Outbound frames go through a bounded
// queue drained by the connection's write pump; a client that lets the queue
// fill up is closed rather than allowed to stall the hub.
type Client struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
	hook   func([]byte)
}

func NewClient(conn *websocket.Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	return &Client{conn: conn, send: make(chan []byte, queueSize)}
}

// ID is assigned by the hub on Connect and is empty before that.
func (c *Client) ID() string { return c.id }

func (c *Client) Conn() *websocket.Conn { return c.conn }

// SendChan is drained by the write pump. It is closed when the client closes.
func (c *Client) SendChan() <-chan []byte { return c.send }

// SetSendHook replaces the outbound queue (used in tests).
func (c *Client) SetSendHook(fn func([]byte)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send queues data without blocking. It reports false if the client is closed
// or its queue overflowed, in which case the client is now closed.
func (c *Client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.hook != nil {
		c.hook(data)
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		metrics.IncDroppedClients()
		c.closeLocked()
		return false
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
