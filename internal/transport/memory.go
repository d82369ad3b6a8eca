// ABOUTME: In-process channel pair for tests and local loopback
// ABOUTME: Frames are copied and delivered in order on a per-side goroutine
package transport

import (
	"sync"

	"github.com/google/uuid"
)

// MemoryChannel is one end of an in-process link
type MemoryChannel struct {
	id      string
	handler Handler
	peer    *MemoryChannel
	inbox   chan Frame
	done    chan struct{}
	once    *sync.Once

	// Intercept, when set, sees every frame before delivery and may drop it
	// by returning false. Set it before Open.
	Intercept func(f Frame) bool
}

// NewMemoryPair creates two connected ends. Nothing is delivered until Open.
func NewMemoryPair(a, b Handler) (*MemoryChannel, *MemoryChannel) {
	done := make(chan struct{})
	once := &sync.Once{}

	left := &MemoryChannel{id: uuid.New().String(), handler: a, inbox: make(chan Frame, 1024), done: done, once: once}
	right := &MemoryChannel{id: uuid.New().String(), handler: b, inbox: make(chan Frame, 1024), done: done, once: once}
	left.peer = right
	right.peer = left
	return left, right
}

// Open fires OnOpen on both ends and starts delivery
func (c *MemoryChannel) Open() {
	c.handler.OnOpen(c)
	c.peer.handler.OnOpen(c.peer)
	go c.deliver()
	go c.peer.deliver()
}

func (c *MemoryChannel) ID() string {
	return c.id
}

// Send copies the frame into the peer's inbox
func (c *MemoryChannel) Send(f Frame) error {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case c.peer.inbox <- f:
		return nil
	case <-c.done:
		return ErrChannelClosed
	}
}

// Close closes both ends; each handler then receives OnClose
func (c *MemoryChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *MemoryChannel) deliver() {
	for {
		select {
		case f := <-c.inbox:
			if c.Intercept != nil && !c.Intercept(f) {
				continue
			}
			c.handler.OnMessage(c, f)
		case <-c.done:
			c.handler.OnClose(c)
			return
		}
	}
}
