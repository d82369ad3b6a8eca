// ABOUTME: Adapter exposing a negotiated WebRTC data channel as a link
// ABOUTME: Serializes pion callbacks so handlers see events in order
package transport

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// dataChannel wraps a pion data channel. Signaling and ICE happen elsewhere.
type dataChannel struct {
	id      string
	dc      *webrtc.DataChannel
	pc      *webrtc.PeerConnection
	handler Handler
	events  chan func()
	done    chan struct{}
	once    sync.Once
}

// newDataChannel adapts dc and owns pc, closing it with the channel. Handler
// events start with OnOpen and end with OnClose. opened, if set, is closed
// after the handler has seen OnOpen.
func newDataChannel(dc *webrtc.DataChannel, pc *webrtc.PeerConnection, handler Handler, opened chan struct{}) *dataChannel {
	c := &dataChannel{
		id:      uuid.New().String(),
		dc:      dc,
		pc:      pc,
		handler: handler,
		events:  make(chan func(), sendQueueSize),
		done:    make(chan struct{}),
	}

	dc.OnOpen(func() {
		c.enqueue(func() {
			handler.OnOpen(c)
			if opened != nil {
				close(opened)
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f := Frame{Binary: !msg.IsString, Data: msg.Data}
		c.enqueue(func() { handler.OnMessage(c, f) })
	})
	dc.OnError(func(err error) {
		c.enqueue(func() { handler.OnError(c, err) })
	})
	dc.OnClose(func() {
		c.once.Do(func() { close(c.done) })
		if pc != nil {
			// pion holds locks while running callbacks
			go pc.Close()
		}
	})
	if pc != nil {
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateFailed {
				c.enqueue(func() { handler.OnError(c, ErrConnectionFailed) })
				go c.Close()
			}
		})
	}

	go c.dispatch()
	return c
}

func (c *dataChannel) enqueue(ev func()) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// dispatch runs events one at a time, then OnClose
func (c *dataChannel) dispatch() {
	for {
		select {
		case ev := <-c.events:
			ev()
		case <-c.done:
			for {
				select {
				case ev := <-c.events:
					ev()
				default:
					c.handler.OnClose(c)
					return
				}
			}
		}
	}
}

func (c *dataChannel) ID() string {
	return c.id
}

func (c *dataChannel) Send(f Frame) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	if f.Binary {
		return c.dc.Send(f.Data)
	}
	return c.dc.SendText(string(f.Data))
}

func (c *dataChannel) Close() error {
	err := c.dc.Close()
	c.once.Do(func() { close(c.done) })
	if c.pc != nil {
		if pcErr := c.pc.Close(); err == nil {
			err = pcErr
		}
	}
	return err
}
