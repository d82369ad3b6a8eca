// ABOUTME: Transport boundary shared by every link implementation
// ABOUTME: Channels send frames; handlers receive open, message, close and error events
package transport

import "errors"

var (
	ErrChannelClosed     = errors.New("transport: channel closed")
	ErrSendTimeout       = errors.New("transport: send timed out")
	ErrConnectionTimeout = errors.New("transport: connection timed out")
	ErrConnectionFailed  = errors.New("transport: peer connection failed")
)

// Frame is one message on a channel. Binary frames carry chunk data;
// text frames carry JSON envelopes. An Urgent frame may overtake frames
// already queued on the channel, so only order-free messages set it.
type Frame struct {
	Binary bool
	Urgent bool
	Data   []byte
}

// Text wraps a JSON message as a frame
func Text(data []byte) Frame {
	return Frame{Data: data}
}

// Binary wraps raw bytes as a frame
func Binary(data []byte) Frame {
	return Frame{Binary: true, Data: data}
}

// Channel is one open point-to-point link
type Channel interface {
	ID() string
	Send(f Frame) error
	Close() error
}

// Handler receives channel events. Events for one channel are delivered
// one at a time and in order; OnClose is always the last event.
type Handler interface {
	OnOpen(ch Channel)
	OnMessage(ch Channel, f Frame)
	OnClose(ch Channel)
	OnError(ch Channel, err error)
}
