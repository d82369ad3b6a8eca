// ABOUTME: Wire encoding for tandem messages
// ABOUTME: JSON envelopes for control messages and a binary frame for chunks
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Binary frame types
const (
	FrameChunk byte = 0x10
)

// chunkHeaderSize is [type:1][index:4][count:4]
const chunkHeaderSize = 9

var (
	ErrShortFrame   = errors.New("protocol: frame too short")
	ErrUnknownFrame = errors.New("protocol: unknown frame type")
	ErrMissingType  = errors.New("protocol: message has no type")
)

// Envelope is a decoded text message whose payload is parsed on demand
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a typed message into a JSON envelope
func Encode(msgType string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msgType, err)
	}
	return data, nil
}

// DecodeEnvelope parses the outer envelope of a text message
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse message: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// Decode parses the payload into v. An absent payload leaves v untouched.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to parse %s payload: %w", e.Type, err)
	}
	return nil
}

// EncodeChunk builds a binary chunk frame
func EncodeChunk(c TransferChunk) []byte {
	frame := make([]byte, chunkHeaderSize+len(c.Data))
	frame[0] = FrameChunk
	binary.BigEndian.PutUint32(frame[1:5], uint32(c.Index))
	binary.BigEndian.PutUint32(frame[5:9], uint32(c.ChunkCount))
	copy(frame[chunkHeaderSize:], c.Data)
	return frame
}

// DecodeChunk parses a binary chunk frame. Data aliases the frame.
func DecodeChunk(frame []byte) (TransferChunk, error) {
	if len(frame) < chunkHeaderSize {
		return TransferChunk{}, ErrShortFrame
	}
	if frame[0] != FrameChunk {
		return TransferChunk{}, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, frame[0])
	}
	return TransferChunk{
		Index:      int(binary.BigEndian.Uint32(frame[1:5])),
		ChunkCount: int(binary.BigEndian.Uint32(frame[5:9])),
		Data:       frame[chunkHeaderSize:],
	}, nil
}
