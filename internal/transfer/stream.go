// ABOUTME: Sender side of a chunked payload transfer
// ABOUTME: Meta first, chunks in index order with periodic pauses, then a sentinel
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/Resonate-Protocol/tandem/internal/protocol"
	"github.com/Resonate-Protocol/tandem/internal/transport"
)

const (
	// ChunkSize is the payload bytes carried by one chunk frame
	ChunkSize = 16 * 1024

	// DefaultPauseEvery is how many chunks are sent between pauses
	DefaultPauseEvery = 10

	// DefaultPause gives the channel's send buffer time to drain
	DefaultPause = 10 * time.Millisecond
)

// Payload is a file offered to guests
type Payload struct {
	Name     string
	MimeType string
	Data     []byte
	Duration time.Duration
}

// Meta describes the payload for a given chunk size
func (p Payload) Meta(chunkSize int) protocol.TransferMeta {
	return protocol.TransferMeta{
		Name:       p.Name,
		Size:       len(p.Data),
		DurationMs: p.Duration.Milliseconds(),
		MimeType:   p.MimeType,
		ChunkCount: ChunkCount(len(p.Data), chunkSize),
	}
}

// StreamConfig tunes the sender. Zero values use the defaults.
type StreamConfig struct {
	ChunkSize  int
	PauseEvery int
	Pause      time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = ChunkSize
	}
	if c.PauseEvery <= 0 {
		c.PauseEvery = DefaultPauseEvery
	}
	if c.Pause <= 0 {
		c.Pause = DefaultPause
	}
}

// ChunkCount returns how many chunks a payload of size bytes needs.
// An empty payload still travels as one empty chunk.
func ChunkCount(size, chunkSize int) int {
	if size <= 0 {
		return 1
	}
	return (size + chunkSize - 1) / chunkSize
}

// Split cuts payload into chunkSize pieces; the last may be shorter.
// Pieces alias payload.
func Split(payload []byte, chunkSize int) [][]byte {
	n := ChunkCount(len(payload), chunkSize)
	chunks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}

// Stream sends p over send: meta, every chunk, then the completion sentinel.
// It stops early when ctx is cancelled or a send fails.
func Stream(ctx context.Context, send func(transport.Frame) error, p Payload, cfg StreamConfig) error {
	cfg.applyDefaults()

	meta := p.Meta(cfg.ChunkSize)
	data, err := protocol.Encode(protocol.TypeTransferMeta, meta)
	if err != nil {
		return err
	}
	if err := send(transport.Text(data)); err != nil {
		return fmt.Errorf("failed to send meta: %w", err)
	}

	for i, chunk := range Split(p.Data, cfg.ChunkSize) {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame := protocol.EncodeChunk(protocol.TransferChunk{
			Index:      i,
			ChunkCount: meta.ChunkCount,
			Data:       chunk,
		})
		if err := send(transport.Binary(frame)); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i, meta.ChunkCount, err)
		}

		if (i+1)%cfg.PauseEvery == 0 {
			timer := time.NewTimer(cfg.Pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	data, err = protocol.Encode(protocol.TypeTransferComplete, protocol.TransferComplete{})
	if err != nil {
		return err
	}
	if err := send(transport.Text(data)); err != nil {
		return fmt.Errorf("failed to send completion: %w", err)
	}
	return nil
}
