// ABOUTME: Receiver side of chunked transfers
// ABOUTME: Indexed slots per link, reassembled exactly once on threshold or sentinel
package transfer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Resonate-Protocol/tandem/internal/protocol"
)

var (
	ErrEmptyTransfer   = errors.New("transfer: no chunks received")
	ErrChunkOutOfRange = errors.New("transfer: chunk index out of range")
	ErrInvalidMeta     = errors.New("transfer: invalid transfer meta")
)

const (
	// MaxPayloadSize bounds what a peer may announce
	MaxPayloadSize = 1 << 30

	// MaxChunks bounds the slot table of one session
	MaxChunks = 1 << 16
)

// ValidateMeta checks an announced transfer before any slots are allocated.
// Every chunk but an empty payload's single chunk carries at least one byte.
func ValidateMeta(meta protocol.TransferMeta) error {
	switch {
	case meta.Size < 0 || meta.Size > MaxPayloadSize:
		return fmt.Errorf("%w: size %d", ErrInvalidMeta, meta.Size)
	case meta.ChunkCount < 1 || meta.ChunkCount > MaxChunks:
		return fmt.Errorf("%w: %d chunks", ErrInvalidMeta, meta.ChunkCount)
	case meta.Size > 0 && meta.ChunkCount > meta.Size:
		return fmt.Errorf("%w: %d chunks for %d bytes", ErrInvalidMeta, meta.ChunkCount, meta.Size)
	case meta.Size == 0 && meta.ChunkCount != 1:
		return fmt.Errorf("%w: empty payload in %d chunks", ErrInvalidMeta, meta.ChunkCount)
	}
	return nil
}

// Session is one in-flight payload. Not safe for concurrent use; the
// Receiver serializes access.
type Session struct {
	Meta     protocol.TransferMeta
	Started  time.Time
	slots    [][]byte
	filled   []bool
	received int
}

// NewSession allocates empty slots for meta.ChunkCount chunks. meta should
// have passed ValidateMeta.
func NewSession(meta protocol.TransferMeta) *Session {
	n := meta.ChunkCount
	if n < 0 {
		n = 0
	}
	if n > MaxChunks {
		n = MaxChunks
	}
	return &Session{
		Meta:    meta,
		Started: time.Now(),
		slots:   make([][]byte, n),
		filled:  make([]bool, n),
	}
}

// Put writes data into slot index. A repeat delivery overwrites the slot
// without counting it twice. Returns whether the slot was newly filled.
func (s *Session) Put(index int, data []byte) (bool, error) {
	if index < 0 || index >= len(s.slots) {
		return false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, len(s.slots))
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.slots[index] = buf

	if s.filled[index] {
		return false, nil
	}
	s.filled[index] = true
	s.received++
	return true, nil
}

// Received returns how many distinct slots are filled
func (s *Session) Received() int {
	return s.received
}

// Total returns the number of slots
func (s *Session) Total() int {
	return len(s.slots)
}

// Full reports whether every slot is filled
func (s *Session) Full() bool {
	return len(s.slots) > 0 && s.received == len(s.slots)
}

// Missing lists the indexes of empty slots
func (s *Session) Missing() []int {
	var missing []int
	for i, ok := range s.filled {
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Assemble concatenates filled slots in index order. Empty slots are
// skipped, not zero-filled.
func (s *Session) Assemble() ([]byte, error) {
	if s.received == 0 {
		return nil, ErrEmptyTransfer
	}

	size := 0
	for i, ok := range s.filled {
		if ok {
			size += len(s.slots[i])
		}
	}

	out := make([]byte, 0, size)
	for i, ok := range s.filled {
		if ok {
			out = append(out, s.slots[i]...)
		}
	}
	return out, nil
}

// Result is a reassembled payload
type Result struct {
	LinkID  string
	Meta    protocol.TransferMeta
	Data    []byte
	Missing []int
}

// Callbacks are invoked outside the receiver's lock
type Callbacks struct {
	OnStart    func(linkID string, meta protocol.TransferMeta)
	OnComplete func(res Result)
	OnFailed   func(linkID string, meta protocol.TransferMeta, err error)
}

// Receiver tracks one open session per link. A session closes exactly once,
// by removing it from the table, whichever of threshold or sentinel comes first.
type Receiver struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	callbacks Callbacks
}

// NewReceiver creates a receiver
func NewReceiver(callbacks Callbacks) *Receiver {
	return &Receiver{
		sessions:  make(map[string]*Session),
		callbacks: callbacks,
	}
}

// HandleMeta opens a session for linkID, superseding any unfinished one. An
// invalid meta is dropped and leaves any open session alone. Returns whether
// a session was opened.
func (r *Receiver) HandleMeta(linkID string, meta protocol.TransferMeta) bool {
	if err := ValidateMeta(meta); err != nil {
		log.Printf("Dropping transfer %q from %s: %v", meta.Name, linkID, err)
		return false
	}

	r.mu.Lock()
	if prev, ok := r.sessions[linkID]; ok {
		log.Printf("Transfer %q from %s superseded by %q (%d/%d chunks received)",
			prev.Meta.Name, linkID, meta.Name, prev.Received(), prev.Total())
	}
	r.sessions[linkID] = NewSession(meta)
	r.mu.Unlock()

	log.Printf("Receiving %q from %s: %d bytes in %d chunks", meta.Name, linkID, meta.Size, meta.ChunkCount)

	if r.callbacks.OnStart != nil {
		r.callbacks.OnStart(linkID, meta)
	}
	return true
}

// HandleChunk stores a chunk and reassembles once every slot is filled.
// Returns whether this chunk closed the session.
func (r *Receiver) HandleChunk(linkID string, chunk protocol.TransferChunk) bool {
	r.mu.Lock()
	s, ok := r.sessions[linkID]
	if !ok {
		r.mu.Unlock()
		log.Printf("Dropping chunk %d from %s: no open transfer", chunk.Index, linkID)
		return false
	}
	if chunk.ChunkCount != s.Total() {
		r.mu.Unlock()
		log.Printf("Dropping chunk %d from %s: chunk count %d does not match transfer (%d)",
			chunk.Index, linkID, chunk.ChunkCount, s.Total())
		return false
	}
	if _, err := s.Put(chunk.Index, chunk.Data); err != nil {
		r.mu.Unlock()
		log.Printf("Dropping chunk from %s: %v", linkID, err)
		return false
	}
	if !s.Full() {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, linkID)
	r.mu.Unlock()

	r.finish(linkID, s)
	return true
}

// HandleComplete reassembles whatever arrived. A sentinel for a session that
// already closed is a no-op. Returns whether this call closed the session.
func (r *Receiver) HandleComplete(linkID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[linkID]
	if !ok {
		r.mu.Unlock()
		log.Printf("Transfer from %s already processed", linkID)
		return false
	}
	delete(r.sessions, linkID)
	r.mu.Unlock()

	r.finish(linkID, s)
	return true
}

// Discard drops any open session for linkID without reassembling it
func (r *Receiver) Discard(linkID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[linkID]; ok {
		log.Printf("Discarding transfer %q from %s (%d/%d chunks)", s.Meta.Name, linkID, s.Received(), s.Total())
		delete(r.sessions, linkID)
	}
}

// Progress reports received and total chunks of the open session for linkID
func (r *Receiver) Progress(linkID string) (received, total int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[linkID]
	if !ok {
		return 0, 0, false
	}
	return s.Received(), s.Total(), true
}

// Open reports whether linkID has an open session
func (r *Receiver) Open(linkID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[linkID]
	return ok
}

func (r *Receiver) finish(linkID string, s *Session) {
	data, err := s.Assemble()
	if err != nil {
		log.Printf("Transfer %q from %s failed: %v", s.Meta.Name, linkID, err)
		if r.callbacks.OnFailed != nil {
			r.callbacks.OnFailed(linkID, s.Meta, err)
		}
		return
	}

	missing := s.Missing()
	if len(missing) > 0 {
		log.Printf("Transfer %q from %s incomplete: missing chunks %v, assembled %d of %d bytes",
			s.Meta.Name, linkID, missing, len(data), s.Meta.Size)
	} else {
		log.Printf("Transfer %q from %s complete: %d bytes in %v",
			s.Meta.Name, linkID, len(data), time.Since(s.Started).Round(time.Millisecond))
	}

	if r.callbacks.OnComplete != nil {
		r.callbacks.OnComplete(Result{LinkID: linkID, Meta: s.Meta, Data: data, Missing: missing})
	}
}
