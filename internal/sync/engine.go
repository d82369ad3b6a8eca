// ABOUTME: Continuous round-trip probing against peer links
// ABOUTME: One probe loop and one sample ring per link, with per-probe timeouts
package sync

import (
	"log"
	"sync"
	"time"
)

const (
	// DefaultProbeInterval is how often a link is re-probed
	DefaultProbeInterval = 1000 * time.Millisecond

	// DefaultProbeTimeout is how long a probe waits for its response
	DefaultProbeTimeout = 1000 * time.Millisecond

	// lostAfter marks a link's sync as lost when no sample arrived for this long
	lostAfter = 5 * time.Second
)

// ProbeFunc sends a sync request carrying t1 to the given link
type ProbeFunc func(linkID string, t1 int64) error

// UpdateFunc is called after each accepted sample with the new estimate
type UpdateFunc func(linkID string, est Estimate)

// EngineConfig holds probe timing
type EngineConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Engine keeps a filtered clock estimate for every link it probes
type Engine struct {
	config EngineConfig
	send   ProbeFunc

	mu    sync.Mutex
	links map[string]*linkState
}

// linkState is the per-link probe loop. A restarted loop gets a new
// linkState, so stale timers and responses can be recognised by pointer.
type linkState struct {
	ring       SampleRing
	stop       chan struct{}
	pending    map[int64]*time.Timer
	onUpdate   UpdateFunc
	lastSample time.Time
	rtt        int64
}

// NewEngine creates a sync engine that sends probes through send
func NewEngine(config EngineConfig, send ProbeFunc) *Engine {
	if config.Interval <= 0 {
		config.Interval = DefaultProbeInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProbeTimeout
	}
	return &Engine{
		config: config,
		send:   send,
		links:  make(map[string]*linkState),
	}
}

// StartContinuousSync probes the link now and then every interval.
// Calling it again for the same link replaces the previous loop; collected
// samples are kept.
func (e *Engine) StartContinuousSync(linkID string, onUpdate UpdateFunc) {
	ls := &linkState{
		stop:     make(chan struct{}),
		pending:  make(map[int64]*time.Timer),
		onUpdate: onUpdate,
	}

	e.mu.Lock()
	if prev, ok := e.links[linkID]; ok {
		prev.cancel()
		ls.ring = prev.ring
		ls.lastSample = prev.lastSample
		ls.rtt = prev.rtt
	}
	e.links[linkID] = ls
	e.mu.Unlock()

	go e.run(linkID, ls)
}

// StopSync stops probing the link and forgets its samples
func (e *Engine) StopSync(linkID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ls, ok := e.links[linkID]; ok {
		ls.cancel()
		delete(e.links, linkID)
	}
}

// Stop stops every probe loop
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, ls := range e.links {
		ls.cancel()
		delete(e.links, id)
	}
}

// cancel must be called with the engine lock held
func (ls *linkState) cancel() {
	select {
	case <-ls.stop:
	default:
		close(ls.stop)
	}
	for t1, timer := range ls.pending {
		timer.Stop()
		delete(ls.pending, t1)
	}
}

func (e *Engine) run(linkID string, ls *linkState) {
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.probe(linkID, ls)
	for {
		select {
		case <-ls.stop:
			return
		case <-ticker.C:
			e.probe(linkID, ls)
		}
	}
}

func (e *Engine) probe(linkID string, ls *linkState) {
	t1 := ClientMicros()

	e.mu.Lock()
	if e.links[linkID] != ls {
		e.mu.Unlock()
		return
	}
	ls.pending[t1] = time.AfterFunc(e.config.Timeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := ls.pending[t1]; ok {
			delete(ls.pending, t1)
			log.Printf("Sync probe to %s timed out (t1=%d)", linkID, t1)
		}
	})
	e.mu.Unlock()

	if err := e.send(linkID, t1); err != nil {
		log.Printf("Failed to send sync probe to %s: %v", linkID, err)
		e.mu.Lock()
		if timer, ok := ls.pending[t1]; ok {
			timer.Stop()
			delete(ls.pending, t1)
		}
		e.mu.Unlock()
	}
}

// HandleSyncResponse records the sample for a response to one of our probes.
// Responses for unknown, expired or cancelled probes are dropped. Returns
// whether the sample was accepted.
func (e *Engine) HandleSyncResponse(linkID string, t1, t2, t3 int64) bool {
	t4 := ClientMicros()

	e.mu.Lock()
	ls, ok := e.links[linkID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	timer, ok := ls.pending[t1]
	if !ok {
		e.mu.Unlock()
		return false
	}
	timer.Stop()
	delete(ls.pending, t1)

	sample := NewSample(t1, t2, t3, t4)
	if sample.Offset == 0 {
		if _, raw := calculateOffset(t1, t2, t3, t4); raw != 0 {
			log.Printf("Implausible clock offset %dμs from %s, using 0", raw, linkID)
		}
	}
	ls.ring.Add(sample)
	ls.lastSample = time.Now()
	ls.rtt = sample.RoundTrip
	est := ls.ring.Estimate()
	onUpdate := ls.onUpdate
	count := ls.ring.Len()
	e.mu.Unlock()

	if count <= 3 {
		log.Printf("Sync #%d with %s: rtt=%dμs offset=%dμs (estimate offset=%dμs)",
			count, linkID, sample.RoundTrip, sample.Offset, est.Offset)
	}

	if onUpdate != nil {
		onUpdate(linkID, est)
	}
	return true
}

// Estimate returns the current filtered estimate for a link, {0,0} if unknown
func (e *Engine) Estimate(linkID string) Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()

	ls, ok := e.links[linkID]
	if !ok {
		return Estimate{}
	}
	return ls.ring.Estimate()
}

// Stats returns the estimate, sample count and quality for a link
func (e *Engine) Stats(linkID string) (est Estimate, samples int, quality Quality) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ls, ok := e.links[linkID]
	if !ok || ls.ring.Len() == 0 {
		return Estimate{}, 0, QualityLost
	}

	quality = QualityGood
	if time.Since(ls.lastSample) > lostAfter {
		quality = QualityLost
	} else if ls.rtt >= 50000 { // 50ms
		quality = QualityDegraded
	}
	return ls.ring.Estimate(), ls.ring.Len(), quality
}

// PendingProbes returns how many probes on the link await a response
func (e *Engine) PendingProbes(linkID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ls, ok := e.links[linkID]; ok {
		return len(ls.pending)
	}
	return 0
}

// Respond builds the responder's half of an exchange: t1 echoed, t2 the
// receive time captured by the caller, t3 captured now.
func Respond(t1, received int64) (rt1, t2, t3 int64) {
	return t1, received, ClientMicros()
}
