// ABOUTME: Playback state machine driven by local actions and inbound commands
// ABOUTME: Converts synchronized start times into local scheduling on the audio pipeline
package playback

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	tsync "github.com/Resonate-Protocol/tandem/internal/sync"
)

var (
	ErrDecodeFailure = errors.New("playback: payload could not be decoded")
	ErrSuperseded    = errors.New("playback: load superseded by a newer payload")
)

// State is the local playback state
type State int

const (
	StateStopped State = iota
	StateLoading
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Pipeline is the audio decode/render collaborator
type Pipeline interface {
	IsReady() bool
	Load(data []byte, name string) (time.Duration, error)
	SchedulePlayback(at time.Time, seek time.Duration) error
	Pause() error
	Stop() error
	CurrentPosition() time.Duration
}

// Outcome says what SchedulePlay did
type Outcome int

const (
	// Scheduled: the deadline is in the future and playback will start then
	Scheduled Outcome = iota
	// CaughtUp: the deadline had passed; playback started now, further in
	CaughtUp
	// Deferred: the pipeline is not ready; the intent is pending
	Deferred
	// PastEnd: catching up would start beyond the payload; nothing started
	PastEnd
)

func (o Outcome) String() string {
	switch o {
	case Scheduled:
		return "scheduled"
	case CaughtUp:
		return "caught-up"
	case Deferred:
		return "deferred"
	default:
		return "past-end"
	}
}

// PendingIntent is a command that arrived before the pipeline was ready
type PendingIntent struct {
	IsPlaying bool
	Seek      time.Duration
	StartTime int64
}

// Config holds controller settings
type Config struct {
	// LeadTime is the margin used when a pending intent is replayed
	LeadTime time.Duration
}

// Controller owns the local playback state and master flag
type Controller struct {
	config   Config
	pipeline Pipeline

	mu         sync.Mutex
	state      State
	master     bool
	duration   time.Duration
	name       string
	pending    *PendingIntent
	generation uint64
	pausedAt   time.Duration
	changes    []stateChange

	onStateChange func(old, new State)
}

type stateChange struct {
	old, new State
}

// NewController creates a controller over pipeline
func NewController(config Config, pipeline Pipeline) *Controller {
	if config.LeadTime <= 0 {
		config.LeadTime = tsync.DefaultLeadTime
	}
	return &Controller{
		config:   config,
		pipeline: pipeline,
		state:    StateStopped,
	}
}

// OnStateChange registers a callback run after every transition, outside the lock
func (c *Controller) OnStateChange(fn func(old, new State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = fn
}

// setState must be called with the lock held
func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.changes = append(c.changes, stateChange{old: c.state, new: s})
	c.state = s
}

// unlock releases the lock and reports queued transitions
func (c *Controller) unlock() {
	changes := c.changes
	c.changes = nil
	fn := c.onStateChange
	c.mu.Unlock()

	for _, ch := range changes {
		log.Printf("Playback: %s -> %s", ch.old, ch.new)
		if fn != nil {
			fn(ch.old, ch.new)
		}
	}
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Duration returns the loaded payload's duration
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// Name returns the loaded payload's name
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Position returns where playback is, or where it will resume when paused
func (c *Controller) Position() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePaused {
		return c.pausedAt
	}
	return c.pipeline.CurrentPosition()
}

// Pending returns a copy of the pending intent, if any
func (c *Controller) Pending() (PendingIntent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return PendingIntent{}, false
	}
	return *c.pending, true
}

// IsMaster reports the local master flag
func (c *Controller) IsMaster() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master
}

// SetMaster sets the local master flag
func (c *Controller) SetMaster(master bool) {
	c.mu.Lock()
	changed := c.master != master
	c.master = master
	c.mu.Unlock()

	if changed {
		log.Printf("Master control %s", map[bool]string{true: "granted", false: "revoked"}[master])
	}
}

// BeginLoading enters loading for a new payload. Any load in flight is superseded.
func (c *Controller) BeginLoading() {
	c.mu.Lock()
	c.generation++
	c.setState(StateLoading)
	c.unlock()
}

// AbortLoading abandons a payload that never arrived. Anything still
// playing from an earlier payload is stopped with it.
func (c *Controller) AbortLoading() {
	c.mu.Lock()
	defer c.unlock()

	if c.state != StateLoading {
		return
	}
	c.generation++
	c.pending = nil
	c.pausedAt = 0
	if c.pipeline.IsReady() {
		if err := c.pipeline.Stop(); err != nil {
			log.Printf("Failed to stop: %v", err)
		}
	}
	c.setState(StateStopped)
}

// LoadPayload hands data to the pipeline and blocks until it is decoded. On
// success the state settles to stopped and a pending play intent is started
// with a fresh deadline.
func (c *Controller) LoadPayload(data []byte, name string) error {
	c.mu.Lock()
	if c.state != StateLoading {
		c.generation++
		c.setState(StateLoading)
	}
	gen := c.generation
	c.unlock()

	duration, err := c.pipeline.Load(data, name)

	c.mu.Lock()
	defer c.unlock()

	if gen != c.generation {
		log.Printf("Discarding decoded %q: superseded", name)
		return ErrSuperseded
	}
	if err != nil {
		c.pending = nil
		c.setState(StateStopped)
		return fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}

	c.duration = duration
	c.name = name
	c.pausedAt = 0
	c.setState(StateStopped)
	log.Printf("Loaded %q (%v)", name, duration.Round(time.Millisecond))

	if c.pending != nil {
		intent := *c.pending
		c.pending = nil
		if intent.IsPlaying {
			start := tsync.FutureMicros(c.config.LeadTime)
			c.scheduleLocked(start, intent.Seek, 0)
		} else if intent.Seek > 0 {
			c.pausedAt = intent.Seek
			c.setState(StatePaused)
		}
	}
	return nil
}

// SchedulePlay starts playback at startTime (sender's time base, Unix μs)
// from seek. offset converts local time to the sender's time base.
func (c *Controller) SchedulePlay(startTime int64, seek time.Duration, offset int64) Outcome {
	c.mu.Lock()
	defer c.unlock()

	if c.state == StateLoading || !c.pipeline.IsReady() {
		c.pending = &PendingIntent{IsPlaying: true, Seek: seek, StartTime: startTime}
		log.Printf("Pipeline not ready, holding play at %v", seek)
		return Deferred
	}
	return c.scheduleLocked(startTime, seek, offset)
}

func (c *Controller) scheduleLocked(startTime int64, seek time.Duration, offset int64) Outcome {
	localDeadline := startTime - offset
	now := tsync.ClientMicros()

	if localDeadline > now {
		at := tsync.LocalDeadline(localDeadline)
		if err := c.pipeline.SchedulePlayback(at, seek); err != nil {
			log.Printf("Failed to schedule playback: %v", err)
			c.setState(StateStopped)
			return PastEnd
		}
		c.setState(StatePlaying)
		return Scheduled
	}

	lateBy := time.Duration(now-localDeadline) * time.Microsecond
	adjusted := seek + lateBy
	if c.duration > 0 && adjusted >= c.duration {
		log.Printf("Play command %v late, %v is past the end (%v)", lateBy.Round(time.Millisecond), adjusted, c.duration)
		return PastEnd
	}

	if err := c.pipeline.SchedulePlayback(time.Now(), adjusted); err != nil {
		log.Printf("Failed to start playback: %v", err)
		c.setState(StateStopped)
		return PastEnd
	}
	log.Printf("Play command %v late, catching up to %v", lateBy.Round(time.Millisecond), adjusted.Round(time.Millisecond))
	c.setState(StatePlaying)
	return CaughtUp
}

// Pause holds playback at position, the pauser's position, so every peer
// resumes from the same point. A stopped controller is cued there. While not
// ready, it replaces any pending intent.
func (c *Controller) Pause(position time.Duration) {
	c.mu.Lock()
	defer c.unlock()

	if position < 0 {
		position = 0
	}
	if c.state == StateLoading || !c.pipeline.IsReady() {
		c.pending = &PendingIntent{IsPlaying: false, Seek: position}
		return
	}

	switch c.state {
	case StatePlaying:
		if err := c.pipeline.Pause(); err != nil {
			log.Printf("Failed to pause: %v", err)
		}
	case StateStopped:
		if position == 0 {
			return
		}
	}
	c.pausedAt = position
	c.setState(StatePaused)
}

// Stop stops playback from any state and drops the pending intent. A load
// in flight still completes.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.unlock()

	c.pending = nil
	c.pausedAt = 0
	if c.pipeline.IsReady() {
		if err := c.pipeline.Stop(); err != nil {
			log.Printf("Failed to stop: %v", err)
		}
	}
	c.setState(StateStopped)
}

// Snapshot describes current playback in local time, for a joining peer.
// A playing snapshot points lead into the future so it can be honoured as is.
func (c *Controller) Snapshot(lead time.Duration) (isPlaying bool, seek time.Duration, startTime int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if lead <= 0 {
		lead = c.config.LeadTime
	}

	switch c.state {
	case StatePlaying:
		return true, c.pipeline.CurrentPosition() + lead, tsync.FutureMicros(lead)
	case StatePaused:
		return false, c.pausedAt, tsync.ClientMicros()
	default:
		return false, 0, tsync.ClientMicros()
	}
}
