// ABOUTME: Decode-and-render pipeline behind the playback controller
// ABOUTME: Starts output at a local deadline and tracks the running position
package audio

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Pipeline holds one decoded payload and plays it on an Output
type Pipeline struct {
	output Output

	mu        sync.Mutex
	pcm       *PCM
	timer     *time.Timer
	scheduled bool
	playing   bool
	startedAt time.Time
	startPos  time.Duration
	pausedAt  time.Duration
}

// NewPipeline creates a pipeline that renders to output
func NewPipeline(output Output) *Pipeline {
	return &Pipeline{output: output}
}

// IsReady reports whether a payload is decoded
func (p *Pipeline) IsReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pcm != nil
}

// Format returns the loaded payload's format
func (p *Pipeline) Format() (Format, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pcm == nil {
		return Format{}, false
	}
	return p.pcm.Format, true
}

// Load decodes data and replaces the current payload. Playback is stopped.
func (p *Pipeline) Load(data []byte, name string) (time.Duration, error) {
	pcm, err := Decode(data, name)
	if err != nil {
		p.mu.Lock()
		p.haltLocked()
		p.pcm = nil
		p.mu.Unlock()
		return 0, err
	}

	if df, ok := p.output.(DeviceFormatter); ok {
		if device, opened := df.DeviceFormat(); opened && device != pcm.Format {
			log.Printf("Converting %q from %dHz %dch to %dHz %dch", name,
				pcm.Format.SampleRate, pcm.Format.Channels, device.SampleRate, device.Channels)
			pcm = Convert(pcm, device)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.haltLocked()
	p.pcm = &pcm
	p.pausedAt = 0
	return pcm.Duration(), nil
}

// SchedulePlayback starts output at the local deadline at, from seek
func (p *Pipeline) SchedulePlayback(at time.Time, seek time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pcm == nil {
		return fmt.Errorf("no payload loaded")
	}
	p.haltLocked()

	pcm := p.pcm
	p.scheduled = true
	p.startPos = seek

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.timer != timer {
			return
		}
		p.timer = nil

		if err := p.output.Play(pcm.Format, pcm.Data[pcm.Offset(seek):]); err != nil {
			log.Printf("Failed to start output: %v", err)
			p.scheduled = false
			return
		}
		p.playing = true
		p.startedAt = time.Now()
	})
	p.timer = timer
	return nil
}

// Pause halts output and remembers the position
func (p *Pipeline) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pausedAt = p.positionLocked()
	wasPlaying := p.playing
	p.cancelTimerLocked()
	p.scheduled = false
	p.playing = false
	if wasPlaying {
		return p.output.Pause()
	}
	return nil
}

// Stop halts output and rewinds
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pausedAt = 0
	return p.haltLocked()
}

// CurrentPosition is the running position while playing, the start
// position while waiting for the deadline, and the paused position otherwise.
func (p *Pipeline) CurrentPosition() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.positionLocked()
}

func (p *Pipeline) positionLocked() time.Duration {
	switch {
	case p.playing:
		pos := p.startPos + time.Since(p.startedAt)
		if p.pcm != nil {
			if d := p.pcm.Duration(); pos > d {
				pos = d
			}
		}
		return pos
	case p.scheduled:
		return p.startPos
	default:
		return p.pausedAt
	}
}

func (p *Pipeline) cancelTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Pipeline) haltLocked() error {
	p.cancelTimerLocked()
	wasPlaying := p.playing
	p.scheduled = false
	p.playing = false
	if wasPlaying {
		return p.output.Stop()
	}
	return nil
}

// Close stops playback and releases the output
func (p *Pipeline) Close() error {
	p.mu.Lock()
	p.haltLocked()
	p.mu.Unlock()
	return p.output.Close()
}
