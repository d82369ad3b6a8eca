// ABOUTME: Audio output using oto library
// ABOUTME: Plays a decoded buffer from an offset and supports pause and stop
package audio

import (
	"bytes"
	"fmt"
	"log"
	"sync"

	"github.com/ebitengine/oto/v3"
)

// Output renders PCM. Play replaces whatever is playing.
type Output interface {
	Play(format Format, data []byte) error
	Pause() error
	Stop() error
	Close() error
}

// OtoOutput plays through the system's default device
type OtoOutput struct {
	mu     sync.Mutex
	otoCtx *oto.Context
	player *oto.Player
	format Format
}

// NewOtoOutput creates an output. The device is opened on first Play.
func NewOtoOutput() *OtoOutput {
	return &OtoOutput{}
}

// open must be called with the lock held
func (o *OtoOutput) open(format Format) error {
	if o.otoCtx != nil {
		if o.format != format {
			// oto allows one context per process; the pipeline converts to DeviceFormat
			log.Printf("Warning: %dHz %dch buffer on a %dHz %dch device",
				format.SampleRate, format.Channels, o.format.SampleRate, o.format.Channels)
		}
		return nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.format = format
	log.Printf("Audio output initialized: %dHz, %d channels", format.SampleRate, format.Channels)
	return nil
}

// DeviceFormat returns the format the device was opened with, if it has been
func (o *OtoOutput) DeviceFormat() (Format, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.format, o.otoCtx != nil
}

func (o *OtoOutput) Play(format Format, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.open(format); err != nil {
		return err
	}
	if o.player != nil {
		o.player.Close()
	}

	o.player = o.otoCtx.NewPlayer(bytes.NewReader(data))
	o.player.Play()
	return nil
}

func (o *OtoOutput) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.player != nil {
		o.player.Pause()
	}
	return nil
}

func (o *OtoOutput) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.player != nil {
		err := o.player.Close()
		o.player = nil
		return err
	}
	return nil
}

func (o *OtoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
	}
	return nil
}
