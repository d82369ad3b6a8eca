// ABOUTME: Audio type definitions
// ABOUTME: Decoded PCM buffers and their format
package audio

import "time"

// BytesPerSample is fixed: every decoder produces signed 16-bit little endian
const BytesPerSample = 2

// Format describes decoded PCM
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSize is the number of bytes in one sample frame (all channels)
func (f Format) FrameSize() int {
	return f.Channels * BytesPerSample
}

// PCM is a fully decoded payload, interleaved int16 LE
type PCM struct {
	Format Format
	Codec  string
	Data   []byte
}

// Frames returns the number of sample frames
func (p PCM) Frames() int {
	fs := p.Format.FrameSize()
	if fs == 0 {
		return 0
	}
	return len(p.Data) / fs
}

// Duration returns the playing time of the buffer
func (p PCM) Duration() time.Duration {
	if p.Format.SampleRate == 0 {
		return 0
	}
	return time.Duration(p.Frames()) * time.Second / time.Duration(p.Format.SampleRate)
}

// Offset returns the frame-aligned byte offset of pos, clamped to the buffer
func (p PCM) Offset(pos time.Duration) int {
	if pos <= 0 || p.Format.SampleRate == 0 {
		return 0
	}
	frame := int(pos * time.Duration(p.Format.SampleRate) / time.Second)
	off := frame * p.Format.FrameSize()
	if off > len(p.Data) {
		off = len(p.Data) - len(p.Data)%max(p.Format.FrameSize(), 1)
	}
	return off
}
