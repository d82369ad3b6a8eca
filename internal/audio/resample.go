// ABOUTME: Linear resampler and channel mapper for decoded PCM
// ABOUTME: Lets one output device play payloads decoded at other formats
package audio

import "encoding/binary"

// DeviceFormatter is an Output whose format is fixed once opened
type DeviceFormatter interface {
	DeviceFormat() (Format, bool)
}

// Convert resamples pcm to target's rate and channel count using linear
// interpolation. Mono is duplicated to every channel; more channels down to
// mono are averaged.
func Convert(pcm PCM, target Format) PCM {
	src := pcm.Format
	if src == target || target.SampleRate <= 0 || target.Channels <= 0 || src.SampleRate <= 0 {
		return pcm
	}

	srcFrames := pcm.Frames()
	if srcFrames == 0 {
		return PCM{Format: target, Codec: pcm.Codec}
	}

	ratio := float64(src.SampleRate) / float64(target.SampleRate)
	outFrames := int(float64(srcFrames) / ratio)
	out := make([]byte, outFrames*target.FrameSize())

	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}

		for ch := 0; ch < target.Channels; ch++ {
			a := float64(mappedSample(pcm, idx, ch, target.Channels))
			b := float64(mappedSample(pcm, next, ch, target.Channels))
			v := a*(1.0-frac) + b*frac
			binary.LittleEndian.PutUint16(out[(i*target.Channels+ch)*BytesPerSample:], uint16(int16(v)))
		}
	}

	return PCM{Format: target, Codec: pcm.Codec, Data: out}
}

// mappedSample reads channel ch of frame as seen by an output with outChannels
func mappedSample(pcm PCM, frame, ch, outChannels int) int32 {
	in := pcm.Format.Channels
	if outChannels == 1 && in > 1 {
		var sum int32
		for c := 0; c < in; c++ {
			sum += int32(sampleAt(pcm, frame, c))
		}
		return sum / int32(in)
	}
	return int32(sampleAt(pcm, frame, ch%in))
}

func sampleAt(pcm PCM, frame, ch int) int16 {
	off := (frame*pcm.Format.Channels + ch) * BytesPerSample
	return int16(binary.LittleEndian.Uint16(pcm.Data[off:]))
}
