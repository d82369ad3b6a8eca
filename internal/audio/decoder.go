// ABOUTME: Whole-payload decoders for MP3, FLAC and WAV
// ABOUTME: Sniffs the container and produces 16-bit interleaved PCM
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/hajimehoshi/go-mp3"
	"github.com/mewkiz/flac"
)

var ErrUnsupportedFormat = errors.New("audio: unsupported format")

// Codec names reported in PCM.Codec
const (
	CodecMP3  = "mp3"
	CodecFLAC = "flac"
	CodecWAV  = "wav"
)

// DetectCodec guesses the codec from magic bytes, falling back to the name's extension
func DetectCodec(data []byte, name string) string {
	switch {
	case len(data) >= 4 && string(data[:4]) == "fLaC":
		return CodecFLAC
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return CodecWAV
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return CodecMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return CodecMP3
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return CodecMP3
	case ".flac":
		return CodecFLAC
	case ".wav":
		return CodecWAV
	}
	return ""
}

// Decode turns a complete payload into PCM
func Decode(data []byte, name string) (PCM, error) {
	codec := DetectCodec(data, name)

	var pcm PCM
	var err error
	switch codec {
	case CodecMP3:
		pcm, err = decodeMP3(data)
	case CodecFLAC:
		pcm, err = decodeFLAC(data)
	case CodecWAV:
		pcm, err = decodeWAV(data)
	default:
		return PCM{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	if err != nil {
		return PCM{}, err
	}

	pcm.Codec = codec
	log.Printf("Decoded %s: %s %dHz %dch, %v", name, codec,
		pcm.Format.SampleRate, pcm.Format.Channels, pcm.Duration())
	return pcm, nil
}

func decodeMP3(data []byte) (PCM, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("failed to create mp3 decoder: %w", err)
	}

	// go-mp3 always produces 16-bit stereo
	out := make([]byte, 0, max(int(decoder.Length()), 0))
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, decoder); err != nil {
		return PCM{}, fmt.Errorf("mp3 decode error: %w", err)
	}

	return PCM{
		Format: Format{SampleRate: decoder.SampleRate(), Channels: 2},
		Data:   buf.Bytes(),
	}, nil
}

func decodeFLAC(data []byte) (PCM, error) {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("failed to decode FLAC: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	channels := int(info.NChannels)
	bitDepth := int(info.BitsPerSample)
	if channels == 0 {
		return PCM{}, fmt.Errorf("flac stream has no channels")
	}

	out := make([]byte, 0, int(info.NSamples)*channels*BytesPerSample)
	var sample [2]byte
	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return PCM{}, fmt.Errorf("flac frame error: %w", err)
		}

		for i := 0; i < int(frame.BlockSize); i++ {
			for ch := 0; ch < channels; ch++ {
				binary.LittleEndian.PutUint16(sample[:], uint16(toInt16(frame.Subframes[ch].Samples[i], bitDepth)))
				out = append(out, sample[:]...)
			}
		}
	}

	return PCM{
		Format: Format{SampleRate: int(info.SampleRate), Channels: channels},
		Data:   out,
	}, nil
}

// toInt16 rescales a sample of the given bit depth to 16 bits
func toInt16(s int32, bitDepth int) int16 {
	shift := bitDepth - 16
	if shift > 0 {
		return int16(s >> shift)
	}
	return int16(s << -shift)
}

// decodeWAV reads a canonical RIFF/WAVE file with 16-bit PCM samples
func decodeWAV(data []byte) (PCM, error) {
	if len(data) < 12 {
		return PCM{}, fmt.Errorf("wav: %w", io.ErrUnexpectedEOF)
	}

	var format Format
	var haveFormat bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return PCM{}, fmt.Errorf("wav: short fmt chunk")
			}
			audioFormat := binary.LittleEndian.Uint16(data[body:])
			bits := binary.LittleEndian.Uint16(data[body+14:])
			if audioFormat != 1 || bits != 16 {
				return PCM{}, fmt.Errorf("%w: wav format %d with %d-bit samples", ErrUnsupportedFormat, audioFormat, bits)
			}
			format = Format{
				Channels:   int(binary.LittleEndian.Uint16(data[body+2:])),
				SampleRate: int(binary.LittleEndian.Uint32(data[body+4:])),
			}
			if format.Channels == 0 || format.SampleRate == 0 {
				return PCM{}, fmt.Errorf("wav: invalid format %+v", format)
			}
			haveFormat = true

		case "data":
			if !haveFormat {
				return PCM{}, fmt.Errorf("wav: data before fmt chunk")
			}
			pcm := data[body:end]
			pcm = pcm[:len(pcm)-len(pcm)%format.FrameSize()]
			return PCM{Format: format, Data: append([]byte(nil), pcm...)}, nil
		}

		// chunks are word aligned
		pos = body + size + size%2
	}

	return PCM{}, fmt.Errorf("wav: no data chunk")
}
