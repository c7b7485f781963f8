// Package audio provides waveform decoding, normalization to the canonical
// call-processing format, and signal analysis for uploaded call recordings.
//
// The canonical waveform is mono 16 kHz 16-bit PCM WAV. Every artifact that
// enters the pipeline is first normalized to this format; all analysis and
// transcription operate on canonical waveforms only.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// CanonicalSampleRate is the sample rate of canonical waveforms in Hz.
const CanonicalSampleRate = 16000

// Waveform holds decoded mono audio samples normalised to [-1.0, 1.0].
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the waveform length in seconds.
func (w Waveform) Duration() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// ReadWAV decodes a PCM WAV file into a Waveform. Multi-channel input is
// down-mixed to mono by averaging all channels per frame. Only 16-bit PCM
// data is accepted; compressed or float WAV variants return an error.
func ReadWAV(path string) (Waveform, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("audio: read wav %q: %w", path, err)
	}
	return DecodeWAV(data)
}

// DecodeWAV decodes PCM WAV bytes into a mono Waveform.
func DecodeWAV(data []byte) (Waveform, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Waveform{}, fmt.Errorf("audio: not a RIFF/WAVE file")
	}

	var (
		sampleRate    int
		channels      int
		bitsPerSample int
		pcm           []byte
	)

	// Walk the chunk list; fmt and data may appear in any order and other
	// chunks (LIST, fact, ...) are skipped.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Waveform{}, fmt.Errorf("audio: malformed fmt chunk (%d bytes)", size)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return Waveform{}, fmt.Errorf("audio: unsupported wav format code %d (want PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word-aligned.
		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if sampleRate <= 0 || channels <= 0 {
		return Waveform{}, fmt.Errorf("audio: missing fmt chunk")
	}
	if bitsPerSample != 16 {
		return Waveform{}, fmt.Errorf("audio: unsupported bit depth %d (want 16)", bitsPerSample)
	}
	if len(pcm) == 0 {
		return Waveform{}, fmt.Errorf("audio: missing data chunk")
	}

	return Waveform{
		Samples:    pcmToFloat32Mono(pcm, channels),
		SampleRate: sampleRate,
	}, nil
}

// WriteWAV encodes a mono Waveform as 16-bit PCM WAV at path.
func WriteWAV(path string, w Waveform) error {
	if err := os.WriteFile(path, EncodeWAV(w), 0o644); err != nil {
		return fmt.Errorf("audio: write wav %q: %w", path, err)
	}
	return nil
}

// EncodeWAV encodes mono float32 samples as a 16-bit PCM WAV byte slice.
func EncodeWAV(w Waveform) []byte {
	dataLen := len(w.Samples) * 2
	totalLen := 44 + dataLen

	buf := make([]byte, totalLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(totalLen-8))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(w.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(w.SampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                      // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                     // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range w.Samples {
		clamped := max(float32(-1.0), min(float32(1.0), s))
		val := int16(clamped * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(val))
	}
	return buf
}

// pcmToFloat32Mono down-mixes interleaved 16-bit little-endian PCM to mono
// float32 by averaging all channels per frame. If channels is 1 the samples
// are converted directly.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		n := len(pcm) / 2
		samples := make([]float32, n)
		for i := range n {
			sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
			samples[i] = float32(sample) / 32768.0
		}
		return samples
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerChannel)
	for i := range samplesPerChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
