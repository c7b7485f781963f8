package audio

import (
	"math"
	"path/filepath"
	"testing"
)

// sine generates a mono sine wave of the given frequency and duration.
func sine(freq float64, seconds float64, sampleRate int, amplitude float32) Waveform {
	n := int(seconds * float64(sampleRate))
	samples := make([]float32, n)
	for i := range n {
		samples[i] = amplitude * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return Waveform{Samples: samples, SampleRate: sampleRate}
}

func TestWAVRoundTrip(t *testing.T) {
	wf := sine(440, 0.5, CanonicalSampleRate, 0.5)
	path := filepath.Join(t.TempDir(), "tone.wav")

	if err := WriteWAV(path, wf); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	got, err := ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}

	if got.SampleRate != wf.SampleRate {
		t.Errorf("sample rate = %d, want %d", got.SampleRate, wf.SampleRate)
	}
	if len(got.Samples) != len(wf.Samples) {
		t.Fatalf("sample count = %d, want %d", len(got.Samples), len(wf.Samples))
	}
	for i := range got.Samples {
		if diff := math.Abs(float64(got.Samples[i] - wf.Samples[i])); diff > 1.0/32000 {
			t.Fatalf("sample %d differs by %v", i, diff)
		}
	}
}

func TestDecodeWAV_RejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"empty":      nil,
		"too short":  []byte("RIFF"),
		"not a wave": []byte("this is definitely not a riff wave file at all ok"),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeWAV(data); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDecodeWAV_DownmixesStereo(t *testing.T) {
	// Build a stereo WAV by hand: L = 0.5, R = -0.5 should average to ~0.
	mono := sine(200, 0.1, 8000, 0.5)
	stereoData := EncodeWAV(mono)
	// Patch channel count to 2 and interleave L/-L manually instead: simpler
	// to just verify the mono averaging helper directly.
	_ = stereoData

	pcm := make([]byte, 8) // two stereo frames
	// frame 0: L=16384, R=-16384
	pcm[0], pcm[1] = 0x00, 0x40
	pcm[2], pcm[3] = 0x00, 0xC0
	// frame 1: L=8192, R=8192
	pcm[4], pcm[5] = 0x00, 0x20
	pcm[6], pcm[7] = 0x00, 0x20

	out := pcmToFloat32Mono(pcm, 2)
	if len(out) != 2 {
		t.Fatalf("got %d samples, want 2", len(out))
	}
	if math.Abs(float64(out[0])) > 1e-6 {
		t.Errorf("frame 0 = %v, want ~0", out[0])
	}
	if math.Abs(float64(out[1])-0.25) > 1e-5 {
		t.Errorf("frame 1 = %v, want 0.25", out[1])
	}
}

func TestResample(t *testing.T) {
	t.Run("same rate is identity", func(t *testing.T) {
		in := []float32{0.1, 0.2, 0.3}
		out := Resample(in, 16000, 16000)
		if &in[0] != &out[0] {
			t.Error("expected input slice returned unchanged")
		}
	})

	t.Run("halves sample count when downsampling 2:1", func(t *testing.T) {
		wf := sine(100, 1.0, 32000, 0.5)
		out := Resample(wf.Samples, 32000, 16000)
		want := len(wf.Samples) / 2
		if len(out) != want {
			t.Errorf("len = %d, want %d", len(out), want)
		}
	})

	t.Run("preserves duration on upsampling", func(t *testing.T) {
		wf := sine(100, 0.5, 8000, 0.5)
		out := Resample(wf.Samples, 8000, 16000)
		gotDur := float64(len(out)) / 16000
		if math.Abs(gotDur-0.5) > 0.001 {
			t.Errorf("duration = %v, want 0.5", gotDur)
		}
	})
}
