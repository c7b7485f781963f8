package audio

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizer_WAVInput(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "call.wav")
	if err := WriteWAV(in, sine(440, 0.5, 44100, 0.2)); err != nil {
		t.Fatalf("write input: %v", err)
	}

	n := &Normalizer{TempDir: dir}
	out, err := n.Normalize(context.Background(), in)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	defer os.Remove(out)

	wf, err := ReadWAV(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if wf.SampleRate != CanonicalSampleRate {
		t.Errorf("sample rate = %d, want %d", wf.SampleRate, CanonicalSampleRate)
	}
	if math.Abs(wf.Duration()-0.5) > 0.01 {
		t.Errorf("duration = %v, want ~0.5", wf.Duration())
	}

	// Peak normalisation should bring the quiet 0.2-amplitude tone near
	// full scale.
	var peak float32
	for _, s := range wf.Samples {
		if s > peak {
			peak = s
		}
	}
	if peak < 0.8 {
		t.Errorf("peak after normalisation = %v, want near 1.0", peak)
	}
}

func TestNormalizer_MissingInputIsFatal(t *testing.T) {
	n := &Normalizer{TempDir: t.TempDir()}
	if _, err := n.Normalize(context.Background(), filepath.Join(t.TempDir(), "nope.wav")); err == nil {
		t.Fatal("expected error for missing input")
	}
}

func TestNormalizer_UnsupportedFormatWithoutFFmpeg(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "call.mp3")
	if err := os.WriteFile(in, []byte("not actually audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Point at a nonexistent binary so the test does not depend on ffmpeg.
	n := &Normalizer{TempDir: dir, FFmpegPath: filepath.Join(dir, "no-such-ffmpeg")}
	if _, err := n.Normalize(context.Background(), in); err == nil {
		t.Fatal("expected conversion error")
	}
}

func TestNormalizePeak_SilentInputUnchanged(t *testing.T) {
	samples := make([]float32, 100)
	normalizePeak(samples)
	for i, s := range samples {
		if s != 0 {
			t.Fatalf("sample %d = %v, want 0", i, s)
		}
	}
}

func TestHighPass_AttenuatesLowFrequency(t *testing.T) {
	low := sine(20, 1.0, CanonicalSampleRate, 0.8).Samples
	high := sine(1000, 1.0, CanonicalSampleRate, 0.8).Samples

	rms := func(s []float32) float64 {
		var sum float64
		for _, v := range s {
			sum += float64(v) * float64(v)
		}
		return math.Sqrt(sum / float64(len(s)))
	}

	lowBefore, highBefore := rms(low), rms(high)
	highPass(low, 80, CanonicalSampleRate)
	highPass(high, 80, CanonicalSampleRate)

	if rms(low) > lowBefore*0.5 {
		t.Errorf("20 Hz tone not attenuated: before=%v after=%v", lowBefore, rms(low))
	}
	if rms(high) < highBefore*0.8 {
		t.Errorf("1 kHz tone over-attenuated: before=%v after=%v", highBefore, rms(high))
	}
}
