package audio

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Normalizer converts uploaded audio artifacts into canonical waveforms:
// mono, CanonicalSampleRate, peak-normalised, high-pass filtered.
//
// WAV input is decoded natively. Other container formats (.mp3, .webm, .m4a,
// .opus) are first converted through the ffmpeg binary, which must be on PATH
// (or set explicitly via FFmpegPath).
//
// Conversion failure is fatal for the artifact; enhancement
// (normalisation + filtering) is best-effort and falls back to the plain
// converted waveform.
type Normalizer struct {
	// SampleRate is the target sample rate. Zero means CanonicalSampleRate.
	SampleRate int

	// HighPassHz is the enhancement high-pass cutoff. Zero means 80 Hz.
	HighPassHz float64

	// TempDir is where normalized waveforms are written. Zero value means
	// os.TempDir()/callgist-audio.
	TempDir string

	// FFmpegPath overrides the ffmpeg binary used for non-WAV input.
	FFmpegPath string
}

// Normalize converts the artifact at inputPath to a canonical waveform and
// returns the path of the resulting WAV file. The caller owns the returned
// file and must remove it when the pipeline run finishes.
func (n *Normalizer) Normalize(ctx context.Context, inputPath string) (string, error) {
	wf, err := n.decode(ctx, inputPath)
	if err != nil {
		return "", fmt.Errorf("audio: convert %q: %w", inputPath, err)
	}

	rate := n.SampleRate
	if rate <= 0 {
		rate = CanonicalSampleRate
	}
	wf.Samples = Resample(wf.Samples, wf.SampleRate, rate)
	wf.SampleRate = rate

	outPath, err := n.tempPath(inputPath)
	if err != nil {
		return "", err
	}

	// Enhancement is best-effort: on failure keep the plain converted
	// waveform rather than failing the artifact.
	enhanced, err := enhance(wf, n.highPassHz())
	if err != nil {
		slog.Warn("audio enhancement failed, using unenhanced waveform",
			"input", inputPath, "error", err)
		enhanced = wf
	}

	if err := WriteWAV(outPath, enhanced); err != nil {
		return "", err
	}
	return outPath, nil
}

func (n *Normalizer) highPassHz() float64 {
	if n.HighPassHz > 0 {
		return n.HighPassHz
	}
	return 80
}

// decode loads inputPath as a Waveform, shelling out to ffmpeg for anything
// that is not a native WAV file.
func (n *Normalizer) decode(ctx context.Context, inputPath string) (Waveform, error) {
	if strings.EqualFold(filepath.Ext(inputPath), ".wav") {
		return ReadWAV(inputPath)
	}
	return n.decodeViaFFmpeg(ctx, inputPath)
}

// decodeViaFFmpeg converts inputPath to a temporary mono 16-bit WAV using the
// ffmpeg binary and decodes the result.
func (n *Normalizer) decodeViaFFmpeg(ctx context.Context, inputPath string) (Waveform, error) {
	ffmpeg := n.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	rate := n.SampleRate
	if rate <= 0 {
		rate = CanonicalSampleRate
	}

	tmp, err := n.tempPath(inputPath)
	if err != nil {
		return Waveform{}, err
	}
	defer os.Remove(tmp)

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-y", "-i", inputPath,
		"-ac", "1",
		"-ar", strconv.Itoa(rate),
		"-sample_fmt", "s16",
		tmp,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Waveform{}, fmt.Errorf("ffmpeg: %w: %s", err, firstLine(out))
	}
	return ReadWAV(tmp)
}

// tempPath returns a fresh output path in the normalizer's temp directory,
// derived from the input filename.
func (n *Normalizer) tempPath(inputPath string) (string, error) {
	dir := n.TempDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "callgist-audio")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("audio: create temp dir: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	f, err := os.CreateTemp(dir, base+"_canonical_*.wav")
	if err != nil {
		return "", fmt.Errorf("audio: create temp file: %w", err)
	}
	name := f.Name()
	f.Close()
	return name, nil
}

// enhance applies peak normalisation followed by a high-pass filter to
// attenuate low-frequency noise.
func enhance(w Waveform, cutoffHz float64) (Waveform, error) {
	if len(w.Samples) == 0 {
		return Waveform{}, fmt.Errorf("audio: empty waveform")
	}
	out := Waveform{
		Samples:    make([]float32, len(w.Samples)),
		SampleRate: w.SampleRate,
	}
	copy(out.Samples, w.Samples)
	normalizePeak(out.Samples)
	highPass(out.Samples, cutoffHz, float64(w.SampleRate))
	return out, nil
}

// normalizePeak scales samples so the loudest sample reaches full scale.
// All-silent input is left unchanged.
func normalizePeak(samples []float32) {
	var peak float32
	for _, s := range samples {
		a := s
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return
	}
	gain := 1.0 / peak
	for i := range samples {
		samples[i] *= gain
	}
}

// highPass applies a first-order high-pass filter in place.
func highPass(samples []float32, cutoffHz, sampleRate float64) {
	if len(samples) == 0 || cutoffHz <= 0 || sampleRate <= 0 {
		return
	}
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	dt := 1.0 / sampleRate
	alpha := float32(rc / (rc + dt))

	prevIn := samples[0]
	prevOut := samples[0]
	for i := 1; i < len(samples); i++ {
		in := samples[i]
		out := alpha * (prevOut + in - prevIn)
		samples[i] = out
		prevIn = in
		prevOut = out
	}
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. Returns the input unchanged if the rates already match.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	srcLen := len(samples)
	dstLen := int(int64(srcLen) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < srcLen {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// firstLine returns the first non-empty line of command output for error
// messages.
func firstLine(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}
