package audio

import (
	"fmt"
	"math"
	"math/cmplx"
	"sort"
)

const (
	// analysisFrameLength and analysisHopLength define the framing used for
	// all frame-wise features.
	analysisFrameLength = 2048
	analysisHopLength   = 512

	// speechThresholdPercentile is the adaptive energy percentile separating
	// speech from silence frames.
	speechThresholdPercentile = 30

	// minSegmentSeconds is the minimum duration of a reported speech segment.
	minSegmentSeconds = 0.1
)

// Segment is a contiguous span of detected speech, in seconds from clip start.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Stats holds the signal features extracted from one canonical waveform.
// When analysis fails only Err is populated; callers must check it before
// reading any numeric field.
type Stats struct {
	Duration            float64   `json:"duration"`
	AvgEnergy           float64   `json:"avg_energy"`
	AvgZeroCrossingRate float64   `json:"avg_zero_crossing_rate"`
	AvgSpectralCentroid float64   `json:"avg_spectral_centroid"`
	SpeechSegments      []Segment `json:"speech_segments"`
	TotalSpeechTime     float64   `json:"total_speech_time"`
	SilenceRatio        float64   `json:"silence_ratio"`

	// Err records an analysis failure. Analysis failure never aborts a
	// pipeline run; the stats are simply unavailable for that artifact.
	Err error `json:"-"`
}

// Analyze reads the canonical waveform at path and extracts its Stats.
// All failures are captured in Stats.Err rather than returned.
func Analyze(path string) Stats {
	wf, err := ReadWAV(path)
	if err != nil {
		return Stats{Err: fmt.Errorf("audio: analyze: %w", err)}
	}
	return AnalyzeWaveform(wf)
}

// AnalyzeWaveform extracts Stats from an in-memory waveform.
func AnalyzeWaveform(wf Waveform) Stats {
	if wf.SampleRate <= 0 || len(wf.Samples) == 0 {
		return Stats{Err: fmt.Errorf("audio: analyze: empty waveform")}
	}

	energies := frameEnergies(wf.Samples)
	segments := detectSpeechSegments(energies, wf.SampleRate)

	duration := wf.Duration()
	var speechTime float64
	for _, seg := range segments {
		speechTime += seg.End - seg.Start
	}
	silenceRatio := 0.0
	if duration > 0 {
		silenceRatio = 1 - speechTime/duration
	}
	silenceRatio = math.Max(0, math.Min(1, silenceRatio))

	return Stats{
		Duration:            duration,
		AvgEnergy:           mean(energies),
		AvgZeroCrossingRate: meanZeroCrossingRate(wf.Samples),
		AvgSpectralCentroid: meanSpectralCentroid(wf.Samples, wf.SampleRate),
		SpeechSegments:      segments,
		TotalSpeechTime:     speechTime,
		SilenceRatio:        silenceRatio,
	}
}

// frameEnergies computes the RMS energy of each analysis frame.
func frameEnergies(samples []float32) []float64 {
	var energies []float64
	for start := 0; start < len(samples); start += analysisHopLength {
		end := min(start+analysisFrameLength, len(samples))
		var sum float64
		for _, s := range samples[start:end] {
			sum += float64(s) * float64(s)
		}
		energies = append(energies, math.Sqrt(sum/float64(end-start)))
	}
	return energies
}

// detectSpeechSegments marks frames above the adaptive energy threshold as
// speech, coalesces contiguous speech frames into segments, and drops
// segments shorter than minSegmentSeconds. A segment still open at the end
// of the clip is closed at the final frame time.
func detectSpeechSegments(energies []float64, sampleRate int) []Segment {
	if len(energies) == 0 {
		return nil
	}
	threshold := percentile(energies, speechThresholdPercentile)

	frameTime := func(i int) float64 {
		return float64(i*analysisHopLength) / float64(sampleRate)
	}

	var (
		segments  []Segment
		inSpeech  bool
		startTime float64
	)
	for i, e := range energies {
		isSpeech := e > threshold
		switch {
		case isSpeech && !inSpeech:
			startTime = frameTime(i)
			inSpeech = true
		case !isSpeech && inSpeech:
			endTime := frameTime(i)
			if endTime-startTime > minSegmentSeconds {
				segments = append(segments, Segment{Start: startTime, End: endTime})
			}
			inSpeech = false
		}
	}
	if inSpeech {
		segments = append(segments, Segment{Start: startTime, End: frameTime(len(energies) - 1)})
	}
	return segments
}

// percentile returns the p-th percentile (nearest-rank) of values.
func percentile(values []float64, p int) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// meanZeroCrossingRate is the fraction of adjacent sample pairs whose signs
// differ, averaged per analysis frame.
func meanZeroCrossingRate(samples []float32) float64 {
	var rates []float64
	for start := 0; start < len(samples); start += analysisHopLength {
		end := min(start+analysisFrameLength, len(samples))
		frame := samples[start:end]
		if len(frame) < 2 {
			continue
		}
		crossings := 0
		for i := 1; i < len(frame); i++ {
			if (frame[i-1] >= 0) != (frame[i] >= 0) {
				crossings++
			}
		}
		rates = append(rates, float64(crossings)/float64(len(frame)-1))
	}
	return mean(rates)
}

// meanSpectralCentroid computes the magnitude-weighted mean frequency per
// frame via FFT and averages across frames.
func meanSpectralCentroid(samples []float32, sampleRate int) float64 {
	var centroids []float64
	for start := 0; start+analysisFrameLength <= len(samples); start += analysisHopLength {
		frame := make([]complex128, analysisFrameLength)
		for i := range analysisFrameLength {
			frame[i] = complex(float64(samples[start+i]), 0)
		}
		spectrum := fft(frame)

		var weighted, total float64
		binWidth := float64(sampleRate) / float64(analysisFrameLength)
		for k := 0; k < analysisFrameLength/2; k++ {
			mag := cmplx.Abs(spectrum[k])
			weighted += float64(k) * binWidth * mag
			total += mag
		}
		if total > 0 {
			centroids = append(centroids, weighted/total)
		}
	}
	return mean(centroids)
}

// fft computes an in-place iterative radix-2 FFT. len(x) must be a power of
// two; analysis frames are fixed at 2048 so this always holds.
func fft(x []complex128) []complex128 {
	n := len(x)
	if n <= 1 {
		return x
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for length := 2; length <= n; length <<= 1 {
		angle := -2 * math.Pi / float64(length)
		wl := cmplx.Rect(1, angle)
		for i := 0; i < n; i += length {
			w := complex(1, 0)
			for j := 0; j < length/2; j++ {
				u := x[i+j]
				v := x[i+j+length/2] * w
				x[i+j] = u + v
				x[i+j+length/2] = u - v
				w *= wl
			}
		}
	}
	return x
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
