// Package whisper provides a local whisper.cpp-backed STT provider via the
// whisper.cpp CGO bindings. The static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// The model is loaded once at construction and shared across all concurrent
// Transcribe calls; each call creates its own whisper context.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/callgist/callgist/pkg/audio"
	"github.com/callgist/callgist/pkg/provider/stt"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using whisper.cpp Go bindings (CGO),
// so transcription runs in-process with no network dependency.
type Provider struct {
	model    whisperlib.Model
	language string
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code for transcription (e.g. "en", "sn").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// New creates a Provider that loads the whisper.cpp model from the given
// file path. The caller must call Close when the provider is no longer
// needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp over the WAV file at path and returns the
// transcription with per-segment timing.
func (p *Provider) Transcribe(ctx context.Context, path string) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}

	wf, err := audio.ReadWAV(path)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read %s: %w", path, err)
	}
	if wf.SampleRate != audio.CanonicalSampleRate {
		wf = audio.Resample(wf, audio.CanonicalSampleRate)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: new context: %w", stt.ErrUnavailable)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: set language %q: %w", p.language, err)
	}
	if err := wctx.Process(wf.Samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process: %w", err)
	}

	var segments []stt.Segment
	for {
		if err := ctx.Err(); err != nil {
			return stt.Result{}, err
		}
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: next segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, stt.Segment{
			Start: seg.Start,
			End:   seg.End,
			Text:  text,
		})
	}

	text := stt.JoinSegments(segments)
	if text == "" {
		return stt.Result{}, fmt.Errorf("whisper: no speech detected in %s", path)
	}
	return stt.Result{
		Text:     text,
		Segments: segments,
		Language: p.language,
	}, nil
}
