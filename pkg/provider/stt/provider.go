// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a transcription engine (a local whisper.cpp model,
// the OpenAI transcription API, or a test double) and exposes a uniform
// batch interface: hand it a canonical mono 16 kHz WAV file, get back the
// transcribed text with best-effort timing segments.
//
// Implementations must be safe for concurrent use; the pipeline transcribes
// artifacts from multiple sessions in parallel.
package stt

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the backing engine cannot be reached or
// is not configured. Callers treat it like any other transcription failure
// for the affected artifact.
var ErrUnavailable = errors.New("stt: provider unavailable")

// Provider is the abstraction over any batch transcription backend.
//
// Transcribe must never return both an empty Result.Text and a nil error:
// a clip the engine heard nothing in is reported as an error so the caller
// can skip the artifact rather than store a silent success.
type Provider interface {
	// Transcribe reads the audio file at path and returns its transcription.
	// The file must be in the canonical format (mono 16 kHz 16-bit PCM WAV);
	// use an audio.Normalizer to produce it.
	Transcribe(ctx context.Context, path string) (Result, error)
}
