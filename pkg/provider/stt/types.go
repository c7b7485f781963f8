package stt

import (
	"strings"
	"time"
)

// Result is a completed batch transcription.
type Result struct {
	// Text is the full transcribed speech content, whitespace-trimmed.
	Text string

	// Segments contains per-utterance timing when the engine provides it.
	// Engines without timing support return a single segment spanning the
	// whole clip. Never empty on success.
	Segments []Segment

	// Language is the detected or configured language code (e.g. "en").
	// May be empty if the engine does not report it.
	Language string
}

// Segment is one timed span of transcribed speech.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// JoinSegments concatenates segment texts in order, separated by single
// spaces. Useful when an engine reports segments but no aggregate text.
func JoinSegments(segs []Segment) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
