// Package session tracks the lifecycle of a call session from the first
// audio upload to its terminal state.
//
// A session is Active while the call runs and artifacts accumulate, moves
// to Processing exactly once when the call ends, and finishes in a
// terminal state: Ended on success (including empty-result runs) or
// Failed when the run could not complete. A session is never left in
// Processing; the pipeline forces a terminal transition on every exit
// path.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

// Valid Status values.
const (
	StatusActive     Status = "active"
	StatusProcessing Status = "processing"
	StatusEnded      Status = "ended"
	StatusFailed     Status = "failed"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusProcessing, StatusEnded, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Artifact is one uploaded audio file belonging to a session. Artifacts
// are append-only while the session is Active and keep upload order.
type Artifact struct {
	// Path is where the uploaded bytes live on disk.
	Path string

	// Filename is the client-supplied name, used for ordering diagnostics
	// and format detection.
	Filename string

	// Size is the uploaded byte count.
	Size int64

	// UploadedAt is when the upload completed.
	UploadedAt time.Time
}

// Session is one call from start to terminal state.
type Session struct {
	// ID uniquely identifies the session.
	ID string

	// Status is the current lifecycle state.
	Status Status

	// StartTime is when the session was created.
	StartTime time.Time

	// EndTime is when the session reached a terminal state. Nil until then.
	EndTime *time.Time

	// Artifacts are the uploaded audio files in upload order.
	Artifacts []Artifact

	// Metadata carries free-form annotations: agent ID, failure reasons,
	// empty-result markers.
	Metadata map[string]string
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing manager-internal state.
func (s *Session) Clone() *Session {
	out := *s
	out.Artifacts = make([]Artifact, len(s.Artifacts))
	copy(out.Artifacts, s.Artifacts)
	out.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}
