// Package store defines the persistence interfaces for call sessions,
// transcripts, insights, analytics and CRM sync status.
//
// Two implementations exist: pkg/store/memstore (in-memory, for tests and
// single-node development) and pkg/store/postgres (pgx-backed, with
// full-text transcript search).
//
// Every implementation must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/callgist/callgist/internal/insight"
	"github.com/callgist/callgist/internal/session"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Transcript is the redacted transcript of one session.
type Transcript struct {
	SessionID string

	// Text is the redacted concatenated transcript.
	Text string

	// MaskedSpans counts how many PII spans the redactor replaced.
	MaskedSpans int

	CreatedAt time.Time
}

// Insight is a stored insight record for one session. At most one record
// per session has IsFinal set; storing a final record supersedes any
// interim one.
type Insight struct {
	SessionID string
	Record    insight.Record
	CreatedAt time.Time
}

// Analytics holds the per-session call metrics synthesized by the
// pipeline.
type Analytics struct {
	SessionID string

	// TotalDuration is the summed duration of all processed artifacts.
	TotalDuration time.Duration

	// AgentTalkTime and CustomerTalkTime are estimates; without speaker
	// diarization the pipeline applies a fixed 60/40 split of speech time.
	AgentTalkTime    time.Duration
	CustomerTalkTime time.Duration

	// SilenceTime is total duration minus detected speech.
	SilenceTime time.Duration

	// WordCount is the whitespace-token count of the redacted transcript.
	WordCount int

	// OverallSentiment mirrors the final insight record.
	OverallSentiment insight.Sentiment

	// Topics are the insight tags.
	Topics []string
}

// SyncRecord is the persisted CRM sync outcome for one session.
type SyncRecord struct {
	SessionID string
	Provider  string

	// State is one of "not_synced", "pending", "success", "failed".
	State string

	Attempts  int
	RecordID  string
	LastError string
	UpdatedAt time.Time
}

// SearchOpts configures a full-text transcript search. All non-zero
// fields are applied as AND conditions.
type SearchOpts struct {
	// After filters transcripts created after this instant (exclusive).
	After time.Time

	// Before filters transcripts created before this instant (exclusive).
	Before time.Time

	// Limit caps the number of results. 0 lets the implementation apply
	// its own default.
	Limit int
}

// SearchHit is one transcript matching a full-text query, best match
// first.
type SearchHit struct {
	SessionID string
	Text      string
	CreatedAt time.Time
}

// SessionStore persists session lifecycle snapshots.
type SessionStore interface {
	// SaveSession upserts the session snapshot, replacing any previous
	// state for the same ID.
	SaveSession(ctx context.Context, s *session.Session) error

	// GetSession returns the stored snapshot, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*session.Session, error)

	// ListSessions returns the most recently started sessions, newest
	// first. limit <= 0 applies an implementation default.
	ListSessions(ctx context.Context, limit int) ([]*session.Session, error)
}

// TranscriptStore persists redacted transcripts and serves search.
type TranscriptStore interface {
	// SaveTranscript upserts the transcript for its session.
	SaveTranscript(ctx context.Context, t Transcript) error

	// GetTranscript returns the stored transcript, or ErrNotFound.
	GetTranscript(ctx context.Context, sessionID string) (Transcript, error)

	// SearchTranscripts performs a full-text search over stored
	// transcripts.
	SearchTranscripts(ctx context.Context, query string, opts SearchOpts) ([]SearchHit, error)
}

// InsightStore persists insight records.
type InsightStore interface {
	// SaveInsight stores rec. A record with Record.IsFinal set replaces
	// any previously stored final record for the session.
	SaveInsight(ctx context.Context, rec Insight) error

	// GetInsight returns the final insight for the session if one exists,
	// otherwise the most recent interim one, otherwise ErrNotFound.
	GetInsight(ctx context.Context, sessionID string) (Insight, error)
}

// AnalyticsStore persists per-session analytics.
type AnalyticsStore interface {
	SaveAnalytics(ctx context.Context, a Analytics) error
	GetAnalytics(ctx context.Context, sessionID string) (Analytics, error)
}

// SyncStore persists CRM sync outcomes.
type SyncStore interface {
	SaveSyncRecord(ctx context.Context, r SyncRecord) error
	GetSyncRecord(ctx context.Context, sessionID string) (SyncRecord, error)
}

// Store is the full persistence surface the pipeline and HTTP server
// depend on.
type Store interface {
	SessionStore
	TranscriptStore
	InsightStore
	AnalyticsStore
	SyncStore
}
