package crm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/callgist/callgist/internal/insight"
	"github.com/callgist/callgist/internal/resilience"
	"github.com/callgist/callgist/pkg/store"
)

// Syncer pushes payloads through a Client with bounded retries and
// records the outcome in the sync store. Sync is best-effort: the caller
// receives the final state but a failure never propagates as a pipeline
// error.
type Syncer struct {
	client Client
	syncs  store.SyncStore
	retry  resilience.RetryConfig
	log    *slog.Logger
}

// NewSyncer creates a Syncer. retry zero-values take the resilience
// package defaults; logger may be nil.
func NewSyncer(client Client, syncs store.SyncStore, retry resilience.RetryConfig, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{client: client, syncs: syncs, retry: retry, log: logger}
}

// BuildPayload shapes a stored insight into the record pushed downstream.
func BuildPayload(sessionID string, rec insight.Record) Payload {
	subject := "Customer call " + sessionID
	if len(rec.Summary) > 0 {
		subject = rec.Summary[0]
	}
	return Payload{
		SessionID:        sessionID,
		Subject:          subject,
		Summary:          rec.Summary,
		Sentiment:        string(rec.Sentiment),
		Category:         string(rec.Category),
		Priority:         string(rec.Priority),
		ResolutionStatus: string(rec.ResolutionStatus),
		FollowUpRequired: rec.FollowUpRequired,
		Tags:             rec.Tags,
	}
}

// Sync pushes p downstream, retrying on failure, and persists the
// resulting SyncRecord. The returned record reflects the final state;
// the error is non-nil only when persisting the outcome failed.
func (s *Syncer) Sync(ctx context.Context, p Payload) (store.SyncRecord, error) {
	rec := store.SyncRecord{
		SessionID: p.SessionID,
		Provider:  string(s.client.Provider()),
		State:     string(StatePending),
		UpdatedAt: time.Now(),
	}
	if err := s.syncs.SaveSyncRecord(ctx, rec); err != nil {
		return rec, err
	}

	attempts := 0
	recordID, err := resilience.RetryWithResult(ctx, s.retry, func() (string, error) {
		attempts++
		return s.client.Sync(ctx, p)
	})

	rec.Attempts = attempts
	rec.UpdatedAt = time.Now()
	if err != nil {
		rec.State = string(StateFailed)
		rec.LastError = err.Error()
		s.log.Warn("crm sync failed",
			"session_id", p.SessionID,
			"provider", rec.Provider,
			"attempts", attempts,
			"error", err)
	} else {
		rec.State = string(StateSuccess)
		rec.RecordID = recordID
		rec.LastError = ""
		s.log.Info("crm sync succeeded",
			"session_id", p.SessionID,
			"provider", rec.Provider,
			"record_id", recordID,
			"attempts", attempts)
	}

	if saveErr := s.syncs.SaveSyncRecord(ctx, rec); saveErr != nil {
		return rec, saveErr
	}
	return rec, nil
}

// Resync re-pushes the stored final insight for a session whose earlier
// sync failed. Intended for the manual retry endpoint.
func (s *Syncer) Resync(ctx context.Context, sessionID string, insights store.InsightStore) (store.SyncRecord, error) {
	stored, err := insights.GetInsight(ctx, sessionID)
	if err != nil {
		return store.SyncRecord{}, err
	}
	return s.Sync(ctx, BuildPayload(sessionID, stored.Record))
}

// Status returns the recorded sync state for a session, defaulting to
// not_synced when nothing was recorded yet.
func (s *Syncer) Status(ctx context.Context, sessionID string) (store.SyncRecord, error) {
	rec, err := s.syncs.GetSyncRecord(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.SyncRecord{
				SessionID: sessionID,
				Provider:  string(s.client.Provider()),
				State:     string(StateNotSynced),
			}, nil
		}
		return store.SyncRecord{}, err
	}
	return rec, nil
}
