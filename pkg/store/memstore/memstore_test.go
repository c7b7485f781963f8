package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/callgist/callgist/internal/insight"
	"github.com/callgist/callgist/internal/session"
	"github.com/callgist/callgist/pkg/store"
)

func TestSessionRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	sess := &session.Session{
		ID:        "s1",
		Status:    session.StatusActive,
		StartTime: time.Now(),
		Metadata:  map[string]string{"agent": "a7"},
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Metadata["agent"] != "a7" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	// Stored snapshot must be isolated from later caller mutation.
	sess.Metadata["agent"] = "changed"
	got, _ = s.GetSession(ctx, "s1")
	if got.Metadata["agent"] != "a7" {
		t.Error("stored session shares state with caller")
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessions_NewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		err := s.SaveSession(ctx, &session.Session{
			ID:        id,
			StartTime: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListSessions(ctx, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 || got[0].ID != "new" || got[1].ID != "mid" {
		ids := make([]string, len(got))
		for i, se := range got {
			ids[i] = se.ID
		}
		t.Errorf("got %v, want [new mid]", ids)
	}
}

func TestFinalInsightSupersedesInterim(t *testing.T) {
	s := New()
	ctx := context.Background()

	interim := store.Insight{SessionID: "s1", Record: insight.FallbackRecord()}
	if err := s.SaveInsight(ctx, interim); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetInsight(ctx, "s1")
	if err != nil {
		t.Fatalf("GetInsight interim: %v", err)
	}
	if got.Record.IsFinal {
		t.Error("interim record reported as final")
	}

	final := store.Insight{SessionID: "s1"}
	final.Record = insight.FallbackRecord()
	final.Record.Sentiment = insight.SentimentPositive
	final.Record.IsFinal = true
	if err := s.SaveInsight(ctx, final); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetInsight(ctx, "s1")
	if err != nil {
		t.Fatalf("GetInsight final: %v", err)
	}
	if !got.Record.IsFinal || got.Record.Sentiment != insight.SentimentPositive {
		t.Errorf("final not returned: %+v", got.Record)
	}
}

func TestSearchTranscripts(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now()

	transcripts := []store.Transcript{
		{SessionID: "s1", Text: "customer asked about billing statement", CreatedAt: base},
		{SessionID: "s2", Text: "network coverage complaint in Harare", CreatedAt: base.Add(time.Minute)},
		{SessionID: "s3", Text: "another BILLING question", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, tr := range transcripts {
		if err := s.SaveTranscript(ctx, tr); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SearchTranscripts(ctx, "billing", store.SearchOpts{})
	if err != nil {
		t.Fatalf("SearchTranscripts: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].SessionID != "s3" {
		t.Errorf("hits not newest first: %+v", hits)
	}

	hits, err = s.SearchTranscripts(ctx, "billing", store.SearchOpts{Before: base.Add(time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].SessionID != "s1" {
		t.Errorf("time filter failed: %+v", hits)
	}
}

func TestAnalyticsAndSyncRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := store.Analytics{
		SessionID:        "s1",
		TotalDuration:    90 * time.Second,
		AgentTalkTime:    54 * time.Second,
		CustomerTalkTime: 36 * time.Second,
		WordCount:        240,
		OverallSentiment: insight.SentimentNeutral,
		Topics:           []string{"billing"},
	}
	if err := s.SaveAnalytics(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetAnalytics(ctx, "s1")
	if err != nil {
		t.Fatalf("GetAnalytics: %v", err)
	}
	if got.WordCount != 240 || got.AgentTalkTime != 54*time.Second {
		t.Errorf("analytics = %+v", got)
	}

	r := store.SyncRecord{SessionID: "s1", Provider: "salesforce", State: "success", Attempts: 1, RecordID: "sf-1"}
	if err := s.SaveSyncRecord(ctx, r); err != nil {
		t.Fatal(err)
	}
	sr, err := s.GetSyncRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSyncRecord: %v", err)
	}
	if sr.State != "success" || sr.RecordID != "sf-1" {
		t.Errorf("sync record = %+v", sr)
	}
	if sr.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not defaulted")
	}

	if _, err := s.GetSyncRecord(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
