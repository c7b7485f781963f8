// Package memstore provides an in-memory store.Store implementation.
//
// It backs unit tests and single-node development runs. Search is a
// case-insensitive substring match rather than real full-text search;
// use pkg/store/postgres when ranking matters.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/callgist/callgist/internal/session"
	"github.com/callgist/callgist/pkg/store"
)

const defaultListLimit = 50

// Compile-time assertion that Store satisfies store.Store.
var _ store.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store. The zero value is
// not usable; call New.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*session.Session
	transcripts map[string]store.Transcript
	finals      map[string]store.Insight
	interims    map[string]store.Insight
	analytics   map[string]store.Analytics
	syncs       map[string]store.SyncRecord
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions:    make(map[string]*session.Session),
		transcripts: make(map[string]store.Transcript),
		finals:      make(map[string]store.Insight),
		interims:    make(map[string]store.Insight),
		analytics:   make(map[string]store.Analytics),
		syncs:       make(map[string]store.SyncRecord),
	}
}

// SaveSession implements store.SessionStore.
func (s *Store) SaveSession(_ context.Context, sess *session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(_ context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, store.ErrNotFound)
	}
	return sess.Clone(), nil
}

// ListSessions implements store.SessionStore.
func (s *Store) ListSessions(_ context.Context, limit int) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	out := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveTranscript implements store.TranscriptStore.
func (s *Store) SaveTranscript(_ context.Context, t store.Transcript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	s.transcripts[t.SessionID] = t
	return nil
}

// GetTranscript implements store.TranscriptStore.
func (s *Store) GetTranscript(_ context.Context, sessionID string) (store.Transcript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transcripts[sessionID]
	if !ok {
		return store.Transcript{}, fmt.Errorf("transcript %q: %w", sessionID, store.ErrNotFound)
	}
	return t, nil
}

// SearchTranscripts implements store.TranscriptStore via substring match.
func (s *Store) SearchTranscripts(_ context.Context, query string, opts store.SearchOpts) ([]store.SearchHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	var hits []store.SearchHit
	for _, t := range s.transcripts {
		if needle != "" && !strings.Contains(strings.ToLower(t.Text), needle) {
			continue
		}
		if !opts.After.IsZero() && !t.CreatedAt.After(opts.After) {
			continue
		}
		if !opts.Before.IsZero() && !t.CreatedAt.Before(opts.Before) {
			continue
		}
		hits = append(hits, store.SearchHit{
			SessionID: t.SessionID,
			Text:      t.Text,
			CreatedAt: t.CreatedAt,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SaveInsight implements store.InsightStore. A final record replaces any
// previous final for the session; interim records overwrite each other.
func (s *Store) SaveInsight(_ context.Context, rec store.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.Record.IsFinal {
		s.finals[rec.SessionID] = rec
	} else {
		s.interims[rec.SessionID] = rec
	}
	return nil
}

// GetInsight implements store.InsightStore: final wins over interim.
func (s *Store) GetInsight(_ context.Context, sessionID string) (store.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.finals[sessionID]; ok {
		return rec, nil
	}
	if rec, ok := s.interims[sessionID]; ok {
		return rec, nil
	}
	return store.Insight{}, fmt.Errorf("insight %q: %w", sessionID, store.ErrNotFound)
}

// SaveAnalytics implements store.AnalyticsStore.
func (s *Store) SaveAnalytics(_ context.Context, a store.Analytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analytics[a.SessionID] = a
	return nil
}

// GetAnalytics implements store.AnalyticsStore.
func (s *Store) GetAnalytics(_ context.Context, sessionID string) (store.Analytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.analytics[sessionID]
	if !ok {
		return store.Analytics{}, fmt.Errorf("analytics %q: %w", sessionID, store.ErrNotFound)
	}
	return a, nil
}

// SaveSyncRecord implements store.SyncStore.
func (s *Store) SaveSyncRecord(_ context.Context, r store.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	s.syncs[r.SessionID] = r
	return nil
}

// GetSyncRecord implements store.SyncStore.
func (s *Store) GetSyncRecord(_ context.Context, sessionID string) (store.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.syncs[sessionID]
	if !ok {
		return store.SyncRecord{}, fmt.Errorf("sync %q: %w", sessionID, store.ErrNotFound)
	}
	return r, nil
}
