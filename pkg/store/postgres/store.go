package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callgist/callgist/internal/insight"
	"github.com/callgist/callgist/internal/session"
	"github.com/callgist/callgist/pkg/store"
)

const defaultListLimit = 50

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of store.Store. All
// operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, pings it,
// and runs Migrate to ensure all required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable. Used by readiness
// checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveSession implements store.SessionStore. The session row and its
// artifact rows are replaced atomically.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("postgres store: marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO call_sessions (id, status, start_time, end_time, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    end_time = EXCLUDED.end_time,
		    metadata = EXCLUDED.metadata`
	if _, err := tx.Exec(ctx, upsert, sess.ID, string(sess.Status), sess.StartTime, sess.EndTime, meta); err != nil {
		return fmt.Errorf("postgres store: upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM call_artifacts WHERE session_id = $1`, sess.ID); err != nil {
		return fmt.Errorf("postgres store: clear artifacts: %w", err)
	}
	for _, a := range sess.Artifacts {
		const ins = `
			INSERT INTO call_artifacts (session_id, path, filename, size_bytes, uploaded_at)
			VALUES ($1, $2, $3, $4, $5)`
		if _, err := tx.Exec(ctx, ins, sess.ID, a.Path, a.Filename, a.Size, a.UploadedAt); err != nil {
			return fmt.Errorf("postgres store: insert artifact: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// GetSession implements store.SessionStore.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	const q = `
		SELECT id, status, start_time, end_time, metadata
		FROM   call_sessions
		WHERE  id = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %q: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session: %w", err)
	}

	if err := s.loadArtifacts(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions implements store.SessionStore, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
		SELECT id, status, start_time, end_time, metadata
		FROM   call_sessions
		ORDER  BY start_time DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*session.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan sessions: %w", err)
	}
	for _, sess := range sessions {
		if err := s.loadArtifacts(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// rowScanner is the subset of pgx.Row both QueryRow results and
// CollectableRow satisfy.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var (
		sess   session.Session
		status string
		meta   []byte
	)
	if err := row.Scan(&sess.ID, &status, &sess.StartTime, &sess.EndTime, &meta); err != nil {
		return nil, err
	}
	sess.Status = session.Status(status)
	sess.Metadata = map[string]string{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *Store) loadArtifacts(ctx context.Context, sess *session.Session) error {
	const q = `
		SELECT path, filename, size_bytes, uploaded_at
		FROM   call_artifacts
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sess.ID)
	if err != nil {
		return fmt.Errorf("postgres store: load artifacts: %w", err)
	}
	arts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (session.Artifact, error) {
		var a session.Artifact
		err := row.Scan(&a.Path, &a.Filename, &a.Size, &a.UploadedAt)
		return a, err
	})
	if err != nil {
		return fmt.Errorf("postgres store: scan artifacts: %w", err)
	}
	sess.Artifacts = arts
	return nil
}

// SaveTranscript implements store.TranscriptStore.
func (s *Store) SaveTranscript(ctx context.Context, t store.Transcript) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	const q = `
		INSERT INTO transcripts (session_id, text, masked_spans, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE
		SET text = EXCLUDED.text,
		    masked_spans = EXCLUDED.masked_spans,
		    created_at = EXCLUDED.created_at`
	if _, err := s.pool.Exec(ctx, q, t.SessionID, t.Text, t.MaskedSpans, t.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: save transcript: %w", err)
	}
	return nil
}

// GetTranscript implements store.TranscriptStore.
func (s *Store) GetTranscript(ctx context.Context, sessionID string) (store.Transcript, error) {
	const q = `
		SELECT session_id, text, masked_spans, created_at
		FROM   transcripts
		WHERE  session_id = $1`

	var t store.Transcript
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&t.SessionID, &t.Text, &t.MaskedSpans, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Transcript{}, fmt.Errorf("transcript %q: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return store.Transcript{}, fmt.Errorf("postgres store: get transcript: %w", err)
	}
	return t, nil
}

// SearchTranscripts implements store.TranscriptStore using PostgreSQL
// full-text search, best match first. The query is passed through
// plainto_tsquery so no operator syntax is required.
func (s *Store) SearchTranscripts(ctx context.Context, query string, opts store.SearchOpts) ([]store.SearchHit, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "created_at > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "created_at < "+next(opts.Before))
	}

	q := "SELECT session_id, text, created_at\n" +
		"FROM   transcripts\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	q += fmt.Sprintf("\nLIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search transcripts: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SearchHit, error) {
		var h store.SearchHit
		err := row.Scan(&h.SessionID, &h.Text, &h.CreatedAt)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan hits: %w", err)
	}
	if hits == nil {
		hits = []store.SearchHit{}
	}
	return hits, nil
}

// SaveInsight implements store.InsightStore. A partial unique index on
// (session_id) WHERE is_final guarantees at most one final record per
// session; a new final record replaces the previous one in place.
func (s *Store) SaveInsight(ctx context.Context, rec store.Insight) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(rec.Record)
	if err != nil {
		return fmt.Errorf("postgres store: marshal insight: %w", err)
	}

	if rec.Record.IsFinal {
		const q = `
			INSERT INTO insights (session_id, payload, is_final, created_at)
			VALUES ($1, $2, true, $3)
			ON CONFLICT (session_id) WHERE is_final DO UPDATE
			SET payload = EXCLUDED.payload,
			    created_at = EXCLUDED.created_at`
		if _, err := s.pool.Exec(ctx, q, rec.SessionID, payload, rec.CreatedAt); err != nil {
			return fmt.Errorf("postgres store: save final insight: %w", err)
		}
		return nil
	}

	const q = `
		INSERT INTO insights (session_id, payload, is_final, created_at)
		VALUES ($1, $2, false, $3)`
	if _, err := s.pool.Exec(ctx, q, rec.SessionID, payload, rec.CreatedAt); err != nil {
		return fmt.Errorf("postgres store: save insight: %w", err)
	}
	return nil
}

// GetInsight implements store.InsightStore: the final record wins,
// otherwise the newest interim one.
func (s *Store) GetInsight(ctx context.Context, sessionID string) (store.Insight, error) {
	const q = `
		SELECT session_id, payload, created_at
		FROM   insights
		WHERE  session_id = $1
		ORDER  BY is_final DESC, created_at DESC
		LIMIT  1`

	var (
		rec     store.Insight
		payload []byte
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&rec.SessionID, &payload, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Insight{}, fmt.Errorf("insight %q: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return store.Insight{}, fmt.Errorf("postgres store: get insight: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Record); err != nil {
		return store.Insight{}, fmt.Errorf("postgres store: unmarshal insight: %w", err)
	}
	return rec, nil
}

// SaveAnalytics implements store.AnalyticsStore.
func (s *Store) SaveAnalytics(ctx context.Context, a store.Analytics) error {
	const q = `
		INSERT INTO call_analytics
		    (session_id, total_duration_ns, agent_talk_ns, customer_talk_ns, silence_ns, word_count, sentiment, topics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE
		SET total_duration_ns = EXCLUDED.total_duration_ns,
		    agent_talk_ns = EXCLUDED.agent_talk_ns,
		    customer_talk_ns = EXCLUDED.customer_talk_ns,
		    silence_ns = EXCLUDED.silence_ns,
		    word_count = EXCLUDED.word_count,
		    sentiment = EXCLUDED.sentiment,
		    topics = EXCLUDED.topics`

	_, err := s.pool.Exec(ctx, q,
		a.SessionID,
		a.TotalDuration.Nanoseconds(),
		a.AgentTalkTime.Nanoseconds(),
		a.CustomerTalkTime.Nanoseconds(),
		a.SilenceTime.Nanoseconds(),
		a.WordCount,
		string(a.OverallSentiment),
		a.Topics,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save analytics: %w", err)
	}
	return nil
}

// GetAnalytics implements store.AnalyticsStore.
func (s *Store) GetAnalytics(ctx context.Context, sessionID string) (store.Analytics, error) {
	const q = `
		SELECT session_id, total_duration_ns, agent_talk_ns, customer_talk_ns, silence_ns, word_count, sentiment, topics
		FROM   call_analytics
		WHERE  session_id = $1`

	var (
		a                                       store.Analytics
		totalNS, agentNS, customerNS, silenceNS int64
		sentiment                               string
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&a.SessionID, &totalNS, &agentNS, &customerNS, &silenceNS,
		&a.WordCount, &sentiment, &a.Topics,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Analytics{}, fmt.Errorf("analytics %q: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return store.Analytics{}, fmt.Errorf("postgres store: get analytics: %w", err)
	}
	a.TotalDuration = time.Duration(totalNS)
	a.AgentTalkTime = time.Duration(agentNS)
	a.CustomerTalkTime = time.Duration(customerNS)
	a.SilenceTime = time.Duration(silenceNS)
	a.OverallSentiment = insight.Sentiment(sentiment)
	return a, nil
}

// SaveSyncRecord implements store.SyncStore.
func (s *Store) SaveSyncRecord(ctx context.Context, r store.SyncRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	const q = `
		INSERT INTO crm_sync_status
		    (session_id, provider, state, attempts, record_id, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE
		SET provider = EXCLUDED.provider,
		    state = EXCLUDED.state,
		    attempts = EXCLUDED.attempts,
		    record_id = EXCLUDED.record_id,
		    last_error = EXCLUDED.last_error,
		    updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, q, r.SessionID, r.Provider, r.State, r.Attempts, r.RecordID, r.LastError, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: save sync record: %w", err)
	}
	return nil
}

// GetSyncRecord implements store.SyncStore.
func (s *Store) GetSyncRecord(ctx context.Context, sessionID string) (store.SyncRecord, error) {
	const q = `
		SELECT session_id, provider, state, attempts, record_id, last_error, updated_at
		FROM   crm_sync_status
		WHERE  session_id = $1`

	var r store.SyncRecord
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&r.SessionID, &r.Provider, &r.State, &r.Attempts, &r.RecordID, &r.LastError, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.SyncRecord{}, fmt.Errorf("sync %q: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return store.SyncRecord{}, fmt.Errorf("postgres store: get sync record: %w", err)
	}
	return r, nil
}
