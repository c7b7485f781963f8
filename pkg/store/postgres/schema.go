// Package postgres provides a PostgreSQL-backed implementation of
// store.Store using a single pgxpool.Pool.
//
// Transcript search uses PostgreSQL full-text search over a GIN index.
// Migrate runs automatically on NewStore and is idempotent.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS call_sessions (
    id          TEXT         PRIMARY KEY,
    status      TEXT         NOT NULL,
    start_time  TIMESTAMPTZ  NOT NULL,
    end_time    TIMESTAMPTZ,
    metadata    JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_start_time
    ON call_sessions (start_time DESC);

CREATE TABLE IF NOT EXISTS call_artifacts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES call_sessions (id) ON DELETE CASCADE,
    path        TEXT         NOT NULL,
    filename    TEXT         NOT NULL DEFAULT '',
    size_bytes  BIGINT       NOT NULL DEFAULT 0,
    uploaded_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_artifacts_session_id
    ON call_artifacts (session_id, id);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcripts (
    session_id   TEXT         PRIMARY KEY,
    text         TEXT         NOT NULL,
    masked_spans INTEGER      NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcripts_fts
    ON transcripts USING GIN (to_tsvector('english', text));
`

const ddlInsights = `
CREATE TABLE IF NOT EXISTS insights (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    payload     JSONB        NOT NULL,
    is_final    BOOLEAN      NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_insights_session_id
    ON insights (session_id, created_at DESC);

CREATE UNIQUE INDEX IF NOT EXISTS idx_insights_single_final
    ON insights (session_id) WHERE is_final;
`

const ddlAnalytics = `
CREATE TABLE IF NOT EXISTS call_analytics (
    session_id         TEXT         PRIMARY KEY,
    total_duration_ns  BIGINT       NOT NULL DEFAULT 0,
    agent_talk_ns      BIGINT       NOT NULL DEFAULT 0,
    customer_talk_ns   BIGINT       NOT NULL DEFAULT 0,
    silence_ns         BIGINT       NOT NULL DEFAULT 0,
    word_count         INTEGER      NOT NULL DEFAULT 0,
    sentiment          TEXT         NOT NULL DEFAULT 'neutral',
    topics             TEXT[]       NOT NULL DEFAULT '{}'
);
`

const ddlSyncStatus = `
CREATE TABLE IF NOT EXISTS crm_sync_status (
    session_id  TEXT         PRIMARY KEY,
    provider    TEXT         NOT NULL DEFAULT '',
    state       TEXT         NOT NULL DEFAULT 'not_synced',
    attempts    INTEGER      NOT NULL DEFAULT 0,
    record_id   TEXT         NOT NULL DEFAULT '',
    last_error  TEXT         NOT NULL DEFAULT '',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates all required tables and indexes. It is idempotent and
// safe to run on every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlTranscripts,
		ddlInsights,
		ddlAnalytics,
		ddlSyncStatus,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
