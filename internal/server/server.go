// Package server exposes the Callgist HTTP API: session lifecycle, audio
// upload, result retrieval, transcript search, live progress over WebSocket,
// and the operational endpoints (health probes and Prometheus metrics).
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/callgist/callgist/internal/crm"
	"github.com/callgist/callgist/internal/events"
	"github.com/callgist/callgist/internal/health"
	"github.com/callgist/callgist/internal/observe"
	"github.com/callgist/callgist/internal/session"
	"github.com/callgist/callgist/internal/worker"
	"github.com/callgist/callgist/pkg/store"
)

// ErrUnsupportedFormat rejects uploads whose file extension is not in the
// accepted set. It is a client-input error, not a processing failure.
var ErrUnsupportedFormat = errors.New("server: unsupported audio format")

// allowedExtensions lists the upload formats the normalizer can decode.
var allowedExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".webm": true,
	".m4a":  true,
	".opus": true,
}

// maxUploadBytes bounds a single audio upload.
const maxUploadBytes = 100 << 20

// Config wires a [Server].
type Config struct {
	Sessions *session.Manager
	Store    store.Store
	Events   *events.Publisher
	Pool     *worker.Pool

	// Syncer is optional; without it the resync endpoint returns 404.
	Syncer *crm.Syncer

	// UploadDir receives uploaded artifacts, one subdirectory per session.
	// Empty means a directory under os.TempDir().
	UploadDir string

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Server holds the HTTP handler set. Create with New, mount with Routes.
type Server struct {
	sessions  *session.Manager
	store     store.Store
	events    *events.Publisher
	pool      *worker.Pool
	syncer    *crm.Syncer
	uploadDir string
	health    *health.Handler
	metrics   *observe.Metrics
	log       *slog.Logger
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	s := &Server{
		sessions:  cfg.Sessions,
		store:     cfg.Store,
		events:    cfg.Events,
		pool:      cfg.Pool,
		syncer:    cfg.Syncer,
		uploadDir: cfg.UploadDir,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}
	if s.uploadDir == "" {
		s.uploadDir = filepath.Join(os.TempDir(), "callgist-uploads")
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Routes returns the full route table wrapped in the observability
// middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/calls/start", s.handleStart)
	mux.HandleFunc("POST /api/calls/{id}/audio", s.handleUpload)
	mux.HandleFunc("POST /api/calls/{id}/end", s.handleEnd)
	mux.HandleFunc("POST /api/calls/{id}/abort", s.handleAbort)
	mux.HandleFunc("POST /api/calls/{id}/sync", s.handleResync)
	mux.HandleFunc("GET /api/calls/{id}/summary", s.handleSummary)
	mux.HandleFunc("GET /api/calls/history", s.handleHistory)
	mux.HandleFunc("GET /api/calls/search", s.handleSearch)

	mux.Handle("GET /ws/calls/{id}", events.NewWSHandler(s.events, s.log))

	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// ── Handlers ─────────────────────────────────────────────────────────────────

type startRequest struct {
	// SessionID optionally names the session; a fresh ID is generated
	// when absent.
	SessionID string            `json:"session_id"`
	Metadata  map[string]string `json:"metadata"`
}

type sessionResponse struct {
	SessionID string            `json:"session_id"`
	Status    string            `json:"status"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Artifacts int               `json:"artifacts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		SessionID: s.ID,
		Status:    string(s.Status),
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
		Artifacts: len(s.Artifacts),
		Metadata:  s.Metadata,
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}

	var sess *session.Session
	if id := strings.TrimSpace(req.SessionID); id != "" {
		var err error
		sess, err = s.sessions.StartWithID(id, req.Metadata)
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
	} else {
		sess = s.sessions.Start(req.Metadata)
	}
	s.metrics.ActiveSessions.Add(r.Context(), 1)
	observe.Logger(r.Context()).Info("call session started", slog.String("session_id", sess.ID))

	s.writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field %q: %w", "audio", err))
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		s.writeError(w, http.StatusBadRequest,
			fmt.Errorf("%w: %q (accepted: .mp3 .wav .webm .m4a .opus)", ErrUnsupportedFormat, ext))
		return
	}

	// Stage the upload on disk before touching session state, so a failed
	// write never leaves a dangling artifact reference.
	dir := filepath.Join(s.uploadDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("create upload dir: %w", err))
		return
	}
	path := filepath.Join(dir, uuid.NewString()+ext)
	size, err := saveUpload(path, file)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("save upload: %w", err))
		return
	}

	art := session.Artifact{
		Path:     path,
		Filename: header.Filename,
		Size:     size,
	}
	if err := s.sessions.AddArtifact(id, art); err != nil {
		_ = os.Remove(path)
		s.writeSessionError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": id,
		"filename":   header.Filename,
		"size":       size,
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.sessions.End(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	log := observe.Logger(r.Context()).With(slog.String("session_id", id))

	if sess.Status == session.StatusEnded {
		// No artifacts were uploaded; the session ended in place.
		s.metrics.ActiveSessions.Add(r.Context(), -1)
		if err := s.store.SaveSession(r.Context(), sess); err != nil {
			log.Warn("session snapshot save failed", slog.String("error", err.Error()))
		}
		log.Info("call session ended with no audio")
		s.writeJSON(w, http.StatusOK, toSessionResponse(sess))
		return
	}

	if err := s.pool.Submit(id); err != nil {
		// Backpressure: no run was scheduled, so the session must go
		// back to Active or a later End could never re-submit it.
		log.Error("pipeline queue rejected session", slog.String("error", err.Error()))
		if rerr := s.sessions.Reopen(id); rerr != nil {
			log.Error("session reopen failed", slog.String("error", rerr.Error()))
		}
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("processing queue full, retry later"))
		return
	}

	log.Info("call session queued for processing", slog.Int("artifacts", len(sess.Artifacts)))
	s.writeJSON(w, http.StatusAccepted, toSessionResponse(sess))
}

type abortRequest struct {
	Reason string `json:"reason"`
}

// handleAbort force-fails a session that should not be processed. Unlike a
// pipeline error, an abort lands the session on Failed.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req abortRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
			return
		}
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "aborted by caller"
	}

	if err := s.sessions.Fail(id, reason); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.metrics.ActiveSessions.Add(r.Context(), -1)

	sess, err := s.sessions.Get(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	log := observe.Logger(r.Context()).With(slog.String("session_id", id))
	if err := s.store.SaveSession(r.Context(), sess); err != nil {
		log.Warn("session snapshot save failed", slog.String("error", err.Error()))
	}
	s.events.Forget(id)
	log.Info("call session aborted", slog.String("reason", reason))
	s.writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// summaryResponse aggregates everything known about a processed session.
type summaryResponse struct {
	Session    sessionResponse   `json:"session"`
	Insight    *store.Insight    `json:"insight,omitempty"`
	Analytics  *store.Analytics  `json:"analytics,omitempty"`
	Transcript *storedText       `json:"transcript,omitempty"`
	Sync       *store.SyncRecord `json:"sync,omitempty"`
}

type storedText struct {
	Text        string `json:"text"`
	MaskedSpans int    `json:"masked_spans"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	sess, err := s.sessions.Get(id)
	if err != nil {
		// Fall back to the durable snapshot for sessions from previous
		// process lifetimes.
		sess, err = s.store.GetSession(ctx, id)
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
	}

	resp := summaryResponse{Session: toSessionResponse(sess)}

	if ins, err := s.store.GetInsight(ctx, id); err == nil {
		resp.Insight = &ins
	} else if !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if a, err := s.store.GetAnalytics(ctx, id); err == nil {
		resp.Analytics = &a
	} else if !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if tr, err := s.store.GetTranscript(ctx, id); err == nil {
		resp.Transcript = &storedText{Text: tr.Text, MaskedSpans: tr.MaskedSpans}
	} else if !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sr, err := s.store.GetSyncRecord(ctx, id); err == nil {
		resp.Sync = &sr
	} else if !errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	sessions, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter q is required"))
		return
	}

	opts := store.SearchOpts{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		opts.Limit = n
	}

	hits, err := s.store.SearchTranscripts(r.Context(), q, opts)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if hits == nil {
		hits = []store.SearchHit{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"query": q, "hits": hits})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("crm sync is not configured"))
		return
	}
	id := r.PathValue("id")

	rec, err := s.syncer.Resync(r.Context(), id, s.store)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no insight stored for session %q", id))
		return
	}
	if err != nil {
		// The attempt itself failed; the outcome is still recorded.
		s.writeJSON(w, http.StatusBadGateway, rec)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// saveUpload streams src to path and returns the number of bytes written.
func saveUpload(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeSessionError maps session lifecycle errors onto HTTP status codes.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, session.ErrSessionNotActive),
		errors.Is(err, session.ErrSessionNotProcessing),
		errors.Is(err, session.ErrSessionExists),
		errors.Is(err, session.ErrSessionTerminal):
		s.writeError(w, http.StatusConflict, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
