// Package pipeline drives a call session from its uploaded audio artifacts
// to a terminal state: normalize, analyze, and transcribe each artifact in
// upload order, redact the concatenated transcript, extract a structured
// insight record, persist the results, and attempt a best-effort CRM sync.
//
// The orchestrator reports progress through an [events.Publisher] using the
// staged fractions documented on [Orchestrator.Run]. Per-artifact failures
// skip the artifact without aborting the run; only failures outside those
// guards (persistence, lost sessions) end a run in the error stage. Either
// way the session always reaches a terminal state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/callgist/callgist/internal/crm"
	"github.com/callgist/callgist/internal/events"
	"github.com/callgist/callgist/internal/insight"
	"github.com/callgist/callgist/internal/observe"
	"github.com/callgist/callgist/internal/redact"
	"github.com/callgist/callgist/internal/session"
	"github.com/callgist/callgist/internal/worker"
	"github.com/callgist/callgist/pkg/audio"
	"github.com/callgist/callgist/pkg/provider/stt"
	"github.com/callgist/callgist/pkg/store"
)

// Progress fractions per stage. Artifact stages spread the remaining budget
// between artifactBase and summaryFraction.
const (
	startFraction    = 0.1
	artifactSpan     = 0.6
	summaryFraction  = 0.8
	syncingFraction  = 0.9
	completeFraction = 1.0
)

// Config wires an [Orchestrator]. Sessions, Store, STT, and Extractor are
// required; the rest default to working zero-configuration values.
type Config struct {
	Sessions  *session.Manager
	Store     store.Store
	STT       stt.Provider
	Extractor *insight.Extractor

	// Normalizer defaults to a zero-value [audio.Normalizer].
	Normalizer *audio.Normalizer

	// Syncer is optional; without one the sync stage is a no-op.
	Syncer *crm.Syncer

	// Events defaults to a fresh publisher with no subscribers.
	Events *events.Publisher

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Logger *slog.Logger
}

// Orchestrator runs the post-call processing pipeline. Safe for concurrent
// use; sessions are processed independently.
type Orchestrator struct {
	sessions   *session.Manager
	store      store.Store
	stt        stt.Provider
	extractor  *insight.Extractor
	normalizer *audio.Normalizer
	syncer     *crm.Syncer
	events     *events.Publisher
	metrics    *observe.Metrics
	masker     redact.Masker
	log        *slog.Logger
}

// New creates an Orchestrator from cfg, applying defaults for optional
// fields.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		sessions:   cfg.Sessions,
		store:      cfg.Store,
		stt:        cfg.STT,
		extractor:  cfg.Extractor,
		normalizer: cfg.Normalizer,
		syncer:     cfg.Syncer,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
	}
	if o.normalizer == nil {
		o.normalizer = &audio.Normalizer{}
	}
	if o.events == nil {
		o.events = events.NewPublisher()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return o
}

// Run processes one session that End moved into Processing. Progress stages
// and fractions, in order:
//
//	processing                 0.1
//	processing_file_i_of_n     0.1 + ((i-1)/n)*0.6
//	generating_summary         0.8   (skipped when the transcript is empty)
//	syncing                    0.9   (skipped when the transcript is empty)
//	completed                  1.0   terminal
//	error                      0.0   terminal, orchestration failure only
//
// The session always reaches a terminal state: even an orchestration failure
// ends it with the failure recorded in metadata, so no session is left stuck
// in Processing.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(observe.Attr("session_id", sessionID))

	log := observe.Logger(ctx).With(slog.String("session_id", sessionID))

	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if sess.Status != session.StatusProcessing {
		return fmt.Errorf("pipeline: session %q is %s, expected processing", sessionID, sess.Status)
	}

	o.events.PublishProgress(sessionID, "processing", startFraction)

	// Stage 1: per-artifact normalize, analyze, transcribe. Failures skip
	// the artifact; surviving text keeps upload order.
	n := len(sess.Artifacts)
	var (
		parts []string
		stats []audio.Stats
	)
	for i, art := range sess.Artifacts {
		stage := fmt.Sprintf("processing_file_%d_of_%d", i+1, n)
		o.events.PublishProgress(sessionID, stage, startFraction+(float64(i)/float64(n))*artifactSpan)

		text, st, ok := o.processArtifact(ctx, log, i, art)
		if st.Err == nil {
			stats = append(stats, st)
		}
		if !ok {
			o.metrics.RecordArtifact(ctx, "skipped")
			continue
		}
		o.metrics.RecordArtifact(ctx, "transcribed")
		parts = append(parts, text)
		o.events.PublishTranscript(sessionID, i, text)
	}

	transcript := strings.TrimSpace(strings.Join(parts, "\n"))
	if transcript == "" {
		// Nothing recoverable. Skip redaction, extraction, and sync; the
		// run still terminates cleanly with an empty-result marker.
		log.Info("no transcript recovered, ending session with empty result",
			slog.Int("artifacts", n))
		return o.complete(ctx, sessionID, map[string]string{"empty_result": "true"})
	}

	// Stage 2: redact the whole transcript once.
	masked, spans := o.masker.Mask(transcript)
	o.metrics.RecordMaskedSpans(ctx, spans)

	// Stage 3: insight extraction. Extract never fails outright; a non-nil
	// error means the deterministic fallback record was used.
	o.events.PublishProgress(sessionID, "generating_summary", summaryFraction)
	extractStart := time.Now()
	rec, err := o.extractor.Extract(ctx, masked)
	o.metrics.ExtractDuration.Record(ctx, time.Since(extractStart).Seconds())
	if err != nil {
		log.Warn("insight extraction fell back to default record",
			slog.String("error", err.Error()))
	}
	rec.IsFinal = true

	// Stage 4: persist transcript, insight, and analytics. Failure here is
	// an orchestration failure: error stage, session still forced terminal.
	analytics := buildAnalytics(sessionID, masked, stats, rec)
	if err := o.persist(ctx, sessionID, masked, spans, rec, analytics); err != nil {
		return o.fail(ctx, log, sessionID, err)
	}
	o.events.PublishSummary(sessionID, rec)

	// Stage 5: best-effort CRM sync. Outcome is recorded on the sync
	// registry; failure never fails the run.
	o.events.PublishProgress(sessionID, "syncing", syncingFraction)
	if o.syncer != nil {
		syncStart := time.Now()
		if _, err := o.syncer.Sync(ctx, crm.BuildPayload(sessionID, rec)); err != nil {
			log.Warn("crm sync failed", slog.String("error", err.Error()))
		}
		o.metrics.SyncDuration.Record(ctx, time.Since(syncStart).Seconds())
	}

	return o.complete(ctx, sessionID, map[string]string{
		"processed_artifacts": strconv.Itoa(len(parts)),
		"skipped_artifacts":   strconv.Itoa(n - len(parts)),
		"word_count":          strconv.Itoa(analytics.WordCount),
	})
}

// processArtifact runs one artifact through normalize, analyze, and
// transcribe. The returned bool reports whether transcript text was
// recovered; stats may carry an error independently of that. The normalized
// temp file is removed on every path.
func (o *Orchestrator) processArtifact(ctx context.Context, log *slog.Logger, index int, art session.Artifact) (string, audio.Stats, bool) {
	alog := log.With(slog.Int("artifact", index), slog.String("filename", art.Filename))

	normStart := time.Now()
	normPath, err := o.normalizer.Normalize(ctx, art.Path)
	o.metrics.NormalizeDuration.Record(ctx, time.Since(normStart).Seconds())
	if err != nil {
		alog.Warn("normalization failed, skipping artifact", slog.String("error", err.Error()))
		return "", audio.Stats{Err: err}, false
	}
	defer func() {
		// Cleanup failure is logged, never fatal.
		if rmErr := os.Remove(normPath); rmErr != nil {
			alog.Warn("temp file cleanup failed", slog.String("error", rmErr.Error()))
		}
	}()

	analyzeStart := time.Now()
	st := audio.Analyze(normPath)
	o.metrics.AnalyzeDuration.Record(ctx, time.Since(analyzeStart).Seconds())
	if st.Err != nil {
		alog.Warn("audio analysis failed", slog.String("error", st.Err.Error()))
	}

	transcribeStart := time.Now()
	res, err := o.stt.Transcribe(ctx, normPath)
	o.metrics.TranscribeDuration.Record(ctx, time.Since(transcribeStart).Seconds())
	if err != nil {
		o.metrics.RecordProviderError(ctx, "stt", "transcribe")
		alog.Warn("transcription failed, skipping artifact", slog.String("error", err.Error()))
		return "", st, false
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = stt.JoinSegments(res.Segments)
	}
	return text, st, text != ""
}

// persist writes the run's durable outputs. Each write wraps its own error
// so failures are attributable.
func (o *Orchestrator) persist(ctx context.Context, sessionID, masked string, spans int, rec insight.Record, analytics store.Analytics) error {
	now := time.Now()
	if err := o.store.SaveTranscript(ctx, store.Transcript{
		SessionID:   sessionID,
		Text:        masked,
		MaskedSpans: spans,
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	if err := o.store.SaveInsight(ctx, store.Insight{
		SessionID: sessionID,
		Record:    rec,
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("save insight: %w", err)
	}
	if err := o.store.SaveAnalytics(ctx, analytics); err != nil {
		return fmt.Errorf("save analytics: %w", err)
	}
	return nil
}

// complete moves the session to Ended, snapshots it to the store, and emits
// the terminal completed event.
func (o *Orchestrator) complete(ctx context.Context, sessionID string, metadata map[string]string) error {
	if err := o.sessions.Complete(sessionID, metadata); err != nil {
		return fmt.Errorf("pipeline: complete session: %w", err)
	}
	o.snapshotSession(ctx, sessionID)
	o.metrics.ActiveSessions.Add(ctx, -1)
	o.metrics.RecordPipelineRun(ctx, "completed")
	o.events.PublishProgress(sessionID, events.StageCompleted, completeFraction)
	o.events.Forget(sessionID)
	return nil
}

// fail emits the terminal error event and still forces the session into a
// terminal Ended state carrying the failure reason.
func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, sessionID string, cause error) error {
	log.Error("pipeline run failed", slog.String("error", cause.Error()))
	o.events.PublishProgress(sessionID, events.StageError, 0)

	if err := o.sessions.Complete(sessionID, map[string]string{"failure_reason": cause.Error()}); err != nil {
		log.Error("forcing terminal state failed", slog.String("error", err.Error()))
	}
	o.snapshotSession(ctx, sessionID)
	o.metrics.ActiveSessions.Add(ctx, -1)
	o.metrics.RecordPipelineRun(ctx, "error")
	o.events.Forget(sessionID)
	return fmt.Errorf("pipeline: session %s: %w", sessionID, cause)
}

// snapshotSession persists the current session state. Best-effort: the run's
// outcome was already broadcast, so a snapshot failure is only logged.
func (o *Orchestrator) snapshotSession(ctx context.Context, sessionID string) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		o.log.Warn("session snapshot lookup failed",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	if err := o.store.SaveSession(ctx, sess); err != nil {
		o.log.Warn("session snapshot save failed",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
	}
}

// buildAnalytics synthesizes per-session call metrics from the analyzer
// stats and the final insight record. Without speaker diarization the talk
// time uses a fixed 60/40 agent/customer split of detected speech.
func buildAnalytics(sessionID, transcript string, stats []audio.Stats, rec insight.Record) store.Analytics {
	var totalSec, speechSec float64
	for _, st := range stats {
		totalSec += st.Duration
		speechSec += st.TotalSpeechTime
	}
	silenceSec := totalSec - speechSec
	if silenceSec < 0 {
		silenceSec = 0
	}

	return store.Analytics{
		SessionID:        sessionID,
		TotalDuration:    secondsToDuration(totalSec),
		AgentTalkTime:    secondsToDuration(speechSec * 0.6),
		CustomerTalkTime: secondsToDuration(speechSec * 0.4),
		SilenceTime:      secondsToDuration(silenceSec),
		WordCount:        len(strings.Fields(transcript)),
		OverallSentiment: rec.Sentiment,
		Topics:           rec.Tags,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

var _ worker.Runner = (*Orchestrator)(nil)
