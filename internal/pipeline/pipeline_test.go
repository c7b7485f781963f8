package pipeline

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/callgist/callgist/internal/crm"
	"github.com/callgist/callgist/internal/events"
	"github.com/callgist/callgist/internal/insight"
	"github.com/callgist/callgist/internal/resilience"
	"github.com/callgist/callgist/internal/session"
	"github.com/callgist/callgist/pkg/audio"
	"github.com/callgist/callgist/pkg/provider/llm"
	llmmock "github.com/callgist/callgist/pkg/provider/llm/mock"
	"github.com/callgist/callgist/pkg/provider/stt"
	"github.com/callgist/callgist/pkg/store"
	"github.com/callgist/callgist/pkg/store/memstore"
)

// scriptedSTT returns one scripted outcome per call, in order.
type scriptedSTT struct {
	results []stt.Result
	errs    []error
	calls   int
}

func (s *scriptedSTT) Transcribe(_ context.Context, _ string) (stt.Result, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return stt.Result{}, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return stt.Result{}, errors.New("scripted stt: no more results")
}

// writeTestWAV writes a one-second 440 Hz sine clip and returns its path.
func writeTestWAV(t *testing.T, dir, name string) string {
	t.Helper()
	const rate = audio.CanonicalSampleRate
	samples := make([]float32, rate)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	path := filepath.Join(dir, name)
	if err := audio.WriteWAV(path, audio.Waveform{SampleRate: rate, Samples: samples}); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}
	return path
}

const validInsightJSON = `{
  "summary": ["Customer asked about billing.", "Agent resolved the issue.", "Follow-up not needed."],
  "sentiment": "positive",
  "category": "billing",
  "action_items": ["Close ticket"],
  "customer_requests": ["Explain invoice"],
  "resolution_status": "resolved",
  "priority": "low",
  "tags": ["billing", "invoice"],
  "agent_performance": "Handled professionally.",
  "follow_up_required": false
}`

// testRig bundles the collaborators one pipeline test needs.
type testRig struct {
	sessions *session.Manager
	store    store.Store
	llm      *llmmock.Provider
	pub      *events.Publisher
	orch     *Orchestrator
}

func newTestRig(t *testing.T, sttProv stt.Provider, st store.Store) *testRig {
	t.Helper()
	if st == nil {
		st = memstore.New()
	}
	lp := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: validInsightJSON},
	}
	client, err := crm.NewMockClient(crm.ProviderSalesforce)
	if err != nil {
		t.Fatalf("NewMockClient: %v", err)
	}
	rig := &testRig{
		sessions: session.NewManager(),
		store:    st,
		llm:      lp,
		pub:      events.NewPublisher(),
	}
	rig.orch = New(Config{
		Sessions:   rig.sessions,
		Store:      st,
		STT:        sttProv,
		Extractor:  insight.NewExtractor(lp, nil),
		Normalizer: &audio.Normalizer{TempDir: t.TempDir()},
		Syncer: crm.NewSyncer(client, st, resilience.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
		}, nil),
		Events: rig.pub,
	})
	return rig
}

// endedSession creates a session with n artifacts and moves it to Processing.
func (r *testRig) endedSession(t *testing.T, dir string, n int) string {
	t.Helper()
	s := r.sessions.Start(nil)
	for i := 0; i < n; i++ {
		path := writeTestWAV(t, dir, "clip"+string(rune('a'+i))+".wav")
		if err := r.sessions.AddArtifact(s.ID, session.Artifact{Path: path, Filename: filepath.Base(path)}); err != nil {
			t.Fatalf("AddArtifact: %v", err)
		}
	}
	if _, err := r.sessions.End(s.ID); err != nil {
		t.Fatalf("End: %v", err)
	}
	return s.ID
}

// drainEvents reads everything buffered on ch without blocking.
func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func progressEvents(evs []events.Event) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Type == events.TypeProgress {
			out = append(out, ev)
		}
	}
	return out
}

func TestRun_ThreeArtifactsOneFails(t *testing.T) {
	sttProv := &scriptedSTT{
		results: []stt.Result{
			{Text: "hello from the first clip"},
			{},
			{Text: "closing remarks from the third clip"},
		},
		errs: []error{nil, stt.ErrUnavailable, nil},
	}
	rig := newTestRig(t, sttProv, nil)
	id := rig.endedSession(t, t.TempDir(), 3)

	ch, cancel := rig.pub.Subscribe(id)
	defer cancel()

	if err := rig.orch.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sess, err := rig.sessions.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != session.StatusEnded {
		t.Errorf("session status = %s, want ended", sess.Status)
	}

	// Transcript keeps surviving artifacts in upload order.
	tr, err := rig.store.GetTranscript(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	wantOrder := []string{"first clip", "third clip"}
	lastIdx := -1
	for _, frag := range wantOrder {
		idx := strings.Index(tr.Text, frag)
		if idx < 0 {
			t.Fatalf("transcript missing %q: %q", frag, tr.Text)
		}
		if idx < lastIdx {
			t.Errorf("transcript out of upload order: %q", tr.Text)
		}
		lastIdx = idx
	}

	// Final insight stored exactly once, marked final.
	ins, err := rig.store.GetInsight(context.Background(), id)
	if err != nil {
		t.Fatalf("GetInsight: %v", err)
	}
	if !ins.Record.IsFinal {
		t.Error("stored insight not marked final")
	}
	if ins.Record.Sentiment != insight.SentimentPositive {
		t.Errorf("sentiment = %s, want positive", ins.Record.Sentiment)
	}

	// Sync recorded as success.
	sr, err := rig.store.GetSyncRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSyncRecord: %v", err)
	}
	if sr.State != string(crm.StateSuccess) {
		t.Errorf("sync state = %s, want success", sr.State)
	}

	// Progress is non-decreasing and terminates exactly at (completed, 1.0).
	evs := drainEvents(ch)
	prog := progressEvents(evs)
	if len(prog) == 0 {
		t.Fatal("no progress events")
	}
	last := prog[len(prog)-1]
	if last.Stage != events.StageCompleted || last.Fraction != 1.0 {
		t.Errorf("final progress = (%s, %v), want (completed, 1.0)", last.Stage, last.Fraction)
	}
	prev := -1.0
	for _, ev := range prog {
		if ev.Fraction < prev {
			t.Errorf("fraction regressed: %v after %v (stage %s)", ev.Fraction, prev, ev.Stage)
		}
		prev = ev.Fraction
	}

	// One transcript event per surviving artifact, carrying its index.
	var indices []int
	for _, ev := range evs {
		if ev.Type == events.TypeTranscript {
			indices = append(indices, ev.ArtifactIndex)
		}
	}
	if len(indices) != 2 || indices[0] != 0 || indices[1] != 2 {
		t.Errorf("transcript event indices = %v, want [0 2]", indices)
	}

	// Metadata records the split.
	if sess.Metadata["processed_artifacts"] != "2" || sess.Metadata["skipped_artifacts"] != "1" {
		t.Errorf("metadata = %v", sess.Metadata)
	}
}

func TestRun_AllArtifactsFailEndsWithEmptyResult(t *testing.T) {
	sttProv := &scriptedSTT{errs: []error{stt.ErrUnavailable, stt.ErrUnavailable}}
	rig := newTestRig(t, sttProv, nil)
	id := rig.endedSession(t, t.TempDir(), 2)

	ch, cancel := rig.pub.Subscribe(id)
	defer cancel()

	if err := rig.orch.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sess, _ := rig.sessions.Get(id)
	if sess.Status != session.StatusEnded {
		t.Errorf("status = %s, want ended", sess.Status)
	}
	if sess.Metadata["empty_result"] != "true" {
		t.Errorf("metadata = %v, want empty_result marker", sess.Metadata)
	}

	// Extraction and sync were skipped entirely.
	if calls := len(rig.llm.Calls()); calls != 0 {
		t.Errorf("llm calls = %d, want 0", calls)
	}
	if _, err := rig.store.GetInsight(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetInsight err = %v, want ErrNotFound", err)
	}

	prog := progressEvents(drainEvents(ch))
	last := prog[len(prog)-1]
	if last.Stage != events.StageCompleted || last.Fraction != 1.0 {
		t.Errorf("final progress = (%s, %v), want (completed, 1.0)", last.Stage, last.Fraction)
	}
	for _, ev := range prog {
		if ev.Stage == "generating_summary" || ev.Stage == "syncing" {
			t.Errorf("stage %q published for empty transcript", ev.Stage)
		}
	}
}

// failingInsightStore wraps a Store and fails every insight write.
type failingInsightStore struct {
	store.Store
}

func (f *failingInsightStore) SaveInsight(_ context.Context, _ store.Insight) error {
	return errors.New("disk full")
}

func TestRun_PersistenceFailureForcesTerminalState(t *testing.T) {
	sttProv := &scriptedSTT{results: []stt.Result{{Text: "some recovered text"}}}
	rig := newTestRig(t, sttProv, &failingInsightStore{Store: memstore.New()})
	id := rig.endedSession(t, t.TempDir(), 1)

	ch, cancel := rig.pub.Subscribe(id)
	defer cancel()

	err := rig.orch.Run(context.Background(), id)
	if err == nil {
		t.Fatal("Run succeeded despite persistence failure")
	}

	// Terminal error event with fraction 0.
	prog := progressEvents(drainEvents(ch))
	last := prog[len(prog)-1]
	if last.Stage != events.StageError || last.Fraction != 0 {
		t.Errorf("final progress = (%s, %v), want (error, 0)", last.Stage, last.Fraction)
	}

	// Session still forced terminal with the failure recorded.
	sess, _ := rig.sessions.Get(id)
	if sess.Status != session.StatusEnded {
		t.Errorf("status = %s, want ended", sess.Status)
	}
	if sess.Metadata["failure_reason"] == "" {
		t.Error("failure_reason metadata missing")
	}
}

func TestRun_RedactsTranscript(t *testing.T) {
	sttProv := &scriptedSTT{results: []stt.Result{
		{Text: "call 0788 405 008 about 500 Zig"},
	}}
	rig := newTestRig(t, sttProv, nil)
	id := rig.endedSession(t, t.TempDir(), 1)

	if err := rig.orch.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	tr, err := rig.store.GetTranscript(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	want := "call [PHONE_NUMBER] about [AMOUNT]"
	if tr.Text != want {
		t.Errorf("transcript = %q, want %q", tr.Text, want)
	}
	if tr.MaskedSpans != 2 {
		t.Errorf("masked spans = %d, want 2", tr.MaskedSpans)
	}
}

func TestRun_TempFilesRemoved(t *testing.T) {
	tempDir := t.TempDir()
	sttProv := &scriptedSTT{
		results: []stt.Result{{Text: "ok"}, {}},
		errs:    []error{nil, stt.ErrUnavailable},
	}
	rig := newTestRig(t, sttProv, nil)
	rig.orch.normalizer = &audio.Normalizer{TempDir: tempDir}
	id := rig.endedSession(t, t.TempDir(), 2)

	if err := rig.orch.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("normalized temp files left behind: %d", len(entries))
	}
}

func TestRun_ClearsProgressStateAfterCompletion(t *testing.T) {
	sttProv := &scriptedSTT{results: []stt.Result{{Text: "short call"}}}
	rig := newTestRig(t, sttProv, nil)
	id := rig.endedSession(t, t.TempDir(), 1)

	if err := rig.orch.Run(context.Background(), id); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The dedupe state for the finished run is dropped, so an early-stage
	// event under the same ID is delivered instead of being swallowed as a
	// regression against the terminal completed event.
	ch, cancel := rig.pub.Subscribe(id)
	defer cancel()
	rig.pub.PublishProgress(id, "transcribing", 0.1)
	evs := progressEvents(drainEvents(ch))
	if len(evs) != 1 {
		t.Fatalf("progress events after run = %d, want 1", len(evs))
	}
	if evs[0].Stage != "transcribing" {
		t.Errorf("stage = %q, want transcribing", evs[0].Stage)
	}
}

func TestRun_RequiresProcessingSession(t *testing.T) {
	rig := newTestRig(t, &scriptedSTT{}, nil)
	s := rig.sessions.Start(nil)

	if err := rig.orch.Run(context.Background(), s.ID); err == nil {
		t.Error("Run accepted an active session")
	}
	if err := rig.orch.Run(context.Background(), "missing"); err == nil {
		t.Error("Run accepted an unknown session")
	}
}

func TestBuildAnalytics(t *testing.T) {
	stats := []audio.Stats{
		{Duration: 10, TotalSpeechTime: 6},
		{Duration: 20, TotalSpeechTime: 14},
	}
	rec := insight.Record{Sentiment: insight.SentimentNegative, Tags: []string{"billing"}}

	a := buildAnalytics("s1", "one two three four", stats, rec)

	if a.TotalDuration.Seconds() != 30 {
		t.Errorf("total = %v, want 30s", a.TotalDuration)
	}
	if got := a.AgentTalkTime.Seconds(); got != 12 {
		t.Errorf("agent talk = %v, want 12s (60%% of 20s speech)", got)
	}
	if got := a.CustomerTalkTime.Seconds(); got != 8 {
		t.Errorf("customer talk = %v, want 8s", got)
	}
	if got := a.SilenceTime.Seconds(); got != 10 {
		t.Errorf("silence = %v, want 10s", got)
	}
	if a.WordCount != 4 {
		t.Errorf("words = %d, want 4", a.WordCount)
	}
	if a.OverallSentiment != insight.SentimentNegative {
		t.Errorf("sentiment = %s", a.OverallSentiment)
	}
	if len(a.Topics) != 1 || a.Topics[0] != "billing" {
		t.Errorf("topics = %v", a.Topics)
	}
}
