package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/callgist/callgist/internal/config"
	"github.com/callgist/callgist/internal/resilience"
	"github.com/callgist/callgist/pkg/provider/llm"
	llmmock "github.com/callgist/callgist/pkg/provider/llm/mock"
	"github.com/callgist/callgist/pkg/provider/stt"
	sttmock "github.com/callgist/callgist/pkg/provider/stt/mock"
	"github.com/callgist/callgist/pkg/store/memstore"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Storage: config.StorageConfig{Backend: config.StorageMemory},
		Pipeline: config.PipelineConfig{
			Workers:   1,
			QueueSize: 4,
		},
		CRM: config.CRMConfig{Provider: "salesforce"},
	}
}

func testProviders() *Providers {
	return &Providers{
		STT: &sttmock.Provider{},
		LLM: &llmmock.Provider{},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.syncer == nil {
		t.Error("syncer not built despite configured CRM provider")
	}

	// The wired handler must already serve the liveness probe.
	rr := httptest.NewRecorder()
	a.httpSrv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestNewRequiresProviders(t *testing.T) {
	cases := map[string]*Providers{
		"missing stt": {LLM: &llmmock.Provider{}},
		"missing llm": {STT: &sttmock.Provider{}},
	}
	for name, providers := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := New(context.Background(), testConfig(), providers, WithLogger(quietLogger())); err == nil {
				t.Fatal("New succeeded without required provider")
			}
		})
	}
}

func TestNewWiresProviderFailover(t *testing.T) {
	primarySTT := &sttmock.Provider{Err: errors.New("stt backend down")}
	standbySTT := &sttmock.Provider{Default: stt.Result{Text: "standby transcript"}}
	primaryLLM := &llmmock.Provider{CompleteErr: errors.New("llm backend down")}
	standbyLLM := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "{}"}}

	a, err := New(context.Background(), testConfig(), &Providers{
		STT:         primarySTT,
		LLM:         primaryLLM,
		STTFallback: standbySTT,
		LLMFallback: standbyLLM,
	}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := a.stt.Transcribe(context.Background(), "call.wav")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "standby transcript" {
		t.Errorf("text = %q, want standby transcript", res.Text)
	}
	if primarySTT.CallCount() == 0 {
		t.Error("primary stt was never tried")
	}

	resp, err := a.llm.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp == nil || resp.Content != "{}" {
		t.Errorf("response = %+v, want standby content", resp)
	}
}

func TestNewGuardsProvidersWithoutStandby(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Even a single backend is wrapped, so provider failures surface as
	// the failover group's error instead of hanging the pipeline.
	if _, ok := a.stt.(*resilience.STTFallback); !ok {
		t.Errorf("stt provider = %T, want *resilience.STTFallback", a.stt)
	}
	if _, ok := a.llm.(*resilience.LLMFallback); !ok {
		t.Errorf("llm provider = %T, want *resilience.LLMFallback", a.llm)
	}
}

func TestNewWithoutCRM(t *testing.T) {
	cfg := testConfig()
	cfg.CRM.Provider = ""

	a, err := New(context.Background(), cfg, testProviders(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.syncer != nil {
		t.Error("syncer built despite empty CRM provider")
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Storage.Backend = "etcd"

	_, err := New(context.Background(), cfg, testProviders(), WithLogger(quietLogger()))
	if err == nil || !strings.Contains(err.Error(), "etcd") {
		t.Fatalf("err = %v, want unknown backend error", err)
	}
}

func TestNewWithInjectedStore(t *testing.T) {
	st := memstore.New()
	a, err := New(context.Background(), testConfig(), testProviders(),
		WithStore(st), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.store != st {
		t.Error("injected store was replaced")
	}
}

func TestRunAndShutdown(t *testing.T) {
	a, err := New(context.Background(), testConfig(), testProviders(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for a.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("listener never bound")
		}
		time.Sleep(time.Millisecond)
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", a.Addr()))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("repeated Shutdown: %v", err)
	}
}
