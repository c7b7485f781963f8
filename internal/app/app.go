// Package app wires all Callgist subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithSyncClient, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/callgist/callgist/internal/config"
	"github.com/callgist/callgist/internal/crm"
	"github.com/callgist/callgist/internal/events"
	"github.com/callgist/callgist/internal/health"
	"github.com/callgist/callgist/internal/insight"
	"github.com/callgist/callgist/internal/pipeline"
	"github.com/callgist/callgist/internal/resilience"
	"github.com/callgist/callgist/internal/server"
	"github.com/callgist/callgist/internal/session"
	"github.com/callgist/callgist/internal/worker"
	"github.com/callgist/callgist/pkg/audio"
	"github.com/callgist/callgist/pkg/provider/llm"
	"github.com/callgist/callgist/pkg/provider/stt"
	"github.com/callgist/callgist/pkg/store"
	"github.com/callgist/callgist/pkg/store/memstore"
	"github.com/callgist/callgist/pkg/store/postgres"
)

// syncRetryInterval is the first backoff delay between CRM sync attempts.
const syncRetryInterval = 500 * time.Millisecond

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry. The fallback slots are optional
// standbys tried when the primary's circuit opens.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider

	STTFallback stt.Provider
	LLMFallback llm.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	// Subsystems, initialised in New and torn down in Shutdown.
	sessions *session.Manager
	store    store.Store
	events   *events.Publisher
	syncer   *crm.Syncer
	pool     *worker.Pool
	httpSrv  *http.Server

	// stt and llm are the failover-guarded provider wrappers handed to
	// the pipeline.
	stt stt.Provider
	llm llm.Provider

	syncClient crm.Client

	// addrMu guards addr, which Run sets once the listener is bound.
	addrMu sync.Mutex
	addr   string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithEvents injects an event publisher.
func WithEvents(p *events.Publisher) Option {
	return func(a *App) { a.events = p }
}

// WithSyncClient injects a CRM client instead of creating a simulated one
// from config.
func WithSyncClient(c crm.Client) Option {
	return func(a *App) { a.syncClient = c }
}

// WithLogger sets the application logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers
// struct comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		sessions:  session.NewManager(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.events == nil {
		a.events = events.NewPublisher()
	}

	// ── 1. Store ─────────────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. CRM syncer ────────────────────────────────────────────────────
	if err := a.initSyncer(); err != nil {
		return nil, fmt.Errorf("app: init crm: %w", err)
	}

	// ── 3. Pipeline + worker pool ────────────────────────────────────────
	if providers.STT == nil {
		return nil, fmt.Errorf("app: an stt provider is required")
	}
	if providers.LLM == nil {
		return nil, fmt.Errorf("app: an llm provider is required")
	}
	a.stt, a.llm = a.guardProviders(providers)
	orch := pipeline.New(pipeline.Config{
		Sessions:  a.sessions,
		Store:     a.store,
		STT:       a.stt,
		Extractor: insight.NewExtractor(a.llm, a.log),
		Normalizer: &audio.Normalizer{
			FFmpegPath: cfg.Pipeline.FFmpegPath,
		},
		Syncer: a.syncer,
		Events: a.events,
		Logger: a.log,
	})
	a.pool = worker.New(orch,
		worker.WithWorkers(cfg.Pipeline.Workers),
		worker.WithQueueSize(cfg.Pipeline.QueueSize),
		worker.WithLogger(a.log),
	)

	// ── 4. HTTP server ───────────────────────────────────────────────────
	var checkers []health.Checker
	if p, ok := a.store.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("store", p))
	}
	srv := server.New(server.Config{
		Sessions:  a.sessions,
		Store:     a.store,
		Events:    a.events,
		Pool:      a.pool,
		Syncer:    a.syncer,
		UploadDir: cfg.Pipeline.UploadDir,
		Health:    health.New(checkers...),
		Logger:    a.log,
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore sets up the configured persistence backend unless one was
// injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		st, err := postgres.NewStore(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = st
		a.closers = append(a.closers, func() error {
			st.Close()
			return nil
		})
	case config.StorageMemory, "":
		a.store = memstore.New()
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

// initSyncer builds the CRM syncer. An empty provider disables sync.
func (a *App) initSyncer() error {
	client := a.syncClient
	if client == nil {
		if a.cfg.CRM.Provider == "" {
			return nil
		}
		mc, err := crm.NewMockClient(crm.Provider(a.cfg.CRM.Provider),
			crm.WithFailureRate(a.cfg.CRM.FailureRate))
		if err != nil {
			return err
		}
		client = mc
	}

	attempts := a.cfg.CRM.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	a.syncer = crm.NewSyncer(client, a.store, resilience.RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: syncRetryInterval,
	}, a.log)
	return nil
}

// guardProviders wraps the provider slots in circuit-breaker failover
// groups. Even without a configured standby the wrapper shields the
// pipeline from hammering an unhealthy backend.
func (a *App) guardProviders(p *Providers) (stt.Provider, llm.Provider) {
	sttName := a.cfg.Providers.STT.Name
	if sttName == "" {
		sttName = "primary"
	}
	sttGroup := resilience.NewSTTFallback(p.STT, sttName, resilience.FallbackConfig{})
	if p.STTFallback != nil {
		name := "standby"
		if fb := a.cfg.Providers.STTFallback; fb != nil && fb.Name != "" {
			name = fb.Name
		}
		sttGroup.AddFallback(name, p.STTFallback)
		a.log.Info("stt failover enabled", "primary", sttName, "standby", name)
	}

	llmName := a.cfg.Providers.LLM.Name
	if llmName == "" {
		llmName = "primary"
	}
	llmGroup := resilience.NewLLMFallback(p.LLM, llmName, resilience.FallbackConfig{})
	if p.LLMFallback != nil {
		name := "standby"
		if fb := a.cfg.Providers.LLMFallback; fb != nil && fb.Name != "" {
			name = fb.Name
		}
		llmGroup.AddFallback(name, p.LLMFallback)
		a.log.Info("llm failover enabled", "primary", llmName, "standby", name)
	}

	return sttGroup, llmGroup
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the worker pool and serves HTTP until ctx is cancelled or the
// listener fails. On cancellation Run drains the HTTP server and returns
// nil.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)

	ln, err := net.Listen("tcp", a.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("app: listen on %q: %w", a.httpSrv.Addr, err)
	}
	a.addrMu.Lock()
	a.addr = ln.Addr().String()
	a.addrMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.httpSrv.Serve(ln)
	}()

	a.log.Info("callgist running", "addr", a.addr, "workers", a.cfg.Pipeline.Workers)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Addr returns the bound listen address once Run has started, else "".
func (a *App) Addr() string {
	a.addrMu.Lock()
	defer a.addrMu.Unlock()
	return a.addr
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects
// the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("http shutdown error", "err", err)
		}

		// Let in-flight pipeline runs finish before closing stores.
		if err := a.pool.Close(); err != nil {
			a.log.Warn("worker pool close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
