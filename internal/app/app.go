// Package app wires the scriberelay subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context ends, and Shutdown drains
// live sessions and tears everything down in order.
//
// For testing, inject doubles via functional options (WithSTT, WithRecorder,
// WithDecoderOptions). When an option is not provided, New builds the real
// implementation from the config.
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

	"github.com/MrWong99/scriberelay/internal/config"
	"github.com/MrWong99/scriberelay/internal/glossary"
	"github.com/MrWong99/scriberelay/internal/health"
	"github.com/MrWong99/scriberelay/internal/ingest"
	"github.com/MrWong99/scriberelay/internal/mcpserver"
	"github.com/MrWong99/scriberelay/internal/observe"
	"github.com/MrWong99/scriberelay/internal/relay"
	"github.com/MrWong99/scriberelay/internal/resilience"
	"github.com/MrWong99/scriberelay/internal/server"
	"github.com/MrWong99/scriberelay/internal/session"
	"github.com/MrWong99/scriberelay/internal/transcriptlog"
	"github.com/MrWong99/scriberelay/internal/uploads"
	"github.com/MrWong99/scriberelay/pkg/audio"
	"github.com/MrWong99/scriberelay/pkg/provider/stt"
)

// lingerTimeout bounds the wait for sessions to unwind after they were
// cancelled during shutdown.
const lingerTimeout = 2 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *observe.Metrics
	version string

	// Subsystems, initialised in New and torn down in Shutdown.
	stt         stt.Provider
	recorder    session.Recorder
	transcripts *transcriptlog.Store
	uploads     *uploads.Store
	decoder     *ingest.Decoder
	sessions    *session.Manager
	server      *http.Server

	decoderOpts []ingest.DecoderOption
	checkers    []health.Checker

	// baseCtx parents every request; cancelling it ends lingering sessions.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithSTT injects a recognition provider instead of building the failover
// chain from the config registry.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.stt = p }
}

// WithRecorder injects a transcript recorder instead of opening the
// PostgreSQL transcript log.
func WithRecorder(r session.Recorder) Option {
	return func(a *App) { a.recorder = r }
}

// WithDecoderOptions passes extra options to the media decoder.
func WithDecoderOptions(opts ...ingest.DecoderOption) Option {
	return func(a *App) { a.decoderOpts = append(a.decoderOpts, opts...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg resolves the
// configured recognition providers and may be nil when WithSTT is used.
//
// New performs all initialisation synchronously: provider construction,
// transcript log connection and migration, and upload directory creation.
// On failure everything created so far is released.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.Background())

	if err := a.init(ctx, reg); err != nil {
		a.cancelBase()
		a.runClosers()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context, reg *config.Registry) error {
	// ── 1. Recognition providers ─────────────────────────────────────────
	if err := a.initSTT(reg); err != nil {
		return fmt.Errorf("app: init stt: %w", err)
	}

	// ── 2. Transcript log ────────────────────────────────────────────────
	if err := a.initTranscripts(ctx); err != nil {
		return fmt.Errorf("app: init transcripts: %w", err)
	}

	// ── 3. Uploads ───────────────────────────────────────────────────────
	store, err := uploads.New(a.cfg.Uploads.Dir, a.cfg.Uploads.MaxBytes)
	if err != nil {
		return fmt.Errorf("app: init uploads: %w", err)
	}
	a.uploads = store

	// ── 4. Decoder ───────────────────────────────────────────────────────
	decOpts := append([]ingest.DecoderOption{ingest.WithDecoderLogger(a.log)}, a.decoderOpts...)
	a.decoder = ingest.NewDecoder(ingest.DecoderConfig{
		Binary:    a.cfg.Decoder.Binary,
		BlockSize: a.cfg.Decoder.BlockSize,
		Realtime:  a.cfg.Decoder.IsRealtime(),
		Format:    a.streamFormat(),
	}, decOpts...)
	a.checkers = append(a.checkers, health.BinaryOnPath(a.decoder.Binary()))

	// ── 5. Relay + sessions ──────────────────────────────────────────────
	coord := relay.New(a.stt,
		relay.WithStreamConfig(stt.StreamConfig{
			SampleRate: a.cfg.Stream.SampleRate,
			Channels:   a.cfg.Stream.Channels,
			Language:   a.cfg.Stream.Language,
			Encoding:   a.cfg.Stream.Encoding,
		}),
		relay.WithDrainTimeout(a.cfg.Session.DrainTimeout),
		relay.WithMetrics(a.metrics),
		relay.WithLogger(a.log),
	)
	var rewriter session.Rewriter
	if terms := a.cfg.Glossary.Terms; len(terms) > 0 {
		g := glossary.New(terms,
			glossary.WithPhoneticThreshold(a.cfg.Glossary.PhoneticThreshold),
			glossary.WithFuzzyThreshold(a.cfg.Glossary.FuzzyThreshold),
		)
		a.log.Info("glossary correction enabled", "terms", g.Len())
		rewriter = g
	}
	a.sessions = session.NewManager(session.Config{
		Coordinator: coord,
		Recorder:    a.recorder,
		Rewriter:    rewriter,
		MaxDuration: a.cfg.Session.MaxDuration,
		Metrics:     a.metrics,
		Logger:      a.log,
	})

	// ── 6. HTTP ──────────────────────────────────────────────────────────
	var mcpHandler http.Handler
	if a.cfg.Server.MCP {
		mcpHandler = mcpserver.Handler(mcpserver.New(mcpserver.Config{
			Transcriber: a,
			Uploads:     a.uploads,
			Sessions:    a.sessions,
			Version:     a.version,
			Logger:      a.log,
		}), a.log)
		a.log.Info("mcp endpoint enabled", "path", "/mcp")
	}
	srv := server.New(server.Config{
		Sessions:         a.sessions,
		Decoder:          a.decoder,
		Uploads:          a.uploads,
		Health:           health.New(a.checkers...),
		MetricsHandler:   observe.MetricsHandler(),
		MCPHandler:       mcpHandler,
		StreamFormat:     a.streamFormat(),
		ReferenceTimeout: a.cfg.Session.ReferenceTimeout,
		Metrics:          a.metrics,
		Logger:           a.log,
	})
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// streamFormat is the PCM format every ingress must produce: the one the
// recognition stream is opened with.
func (a *App) streamFormat() audio.Format {
	return audio.Format{SampleRate: a.cfg.Stream.SampleRate, Channels: a.cfg.Stream.Channels}
}

// initSTT builds the failover chain of the primary provider followed by the
// configured fallbacks, each behind its own circuit breaker.
func (a *App) initSTT(reg *config.Registry) error {
	if a.stt != nil {
		return nil
	}
	if reg == nil {
		return errors.New("no provider registry and no injected provider")
	}

	failover := resilience.NewSTTFailover(resilience.BreakerConfig{Logger: a.log})
	entries := append([]config.ProviderEntry{a.cfg.Providers.STT}, a.cfg.Providers.STTFallbacks...)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return err
		}
		failover.Add(entry.Name, p)
		names = append(names, entry.Name)
	}
	a.stt = failover
	a.checkers = append(a.checkers, health.Checker{Name: "stt", Check: failover.Check})
	a.log.Info("recognition providers ready", "chain", names)
	return nil
}

// initTranscripts opens the PostgreSQL transcript log when a DSN is set and
// no recorder was injected.
func (a *App) initTranscripts(ctx context.Context) error {
	if a.recorder != nil {
		return nil
	}
	dsn := a.cfg.Transcripts.PostgresDSN
	if dsn == "" {
		a.log.Info("transcript log disabled")
		return nil
	}
	store, err := transcriptlog.Open(ctx, dsn)
	if err != nil {
		return err
	}
	a.transcripts = store
	a.recorder = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.checkers = append(a.checkers, health.Checker{Name: "transcripts", Check: store.Ping})
	a.log.Info("transcript log connected")
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler of the service.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ActiveSessions lists the sessions currently running.
func (a *App) ActiveSessions() []session.Info { return a.sessions.Active() }

// Run listens on the configured address and serves until ctx is cancelled.
// Call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	tls := a.cfg.Server.TLS
	a.log.Info("listening", "addr", ln.Addr().String(), "tls", tls != nil)

	errCh := make(chan error, 1)
	go func() {
		if tls != nil {
			errCh <- a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Transcribe relays the media file at path through one session outside of
// HTTP and delivers every finalized transcript to sink.
func (a *App) Transcribe(ctx context.Context, path string, sink relay.Sink) error {
	return a.sessions.Run(ctx, session.Request{
		Kind: session.KindMedia,
		Ingest: func(ctx context.Context, q *audio.Queue) error {
			return a.decoder.Run(ctx, path, q)
		},
		Sink: sink,
	})
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, waits for live sessions to finish
// until ctx expires, cancels whatever is left and closes the subsystems.
// It returns ctx.Err() when sessions had to be cancelled.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_sessions", a.sessions.Len(), "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown", "err", err)
		}

		// WebSocket connections are hijacked, so the server does not wait
		// for them.
		if err := a.waitIdle(ctx); err != nil {
			a.log.Warn("shutdown deadline exceeded, cancelling sessions", "remaining", a.sessions.Len())
			shutdownErr = err
		}
		a.cancelBase()
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lingerTimeout)
		defer cancel()
		if err := a.waitIdle(lctx); err != nil {
			a.log.Warn("sessions still unwinding", "remaining", a.sessions.Len())
		}

		a.runClosers()
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// waitIdle blocks until no session is active or ctx is done.
func (a *App) waitIdle(ctx context.Context) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for a.sessions.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

func (a *App) runClosers() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
