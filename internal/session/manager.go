// Package session runs transcription sessions: one per client connection,
// each binding an ingress adapter, an audio queue, a recognition stream and
// a delivery sink for exactly as long as the connection lives.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scriberelay/internal/observe"
	"github.com/MrWong99/scriberelay/internal/relay"
	"github.com/MrWong99/scriberelay/pkg/audio"
)

// defaultFlushTimeout bounds how long buffered transcripts may take to reach
// the client once the relay has finished.
const defaultFlushTimeout = 5 * time.Second

// ErrMaxDuration is returned by [Manager.Run] when a session outlives the
// configured maximum duration.
var ErrMaxDuration = errors.New("session: maximum duration exceeded")

// Kind selects the ingress of a session.
type Kind string

const (
	// KindFrames sessions receive raw PCM as binary WebSocket frames.
	KindFrames Kind = "frames"

	// KindMedia sessions decode a server-side media file.
	KindMedia Kind = "media"
)

// IngestFunc feeds a session's queue and must call q.End before returning.
// Its error is logged and counted but never fails the session.
type IngestFunc func(ctx context.Context, q *audio.Queue) error

// Recorder persists transcripts. Sink returns the sink for one session.
type Recorder interface {
	Sink(sessionID string) relay.Sink
}

// Rewriter corrects finalized texts before they are delivered or recorded.
type Rewriter interface {
	Rewrite(text string) string
}

// Request describes one session.
type Request struct {
	Kind   Kind
	Ingest IngestFunc

	// Sink receives every finalized text. Deliveries happen on a separate
	// goroutine, so a slow sink never stalls recognition.
	Sink relay.Sink

	// OnFatal, if set, is called with a fatal relay error before the ingress
	// is cancelled. Transports use it to close the client connection with
	// the right status.
	OnFatal func(err error)
}

// Info describes an active session.
type Info struct {
	ID        string
	Kind      Kind
	StartedAt time.Time
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Coordinator relays audio to the recognition service. Required.
	Coordinator *relay.Coordinator

	// Recorder, if non-nil, receives a copy of every transcript.
	Recorder Recorder

	// Rewriter, if non-nil, corrects every text on the delivery goroutine.
	Rewriter Rewriter

	// MaxDuration bounds a whole session. Zero means unbounded.
	MaxDuration time.Duration

	// FlushTimeout bounds the delivery of buffered transcripts after the
	// relay finished. Default: 5s.
	FlushTimeout time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Manager creates and tracks sessions. All methods are safe for concurrent
// use; sessions share nothing but the coordinator.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	active map[string]Info
}

// NewManager returns a Manager. It panics if cfg.Coordinator is nil.
func NewManager(cfg Config) *Manager {
	if cfg.Coordinator == nil {
		panic("session: NewManager called with nil Coordinator")
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg, active: make(map[string]Info)}
}

// Run executes one session and blocks until it is over: the relay has
// returned, the ingress has stopped and buffered transcripts were flushed.
//
// Ingress and decode failures are absorbed. Run returns the relay's error,
// [ErrMaxDuration] when the session ran too long, or ctx.Err() when ctx was
// cancelled.
func (m *Manager) Run(ctx context.Context, req Request) (err error) {
	info := Info{ID: uuid.NewString(), Kind: req.Kind, StartedAt: time.Now().UTC()}
	log := m.cfg.Logger.With("session_id", info.ID, "kind", string(info.Kind))

	m.track(info)
	defer m.untrack(info.ID)
	done := m.cfg.Metrics.SessionStarted(ctx, string(info.Kind))
	defer done()

	ctx, span := observe.StartSpan(ctx, "session.run")
	defer func() { observe.EndSpan(span, err) }()

	if m.cfg.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, m.cfg.MaxDuration, ErrMaxDuration)
		defer cancel()
	}
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("session started")

	sink := req.Sink
	if m.cfg.Recorder != nil {
		sink = relay.Tee(sink, m.cfg.Recorder.Sink(info.ID))
	}
	if m.cfg.Rewriter != nil {
		sink = relay.Rewrite(sink, m.cfg.Rewriter.Rewrite)
	}
	async := relay.NewAsyncSink(context.WithoutCancel(ctx), sink, relay.AsyncConfig{
		Name:    string(info.Kind),
		Logger:  log,
		Metrics: m.cfg.Metrics,
	})

	q := audio.NewQueue()
	ingestErr := make(chan error, 1)
	go func() {
		defer q.End()
		ingestErr <- req.Ingest(sessCtx, q)
	}()

	err = m.cfg.Coordinator.Run(sessCtx, q, async)
	fatal := err != nil && relay.KindOf(err).Fatal() && !isCancel(err)
	if fatal {
		// The transport is torn down by OnFatal and by cancelling the
		// ingress, so texts already received must be written out first.
		m.flush(ctx, async, log)
		if req.OnFatal != nil {
			req.OnFatal(err)
		}
	}
	if err != nil {
		cancel()
	}
	if ierr := <-ingestErr; ierr != nil && !isCancel(ierr) {
		m.cfg.Metrics.RecordSessionError(ctx, relay.KindOf(ierr).String())
		log.Warn("ingress ended with error", "err", ierr)
	}
	if !fatal {
		m.flush(ctx, async, log)
	}

	switch {
	case err == nil:
		log.Info("session finished", "duration", time.Since(info.StartedAt))
		return nil
	case errors.Is(context.Cause(ctx), ErrMaxDuration):
		m.cfg.Metrics.RecordSessionError(ctx, "max_duration")
		log.Warn("session exceeded maximum duration", "max", m.cfg.MaxDuration)
		return ErrMaxDuration
	case isCancel(err):
		log.Info("session cancelled")
		return err
	default:
		m.cfg.Metrics.RecordSessionError(ctx, relay.KindOf(err).String())
		log.Error("session failed", "err", err)
		return err
	}
}

// flush waits up to FlushTimeout for async to deliver its buffered texts.
func (m *Manager) flush(ctx context.Context, async *relay.AsyncSink, log *slog.Logger) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.FlushTimeout)
	defer cancel()
	if err := async.Close(flushCtx); err != nil {
		log.Warn("transcripts not flushed", "err", err)
	}
}

// Active returns the sessions currently running, oldest first.
func (m *Manager) Active() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.active))
	for _, info := range m.active {
		out = append(out, info)
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Info) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Len returns the number of running sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) track(info Info) {
	m.mu.Lock()
	m.active[info.ID] = info
	m.mu.Unlock()
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
