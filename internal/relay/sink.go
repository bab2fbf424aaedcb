package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/scriberelay/internal/observe"
)

// ErrSinkClosed is returned by [AsyncSink.Deliver] after Close.
var ErrSinkClosed = errors.New("relay: sink closed")

// Sink consumes finalized transcript texts, one call per text, in the order
// they were recognized.
type Sink interface {
	Deliver(ctx context.Context, text string) error
}

// SinkFunc adapts a plain function to [Sink].
type SinkFunc func(ctx context.Context, text string) error

// Deliver calls f(ctx, text).
func (f SinkFunc) Deliver(ctx context.Context, text string) error { return f(ctx, text) }

// Tee returns a Sink that delivers every text to each of sinks in order.
// A failing sink does not stop delivery to the others; their errors are
// joined.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, text string) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Deliver(ctx, text); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Rewrite returns a Sink that passes every text through fn before handing it
// to next. Texts that fn empties are dropped.
func Rewrite(next Sink, fn func(string) string) Sink {
	return SinkFunc(func(ctx context.Context, text string) error {
		if text = fn(text); text == "" {
			return nil
		}
		return next.Deliver(ctx, text)
	})
}

// AsyncConfig configures an [AsyncSink].
type AsyncConfig struct {
	// Name labels deliveries in metrics and logs (e.g. "websocket").
	Name string

	// Logger receives one warning per failed delivery. Default: slog.Default().
	Logger *slog.Logger

	// Metrics records per-delivery outcomes. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// AsyncSink decouples the receive direction from a slow sink. Deliver appends
// to an unbounded ordered buffer and returns immediately; a single worker
// goroutine hands texts to the wrapped sink one at a time. A failed delivery
// is logged and counted and never stops later ones.
type AsyncSink struct {
	next    Sink
	name    string
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	pending []string
	closed  bool

	wake   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// NewAsyncSink starts the worker. ctx bounds every delivery to next; it
// should outlive the session's receive direction so the buffer can be
// flushed by Close.
func NewAsyncSink(ctx context.Context, next Sink, cfg AsyncConfig) *AsyncSink {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Name == "" {
		cfg.Name = "async"
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &AsyncSink{
		next:    next,
		name:    cfg.Name,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go s.run(ctx)
	return s
}

// Deliver enqueues text. It never blocks.
func (s *AsyncSink) Deliver(_ context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.pending = append(s.pending, text)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Close stops accepting texts and waits until the buffered ones have been
// delivered or ctx is done, in which case undelivered texts are dropped and
// ctx.Err() is returned. Close is idempotent.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()

	select {
	case <-s.done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-s.done
		return ctx.Err()
	}
}

func (s *AsyncSink) run(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		text := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		err := s.next.Deliver(ctx, text)
		s.metrics.RecordDelivery(ctx, s.name, err)
		if err != nil {
			s.log.Warn("transcript delivery failed", "sink", s.name, "err", err)
		}
	}
}

func (s *AsyncSink) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
