// Package relay runs one transcription session: it drives the two directions
// of a recognition stream concurrently, audio chunks out and finalized
// transcripts back, and classifies what can go wrong on the way.
package relay

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scriberelay/internal/observe"
	"github.com/MrWong99/scriberelay/pkg/audio"
	"github.com/MrWong99/scriberelay/pkg/provider/stt"
)

// DefaultDrainTimeout bounds the wait for the recognition stream to close
// after end-of-input was signalled.
const DefaultDrainTimeout = 30 * time.Second

// ErrRemoteClosed is returned when the recognition stream closes while the
// session still has audio to send.
var ErrRemoteClosed = errors.New("relay: recognition stream closed before end of input")

// DefaultStreamConfig is the recognition profile used unless overridden:
// Italian, 16 kHz mono linear PCM.
var DefaultStreamConfig = stt.StreamConfig{
	SampleRate: 16000,
	Channels:   1,
	Language:   "it-IT",
	Encoding:   "linear16",
}

// ChunkSource yields the audio of one session as a finite, single-pass
// sequence. *audio.Queue implements it.
type ChunkSource interface {
	Chunks(ctx context.Context) iter.Seq[[]byte]
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithStreamConfig sets the recognition profile every stream is opened with.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithDrainTimeout overrides [DefaultDrainTimeout]. Zero disables the bound.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.drainTimeout = d }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the base logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// Coordinator opens one recognition stream per [Coordinator.Run] call. It
// holds no per-session state and is safe for concurrent use.
type Coordinator struct {
	provider     stt.Provider
	cfg          stt.StreamConfig
	drainTimeout time.Duration
	metrics      *observe.Metrics
	log          *slog.Logger
}

// New returns a Coordinator that opens streams on provider.
func New(provider stt.Provider, opts ...Option) *Coordinator {
	c := &Coordinator{
		provider:     provider,
		cfg:          DefaultStreamConfig,
		drainTimeout: DefaultDrainTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Run relays src into a new recognition stream and every finalized text
// back into sink, then closes the stream.
//
// The send direction forwards each chunk unmodified and in order and
// signals end-of-input exactly once, only after src ended on its own. The
// receive direction reads events until the stream closes and delivers
// [FinalTexts] of each. Delivery errors are logged and skipped.
//
// Run returns after both directions have returned. The first error of
// either direction cancels the other and is returned; failures of the
// recognition stream are [*Error] values of kind KindRemoteStream. If ctx
// is cancelled, Run returns ctx.Err().
func (c *Coordinator) Run(ctx context.Context, src ChunkSource, sink Sink) (err error) {
	ctx, span := observe.StartSpan(ctx, "relay.run")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.LoggerFrom(ctx, c.log)

	start := time.Now()
	stream, err := c.provider.StartStream(ctx, c.cfg)
	c.metrics.StreamOpenDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return Errorf(KindRemoteStream, "open stream", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Debug("close recognition stream", "err", err)
		}
	}()
	log.Debug("recognition stream opened", "language", c.cfg.Language, "sample_rate", c.cfg.SampleRate)

	g, gctx := errgroup.WithContext(ctx)
	recvCtx, cancelRecv := context.WithCancelCause(gctx)
	defer cancelRecv(nil)

	inputEnded := make(chan struct{})
	recvDone := make(chan struct{})

	g.Go(func() error {
		return c.send(gctx, src, stream, inputEnded, recvDone, cancelRecv)
	})
	g.Go(func() error {
		defer close(recvDone)
		return c.receive(recvCtx, stream, sink, inputEnded, log)
	})

	return g.Wait()
}

func (c *Coordinator) send(
	ctx context.Context,
	src ChunkSource,
	stream stt.Stream,
	inputEnded chan<- struct{},
	recvDone <-chan struct{},
	cancelRecv context.CancelCauseFunc,
) error {
	format := audio.Format{SampleRate: c.cfg.SampleRate, Channels: c.cfg.Channels}
	for chunk := range src.Chunks(ctx) {
		if err := stream.Send(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Errorf(KindRemoteStream, "send audio", err)
		}
		c.metrics.RecordChunk(ctx, len(chunk), format.Duration(len(chunk)))
	}
	// The sequence also stops on cancellation; that is not end of input.
	if err := ctx.Err(); err != nil {
		return err
	}

	close(inputEnded)
	if err := stream.CloseSend(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return Errorf(KindRemoteStream, "close send", err)
	}
	if c.drainTimeout <= 0 {
		return nil
	}

	timer := time.NewTimer(c.drainTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		cancelRecv(ErrDrainTimeout)
	case <-recvDone:
	case <-ctx.Done():
	}
	return nil
}

func (c *Coordinator) receive(
	ctx context.Context,
	stream stt.Stream,
	sink Sink,
	inputEnded <-chan struct{},
	log *slog.Logger,
) error {
	for {
		ev, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			select {
			case <-inputEnded:
				return nil
			default:
				return Errorf(KindRemoteStream, "recv", ErrRemoteClosed)
			}
		}
		if err != nil {
			if errors.Is(context.Cause(ctx), ErrDrainTimeout) {
				return Errorf(KindRemoteStream, "drain", ErrDrainTimeout)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Errorf(KindRemoteStream, "recv", err)
		}

		for _, text := range FinalTexts(ev) {
			if err := sink.Deliver(ctx, text); err != nil {
				c.metrics.RecordSessionError(ctx, KindDelivery.String())
				log.Warn("deliver transcript", "err", Errorf(KindDelivery, "deliver", err))
			}
		}
	}
}
