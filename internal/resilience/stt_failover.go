package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/scriberelay/pkg/provider/stt"
)

// ErrAllFailed is returned when every provider in an [STTFailover] failed to
// open a stream or has an open breaker.
var ErrAllFailed = errors.New("resilience: all recognition providers failed")

// failoverEntry pairs a provider with its dedicated breaker.
type failoverEntry struct {
	name     string
	provider stt.Provider
	breaker  *Breaker
}

// STTFailover implements [stt.Provider] over an ordered list of recognition
// backends, each behind its own [Breaker]. StartStream tries them in
// registration order and returns the first stream that opens. Only opening a
// stream fails over; an established stream is never migrated.
//
// Entries must all be added before the first StartStream call.
type STTFailover struct {
	cfg     BreakerConfig
	entries []failoverEntry
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover returns an empty failover list. cfg is the template for
// every entry's breaker; its Name is replaced by the entry name. cfg.Logger
// also receives the failover decisions.
func NewSTTFailover(cfg BreakerConfig) *STTFailover {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &STTFailover{cfg: cfg}
}

// Add appends a provider. The first one added is the primary.
func (f *STTFailover) Add(name string, p stt.Provider) {
	cfg := f.cfg
	cfg.Name = name
	f.entries = append(f.entries, failoverEntry{name: name, provider: p, breaker: NewBreaker(cfg)})
}

// Len returns the number of registered providers.
func (f *STTFailover) Len() int { return len(f.entries) }

// StartStream opens a stream on the first healthy provider. Cancellation of
// ctx stops the search immediately.
func (f *STTFailover) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	if len(f.entries) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrAllFailed)
	}
	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		var s stt.Stream
		err := e.breaker.Execute(func() error {
			var err error
			s, err = e.provider.StartStream(ctx, cfg)
			return err
		})
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			f.cfg.Logger.Debug("skipping recognition provider, circuit open", "provider", e.name)
			continue
		}
		f.cfg.Logger.Warn("recognition provider failed to open stream", "provider", e.name, "err", err)
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Check is a readiness probe: it passes while at least one provider's
// breaker is not open.
func (f *STTFailover) Check(ctx context.Context) error {
	for _, e := range f.entries {
		if e.breaker.Check(ctx) == nil {
			return nil
		}
	}
	return ErrCircuitOpen
}
