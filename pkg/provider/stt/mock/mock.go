// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller opens streams with the expected
// StreamConfig. Use Stream to script the recognition events a caller receives
// and to inspect which audio chunks were sent.
//
// Example:
//
//	s := mock.NewStream()
//	s.Emit(stt.Event{Alternatives: []stt.Alternative{{Text: "ciao"}}})
//	p := &mock.Provider{Stream: s}
//	stream, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/MrWong99/scriberelay/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by StartStream. If nil, NewStreamFunc is consulted,
	// and if that is nil too a fresh NewStream() is returned.
	Stream stt.Stream

	// NewStreamFunc builds a stream per call. Useful when several sessions
	// share one provider.
	NewStreamFunc func(cfg stt.StreamConfig) (stt.Stream, error)

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns the configured stream or error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	err, s, fn := p.StartStreamErr, p.Stream, p.NewStreamFunc
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if s != nil {
		return s, nil
	}
	if fn != nil {
		return fn(cfg)
	}
	return NewStream(), nil
}

// Calls returns a copy of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Stream is a scriptable implementation of stt.Stream.
//
// Events queued with Emit are handed out by Recv in order. When EOFOnCloseSend
// is true (the NewStream default) Recv reports io.EOF once CloseSend has been
// called and every queued event was consumed, mimicking a remote service that
// flushes and closes after end-of-input.
//
// Create streams with NewStream; the zero value is not usable.
type Stream struct {
	mu sync.Mutex

	// EOFOnCloseSend makes CloseSend finish the receive side.
	EOFOnCloseSend bool

	// SendErr, if non-nil, is returned by Send once FailSendAfter chunks have
	// been accepted.
	SendErr       error
	FailSendAfter int

	// CloseSendErr, if non-nil, is returned by CloseSend.
	CloseSendErr error

	// OnSend, if set, is called after every accepted chunk with the number
	// of chunks accepted so far. It runs outside the stream lock so it may
	// call Emit or Fail.
	OnSend func(n int, chunk []byte)

	events   []stt.Event
	finished bool
	failErr  error
	wake     chan struct{}
	closed   chan struct{}

	sent           [][]byte
	closeSendCalls int
	closeCalls     int
	sendDone       bool
}

// NewStream returns a Stream that ends its receive side after CloseSend.
func NewStream() *Stream {
	return &Stream{
		EOFOnCloseSend: true,
		wake:           make(chan struct{}, 1),
		closed:         make(chan struct{}),
	}
}

// Emit queues ev for Recv.
func (s *Stream) Emit(ev stt.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.notify()
}

// Finish makes Recv return io.EOF after the queued events.
func (s *Stream) Finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.notify()
}

// Fail makes Recv return err after the queued events.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
	s.notify()
}

// Send records a copy of chunk.
func (s *Stream) Send(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.sendDone || s.isClosed() {
		s.mu.Unlock()
		return stt.ErrStreamClosed
	}
	if s.SendErr != nil && len(s.sent) >= s.FailSendAfter {
		err := s.SendErr
		s.mu.Unlock()
		return err
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sent = append(s.sent, cp)
	n, hook := len(s.sent), s.OnSend
	s.mu.Unlock()

	if hook != nil {
		hook(n, cp)
	}
	return nil
}

// CloseSend records the call. A second call returns stt.ErrStreamClosed.
func (s *Stream) CloseSend(ctx context.Context) error {
	s.mu.Lock()
	s.closeSendCalls++
	if s.sendDone {
		s.mu.Unlock()
		return stt.ErrStreamClosed
	}
	s.sendDone = true
	if s.CloseSendErr != nil {
		err := s.CloseSendErr
		s.mu.Unlock()
		return err
	}
	if s.EOFOnCloseSend {
		s.finished = true
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Recv returns the next queued event, io.EOF once finished, or the error set
// with Fail.
func (s *Stream) Recv(ctx context.Context) (stt.Event, error) {
	for {
		s.mu.Lock()
		if len(s.events) > 0 {
			ev := s.events[0]
			s.events = s.events[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.failErr != nil {
			err := s.failErr
			s.mu.Unlock()
			return stt.Event{}, err
		}
		if s.finished {
			s.mu.Unlock()
			return stt.Event{}, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.closed:
			return stt.Event{}, stt.ErrStreamClosed
		case <-ctx.Done():
			return stt.Event{}, ctx.Err()
		}
	}
}

// Close records the call. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.isClosed() {
		close(s.closed)
	}
	return nil
}

// Sent returns copies of every chunk accepted by Send, in order. Thread-safe.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// CloseSendCalls returns how often CloseSend was called. Thread-safe.
func (s *Stream) CloseSendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSendCalls
}

// CloseCalls returns how often Close was called. Thread-safe.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// isClosed must be called with s.mu held.
func (s *Stream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Stream) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Ensure Stream implements stt.Stream at compile time.
var _ stt.Stream = (*Stream)(nil)
