package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/scriberelay/internal/observe"
	"github.com/MrWong99/scriberelay/pkg/audio"
	"github.com/MrWong99/scriberelay/pkg/provider/stt"
	"github.com/MrWong99/scriberelay/pkg/provider/stt/mock"
)

// recordingSink collects delivered texts.
type recordingSink struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *recordingSink) Deliver(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return s.err
}

func (s *recordingSink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.texts)
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestCoordinator(t *testing.T, p stt.Provider, opts ...Option) *Coordinator {
	t.Helper()
	return New(p, append([]Option{WithMetrics(testMetrics(t))}, opts...)...)
}

func final(texts ...string) stt.Event {
	ev := stt.Event{}
	for _, txt := range texts {
		ev.Alternatives = append(ev.Alternatives, stt.Alternative{Text: txt})
	}
	return ev
}

func partial(text string) stt.Event {
	return stt.Event{Partial: true, Alternatives: []stt.Alternative{{Text: text}}}
}

// runAsync starts Run and returns a channel with its result.
func runAsync(ctx context.Context, c *Coordinator, src ChunkSource, sink Sink) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx, src, sink) }()
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return in time")
		return nil
	}
}

func TestRun_ForwardsChunksInOrderThenEndOfInput(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 3, 64} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			t.Parallel()
			stream := mock.NewStream()
			c := newTestCoordinator(t, &mock.Provider{Stream: stream})

			q := audio.NewQueue()
			var want [][]byte
			for i := range n {
				chunk := []byte(fmt.Sprintf("chunk-%03d", i))
				want = append(want, chunk)
				_ = q.Push(chunk)
			}
			q.End()

			if err := waitRun(t, runAsync(context.Background(), c, q, &recordingSink{})); err != nil {
				t.Fatalf("Run: %v", err)
			}

			got := stream.Sent()
			if len(got) != n {
				t.Fatalf("sent %d chunks, want %d", len(got), n)
			}
			for i := range want {
				if !bytes.Equal(got[i], want[i]) {
					t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
				}
			}
			if calls := stream.CloseSendCalls(); calls != 1 {
				t.Errorf("CloseSend called %d times, want 1", calls)
			}
			if stream.CloseCalls() == 0 {
				t.Error("stream was not closed")
			}
		})
	}
}

func TestRun_OpensStreamWithProfile(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	c := newTestCoordinator(t, p)

	q := audio.NewQueue()
	q.End()
	if err := c.Run(context.Background(), q, &recordingSink{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("StartStream called %d times, want 1", len(calls))
	}
	if calls[0].Cfg != DefaultStreamConfig {
		t.Errorf("stream config = %+v, want %+v", calls[0].Cfg, DefaultStreamConfig)
	}
	if DefaultStreamConfig.Language != "it-IT" || DefaultStreamConfig.SampleRate != 16000 {
		t.Errorf("unexpected default profile %+v", DefaultStreamConfig)
	}
}

// Partial hypotheses are skipped; every alternative of a final event is delivered.
func TestRun_DeliversOnlyFinalTexts(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.Emit(partial("hello"))
	stream.Emit(final("hello world"))
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	for _, chunk := range []string{"c1", "c2", "c3"} {
		_ = q.Push([]byte(chunk))
	}
	q.End()

	sink := &recordingSink{}
	if err := waitRun(t, runAsync(context.Background(), c, q, sink)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.Texts(); !slices.Equal(got, []string{"hello world"}) {
		t.Errorf("delivered %q, want exactly [hello world]", got)
	}
}

func TestRun_FinalWithSeveralAlternatives(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.Emit(final("uno", "due", "tre"))
	stream.Emit(partial("quattro"))
	stream.Emit(final())
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	q.End()

	sink := &recordingSink{}
	if err := c.Run(context.Background(), q, sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.Texts(); !slices.Equal(got, []string{"uno", "due", "tre"}) {
		t.Errorf("delivered %q", got)
	}
}

// A zero-length chunk travels through the queue like any other.
func TestRun_ZeroLengthChunkIsForwarded(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	_ = q.Push([]byte{})
	q.End()

	if err := c.Run(context.Background(), q, &recordingSink{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sent := stream.Sent()
	if len(sent) != 1 || len(sent[0]) != 0 {
		t.Fatalf("sent = %q, want one zero-length chunk", sent)
	}
	if stream.CloseSendCalls() != 1 {
		t.Errorf("CloseSend calls = %d, want 1", stream.CloseSendCalls())
	}
}

func TestRun_ImmediateEndStillDeliversRemoteOutput(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.Emit(final("independent"))
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	q.End()

	sink := &recordingSink{}
	if err := c.Run(context.Background(), q, sink); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(stream.Sent()) != 0 {
		t.Errorf("sent %d chunks, want 0", len(stream.Sent()))
	}
	if got := sink.Texts(); !slices.Equal(got, []string{"independent"}) {
		t.Errorf("delivered %q", got)
	}
}

// Texts delivered before a remote failure stay delivered; the failure ends the run.
func TestRun_RemoteFailureMidSession(t *testing.T) {
	t.Parallel()
	remoteErr := errors.New("remote exploded")
	stream := mock.NewStream()
	stream.Emit(final("prima"))
	stream.Fail(remoteErr)
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	// The queue never ends: only the failure can stop the send direction.
	q := audio.NewQueue()
	_ = q.Push([]byte("c1"))

	sink := &recordingSink{}
	err := waitRun(t, runAsync(context.Background(), c, q, sink))
	if !errors.Is(err, remoteErr) {
		t.Fatalf("Run = %v, want remote error", err)
	}
	if KindOf(err) != KindRemoteStream {
		t.Errorf("kind = %v, want remote_stream", KindOf(err))
	}
	if got := sink.Texts(); !slices.Equal(got, []string{"prima"}) {
		t.Errorf("delivered %q, want exactly one text", got)
	}
	if stream.CloseSendCalls() != 0 {
		t.Error("end of input must not be signalled after a cancelled traversal")
	}
	if stream.CloseCalls() == 0 {
		t.Error("stream was not closed")
	}
}

func TestRun_SendFailureCancelsReceive(t *testing.T) {
	t.Parallel()
	sendErr := errors.New("broken pipe")
	stream := mock.NewStream()
	stream.SendErr = sendErr
	stream.FailSendAfter = 1
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	_ = q.Push([]byte("ok"))
	_ = q.Push([]byte("fails"))

	err := waitRun(t, runAsync(context.Background(), c, q, &recordingSink{}))
	if !errors.Is(err, sendErr) || KindOf(err) != KindRemoteStream {
		t.Fatalf("Run = %v, want remote_stream send error", err)
	}
	if len(stream.Sent()) != 1 {
		t.Errorf("sent %d chunks, want 1", len(stream.Sent()))
	}
}

func TestRun_OpenFailure(t *testing.T) {
	t.Parallel()
	openErr := errors.New("unauthorized")
	c := newTestCoordinator(t, &mock.Provider{StartStreamErr: openErr})

	q := audio.NewQueue()
	q.End()
	err := c.Run(context.Background(), q, &recordingSink{})
	if !errors.Is(err, openErr) || KindOf(err) != KindRemoteStream {
		t.Fatalf("Run = %v, want remote_stream open error", err)
	}
}

func TestRun_DeliveryErrorsDoNotStopLaterTexts(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.Emit(final("a"))
	stream.Emit(final("b"))
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	q.End()

	sink := &recordingSink{err: errors.New("client gone")}
	if err := c.Run(context.Background(), q, sink); err != nil {
		t.Fatalf("Run = %v, delivery errors must be absorbed", err)
	}
	if got := sink.Texts(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("attempted %q, want both texts", got)
	}
}

func TestRun_DrainTimeout(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.EOFOnCloseSend = false
	c := newTestCoordinator(t, &mock.Provider{Stream: stream}, WithDrainTimeout(50*time.Millisecond))

	q := audio.NewQueue()
	q.End()

	err := waitRun(t, runAsync(context.Background(), c, q, &recordingSink{}))
	if !errors.Is(err, ErrDrainTimeout) || KindOf(err) != KindRemoteStream {
		t.Fatalf("Run = %v, want drain timeout", err)
	}
}

func TestRun_RemoteClosesBeforeEndOfInput(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	stream.Finish()
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	_ = q.Push([]byte("c1"))

	err := waitRun(t, runAsync(context.Background(), c, q, &recordingSink{}))
	if !errors.Is(err, ErrRemoteClosed) {
		t.Fatalf("Run = %v, want ErrRemoteClosed", err)
	}
}

func TestRun_ContextCancelStopsBothDirections(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runAsync(ctx, c, q, &recordingSink{})

	_ = q.Push([]byte("c1"))
	time.Sleep(20 * time.Millisecond)
	cancel()

	err := waitRun(t, errCh)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if stream.CloseSendCalls() != 0 {
		t.Error("cancellation must not signal end of input")
	}
}

func TestRun_ChunksSentWhileRemoteRespondsConcurrently(t *testing.T) {
	t.Parallel()
	stream := mock.NewStream()
	// Each accepted chunk produces one final result, so both directions are
	// busy at the same time.
	stream.OnSend = func(n int, chunk []byte) {
		stream.Emit(final(string(chunk)))
	}
	c := newTestCoordinator(t, &mock.Provider{Stream: stream})

	q := audio.NewQueue()
	sink := &recordingSink{}
	errCh := runAsync(context.Background(), c, q, sink)

	var want []string
	for i := range 20 {
		s := fmt.Sprintf("t%02d", i)
		want = append(want, s)
		_ = q.Push([]byte(s))
	}
	q.End()

	if err := waitRun(t, errCh); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sink.Texts(); !slices.Equal(got, want) {
		t.Errorf("delivered %q, want %q", got, want)
	}
}
