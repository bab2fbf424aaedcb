package resilience

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/MrWong99/scriberelay/pkg/provider/stt"
	"github.com/MrWong99/scriberelay/pkg/provider/stt/mock"
)

func TestSTTFailover_PrimaryServes(t *testing.T) {
	stream := mock.NewStream()
	primary := &mock.Provider{Stream: stream}
	backup := &mock.Provider{}

	f := NewSTTFailover(BreakerConfig{})
	f.Add("primary", primary)
	f.Add("backup", backup)

	cfg := stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "it-IT"}
	got, err := f.StartStream(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if got != stream {
		t.Error("stream did not come from primary")
	}
	if calls := primary.Calls(); len(calls) != 1 || calls[0].Cfg != cfg {
		t.Errorf("primary calls = %+v", calls)
	}
	if n := len(backup.Calls()); n != 0 {
		t.Errorf("backup called %d times", n)
	}
}

func TestSTTFailover_FallsBackAndSkipsOpenBreaker(t *testing.T) {
	primary := &mock.Provider{StartStreamErr: errors.New("401")}
	backupStream := mock.NewStream()
	backup := &mock.Provider{Stream: backupStream}

	f := NewSTTFailover(BreakerConfig{MaxFailures: 1})
	f.Add("primary", primary)
	f.Add("backup", backup)
	ctx := context.Background()

	for range 3 {
		got, err := f.StartStream(ctx, stt.StreamConfig{})
		if err != nil {
			t.Fatalf("StartStream: %v", err)
		}
		if got != backupStream {
			t.Fatal("expected backup stream")
		}
	}
	if n := len(primary.Calls()); n != 1 {
		t.Errorf("primary called %d times, want 1 (then circuit open)", n)
	}
	if err := f.Check(ctx); err != nil {
		t.Errorf("Check with healthy backup = %v", err)
	}
}

func TestSTTFailover_AllFailed(t *testing.T) {
	inner := errors.New("dns failure")
	f := NewSTTFailover(BreakerConfig{MaxFailures: 1})
	f.Add("only", &mock.Provider{StartStreamErr: inner})
	ctx := context.Background()

	_, err := f.StartStream(ctx, stt.StreamConfig{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, inner) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping inner", err)
	}
	_, err = f.StartStream(ctx, stt.StreamConfig{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("second err = %v, want circuit open", err)
	}
	if f.Check(ctx) == nil {
		t.Error("Check should fail when every breaker is open")
	}
}

func TestSTTFailover_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	backup := &mock.Provider{}

	f := NewSTTFailover(BreakerConfig{})
	f.Add("primary", &mock.Provider{StartStreamErr: context.Canceled})
	f.Add("backup", backup)

	if _, err := f.StartStream(ctx, stt.StreamConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(backup.Calls()) != 0 {
		t.Error("backup must not be tried after cancellation")
	}
}

func TestSTTFailover_Empty(t *testing.T) {
	if _, err := NewSTTFailover(BreakerConfig{}).StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v", err)
	}
}

func TestSTTFailover_LogsToConfiguredLogger(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	f := NewSTTFailover(BreakerConfig{MaxFailures: 1, Logger: log})
	f.Add("primary", &mock.Provider{StartStreamErr: errors.New("401")})
	f.Add("backup", &mock.Provider{Stream: mock.NewStream()})
	if _, err := f.StartStream(context.Background(), stt.StreamConfig{}); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"recognition provider failed to open stream", "circuit breaker opened"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
