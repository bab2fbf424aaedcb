package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/scriberelay/internal/relay"
	"github.com/MrWong99/scriberelay/pkg/audio"
)

// TestHelperProcess is not a real test. It stands in for ffmpeg when
// GO_WANT_HELPER_PROCESS is set; FAKE_FFMPEG selects its behaviour.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	mode, arg, _ := strings.Cut(os.Getenv("FAKE_FFMPEG"), ":")
	switch mode {
	case "pcm":
		n, _ := strconv.Atoi(arg)
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(i)
		}
		_, _ = os.Stdout.Write(out)
		os.Exit(0)
	case "fail":
		_, _ = os.Stdout.Write(make([]byte, 10))
		_, _ = os.Stderr.WriteString("Invalid data found when processing input\n")
		os.Exit(1)
	case "empty":
		os.Exit(0)
	case "hang":
		_, _ = os.Stdout.Write(make([]byte, 4096))
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

// fakeFFmpeg returns a CommandFunc running this test binary as ffmpeg.
func fakeFFmpeg(mode string) CommandFunc {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "FAKE_FFMPEG="+mode)
		return cmd
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(t *testing.T, q *audio.Queue) [][]byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out [][]byte
	for c := range q.Chunks(ctx) {
		out = append(out, c)
	}
	if ctx.Err() != nil {
		t.Fatal("queue was never ended")
	}
	return out
}

func TestDecoder_Args(t *testing.T) {
	tests := []struct {
		name string
		cfg  DecoderConfig
		want []string
	}{
		{
			name: "realtime",
			cfg:  DecoderConfig{Realtime: true},
			want: []string{"-re", "-i", "/uploads/a.mp3", "-f", "s16le", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", "-"},
		},
		{
			name: "as fast as possible",
			cfg:  DecoderConfig{},
			want: []string{"-i", "/uploads/a.mp3", "-f", "s16le", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", "-"},
		},
		{
			name: "stream format",
			cfg:  DecoderConfig{Format: audio.Format{SampleRate: 8000, Channels: 2}},
			want: []string{"-i", "/uploads/a.mp3", "-f", "s16le", "-acodec", "pcm_s16le", "-ar", "8000", "-ac", "2", "-"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewDecoder(tt.cfg).Args("/uploads/a.mp3")
			if !slices.Equal(got, tt.want) {
				t.Errorf("Args = %q, want %q", got, tt.want)
			}
		})
	}
	if b := NewDecoder(DecoderConfig{}).Binary(); b != "ffmpeg" {
		t.Errorf("default binary = %q", b)
	}
}

func TestDecoder_PushesFixedBlocks(t *testing.T) {
	t.Parallel()
	d := NewDecoder(DecoderConfig{BlockSize: 4096},
		WithCommand(fakeFFmpeg("pcm:10000")), WithDecoderLogger(quietLogger()))
	q := audio.NewQueue()

	if err := d.Run(context.Background(), "in.wav", q); err != nil {
		t.Fatalf("Run: %v", err)
	}
	chunks := drain(t, q)
	sizes := make([]int, len(chunks))
	for i, c := range chunks {
		sizes[i] = len(c)
	}
	if !slices.Equal(sizes, []int{4096, 4096, 1808}) {
		t.Fatalf("chunk sizes = %v", sizes)
	}
	joined := bytes.Join(chunks, nil)
	for i, b := range joined {
		if b != byte(i) {
			t.Fatalf("byte %d = %d, output reordered or altered", i, b)
		}
	}
}

func TestDecoder_BlocksHoldWholeFrames(t *testing.T) {
	t.Parallel()
	d := NewDecoder(DecoderConfig{BlockSize: 4098, Format: audio.Format{SampleRate: 16000, Channels: 2}},
		WithCommand(fakeFFmpeg("pcm:10000")), WithDecoderLogger(quietLogger()))
	q := audio.NewQueue()

	if err := d.Run(context.Background(), "stereo.wav", q); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var sizes []int
	for _, c := range drain(t, q) {
		sizes = append(sizes, len(c))
	}
	if !slices.Equal(sizes, []int{4096, 4096, 1808}) {
		t.Errorf("chunk sizes = %v, want blocks of whole stereo frames", sizes)
	}
}

// A file without audio ends the input cleanly without any chunk.
func TestDecoder_ImmediateExitStillEnds(t *testing.T) {
	t.Parallel()
	d := NewDecoder(DecoderConfig{}, WithCommand(fakeFFmpeg("empty")), WithDecoderLogger(quietLogger()))
	q := audio.NewQueue()

	if err := d.Run(context.Background(), "in.wav", q); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !q.Ended() {
		t.Fatal("end of stream not pushed")
	}
	if got := drain(t, q); len(got) != 0 {
		t.Errorf("got %d chunks, want 0", len(got))
	}
}

func TestDecoder_AbnormalExitIsDecodeError(t *testing.T) {
	t.Parallel()
	d := NewDecoder(DecoderConfig{}, WithCommand(fakeFFmpeg("fail")), WithDecoderLogger(quietLogger()))
	q := audio.NewQueue()

	err := d.Run(context.Background(), "broken.mp3", q)
	if relay.KindOf(err) != relay.KindDecode {
		t.Fatalf("Run = %v, want decode error", err)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 1 {
		t.Errorf("error should carry exit status 1: %v", err)
	}
	// Output produced before the failure is kept.
	if got := drain(t, q); len(got) != 1 || len(got[0]) != 10 {
		t.Errorf("chunks = %v", got)
	}
}

func TestDecoder_StartFailure(t *testing.T) {
	t.Parallel()
	d := NewDecoder(DecoderConfig{Binary: "/nonexistent/ffmpeg"}, WithDecoderLogger(quietLogger()))
	q := audio.NewQueue()

	err := d.Run(context.Background(), "in.wav", q)
	if relay.KindOf(err) != relay.KindDecode {
		t.Fatalf("Run = %v, want decode error", err)
	}
	if !q.Ended() {
		t.Error("end of stream not pushed after start failure")
	}
}

func TestDecoder_CancelKillsProcess(t *testing.T) {
	t.Parallel()
	d := NewDecoder(DecoderConfig{}, WithCommand(fakeFFmpeg("hang")), WithDecoderLogger(quietLogger()))
	q := audio.NewQueue()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx, "live.mp3", q) }()

	pullCtx, pullCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pullCancel()
	if _, err := q.Pull(pullCtx); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
		if relay.KindOf(err) == relay.KindDecode {
			t.Error("cancellation must not be reported as a decode failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !q.Ended() {
		t.Error("end of stream not pushed after cancel")
	}
}
