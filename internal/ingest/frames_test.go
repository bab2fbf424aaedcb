package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/scriberelay/internal/relay"
	"github.com/MrWong99/scriberelay/pkg/audio"
)

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// scriptedReader replays frames, then returns err.
type scriptedReader struct {
	frames []frame
	err    error
}

func (r *scriptedReader) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if len(r.frames) == 0 {
		return 0, nil, r.err
	}
	f := r.frames[0]
	r.frames = r.frames[1:]
	return f.typ, f.data, nil
}

func bin(s string) frame { return frame{typ: websocket.MessageBinary, data: []byte(s)} }

func TestPumpFrames(t *testing.T) {
	normalClose := websocket.CloseError{Code: websocket.StatusNormalClosure}
	goingAway := websocket.CloseError{Code: websocket.StatusGoingAway}

	tests := []struct {
		name       string
		reader     *scriptedReader
		wantChunks []string
		wantKind   relay.Kind
		wantErr    bool
	}{
		{
			name:       "frames then normal close",
			reader:     &scriptedReader{frames: []frame{bin("c1"), bin("c2"), bin("c3")}, err: normalClose},
			wantChunks: []string{"c1", "c2", "c3"},
		},
		{
			name:       "going away is a clean end",
			reader:     &scriptedReader{frames: []frame{bin("c1")}, err: goingAway},
			wantChunks: []string{"c1"},
		},
		{
			name:       "zero-length frame is forwarded",
			reader:     &scriptedReader{frames: []frame{bin("")}, err: normalClose},
			wantChunks: []string{""},
		},
		{
			name:   "immediate close",
			reader: &scriptedReader{err: normalClose},
		},
		{
			name:       "abrupt disconnect is an ingress error",
			reader:     &scriptedReader{frames: []frame{bin("c1")}, err: io.ErrUnexpectedEOF},
			wantChunks: []string{"c1"},
			wantKind:   relay.KindIngress,
			wantErr:    true,
		},
		{
			name:       "text frame is an ingress error",
			reader:     &scriptedReader{frames: []frame{bin("c1"), {typ: websocket.MessageText, data: []byte("hi")}, bin("c2")}},
			wantChunks: []string{"c1"},
			wantKind:   relay.KindIngress,
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := audio.NewQueue()
			err := PumpFrames(context.Background(), tt.reader, q)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PumpFrames = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && relay.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v, want %v", relay.KindOf(err), tt.wantKind)
			}

			if !q.Ended() {
				t.Fatal("end of stream not pushed")
			}
			got := drain(t, q)
			if len(got) != len(tt.wantChunks) {
				t.Fatalf("got %d chunks, want %d", len(got), len(tt.wantChunks))
			}
			for i, want := range tt.wantChunks {
				if string(got[i]) != want {
					t.Errorf("chunk %d = %q, want %q", i, got[i], want)
				}
			}
			if q.End() {
				t.Error("end of stream was not pushed exactly once")
			}
		})
	}
}

func TestPumpFrames_NonBinarySentinel(t *testing.T) {
	q := audio.NewQueue()
	err := PumpFrames(context.Background(), &scriptedReader{frames: []frame{{typ: websocket.MessageText}}}, q)
	if !errors.Is(err, ErrNotBinary) {
		t.Fatalf("err = %v, want ErrNotBinary", err)
	}
}

func TestPumpFrames_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := audio.NewQueue()
	err := PumpFrames(ctx, &scriptedReader{}, q)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if relay.KindOf(err) == relay.KindIngress {
		t.Error("cancellation must not be reported as an ingress failure")
	}
	if !q.Ended() {
		t.Error("end of stream not pushed")
	}
}

func TestPumpFrames_ConvertsClientFormat(t *testing.T) {
	conv, err := audio.NewConverter(audio.Format{SampleRate: 16000, Channels: 2}, audio.PCM16kMono)
	if err != nil {
		t.Fatal(err)
	}
	stereo := make([]byte, 8)
	for i, s := range []int16{100, 300, -50, -150} {
		binary.LittleEndian.PutUint16(stereo[i*2:], uint16(s))
	}
	r := &scriptedReader{
		frames: []frame{{typ: websocket.MessageBinary, data: stereo}},
		err:    websocket.CloseError{Code: websocket.StatusNormalClosure},
	}

	q := audio.NewQueue()
	if err := PumpFrames(context.Background(), ConvertFrames(r, conv), q); err != nil {
		t.Fatalf("PumpFrames = %v", err)
	}
	got := drain(t, q)
	if len(got) != 1 || len(got[0]) != 4 {
		t.Fatalf("chunks = %v", got)
	}
	if a, b := int16(binary.LittleEndian.Uint16(got[0])), int16(binary.LittleEndian.Uint16(got[0][2:])); a != 200 || b != -100 {
		t.Errorf("samples = %d, %d, want 200, -100", a, b)
	}
}

func TestConvertFrames_PassthroughKeepsReader(t *testing.T) {
	conv, _ := audio.NewConverter(audio.PCM16kMono, audio.PCM16kMono)
	r := &scriptedReader{}
	if ConvertFrames(r, conv) != FrameReader(r) {
		t.Error("passthrough converter wrapped the reader")
	}
	if ConvertFrames(r, nil) != FrameReader(r) {
		t.Error("nil converter wrapped the reader")
	}
}
