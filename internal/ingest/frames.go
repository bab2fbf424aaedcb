package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/MrWong99/scriberelay/internal/relay"
	"github.com/MrWong99/scriberelay/pkg/audio"
)

// ErrNotBinary is wrapped by [PumpFrames] when the client sends a frame that
// is not binary audio.
var ErrNotBinary = errors.New("ingest: non-binary frame")

// FrameReader receives client WebSocket messages. *websocket.Conn
// satisfies it.
type FrameReader interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// PumpFrames pushes every binary frame read from r onto q, unchanged and in
// arrival order, until the client disconnects. Zero-length frames are pushed
// like any other. q.End is called on every return path.
//
// A client-initiated close returns nil. Any other receive failure, or a
// non-binary frame, returns a [*relay.Error] of kind KindIngress. When ctx
// is cancelled ctx.Err() is returned.
func PumpFrames(ctx context.Context, r FrameReader, q *audio.Queue) error {
	defer q.End()

	for {
		typ, data, err := r.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isClientClose(err) {
				return nil
			}
			return relay.Errorf(relay.KindIngress, "read frame", err)
		}
		if typ != websocket.MessageBinary {
			return relay.Errorf(relay.KindIngress, "read frame", fmt.Errorf("%w: got %v", ErrNotBinary, typ))
		}
		if err := q.Push(data); err != nil {
			return relay.Errorf(relay.KindIngress, "push frame", err)
		}
	}
}

// isClientClose reports whether err means the peer went away on purpose.
func isClientClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}

// ConvertFrames returns a FrameReader that passes every binary frame read
// from r through c. Other messages and errors are returned unchanged.
func ConvertFrames(r FrameReader, c *audio.Converter) FrameReader {
	if c == nil || c.Passthrough() {
		return r
	}
	return &convertingReader{r: r, c: c}
}

type convertingReader struct {
	r FrameReader
	c *audio.Converter
}

func (cr *convertingReader) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	typ, data, err := cr.r.Read(ctx)
	if err != nil || typ != websocket.MessageBinary {
		return typ, data, err
	}
	return typ, cr.c.Convert(data), nil
}
