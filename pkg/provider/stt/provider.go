// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// An STT provider wraps a remote real-time transcription service (e.g.
// Deepgram live transcription) and exposes it as a duplex [Stream]: raw PCM
// goes in through Send, recognition events come out through Recv. The two
// directions are independent and are expected to be driven by two goroutines
// at once.
package stt

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by Send and CloseSend once the stream has been
// closed or end-of-input has already been signalled.
var ErrStreamClosed = errors.New("stt: stream closed")

// StreamConfig describes the audio format and recognition hints for a new
// stream. Zero values let the provider fall back to its own defaults.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (16000 for scriberelay).
	SampleRate int

	// Channels is the number of interleaved audio channels.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g. "it-IT").
	Language string

	// Encoding names the PCM encoding in the provider's vocabulary
	// (e.g. "linear16").
	Encoding string
}

// Stream is one open recognition session.
//
// Send and CloseSend may be called from one goroutine while Recv is called
// from another. Neither side may be called concurrently with itself.
type Stream interface {
	// Send delivers one chunk of raw PCM to the remote service. Chunks are
	// forwarded unmodified and in call order.
	Send(ctx context.Context, chunk []byte) error

	// CloseSend signals end-of-input. The remote service keeps emitting
	// events for audio it already holds and then closes its side.
	CloseSend(ctx context.Context) error

	// Recv blocks until the next recognition event arrives. It returns io.EOF
	// once the remote service has closed the stream after end-of-input. Any
	// other error is fatal for the stream.
	Recv(ctx context.Context) (Event, error)

	// Close releases the underlying connection. It is safe to call more than
	// once and after the stream has ended.
	Close() error
}

// Provider opens recognition streams. Implementations must be safe for
// concurrent use because one Provider serves every session.
type Provider interface {
	// StartStream opens a new stream. The caller owns the returned Stream and
	// must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
