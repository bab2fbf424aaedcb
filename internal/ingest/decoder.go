// Package ingest turns client input into raw PCM chunks on an [audio.Queue].
//
// Two adapters exist: [Decoder] runs ffmpeg over a server-side media file and
// [PumpFrames] copies binary WebSocket frames. Both push the end-of-stream
// marker exactly once on every exit path so the relay always sees its input
// end.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/MrWong99/scriberelay/internal/relay"
	"github.com/MrWong99/scriberelay/pkg/audio"
)

const (
	defaultBinary    = "ffmpeg"
	defaultBlockSize = 4096
)

// DecoderConfig configures a [Decoder]. The output is always s16le PCM;
// Format picks its sample rate and channel count.
type DecoderConfig struct {
	// Binary is the ffmpeg executable name or path. Default: "ffmpeg".
	Binary string

	// BlockSize is the number of PCM bytes per pushed chunk. Default: 4096.
	BlockSize int

	// Realtime makes ffmpeg read the input at its native rate (-re), pacing
	// the relay like a live source.
	Realtime bool

	// Format is the PCM format ffmpeg resamples to. It must match the
	// recognition stream profile. Default: [audio.PCM16kMono].
	Format audio.Format
}

// CommandFunc builds the decoder process. It mirrors [exec.CommandContext].
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// DecoderOption configures a [Decoder].
type DecoderOption func(*Decoder)

// WithCommand replaces the process factory. Used by tests to substitute a
// fake ffmpeg.
func WithCommand(fn CommandFunc) DecoderOption {
	return func(d *Decoder) { d.command = fn }
}

// WithDecoderLogger sets the logger. Default: slog.Default().
func WithDecoderLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) { d.log = l }
}

// Decoder converts a media file into PCM chunks with an external ffmpeg
// process, one process per [Decoder.Run] call.
type Decoder struct {
	binary    string
	blockSize int
	realtime  bool
	format    audio.Format
	command   CommandFunc
	log       *slog.Logger
}

// NewDecoder returns a Decoder producing cfg.Format. BlockSize is rounded
// down to whole sample frames.
func NewDecoder(cfg DecoderConfig, opts ...DecoderOption) *Decoder {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		cfg.Format = audio.PCM16kMono
	}
	if fs := cfg.Format.FrameSize(); cfg.BlockSize > fs {
		cfg.BlockSize -= cfg.BlockSize % fs
	}
	d := &Decoder{
		binary:    cfg.Binary,
		blockSize: cfg.BlockSize,
		realtime:  cfg.Realtime,
		format:    cfg.Format,
		command:   exec.CommandContext,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Binary returns the configured ffmpeg executable.
func (d *Decoder) Binary() string { return d.binary }

// Args returns the ffmpeg argument vector for ref.
func (d *Decoder) Args(ref string) []string {
	args := make([]string, 0, 14)
	if d.realtime {
		args = append(args, "-re")
	}
	return append(args,
		"-i", ref,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(d.format.SampleRate),
		"-ac", strconv.Itoa(d.format.Channels),
		"-",
	)
}

// Run decodes ref and pushes fixed-size PCM blocks onto q, the last block
// possibly shorter. q.End is called on every return path.
//
// A process that cannot start or exits abnormally yields a [*relay.Error] of
// kind KindDecode; chunks pushed before the failure stay queued. When ctx is
// cancelled the process is killed and ctx.Err() is returned.
func (d *Decoder) Run(ctx context.Context, ref string, q *audio.Queue) error {
	defer q.End()

	cmd := d.command(ctx, d.binary, d.Args(ref)...)
	// ffmpeg diagnostics are not part of the output.
	cmd.Stderr = nil
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return relay.Errorf(relay.KindDecode, "pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return relay.Errorf(relay.KindDecode, "start", err)
	}

	var pushed, bytes int
	readErr := func() error {
		for {
			buf := make([]byte, d.blockSize)
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				if err := q.Push(buf[:n]); err != nil {
					return err
				}
				pushed++
				bytes += n
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return nil
			default:
				return err
			}
		}
	}()
	if readErr != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()

	d.log.Debug("decoder finished",
		"ref", ref,
		"chunks", pushed,
		"audio", d.format.Duration(bytes),
	)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if readErr != nil {
		return relay.Errorf(relay.KindDecode, "read output", readErr)
	}
	if waitErr != nil {
		return relay.Errorf(relay.KindDecode, "decode", fmt.Errorf("%s: %w", d.binary, waitErr))
	}
	return nil
}
