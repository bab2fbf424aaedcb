// Package batch adapts batch transcription APIs to the streaming
// [stt.Stream] interface.
//
// A batch stream buffers incoming PCM, cuts it into utterances with an
// energy-based silence detector, and transcribes each utterance as one WAV
// request. Every emitted event is final.
package batch

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/MrWong99/scriberelay/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for 16-bit signed little-endian PCM.
	bitsPerSample = 16

	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible value
	// for 16-bit audio is 32 767; 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	DefaultSilenceThresholdMs  = 500
	DefaultMaxBufferDurationMs = 10_000
)

// TranscribeFunc transcribes one WAV-encoded utterance.
type TranscribeFunc func(ctx context.Context, wav []byte) (string, error)

// Config describes the audio of a stream and how it is segmented.
type Config struct {
	SampleRate int
	Channels   int

	// SilenceThresholdMs is the consecutive silence that ends an utterance.
	// Default: 500.
	SilenceThresholdMs int

	// MaxBufferDurationMs forces a flush of continuous speech.
	// Default: 10 000.
	MaxBufferDurationMs int
}

type result struct {
	ev  stt.Event
	err error
}

// stream is a live batch stream. Buffer state is confined to the
// processLoop goroutine.
type stream struct {
	sampleRate int
	channels   int
	transcribe TranscribeFunc
	seg        *segmenter

	// sendMu orders Send against CloseSend so audio is never written to a
	// closed channel.
	sendMu     sync.Mutex
	sendClosed bool
	audio      chan []byte

	events chan result

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.Stream = (*stream)(nil)

// NewStream starts a stream that transcribes with fn. The stream outlives
// ctx's cancellation; Close stops it.
func NewStream(ctx context.Context, cfg Config, fn TranscribeFunc) stt.Stream {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.SilenceThresholdMs <= 0 {
		cfg.SilenceThresholdMs = DefaultSilenceThresholdMs
	}
	if cfg.MaxBufferDurationMs <= 0 {
		cfg.MaxBufferDurationMs = DefaultMaxBufferDurationMs
	}
	s := &stream{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		transcribe: fn,
		seg:        newSegmenter(cfg.SampleRate, cfg.Channels, cfg.SilenceThresholdMs, cfg.MaxBufferDurationMs),
		audio:      make(chan []byte, 256),
		events:     make(chan result, 16),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(context.WithoutCancel(ctx))
	return s
}

// Send queues a chunk of 16-bit little-endian PCM for segmentation.
func (s *stream) Send(ctx context.Context, chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return stt.ErrStreamClosed
	}
	select {
	case <-s.done:
		return stt.ErrStreamClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend flushes the pending utterance; Recv reports io.EOF after its
// transcript.
func (s *stream) CloseSend(context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return stt.ErrStreamClosed
	}
	s.sendClosed = true
	close(s.audio)
	return nil
}

// Recv returns the next transcript, a transcription error, or io.EOF after
// end-of-input was processed.
func (s *stream) Recv(ctx context.Context) (stt.Event, error) {
	select {
	case r, ok := <-s.events:
		if !ok {
			return stt.Event{}, io.EOF
		}
		return r.ev, r.err
	case <-ctx.Done():
		return stt.Event{}, ctx.Err()
	}
}

// Close stops the processing goroutine without flushing. Calling Close more
// than once is safe.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop segments audio and dispatches completed utterances. It ends
// after the final flush, on the first transcription failure, or on Close.
func (s *stream) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		case chunk, ok := <-s.audio:
			if !ok {
				s.dispatch(ctx, s.seg.take())
				return
			}
			if pcm := s.seg.add(chunk); pcm != nil {
				if !s.dispatch(ctx, pcm) {
					return
				}
			}
		}
	}
}

// dispatch transcribes pcm and emits the result. It reports whether the
// stream may continue.
func (s *stream) dispatch(ctx context.Context, pcm []byte) bool {
	if len(pcm) == 0 {
		return true
	}
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-tctx.Done():
		}
	}()

	text, err := s.transcribe(tctx, EncodeWAV(pcm, s.sampleRate, s.channels))
	text = strings.TrimSpace(text)
	var r result
	switch {
	case err != nil:
		r.err = err
	case text == "":
		return true
	default:
		r.ev = stt.Event{Alternatives: []stt.Alternative{{Text: text}}}
	}
	select {
	case s.events <- r:
	case <-s.done:
		return false
	}
	return err == nil
}

// ---- segmentation -----------------------------------------------------------

// segmenter cuts a PCM stream into utterances: speech followed by enough
// silence, or speech that reached the buffer limit. Leading silence is
// dropped.
type segmenter struct {
	sampleRate  int
	channels    int
	silenceMs   int
	maxBytes    int
	buf         []byte
	hadSpeech   bool
	silenceSeen int
}

func newSegmenter(sampleRate, channels, silenceMs, maxDurationMs int) *segmenter {
	bytesPerMs := sampleRate * channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32 // 16 kHz, mono, 16-bit
	}
	return &segmenter{
		sampleRate: sampleRate,
		channels:   channels,
		silenceMs:  silenceMs,
		maxBytes:   maxDurationMs * bytesPerMs,
	}
}

// add buffers chunk and returns a completed utterance, or nil.
func (g *segmenter) add(chunk []byte) []byte {
	if computeRMS(chunk) < defaultRMSThreshold {
		if !g.hadSpeech {
			return nil
		}
		g.silenceSeen += chunkDurationMs(chunk, g.sampleRate, g.channels)
		g.buf = append(g.buf, chunk...)
		if g.silenceSeen >= g.silenceMs {
			return g.take()
		}
		return nil
	}
	g.hadSpeech = true
	g.silenceSeen = 0
	g.buf = append(g.buf, chunk...)
	if g.maxBytes > 0 && len(g.buf) >= g.maxBytes {
		return g.take()
	}
	return nil
}

// take returns the buffered utterance, or nil if it holds no speech, and
// resets the segmenter.
func (g *segmenter) take() []byte {
	pcm := g.buf
	if !g.hadSpeech {
		pcm = nil
	}
	g.buf = nil
	g.hadSpeech = false
	g.silenceSeen = 0
	return pcm
}

// ---- helpers ----------------------------------------------------------------

// EncodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	bps := bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// chunkDurationMs returns the duration of a PCM chunk in milliseconds.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * (bitsPerSample / 8)
	return len(chunk) * 1000 / bytesPerSec
}
