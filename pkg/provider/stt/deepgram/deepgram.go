// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// live transcription WebSocket API. It implements the stt.Provider interface.
//
// Audio is written as binary frames. End-of-input is signalled with a
// CloseStream control message, after which Deepgram flushes its remaining
// results and closes the socket with a normal closure; Recv reports that as
// io.EOF.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/scriberelay/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-2"
	defaultLanguage   = "it-IT"
	defaultSampleRate = 16000
	defaultEncoding   = "linear16"
	defaultKeepAlive  = 5 * time.Second

	// readLimit caps a single Results message.
	readLimit = 1 << 20
)

var (
	msgCloseStream = []byte(`{"type":"CloseStream"}`)
	msgKeepAlive   = []byte(`{"type":"KeepAlive"}`)
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the provider-level default language (e.g., "it-IT").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithBaseURL overrides the streaming endpoint. Used for self-hosted
// deployments and tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithKeepAlive sets how long the input side may stay silent before a
// KeepAlive message is written. Zero disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(p *Provider) {
		p.keepAlive = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	language   string
	sampleRate int
	keepAlive  time.Duration
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		keepAlive:  defaultKeepAlive,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a live transcription stream with Deepgram.
// cfg fields override the provider-level defaults when non-zero.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	s := &stream{
		conn: conn,
		stop: make(chan struct{}),
	}
	s.touch()
	if p.keepAlive > 0 {
		s.wg.Add(1)
		go s.keepAliveLoop(p.keepAlive)
	}
	return s, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// deepgramMessage is the JSON envelope of every server message. Only the
// fields of Results and Error messages are decoded.
type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is a live Deepgram session. It implements stt.Stream.
type stream struct {
	conn *websocket.Conn

	sendDone  atomic.Bool
	lastWrite atomic.Int64 // unix nanos of the last input-side write

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Send writes chunk as one binary frame. Zero-length chunks are skipped
// because Deepgram treats an empty frame as end-of-input.
func (s *stream) Send(ctx context.Context, chunk []byte) error {
	if s.sendDone.Load() {
		return stt.ErrStreamClosed
	}
	if len(chunk) == 0 {
		return nil
	}
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	s.touch()
	return nil
}

// CloseSend writes the CloseStream control message exactly once.
func (s *stream) CloseSend(ctx context.Context) error {
	if !s.sendDone.CompareAndSwap(false, true) {
		return stt.ErrStreamClosed
	}
	if err := s.conn.Write(ctx, websocket.MessageText, msgCloseStream); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// Recv reads messages until a Results message arrives. A normal closure by
// Deepgram is reported as io.EOF.
func (s *stream) Recv(ctx context.Context) (stt.Event, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return stt.Event{}, io.EOF
			}
			return stt.Event{}, fmt.Errorf("deepgram: recv: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, ok, err := parseMessage(data)
		if err != nil {
			return stt.Event{}, err
		}
		if ok {
			return ev, nil
		}
	}
}

// Close stops the keep-alive loop and closes the socket.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		_ = s.conn.CloseNow()
	})
	return nil
}

func (s *stream) touch() {
	s.lastWrite.Store(time.Now().UnixNano())
}

// keepAliveLoop writes a KeepAlive message whenever the input side has been
// silent for interval. It stops after end-of-input or Close.
func (s *stream) keepAliveLoop(interval time.Duration) {
	defer s.wg.Done()
	tick := time.NewTicker(interval / 2)
	defer tick.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-tick.C:
			if s.sendDone.Load() {
				return
			}
			idle := time.Since(time.Unix(0, s.lastWrite.Load()))
			if idle < interval {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := s.conn.Write(ctx, websocket.MessageText, msgKeepAlive)
			cancel()
			if err != nil {
				return
			}
			s.touch()
		}
	}
}

// parseMessage converts a raw Deepgram message into an stt.Event.
// It returns ok=false for messages that carry no recognition result
// (Metadata, SpeechStarted, UtteranceEnd) and an error for Error messages
// or undecodable payloads.
func parseMessage(data []byte) (ev stt.Event, ok bool, err error) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return stt.Event{}, false, fmt.Errorf("deepgram: decode message: %w", err)
	}
	switch msg.Type {
	case "Results":
	case "Error":
		desc := msg.Description
		if desc == "" {
			desc = msg.Message
		}
		return stt.Event{}, false, fmt.Errorf("deepgram: remote error: %s", desc)
	default:
		return stt.Event{}, false, nil
	}

	ev.Partial = !msg.IsFinal
	for _, alt := range msg.Channel.Alternatives {
		// Deepgram emits an empty alternative for silence.
		if alt.Transcript == "" {
			continue
		}
		ev.Alternatives = append(ev.Alternatives, stt.Alternative{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
		})
	}
	return ev, true, nil
}
