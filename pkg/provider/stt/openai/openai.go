// Package openai provides an STT provider backed by the OpenAI audio
// transcription API.
//
// The API transcribes whole files, so streams are built on [batch.NewStream]:
// audio is cut into utterances at pauses and every utterance becomes one
// request. All events are final.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/scriberelay/pkg/provider/stt"
	"github.com/MrWong99/scriberelay/pkg/provider/stt/batch"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = oai.AudioModelWhisper1

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  oai.AudioModel
	cfg    config
}

type config struct {
	baseURL      string
	organization string
	language     string
	prompt       string
	timeout      time.Duration
	maxRetries   int
	silenceMs    int
	maxBufferMs  int
	httpClient   *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL, for example to reach
// a compatible self-hosted server.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithLanguage sets the default language. Only the primary subtag is sent.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithPrompt passes a prompt that biases vocabulary and spelling.
func WithPrompt(prompt string) Option {
	return func(c *config) {
		c.prompt = prompt
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often a failed request is retried. Negative
// values keep the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithHTTPClient replaces the HTTP client. It takes precedence over
// WithTimeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// WithSilenceThresholdMs sets the pause that ends an utterance.
func WithSilenceThresholdMs(ms int) Option {
	return func(c *config) {
		c.silenceMs = ms
	}
}

// WithMaxBufferDurationMs caps the length of a single utterance.
func WithMaxBufferDurationMs(ms int) Option {
	return func(c *config) {
		c.maxBufferMs = ms
	}
}

// New constructs an OpenAI STT provider. An empty model selects
// [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := config{maxRetries: -1}
	for _, o := range opts {
		o(&cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		cfg:    cfg,
	}, nil
}

// StartStream implements stt.Provider. No request is made until the first
// utterance is complete.
func (p *Provider) StartStream(ctx context.Context, sc stt.StreamConfig) (stt.Stream, error) {
	lang := sc.Language
	if lang == "" {
		lang = p.cfg.language
	}
	lang, _, _ = strings.Cut(lang, "-")

	bcfg := batch.Config{
		SampleRate:          sc.SampleRate,
		Channels:            sc.Channels,
		SilenceThresholdMs:  p.cfg.silenceMs,
		MaxBufferDurationMs: p.cfg.maxBufferMs,
	}
	return batch.NewStream(ctx, bcfg, func(ctx context.Context, wav []byte) (string, error) {
		return p.transcribe(ctx, lang, wav)
	}), nil
}

func (p *Provider) transcribe(ctx context.Context, lang string, wav []byte) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:          p.model,
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}
	if p.cfg.prompt != "" {
		params.Prompt = oai.String(p.cfg.prompt)
	}
	tr, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcribe: %w", err)
	}
	return tr.Text, nil
}
