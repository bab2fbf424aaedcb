// Package server exposes transcription sessions over HTTP: two WebSocket
// endpoints, a media upload endpoint, a small browser UI, and the health and
// metrics endpoints.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/scriberelay/internal/health"
	"github.com/MrWong99/scriberelay/internal/ingest"
	"github.com/MrWong99/scriberelay/internal/observe"
	"github.com/MrWong99/scriberelay/internal/relay"
	"github.com/MrWong99/scriberelay/internal/session"
	"github.com/MrWong99/scriberelay/internal/uploads"
	"github.com/MrWong99/scriberelay/pkg/audio"
)

const (
	// maxFrameBytes bounds one incoming audio frame.
	maxFrameBytes = 1 << 20

	// multipartOverhead is allowed on top of the upload limit for the
	// multipart envelope.
	multipartOverhead = 1 << 20

	defaultReferenceTimeout = 10 * time.Second

	minClientRate = 8000
	maxClientRate = 96000
)

//go:embed static/index.html
var static embed.FS

// Config holds the dependencies of a [Server].
type Config struct {
	// Sessions runs the transcription sessions. Required.
	Sessions *session.Manager

	// Decoder converts media files for /ws/transcribe/file. Required.
	Decoder *ingest.Decoder

	// Uploads stores uploaded media and resolves media references. Required.
	Uploads *uploads.Store

	// Health serves /healthz and /readyz. Optional.
	Health *health.Handler

	// MetricsHandler serves /metrics. Optional.
	MetricsHandler http.Handler

	// MCPHandler serves the MCP endpoint at /mcp. Optional.
	MCPHandler http.Handler

	// ReferenceTimeout bounds the wait for the media reference message.
	// Default: 10s.
	ReferenceTimeout time.Duration

	// StreamFormat is the PCM format handed to sessions. Clients of
	// /ws/transcribe may declare another one with the sample_rate and
	// channels query parameters. Default: [audio.PCM16kMono].
	StreamFormat audio.Format

	// OriginPatterns lists additional origins allowed to open WebSockets.
	OriginPatterns []string

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server is the HTTP front end. Create it with [New].
type Server struct {
	cfg Config
	log *slog.Logger
}

// New returns a Server. It panics if a required dependency is missing.
func New(cfg Config) *Server {
	if cfg.Sessions == nil || cfg.Decoder == nil || cfg.Uploads == nil {
		panic("server: New requires Sessions, Decoder and Uploads")
	}
	if cfg.ReferenceTimeout <= 0 {
		cfg.ReferenceTimeout = defaultReferenceTimeout
	}
	if cfg.StreamFormat.SampleRate <= 0 || cfg.StreamFormat.Channels <= 0 {
		cfg.StreamFormat = audio.PCM16kMono
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, log: cfg.Logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.cfg.Metrics))

	r.Get("/", s.handleIndex)
	r.Post("/upload", s.handleUpload)
	r.Get("/ws/transcribe", s.handleFrames)
	r.Get("/ws/transcribe/file", s.handleFile)

	if s.cfg.Health != nil {
		s.cfg.Health.Register(r)
	}
	if s.cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)
	}
	if s.cfg.MCPHandler != nil {
		r.Handle("/mcp", s.cfg.MCPHandler)
	}
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "index not available", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

// handleUpload stores the multipart field "file" and answers with its
// server-side path.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if limit := s.cfg.Uploads.MaxBytes(); limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, `missing form field "file"`)
			return
		}
		if err != nil {
			s.uploadFailed(w, r, err)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		path, err := s.cfg.Uploads.Save(part.FileName(), part)
		_ = part.Close()
		if err != nil {
			s.uploadFailed(w, r, err)
			return
		}
		observe.LoggerFrom(r.Context(), s.log).Info("media uploaded", "path", path)
		writeJSON(w, http.StatusOK, map[string]string{"path": path})
		return
	}
}

func (s *Server) uploadFailed(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, uploads.ErrTooLarge), errors.As(err, &maxErr):
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
	case errors.Is(err, uploads.ErrBadName):
		writeError(w, http.StatusBadRequest, "invalid file name")
	default:
		observe.LoggerFrom(r.Context(), s.log).Error("upload failed", "err", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
	}
}

// handleFrames relays binary PCM frames until the client disconnects.
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	from, err := clientFormat(r, s.cfg.StreamFormat)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := audio.NewConverter(from, s.cfg.StreamFormat)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.accept(w, r)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	frames := ingest.ConvertFrames(conn, conv)

	err = s.cfg.Sessions.Run(r.Context(), session.Request{
		Kind: session.KindFrames,
		Ingest: func(ctx context.Context, q *audio.Queue) error {
			return ingest.PumpFrames(ctx, frames, q)
		},
		Sink:    textSink(conn),
		OnFatal: func(error) { abort(conn) },
	})
	s.finish(conn, err)
}

// clientFormat reads the optional sample_rate and channels query parameters.
// Missing parameters take the value of def.
func clientFormat(r *http.Request, def audio.Format) (audio.Format, error) {
	f := def
	q := r.URL.Query()
	if v := q.Get("sample_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minClientRate || n > maxClientRate {
			return f, fmt.Errorf("sample_rate must be between %d and %d", minClientRate, maxClientRate)
		}
		f.SampleRate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 2 {
			return f, errors.New("channels must be 1 or 2")
		}
		f.Channels = n
	}
	return f, nil
}

// handleFile reads one text message naming an uploaded file, then relays
// the decoded audio of that file.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	conn, err := s.accept(w, r)
	if err != nil {
		return
	}
	log := observe.LoggerFrom(r.Context(), s.log)

	readCtx, cancel := context.WithTimeout(r.Context(), s.cfg.ReferenceTimeout)
	typ, data, err := conn.Read(readCtx)
	cancel()
	if err != nil {
		log.Info("no media reference received", "err", err)
		_ = conn.CloseNow()
		return
	}
	if typ != websocket.MessageText {
		_ = conn.Close(websocket.StatusUnsupportedData, "expected media reference as text")
		return
	}
	path, err := s.cfg.Uploads.Resolve(string(data))
	if err != nil {
		log.Warn("rejected media reference", "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "unknown media reference")
		return
	}

	// The client sends nothing else; a close or stray message ends the session.
	ctx := conn.CloseRead(r.Context())
	err = s.cfg.Sessions.Run(ctx, session.Request{
		Kind: session.KindMedia,
		Ingest: func(ctx context.Context, q *audio.Queue) error {
			return s.cfg.Decoder.Run(ctx, path, q)
		},
		Sink:    textSink(conn),
		OnFatal: func(error) { abort(conn) },
	})
	s.finish(conn, err)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		observe.LoggerFrom(r.Context(), s.log).Warn("websocket accept failed", "err", err)
		return nil, err
	}
	return conn, nil
}

// finish closes conn according to the session outcome.
func (s *Server) finish(conn *websocket.Conn, err error) {
	switch {
	case err == nil:
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, session.ErrMaxDuration):
		_ = conn.Close(websocket.StatusPolicyViolation, "maximum session duration exceeded")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		_ = conn.CloseNow()
	default:
		abort(conn)
	}
}

// abort closes conn with 1011 and no reason.
func abort(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusInternalError, "")
}

// textSink writes each transcript as one text message.
func textSink(conn *websocket.Conn) relay.Sink {
	return relay.SinkFunc(func(ctx context.Context, text string) error {
		return conn.Write(ctx, websocket.MessageText, []byte(text))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
