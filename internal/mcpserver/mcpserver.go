// Package mcpserver exposes scriberelay to MCP clients such as AI agents.
//
// Two tools are registered:
//   - "transcribe_upload": transcribe a previously uploaded media file and
//     return the finalized texts.
//   - "list_sessions": list the transcription sessions currently running.
//
// The server is served over the MCP streamable HTTP transport by [Handler].
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/scriberelay/internal/relay"
	"github.com/MrWong99/scriberelay/internal/session"
)

// Transcriber runs one media session and delivers its texts to sink.
type Transcriber interface {
	Transcribe(ctx context.Context, path string, sink relay.Sink) error
}

// Resolver maps an upload reference to a local path.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// SessionLister reports running sessions.
type SessionLister interface {
	Active() []session.Info
}

// Config holds the dependencies of the MCP server. Transcriber, Uploads and
// Sessions are required.
type Config struct {
	Transcriber Transcriber
	Uploads     Resolver
	Sessions    SessionLister
	Version     string
	Logger      *slog.Logger
}

type transcribeArgs struct {
	Path string `json:"path" jsonschema:"upload reference returned by POST /upload"`
}

type transcribeResult struct {
	Text     string   `json:"text"`
	Segments []string `json:"segments"`
}

type listSessionsArgs struct{}

type sessionInfo struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	Seconds   float64   `json:"seconds"`
}

type listSessionsResult struct {
	Sessions []sessionInfo `json:"sessions"`
}

// New builds the MCP server. It panics if a required dependency is missing.
func New(cfg Config) *mcpsdk.Server {
	if cfg.Transcriber == nil || cfg.Uploads == nil || cfg.Sessions == nil {
		panic("mcpserver: New requires Transcriber, Uploads and Sessions")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	srv := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "scriberelay", Version: cfg.Version}, nil)
	h := &handlers{cfg: cfg}

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "transcribe_upload",
		Description: "Transcribe an uploaded audio or video file and return the recognised text.",
	}, h.transcribe)

	mcpsdk.AddTool(srv, &mcpsdk.Tool{
		Name:        "list_sessions",
		Description: "List the transcription sessions currently running.",
	}, h.listSessions)

	return srv
}

// Handler serves srv over the streamable HTTP transport. Sessions are
// stateless, so every request is self-contained.
func Handler(srv *mcpsdk.Server, log *slog.Logger) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return srv },
		&mcpsdk.StreamableHTTPOptions{Stateless: true, JSONResponse: true, Logger: log})
}

type handlers struct {
	cfg Config
}

func (h *handlers) transcribe(ctx context.Context, _ *mcpsdk.CallToolRequest, args transcribeArgs) (*mcpsdk.CallToolResult, transcribeResult, error) {
	if strings.TrimSpace(args.Path) == "" {
		return nil, transcribeResult{}, errors.New("path is required")
	}
	path, err := h.cfg.Uploads.Resolve(args.Path)
	if err != nil {
		return nil, transcribeResult{}, fmt.Errorf("unknown upload %q: %w", args.Path, err)
	}

	var c collector
	if err := h.cfg.Transcriber.Transcribe(ctx, path, &c); err != nil {
		h.cfg.Logger.Warn("mcp transcription failed", "path", args.Path, "err", err)
		return nil, transcribeResult{}, fmt.Errorf("transcription failed: %w", err)
	}
	segments := c.texts()
	return nil, transcribeResult{Text: strings.Join(segments, " "), Segments: segments}, nil
}

func (h *handlers) listSessions(context.Context, *mcpsdk.CallToolRequest, listSessionsArgs) (*mcpsdk.CallToolResult, listSessionsResult, error) {
	active := h.cfg.Sessions.Active()
	out := listSessionsResult{Sessions: make([]sessionInfo, 0, len(active))}
	now := time.Now()
	for _, s := range active {
		out.Sessions = append(out.Sessions, sessionInfo{
			ID:        s.ID,
			Kind:      string(s.Kind),
			StartedAt: s.StartedAt,
			Seconds:   now.Sub(s.StartedAt).Seconds(),
		})
	}
	return nil, out, nil
}

type collector struct {
	mu  sync.Mutex
	out []string
}

func (c *collector) Deliver(_ context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, text)
	return nil
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.out...)
}
