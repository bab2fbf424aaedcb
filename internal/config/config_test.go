package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/scriberelay/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  read_header_timeout: 5s
  tls:
    cert_file: /etc/tls/cert.pem
    key_file: /etc/tls/key.pem
providers:
  stt:
    name: deepgram
    api_key: dg-key
    model: nova-2
    options:
      smart_format: true
  stt_fallbacks:
    - name: deepgram
      api_key: dg-backup
      base_url: wss://eu.api.deepgram.com/v1/listen
stream:
  language: en-US
  sample_rate: 16000
  channels: 1
  encoding: linear16
decoder:
  binary: /usr/bin/ffmpeg
  block_size: 8192
  realtime: false
session:
  drain_timeout: 45s
  max_duration: 2h
  reference_timeout: 3s
uploads:
  dir: /var/lib/scriberelay/uploads
  max_bytes: 1048576
transcripts:
  postgres_dsn: postgres://localhost/scriberelay
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ReadHeaderTimeout != 5*time.Second {
		t.Errorf("read_header_timeout = %v", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.Server.TLS == nil || cfg.Server.TLS.KeyFile != "/etc/tls/key.pem" {
		t.Errorf("tls = %+v", cfg.Server.TLS)
	}
	if cfg.Providers.STT.APIKey != "dg-key" || cfg.Providers.STT.Options["smart_format"] != true {
		t.Errorf("stt = %+v", cfg.Providers.STT)
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.STTFallbacks[0].BaseURL == "" {
		t.Errorf("stt_fallbacks = %+v", cfg.Providers.STTFallbacks)
	}
	if cfg.Stream.Language != "en-US" {
		t.Errorf("language = %q", cfg.Stream.Language)
	}
	if cfg.Decoder.BlockSize != 8192 || cfg.Decoder.IsRealtime() {
		t.Errorf("decoder = %+v realtime=%v", cfg.Decoder, cfg.Decoder.IsRealtime())
	}
	if cfg.Session.DrainTimeout != 45*time.Second || cfg.Session.MaxDuration != 2*time.Hour || cfg.Session.ReferenceTimeout != 3*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Uploads.MaxBytes != 1<<20 {
		t.Errorf("uploads.max_bytes = %d", cfg.Uploads.MaxBytes)
	}
	if cfg.Transcripts.PostgresDSN != "postgres://localhost/scriberelay" {
		t.Errorf("transcripts = %+v", cfg.Transcripts)
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"stt", cfg.Providers.STT.Name, "deepgram"},
		{"language", cfg.Stream.Language, "it-IT"},
		{"sample_rate", cfg.Stream.SampleRate, 16000},
		{"channels", cfg.Stream.Channels, 1},
		{"encoding", cfg.Stream.Encoding, "linear16"},
		{"decoder.binary", cfg.Decoder.Binary, "ffmpeg"},
		{"decoder.block_size", cfg.Decoder.BlockSize, 4096},
		{"decoder.realtime", cfg.Decoder.IsRealtime(), true},
		{"drain_timeout", cfg.Session.DrainTimeout, 30 * time.Second},
		{"max_duration", cfg.Session.MaxDuration, time.Duration(0)},
		{"uploads.dir", cfg.Uploads.Dir, "uploads"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadFromReader_ZeroDrainTimeoutKeepsBound(t *testing.T) {
	t.Setenv(config.EnvDeepgramAPIKey, "dg-test")
	cfg, err := config.LoadFromReader(strings.NewReader("session:\n  drain_timeout: 0s\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Session.DrainTimeout != config.DefaultDrainTimeout {
		t.Errorf("drain_timeout = %v, want %v", cfg.Session.DrainTimeout, config.DefaultDrainTimeout)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: ':1'\n"))
	if err == nil || !strings.Contains(err.Error(), "listen_adr") {
		t.Fatalf("err = %v, want unknown field error", err)
	}
}

func TestLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		valid bool
		slog  slog.Level
	}{
		{config.LogDebug, true, slog.LevelDebug},
		{config.LogInfo, true, slog.LevelInfo},
		{config.LogWarn, true, slog.LevelWarn},
		{config.LogError, true, slog.LevelError},
		{"verbose", false, slog.LevelInfo},
		{"", false, slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.level.IsValid(); got != tt.valid {
			t.Errorf("%q.IsValid() = %v, want %v", tt.level, got, tt.valid)
		}
		if got := tt.level.Level(); got != tt.slog {
			t.Errorf("%q.Level() = %v, want %v", tt.level, got, tt.slog)
		}
	}
}
