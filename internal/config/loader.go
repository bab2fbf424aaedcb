package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by [ApplyEnv].
const (
	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"
	EnvOpenAIAPIKey   = "OPENAI_API_KEY"
	EnvPostgresDSN    = "SCRIBERELAY_POSTGRES_DSN"
	EnvListenAddr     = "SCRIBERELAY_LISTEN_ADDR"
)

// apiKeyEnv maps provider names to the variable holding their key.
var apiKeyEnv = map[string]string{
	"deepgram": EnvDeepgramAPIKey,
	"openai":   EnvOpenAIAPIKey,
}

// ValidProviderNames lists known STT provider names.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"deepgram", "openai", "whisper"}

// ValidEncodings lists the audio encodings a recognition stream accepts.
var ValidEncodings = []string{"linear16"}

// LoadEnv loads environment variables from the given .env files, or from
// ".env" in the working directory when none are given. Missing files are
// ignored; variables already set in the process environment win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies [ApplyEnv] and
// [ApplyDefaults], and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return LoadFromReader(strings.NewReader(""))
}

// ApplyEnv fills secrets and deployment settings from the environment where
// the file leaves them empty.
func ApplyEnv(cfg *Config) {
	fill := func(e *ProviderEntry) {
		if e.APIKey != "" {
			return
		}
		name := e.Name
		if name == "" {
			name = "deepgram"
		}
		if env, ok := apiKeyEnv[name]; ok {
			e.APIKey = os.Getenv(env)
		}
	}
	fill(&cfg.Providers.STT)
	for i := range cfg.Providers.STTFallbacks {
		fill(&cfg.Providers.STTFallbacks[i])
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" && cfg.Transcripts.PostgresDSN == "" {
		cfg.Transcripts.PostgresDSN = v
	}
	if v := os.Getenv(EnvListenAddr); v != "" && cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ReadHeaderTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.read_header_timeout %s must not be negative", cfg.Server.ReadHeaderTimeout))
	}

	// Providers
	errs = append(errs, validateProvider("providers.stt", cfg.Providers.STT)...)
	for i, fb := range cfg.Providers.STTFallbacks {
		errs = append(errs, validateProvider(fmt.Sprintf("providers.stt_fallbacks[%d]", i), fb)...)
	}

	// Stream
	if cfg.Stream.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("stream.sample_rate %d must be positive", cfg.Stream.SampleRate))
	}
	if cfg.Stream.Channels < 0 || cfg.Stream.Channels > 2 {
		errs = append(errs, fmt.Errorf("stream.channels %d is out of range [1, 2]", cfg.Stream.Channels))
	}
	if cfg.Stream.Encoding != "" && !slices.Contains(ValidEncodings, cfg.Stream.Encoding) {
		errs = append(errs, fmt.Errorf("stream.encoding %q is invalid; valid values: %s", cfg.Stream.Encoding, strings.Join(ValidEncodings, ", ")))
	}

	// Decoder
	if cfg.Decoder.BlockSize < 0 || cfg.Decoder.BlockSize%2 != 0 {
		errs = append(errs, fmt.Errorf("decoder.block_size %d must be a positive multiple of 2", cfg.Decoder.BlockSize))
	}

	// Session
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"session.drain_timeout", cfg.Session.DrainTimeout},
		{"session.max_duration", cfg.Session.MaxDuration},
		{"session.reference_timeout", cfg.Session.ReferenceTimeout},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", d.name, d.value))
		}
	}

	// Uploads
	if cfg.Uploads.MaxBytes < 0 {
		errs = append(errs, fmt.Errorf("uploads.max_bytes %d must not be negative", cfg.Uploads.MaxBytes))
	}

	// Glossary
	for _, th := range []struct {
		name  string
		value float64
	}{
		{"glossary.phonetic_threshold", cfg.Glossary.PhoneticThreshold},
		{"glossary.fuzzy_threshold", cfg.Glossary.FuzzyThreshold},
	} {
		if th.value < 0 || th.value > 1 {
			errs = append(errs, fmt.Errorf("%s %g is out of range [0, 1]", th.name, th.value))
		}
	}

	if cfg.Transcripts.PostgresDSN == "" {
		slog.Debug("transcripts.postgres_dsn is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

func validateProvider(prefix string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	validateProviderName(e.Name)
	switch e.Name {
	case "deepgram":
		if e.APIKey == "" {
			slog.Warn("deepgram provider has no API key; set api_key or "+EnvDeepgramAPIKey, "entry", prefix)
		}
	case "openai":
		if e.APIKey == "" {
			return []error{fmt.Errorf("%s.api_key is required for openai (or set %s)", prefix, EnvOpenAIAPIKey)}
		}
	case "whisper":
		if e.BaseURL == "" {
			return []error{fmt.Errorf("%s.base_url is required for whisper", prefix)}
		}
	}
	return nil
}

// validateProviderName logs a warning if name is not found in
// [ValidProviderNames].
func validateProviderName(name string) {
	if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", "stt",
		"name", name,
		"known", ValidProviderNames,
	)
}
