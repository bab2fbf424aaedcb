// Command scriberelay relays audio from WebSocket clients and media files to
// a streaming speech recognition service and returns finalized transcripts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/scriberelay/internal/app"
	"github.com/MrWong99/scriberelay/internal/config"
	"github.com/MrWong99/scriberelay/internal/observe"
	"github.com/MrWong99/scriberelay/internal/relay"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

type rootFlags struct {
	configPath string
	envFiles   []string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "scriberelay",
		Short:         "Streaming speech-to-text relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "",
		"path to the YAML configuration file (defaults apply when empty)")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", []string{".env"},
		"dotenv files to load before reading the configuration")

	root.AddCommand(
		serveCmd(&flags),
		transcribeCmd(&flags),
		providersCmd(),
		versionCmd(),
	)
	return root
}

func serveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), flags)
		},
	}
}

func transcribeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "transcribe <media-file>",
		Short: "Transcribe a local media file and print the transcripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transcribe(cmd.Context(), flags, args[0], cmd.OutOrStdout())
		},
	}
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the built-in recognition providers",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			for _, name := range reg.STTNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "scriberelay", version)
		},
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serve(parent context.Context, flags *rootFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(&level)
	slog.SetDefault(logger)

	logger.Info("scriberelay starting",
		"version", version,
		"config", flags.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"stt", cfg.Providers.STT.Name,
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg, app.WithLogger(logger), app.WithVersion(version))
	if err != nil {
		return err
	}

	if flags.configPath != "" {
		if _, err := config.Watch(ctx, flags.configPath, config.ApplyReload(&level, logger),
			config.WithWatcherLogger(logger)); err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		}
	}

	logger.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil {
		logger.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("goodbye")
	return nil
}

// ── transcribe ────────────────────────────────────────────────────────────────

func transcribe(parent context.Context, flags *rootFlags, path string, out io.Writer) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	// Files are read as fast as ffmpeg decodes them.
	realtime := false
	cfg.Decoder.Realtime = &realtime

	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := newLogger(&level)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	application, err := app.New(ctx, cfg, reg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = application.Shutdown(sctx)
	}()

	sink := relay.SinkFunc(func(_ context.Context, text string) error {
		_, err := fmt.Fprintln(out, text)
		return err
	})
	if err := application.Transcribe(ctx, path, sink); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("transcribe %s: %w", path, err)
	}
	return nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// loadConfig loads the dotenv files and then the config file, or the
// defaults when no file was given.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	if err := config.LoadEnv(flags.envFiles...); err != nil {
		return nil, err
	}
	if flags.configPath == "" {
		return config.Default()
	}
	cfg, err := config.Load(flags.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", flags.configPath)
	}
	return cfg, err
}

// newLogger returns a text logger on stderr whose level follows lv.
func newLogger(lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}
