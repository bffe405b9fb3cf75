// Command zeroscript runs the real-time sales-coaching pipeline: the backend
// that mints transcription keys and matches utterances to scripts, and the
// agent that captures the rep's microphone and pushes suggestions to the
// overlay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/zeroscript/zeroscript/internal/config"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	envFiles   []string
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "zeroscript: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "zeroscript",
		Short:         "Real-time script suggestions for sales calls",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringSliceVar(&f.envFiles, "env-file", []string{".env", ".env.local"}, ".env files loaded before the config is read")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(f),
		newAgentCmd(f),
		newLoginCmd(f),
		newLogoutCmd(f),
		newSeedCmd(f),
		newMCPCmd(f),
	)
	return root
}

// ── Config ────────────────────────────────────────────────────────────────────

// loadConfig reads the env files and the config, then installs the logger.
// The returned setLevel switches the log level at runtime.
func loadConfig(f *rootFlags) (*config.Config, func(config.LogLevel), error) {
	if err := config.LoadEnvFiles(f.envFiles...); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", f.configPath)
		}
		return nil, nil, err
	}
	if f.logLevel != "" {
		lvl := config.LogLevel(f.logLevel)
		if !lvl.IsValid() {
			return nil, nil, fmt.Errorf("invalid --log-level %q", f.logLevel)
		}
		cfg.Server.LogLevel = lvl
	}

	logger, setLevel := newLogger(cfg.Server.LogFormat, cfg.Server.LogLevel)
	slog.SetDefault(logger)
	return cfg, setLevel, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the slog logger for format. Everything goes to stderr so
// `zeroscript mcp` keeps stdout for the protocol.
func newLogger(format config.LogFormat, level config.LogLevel) (*slog.Logger, func(config.LogLevel)) {
	switch format {
	case config.LogFormatPretty:
		cl := log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
			Level:           log.Level(slogLevel(level)),
		})
		return slog.New(cl), func(l config.LogLevel) { cl.SetLevel(log.Level(slogLevel(l))) }

	case config.LogFormatJSON:
		lv := new(slog.LevelVar)
		lv.Set(slogLevel(level))
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), func(l config.LogLevel) { lv.Set(slogLevel(l)) }

	default:
		lv := new(slog.LevelVar)
		lv.Set(slogLevel(level))
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})), func(l config.LogLevel) { lv.Set(slogLevel(l)) }
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(mode string, cfg *config.Config, addr string) {
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintf(os.Stderr, "║   Zeroscript %-8s startup summary   ║\n", mode)
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	if mode == "agent" {
		printProvider("Audio", cfg.Providers.Audio.Name, cfg.Agent.Encoding)
		scoring := "backend"
		if cfg.Agent.Local {
			scoring = "local"
		}
		fmt.Fprintf(os.Stderr, "║  Scoring         : %-19s ║\n", scoring)
	}
	store := "memory"
	if cfg.Playbook.PostgresDSN != "" {
		store = "postgres"
	}
	fmt.Fprintf(os.Stderr, "║  Playbook        : %-19s ║\n", store)
	fmt.Fprintf(os.Stderr, "║  Threshold       : %-19.2f ║\n", cfg.Playbook.Threshold)
	fmt.Fprintf(os.Stderr, "║  Listen addr     : %-19s ║\n", addr)
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", kind, value)
}
