package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zeroscript/zeroscript/internal/app"
	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/internal/backend"
	"github.com/zeroscript/zeroscript/internal/config"
	"github.com/zeroscript/zeroscript/internal/debugtools"
	"github.com/zeroscript/zeroscript/internal/identity/supabase"
	"github.com/zeroscript/zeroscript/internal/observe"
	"github.com/zeroscript/zeroscript/internal/resilience"
	"github.com/zeroscript/zeroscript/internal/script"
	"github.com/zeroscript/zeroscript/internal/server"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/playbook/postgres"
	"github.com/zeroscript/zeroscript/pkg/provider/stt/deepgram"
)

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend: /token and /match",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServe(f)
		},
	}
}

func runServe(f *rootFlags) error {
	cfg, setLevel, err := loadConfig(f)
	if err != nil {
		return err
	}
	if cfg.Identity.URL == "" {
		return errors.New("identity.url is required to verify bearer tokens")
	}

	ctx, stop := signalContext()
	defer stop()

	tel, err := initTelemetry(ctx, observe.RoleBackend, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer flushTelemetry(tel)
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Agent)
	embedder, err := buildEmbeddings(cfg, reg)
	if err != nil {
		return err
	}
	if embedder == nil {
		return errors.New("providers.embeddings is required for serve")
	}

	verifier, err := supabase.New(cfg.Identity.URL, cfg.Identity.AnonKey)
	if err != nil {
		return err
	}

	var keys server.KeyIssuer
	if cfg.Providers.STT.APIKey != "" && cfg.Token.ProjectID != "" {
		k, err := deepgram.NewKeyIssuer(cfg.Providers.STT.APIKey, cfg.Token.ProjectID, app.KeyOptions(cfg.Token)...)
		if err != nil {
			return err
		}
		keys = k
	} else {
		slog.Warn("providers.stt.api_key or token.project_id missing, /token will answer 500")
	}

	corpus, err := app.OpenCorpus(ctx, cfg.Playbook, embedder, metrics)
	if err != nil {
		return err
	}
	defer corpus.Close()

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "match",
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit changed", "name", name, "from", from, "to", to)
		},
	})

	srv := server.New(server.Config{
		Verifier:       verifier,
		Keys:           keys,
		Resolver:       corpus.Resolver,
		Breaker:        breaker,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Checkers:       corpus.Checkers,
		Metrics:        metrics,
		MetricsHandler: tel.Handler(),
	})

	watcher, err := config.NewWatcher(f.configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if d.LogLevelChanged {
			setLevel(d.NewLogLevel)
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.ThresholdChanged {
			corpus.Resolver.SetThreshold(d.NewThreshold)
			slog.Info("threshold updated", "threshold", d.NewThreshold)
		}
		if d.CORSChanged {
			srv.SetCORSOrigins(d.NewCORSOrigins)
			slog.Info("cors origins updated", "origins", d.NewCORSOrigins)
		}
		for _, key := range d.RestartRequired {
			slog.Warn("config change requires restart", "key", key)
		}
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	printStartupSummary("backend", cfg, cfg.Server.ListenAddr)

	var certFile, keyFile string
	if tls := cfg.Server.TLS; tls != nil {
		certFile, keyFile = tls.CertFile, tls.KeyFile
	}
	if err := srv.Run(ctx, cfg.Server.ListenAddr, certFile, keyFile); err != nil {
		return err
	}
	slog.Info("backend stopped")
	return nil
}

// ── agent ─────────────────────────────────────────────────────────────────────

func newAgentCmd(f *rootFlags) *cobra.Command {
	var local, start bool
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Capture the microphone and push script suggestions to the overlay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(f, cmd.Flags().Changed("local"), local, start)
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "score utterances in-process instead of calling the backend")
	cmd.Flags().BoolVar(&start, "start", false, "start a call immediately")
	return cmd
}

func runAgent(f *rootFlags, localSet, local, start bool) error {
	cfg, setLevel, err := loadConfig(f)
	if err != nil {
		return err
	}
	if localSet {
		cfg.Agent.Local = local
	}
	if err := config.ValidateAgent(cfg); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	tel, err := initTelemetry(ctx, observe.RoleAgent, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer flushTelemetry(tel)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Agent)
	providers, err := buildAgentProviders(cfg, reg)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers, app.WithMetricsHandler(tel.Handler()))
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(f.configPath, func(old, updated *config.Config) {
		d := config.Diff(old, updated)
		if d.LogLevelChanged {
			setLevel(d.NewLogLevel)
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		application.ApplyConfig(d)
	})
	if err != nil {
		return err
	}
	defer watcher.Stop()

	printStartupSummary("agent", cfg, cfg.Agent.ListenAddr)

	if start {
		go func() {
			if _, err := application.Calls().StartCall(ctx); err != nil {
				slog.Error("start call", "err", err)
			}
		}()
	}

	slog.Info("agent ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}

// ── login / logout ────────────────────────────────────────────────────────────

func newLoginCmd(f *rootFlags) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session for the agent",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runLogin(f, email, password)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (default: $ZEROSCRIPT_PASSWORD, then stdin)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func runLogin(f *rootFlags, email, password string) error {
	cfg, _, err := loadConfig(f)
	if err != nil {
		return err
	}
	client, store, err := identity(cfg)
	if err != nil {
		return err
	}

	if password == "" {
		password = os.Getenv("ZEROSCRIPT_PASSWORD")
	}
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}

	ctx, stop := signalContext()
	defer stop()

	cred, err := client.SignIn(ctx, email, password)
	if err != nil {
		return err
	}
	if err := store.Save(cred); err != nil {
		return err
	}
	fmt.Printf("Signed in as %s (user %s). Session stored in %s\n", email, cred.UserID, store.Path())
	return nil
}

func newLogoutCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runLogout(f)
		},
	}
}

func runLogout(f *rootFlags) error {
	cfg, _, err := loadConfig(f)
	if err != nil {
		return err
	}
	client, store, err := identity(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	cred, err := store.Load()
	if err != nil {
		slog.Warn("logout: unreadable session, clearing", "err", err)
	} else if !cred.IsZero() {
		if err := client.SignOut(ctx, cred.AccessToken); err != nil {
			slog.Warn("logout: revoke session", "err", err)
		}
	}
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("Signed out.")
	return nil
}

// identity returns the identity client and the session file store.
func identity(cfg *config.Config) (*supabase.Client, *auth.FileStore, error) {
	client, err := supabase.New(cfg.Identity.URL, cfg.Identity.AnonKey)
	if err != nil {
		return nil, nil, err
	}
	path := cfg.Identity.SessionFile
	if path == "" {
		if path, err = auth.DefaultSessionPath(); err != nil {
			return nil, nil, err
		}
	}
	return client, auth.NewFileStore(path), nil
}

// ── seed ──────────────────────────────────────────────────────────────────────

func newSeedCmd(f *rootFlags) *cobra.Command {
	var file string
	var batch int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Embed every playbook phrase and upsert it into the vector store",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runSeed(f, file, batch)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "playbook YAML (default: playbook.file)")
	cmd.Flags().IntVar(&batch, "batch", 0, "phrases per embeddings request (default 64)")
	return cmd
}

func runSeed(f *rootFlags, file string, batch int) error {
	cfg, _, err := loadConfig(f)
	if err != nil {
		return err
	}
	if cfg.Playbook.PostgresDSN == "" {
		return errors.New("playbook.postgres_dsn is required for seed")
	}
	if file == "" {
		file = cfg.Playbook.File
	}

	ctx, stop := signalContext()
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Agent)
	embedder, err := buildEmbeddings(cfg, reg)
	if err != nil {
		return err
	}
	if embedder == nil {
		return errors.New("providers.embeddings is required for seed")
	}

	pb, err := playbook.LoadFile(file)
	if err != nil {
		return err
	}
	store, err := postgres.NewStore(ctx, cfg.Playbook.PostgresDSN, cfg.Playbook.EmbeddingDimensions)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := script.Seed(ctx, embedder, store, pb.Scripts, script.SeedConfig{BatchSize: batch})
	if err != nil {
		return err
	}
	total, err := store.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Seeded %d phrases across %d intents from %s (%d rows in store)\n", n, len(pb.Scripts), file, total)
	return nil
}

// ── mcp ───────────────────────────────────────────────────────────────────────

func newMCPCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the transcription debug tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runMCP(f)
		},
	}
}

func runMCP(f *rootFlags) error {
	cfg, _, err := loadConfig(f)
	if err != nil {
		return err
	}

	key := cfg.Providers.STT.APIKey
	if key == "" {
		key = os.Getenv("DEEPGRAM_API_KEY")
	}
	manager := deepgram.NewManager(key, deepgram.WithCallObserver(func(c deepgram.Call) {
		slog.Debug("deepgram call", "endpoint", c.Endpoint, "status", c.Status, "duration", c.Duration, "err", c.Err)
	}))

	dcfg := debugtools.Config{Deepgram: manager, Version: version}
	if cfg.Agent.BackendURL != "" {
		client, err := backend.New(cfg.Agent.BackendURL)
		if err != nil {
			return err
		}
		dcfg.Backend = client
	}
	if cfg.Identity.URL != "" {
		client, store, err := identity(cfg)
		if err != nil {
			return err
		}
		dcfg.Credentials = auth.NewSupplier(client, auth.WithStore(store))
	}

	ctx, stop := signalContext()
	defer stop()
	tel, err := initTelemetry(ctx, observe.RoleDebug, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer flushTelemetry(tel)
	return debugtools.New(dcfg).Run(ctx)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// initTelemetry installs the OpenTelemetry providers for role.
func initTelemetry(ctx context.Context, role string, cfg config.TelemetryConfig) (*observe.Telemetry, error) {
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		Role:             role,
		ServiceVersion:   version,
		InstanceID:       cfg.InstanceID,
		TraceSampleRatio: cfg.TraceSampleRatio,
		RuntimeMetrics:   cfg.RuntimeMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	return tel, nil
}

func flushTelemetry(tel *observe.Telemetry) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown", "err", err)
	}
}
