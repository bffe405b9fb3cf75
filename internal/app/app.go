// Package app wires the agent-side pipeline into a running application.
//
// The App struct owns the full lifecycle: New creates the credential
// supplier, scorer, overlay hub and call manager; Run serves the loopback
// control API until the context is cancelled; Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithIdentity,
// WithScorer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/internal/backend"
	"github.com/zeroscript/zeroscript/internal/config"
	"github.com/zeroscript/zeroscript/internal/health"
	"github.com/zeroscript/zeroscript/internal/identity/supabase"
	"github.com/zeroscript/zeroscript/internal/matcher"
	"github.com/zeroscript/zeroscript/internal/notify"
	"github.com/zeroscript/zeroscript/internal/observe"
	"github.com/zeroscript/zeroscript/internal/transcription"
	"github.com/zeroscript/zeroscript/pkg/audio"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
	"github.com/zeroscript/zeroscript/pkg/provider/stt/deepgram"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Device     audio.Device
	Dialer     stt.Dialer
	Embeddings embeddings.Provider
}

// Identity signs the agent in and refreshes its credential.
// *supabase.Client implements it.
type Identity interface {
	auth.Refresher
	SignIn(ctx context.Context, email, password string) (auth.Credential, error)
	SignOut(ctx context.Context, accessToken string) error
}

// App owns all subsystem lifetimes of the agent.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	identity Identity
	store    auth.Store
	creds    *auth.Supplier
	issuer   transcription.TokenIssuer
	scorer   matcher.Scorer
	hub      *notify.Hub
	sinks    []notify.Sink
	calls    *CallManager
	corpus   *Corpus
	checkers []health.Checker

	promh http.Handler

	srvMu  sync.Mutex
	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIdentity injects the identity client instead of creating one from
// config.
func WithIdentity(id Identity) Option {
	return func(a *App) { a.identity = id }
}

// WithStore injects the credential store instead of the session file.
func WithStore(s auth.Store) Option {
	return func(a *App) { a.store = s }
}

// WithIssuer injects the transcription token issuer.
func WithIssuer(i transcription.TokenIssuer) Option {
	return func(a *App) { a.issuer = i }
}

// WithScorer injects the scorer instead of the backend or local resolver.
func WithScorer(s matcher.Scorer) Option {
	return func(a *App) { a.scorer = s }
}

// WithSink adds a sink that receives every overlay event besides the hub.
func WithSink(s notify.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// WithMetrics overrides the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics on the control API.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promh = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil || providers.Device == nil || providers.Dialer == nil {
		return nil, errors.New("app: audio device and transcription dialer are required")
	}

	// ── 1. Credentials ───────────────────────────────────────────────────
	if err := a.initCredentials(); err != nil {
		return nil, fmt.Errorf("app: init credentials: %w", err)
	}

	// ── 2. Token issuer + scorer ─────────────────────────────────────────
	if err := a.initScoring(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init scoring: %w", err)
	}

	// ── 3. Overlay hub ───────────────────────────────────────────────────
	a.hub = notify.NewHub(
		notify.WithOriginPatterns(cfg.Agent.OverlayOrigins...),
		notify.WithClientObserver(func(delta int) {
			a.metrics.OverlayClients.Add(context.Background(), int64(delta))
		}),
	)
	a.closers = append(a.closers, func() error { a.hub.Close(); return nil })

	// ── 4. Call manager ──────────────────────────────────────────────────
	sink := notify.Multi(append([]notify.Sink{a.hub, notify.LogSink{}}, a.sinks...))
	a.calls = NewCallManager(CallManagerConfig{
		Device:      providers.Device,
		Dialer:      providers.Dialer,
		Credentials: a.creds,
		Issuer:      a.issuer,
		Scorer:      a.scorer,
		Sink:        sink,
		Session:     sessionConfig(cfg),
		QuietPeriod: cfg.Agent.QuietPeriod,
		Threshold:   cfg.Playbook.Threshold,
		Metrics:     a.metrics,
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCredentials sets up the identity client and the credential supplier.
func (a *App) initCredentials() error {
	if a.identity == nil {
		client, err := supabase.New(a.cfg.Identity.URL, a.cfg.Identity.AnonKey)
		if err != nil {
			return err
		}
		a.identity = client
	}
	if a.store == nil {
		path := a.cfg.Identity.SessionFile
		if path == "" {
			p, err := auth.DefaultSessionPath()
			if err != nil {
				return err
			}
			path = p
		}
		a.store = auth.NewFileStore(path)
	}
	a.creds = auth.NewSupplier(a.identity, auth.WithStore(a.store))
	return nil
}

// initScoring picks the backend client, or the in-process resolver and key
// issuer in local mode. Injected doubles win.
func (a *App) initScoring(ctx context.Context) error {
	if a.issuer != nil && a.scorer != nil {
		return nil
	}

	if !a.cfg.Agent.Local {
		client, err := backend.New(a.cfg.Agent.BackendURL, backend.WithExchangeObserver(a.observeExchange))
		if err != nil {
			return err
		}
		a.checkers = append(a.checkers, health.Checker{Name: "backend", Check: client.Health})
		if a.issuer == nil {
			a.issuer = client
		}
		if a.scorer == nil {
			a.scorer = client
		}
		return nil
	}

	if a.issuer == nil {
		keys, err := deepgram.NewKeyIssuer(a.cfg.Providers.STT.APIKey, a.cfg.Token.ProjectID, KeyOptions(a.cfg.Token)...)
		if err != nil {
			return err
		}
		a.issuer = localIssuer{keys: keys}
	}
	if a.scorer == nil {
		corpus, err := OpenCorpus(ctx, a.cfg.Playbook, a.providers.Embeddings, a.metrics)
		if err != nil {
			return err
		}
		a.corpus = corpus
		a.checkers = append(a.checkers, corpus.Checkers...)
		a.closers = append(a.closers, corpus.Close)
		a.scorer = matcher.NewLocal(corpus.Resolver)
	}
	return nil
}

func (a *App) observeExchange(ex backend.Exchange) {
	status := "ok"
	if ex.Err != nil {
		status = "error"
		a.metrics.RecordProviderError(context.Background(), "backend", ex.Path)
	}
	a.metrics.RecordProviderRequest(context.Background(), "backend", ex.Path, status)
	if ex.Path == "/token" {
		a.metrics.TokenDuration.Record(context.Background(), ex.Duration.Seconds())
	}
	slog.Debug("backend exchange", "method", ex.Method, "path", ex.Path, "status", ex.Status,
		"duration", ex.Duration, "err", ex.Err)
}

func sessionConfig(cfg *config.Config) transcription.Config {
	return transcription.Config{
		Stream: stt.StreamConfig{
			SampleRate:     cfg.Agent.SampleRate,
			Channels:       1,
			Encoding:       cfg.Agent.Encoding,
			Model:          cfg.Providers.STT.Model,
			Language:       cfg.Agent.Language,
			Punctuate:      cfg.Agent.Punctuate,
			SmartFormat:    cfg.Agent.SmartFormat,
			InterimResults: cfg.Agent.InterimResults,
			EndpointingMs:  cfg.Agent.EndpointingMs,
		},
		KeepAliveInterval: cfg.Agent.KeepAliveInterval,
		PendingFrames:     cfg.Agent.PendingFrames,
	}
}

// KeyOptions translates the token config into key issuer options. Zero
// values keep the issuer defaults.
func KeyOptions(cfg config.TokenConfig) []deepgram.KeyOption {
	var opts []deepgram.KeyOption
	if len(cfg.Scopes) > 0 {
		opts = append(opts, deepgram.WithScopes(cfg.Scopes...))
	}
	if cfg.TTL > 0 {
		opts = append(opts, deepgram.WithTTL(cfg.TTL))
	}
	if cfg.Comment != "" {
		opts = append(opts, deepgram.WithComment(cfg.Comment))
	}
	return opts
}

// localIssuer mints transcription keys directly when no backend is used.
type localIssuer struct {
	keys *deepgram.KeyIssuer
}

func (l localIssuer) IssueToken(ctx context.Context, cred auth.Credential) (stt.Token, error) {
	return l.keys.Issue(ctx, cred.UserID)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Calls returns the call manager.
func (a *App) Calls() *CallManager { return a.calls }

// Hub returns the overlay event hub.
func (a *App) Hub() *notify.Hub { return a.hub }

// Credentials returns the credential supplier.
func (a *App) Credentials() *auth.Supplier { return a.creds }

// ─── Sign in ─────────────────────────────────────────────────────────────────

// Login signs in with email and password and persists the session.
func (a *App) Login(ctx context.Context, email, password string) (auth.Credential, error) {
	cred, err := a.identity.SignIn(ctx, email, password)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("app: login: %w", err)
	}
	if err := a.creds.Set(cred); err != nil {
		return auth.Credential{}, fmt.Errorf("app: login: %w", err)
	}
	slog.Info("signed in", "user_id", cred.UserID, "email", cred.Email)
	return cred, nil
}

// Logout ends any active call, revokes the session and forgets it locally.
// A failed revocation is logged; the local session is cleared regardless.
func (a *App) Logout(ctx context.Context) error {
	if err := a.calls.EndCall(ctx); err != nil {
		slog.Warn("logout: end call", "err", err)
	}
	if cred, ok := a.creds.Credential(ctx, false); ok {
		if err := a.identity.SignOut(ctx, cred.AccessToken); err != nil {
			slog.Warn("logout: revoke session", "err", err)
		}
	}
	if err := a.creds.Clear(); err != nil {
		return fmt.Errorf("app: logout: %w", err)
	}
	slog.Info("signed out")
	return nil
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the loopback control API:
//
//	GET  /events       overlay WebSocket
//	GET  /call         active call, 404 when idle
//	POST /call/start   start a call
//	POST /call/end     end the active call
//	POST /login        sign in ({"email", "password"})
//	POST /logout       sign out
//	GET  /healthz, /readyz
//	GET  /metrics      when WithMetricsHandler was given
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics))

	health.New(a.checkers...).Register(r)
	if a.promh != nil {
		r.Handle("/metrics", a.promh)
	}
	r.Handle("/events", a.hub)

	r.Get("/call", a.handleInfo)
	r.Post("/call/start", a.handleStart)
	r.Post("/call/end", a.handleEnd)
	r.Post("/login", a.handleLogin)
	r.Post("/logout", a.handleLogout)
	return r
}

type callResponse struct {
	CallID    string    `json:"callId"`
	UserID    string    `json:"userId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

type errorResponse struct {
	Error notify.Error `json:"error"`
}

func (a *App) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info, ok := a.calls.Info()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: notify.Error{Kind: notify.KindUnknown, Message: "No call is active."}})
		return
	}
	writeJSON(w, http.StatusOK, callResponse{CallID: info.CallID, UserID: info.UserID, StartedAt: info.StartedAt})
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := a.calls.StartCall(r.Context())
	switch {
	case errors.Is(err, ErrCallActive):
		writeJSON(w, http.StatusConflict, errorResponse{Error: notify.Error{Kind: notify.KindUnknown, Message: "A call is already active."}})
	case err != nil:
		status := http.StatusBadGateway
		e := Classify(err)
		switch e.Kind {
		case notify.KindAuth:
			status = http.StatusUnauthorized
		case notify.KindDevice, notify.KindAccess:
			status = http.StatusConflict
		}
		writeJSON(w, status, errorResponse{Error: e})
	default:
		writeJSON(w, http.StatusOK, callResponse{CallID: info.CallID, UserID: info.UserID, StartedAt: info.StartedAt})
	}
}

func (a *App) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := a.calls.EndCall(r.Context()); err != nil {
		slog.Warn("end call", "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: notify.Error{Kind: notify.KindAuth, Message: "Email and password are required.", Action: notify.ActionLogin}})
		return
	}
	cred, err := a.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		slog.Warn("login failed", "email", req.Email, "err", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: notify.Error{Kind: notify.KindAuth, Message: "Sign in failed. Check your email and password.", Action: notify.ActionLogin}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"userId": cred.UserID, "email": cred.Email})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Logout(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: Classify(err)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API on cfg.Agent.ListenAddr and keeps the
// credential fresh until ctx is cancelled. It returns nil on a clean stop.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Agent.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.srvMu.Lock()
	a.server = srv
	a.srvMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.creds.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("agent listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable part of a config change.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.ThresholdChanged {
		a.calls.SetThreshold(d.NewThreshold)
		if a.corpus != nil {
			a.corpus.Resolver.SetThreshold(d.NewThreshold)
		}
		slog.Info("threshold updated", "threshold", d.NewThreshold)
	}
	if d.QuietPeriodChanged {
		a.calls.SetQuietPeriod(d.NewQuietPeriod)
		slog.Info("quiet period updated", "quiet_period", d.NewQuietPeriod)
	}
	for _, key := range d.RestartRequired {
		slog.Warn("config change requires restart", "key", key)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the active call and closes every subsystem. It is safe to
// call more than once; only the first call has an effect.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down agent")
		if endErr := a.calls.EndCall(ctx); endErr != nil {
			err = errors.Join(err, endErr)
		}
		a.srvMu.Lock()
		srv := a.server
		a.srvMu.Unlock()
		if srv != nil {
			if shutErr := srv.Shutdown(ctx); shutErr != nil {
				err = errors.Join(err, shutErr)
			}
		}
		err = errors.Join(err, a.closeAll())
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
