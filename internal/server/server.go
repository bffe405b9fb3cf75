// Package server is the backend the agent calls: it mints per-call
// transcription keys (POST /token) and resolves utterances to scripts
// (POST /match). Both require the agent's bearer credential, verified
// against the identity provider.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zeroscript/zeroscript/internal/health"
	"github.com/zeroscript/zeroscript/internal/observe"
	"github.com/zeroscript/zeroscript/internal/resilience"
	"github.com/zeroscript/zeroscript/internal/script"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

const (
	maxBodyBytes = 1 << 16

	// NoMatchMessage is returned with success=false when nothing clears the
	// threshold.
	NoMatchMessage = "No matching script found"

	corsAllowHeaders = "authorization, x-client-info, apikey, content-type"
	corsAllowMethods = "POST, GET, OPTIONS"
)

// Verifier resolves a bearer token to a user ID. *supabase.Client
// implements it.
type Verifier interface {
	Verify(ctx context.Context, accessToken string) (string, error)
}

// KeyIssuer mints a transcription key for a user. *deepgram.KeyIssuer
// implements it.
type KeyIssuer interface {
	Issue(ctx context.Context, userID string) (stt.Token, error)
}

// Resolver maps text to a script. *script.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, text string) (playbook.Match, error)
}

// Config holds the dependencies of a [Server].
type Config struct {
	Verifier Verifier

	// Keys may be nil when the key configuration is missing; /token then
	// answers 500.
	Keys KeyIssuer

	Resolver Resolver

	// Breaker, if set, guards Resolver. An open circuit answers 503.
	Breaker *resilience.CircuitBreaker

	// CORSOrigins are the allowed browser origins, as exact values or
	// path.Match patterns. "*" allows any origin.
	CORSOrigins []string

	Checkers []health.Checker
	Metrics  *observe.Metrics

	// MetricsHandler is mounted at /metrics when non-nil.
	MetricsHandler http.Handler
}

// Server is the backend HTTP API. It is safe for concurrent use.
type Server struct {
	verifier Verifier
	keys     KeyIssuer
	resolver Resolver
	breaker  *resilience.CircuitBreaker
	checkers []health.Checker
	metrics  *observe.Metrics
	promh    http.Handler

	origins atomic.Pointer[[]string]
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{
		verifier: cfg.Verifier,
		keys:     cfg.Keys,
		resolver: cfg.Resolver,
		breaker:  cfg.Breaker,
		checkers: cfg.Checkers,
		metrics:  cfg.Metrics,
		promh:    cfg.MetricsHandler,
	}
	s.SetCORSOrigins(cfg.CORSOrigins)
	return s
}

// SetCORSOrigins replaces the allowed origins.
func (s *Server) SetCORSOrigins(origins []string) {
	o := slices.Clone(origins)
	s.origins.Store(&o)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)
	r.Use(observe.Middleware(s.metrics))

	health.New(s.checkers...).Register(r)
	if s.promh != nil {
		r.Handle("/metrics", s.promh)
	}
	r.Post("/token", s.handleToken)
	r.Post("/match", s.handleMatch)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down within 5s.
// TLS is used when both certFile and keyFile are set.
func (s *Server) Run(ctx context.Context, addr, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("backend listening", "addr", ln.Addr().String(), "tls", certFile != "")
		if certFile != "" && keyFile != "" {
			errc <- srv.ServeTLS(ln, certFile, keyFile)
		} else {
			errc <- srv.Serve(ln)
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// ── Middleware ──────────────────────────────────────────────────────────────

// cors sets the CORS headers and answers preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allow := s.allowOrigin(r.Header.Get("Origin")); allow != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			if allow != "*" {
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	for _, o := range *s.origins.Load() {
		if o == "*" {
			return "*"
		}
		if origin == "" {
			continue
		}
		if o == origin {
			return origin
		}
		if ok, _ := path.Match(o, origin); ok {
			return origin
		}
	}
	return ""
}

// authenticate returns the verified user ID, or writes 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := bearer(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Missing authorization header"})
		return "", false
	}
	userID, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		slog.Info("server: bearer rejected", "err", err)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Invalid or expired token"})
		return "", false
	}
	return userID, true
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ── Handlers ────────────────────────────────────────────────────────────────

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type tokenBody struct {
	Success bool `json:"success"`
	stt.Token
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if s.keys == nil {
		slog.Error("server: transcription key configuration missing")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Transcription key configuration missing"})
		return
	}

	start := time.Now()
	tok, err := s.keys.Issue(r.Context(), userID)
	s.metrics.TokenDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		s.metrics.RecordProviderRequest(r.Context(), "deepgram", "keys", "error")
		s.metrics.RecordProviderError(r.Context(), "deepgram", "keys")
		observe.Logger(r.Context()).Warn("server: key creation failed", "user_id", userID, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Failed to create transcription key"})
		return
	}
	s.metrics.RecordProviderRequest(r.Context(), "deepgram", "keys", "ok")
	observe.Logger(r.Context()).Info("server: token issued", "user_id", userID, "expires_at", tok.ExpiresAt)
	writeJSON(w, http.StatusOK, tokenBody{Success: true, Token: tok})
}

type matchRequest struct {
	Text *string `json:"text"`
}

type matchBody struct {
	Success    bool     `json:"success"`
	Intent     *string  `json:"intent"`
	Script     *string  `json:"script"`
	Similarity *float64 `json:"similarity"`
	Message    string   `json:"message,omitempty"`
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
		return
	}
	if req.Text == nil || strings.TrimSpace(*req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Missing or empty 'text' field"})
		return
	}
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	start := time.Now()
	m, err := s.resolve(r.Context(), *req.Text)
	s.metrics.MatchDuration.Record(r.Context(), time.Since(start).Seconds())
	if err != nil {
		status, msg := matchStatus(err)
		s.metrics.RecordMatch(r.Context(), observe.MatchError)
		observe.Logger(r.Context()).Warn("server: match failed", "status", status, "err", err)
		writeJSON(w, status, errorBody{Error: msg})
		return
	}

	if !m.Matched {
		s.metrics.RecordMatch(r.Context(), observe.MatchNone)
		writeJSON(w, http.StatusOK, matchBody{Message: NoMatchMessage})
		return
	}
	s.metrics.RecordMatch(r.Context(), observe.MatchMatched)
	writeJSON(w, http.StatusOK, matchBody{
		Success:    true,
		Intent:     &m.Intent,
		Script:     &m.Script,
		Similarity: &m.Similarity,
	})
}

func (s *Server) resolve(ctx context.Context, text string) (playbook.Match, error) {
	if s.breaker == nil {
		return s.resolver.Resolve(ctx, text)
	}
	var m playbook.Match
	err := s.breaker.Execute(func() error {
		var err error
		m, err = s.resolver.Resolve(ctx, text)
		return err
	})
	return m, err
}

// matchStatus maps a resolve failure to its HTTP status and message.
func matchStatus(err error) (int, string) {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "Embedding service temporarily unavailable"
	case errors.Is(err, embeddings.ErrRateLimited):
		return http.StatusServiceUnavailable, "Embedding service rate limited"
	case errors.Is(err, embeddings.ErrUnauthorized):
		return http.StatusInternalServerError, "Embedding service misconfigured"
	case errors.Is(err, script.ErrEmbedding):
		return http.StatusServiceUnavailable, "Embedding service unavailable"
	case errors.Is(err, script.ErrLookup):
		return http.StatusInternalServerError, "Script lookup failed"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response", "err", err)
	}
}
