// Package debugtools is an MCP server for diagnosing the transcription and
// scoring path from an MCP-capable assistant. It runs over stdio
// (`zeroscript mcp`) and exposes tools that probe the Deepgram account,
// run a pre-recorded transcription, mint a key and score a phrase through
// the backend with the signed-in session, and inspect a bounded log of the
// upstream calls those tools made.
package debugtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
	"github.com/zeroscript/zeroscript/pkg/provider/stt/deepgram"
)

// SampleAudioURL is transcribed when test_transcription gets no URL.
const SampleAudioURL = "https://dpgr.am/spacewalk.wav"

// ErrNotConfigured is returned by tools whose dependency was not supplied.
var ErrNotConfigured = errors.New("debugtools: not configured")

// Deepgram is the account and pre-recorded API. *deepgram.Manager
// implements it.
type Deepgram interface {
	Projects(ctx context.Context) ([]deepgram.Project, error)
	Usage(ctx context.Context, projectID string) (json.RawMessage, error)
	Balances(ctx context.Context, projectID string) (json.RawMessage, error)
	TranscribeURL(ctx context.Context, audioURL string, opts deepgram.TranscribeOptions) (json.RawMessage, error)
	SetAPIKey(key string)
	HasAPIKey() bool
}

// Backend is the token and match API. *backend.Client implements it.
type Backend interface {
	IssueToken(ctx context.Context, cred auth.Credential) (stt.Token, error)
	Score(ctx context.Context, cred auth.Credential, text string) (playbook.Match, error)
}

// Credentials yields the signed-in session. *auth.Supplier implements it.
type Credentials interface {
	Require(ctx context.Context, forceRefresh bool) (auth.Credential, error)
}

var (
	_ Deepgram    = (*deepgram.Manager)(nil)
	_ Credentials = (*auth.Supplier)(nil)
)

// Config holds the dependencies of a [Server]. Backend and Credentials may
// be nil; issue_token and match_script then fail with [ErrNotConfigured].
type Config struct {
	Deepgram    Deepgram
	Backend     Backend
	Credentials Credentials

	// Logs receives one entry per upstream call. Nil creates a buffer of
	// [DefaultLogSize].
	Logs *LogBuffer

	Version string
}

// Server is the debug MCP server.
type Server struct {
	dg    Deepgram
	be    Backend
	creds Credentials
	logs  *LogBuffer
	mcp   *mcpsdk.Server
}

// New creates a Server with every tool registered.
func New(cfg Config) *Server {
	if cfg.Logs == nil {
		cfg.Logs = NewLogBuffer(DefaultLogSize)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &Server{
		dg:    cfg.Deepgram,
		be:    cfg.Backend,
		creds: cfg.Credentials,
		logs:  cfg.Logs,
		mcp: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "zeroscript-debug",
			Version: cfg.Version,
		}, nil),
	}
	s.register()
	return s
}

// MCP returns the underlying server, for connecting custom transports.
func (s *Server) MCP() *mcpsdk.Server { return s.mcp }

// Logs returns the call log.
func (s *Server) Logs() *LogBuffer { return s.logs }

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("debug MCP server running on stdio")
	if err := s.mcp.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("debugtools: run: %w", err)
	}
	return nil
}

// ─── Tool inputs ────────────────────────────────────────────────────────────

type noArgs struct{}

type transcriptionArgs struct {
	AudioURL    string `json:"audioUrl,omitempty" jsonschema:"URL of the audio file to transcribe (defaults to a sample)"`
	Model       string `json:"model,omitempty" jsonschema:"Deepgram model to use (nova-2, nova, enhanced, base)"`
	Language    string `json:"language,omitempty" jsonschema:"Language code (e.g. en, es, fr)"`
	SmartFormat *bool  `json:"smart_format,omitempty" jsonschema:"Enable smart formatting (default true)"`
	Punctuate   *bool  `json:"punctuate,omitempty" jsonschema:"Add punctuation"`
	Diarize     *bool  `json:"diarize,omitempty" jsonschema:"Enable speaker diarization"`
}

type projectArgs struct {
	ProjectID string `json:"projectId,omitempty" jsonschema:"Project ID (optional, uses the first project if not provided)"`
}

type logArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"Number of recent logs to retrieve"`
}

type apiKeyArgs struct {
	APIKey string `json:"apiKey" jsonschema:"Deepgram API key"`
}

type matchArgs struct {
	Text string `json:"text" jsonschema:"Utterance to score against the playbook"`
}

func (s *Server) register() {
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "test_connection",
		Description: "Test the connection to the Deepgram API and verify credentials",
	}, s.testConnection)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "test_transcription",
		Description: "Transcribe a sample audio file or URL with the pre-recorded API",
	}, s.testTranscription)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "get_usage",
		Description: "Get Deepgram API usage for the last 30 days",
	}, s.getUsage)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "get_balances",
		Description: "Get Deepgram account balances",
	}, s.getBalances)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "set_api_key",
		Description: "Set or replace the Deepgram API key used by these tools",
	}, s.setAPIKey)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "issue_token",
		Description: "Mint a temporary transcription key through the backend using the signed-in session",
	}, s.issueToken)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "match_script",
		Description: "Score an utterance against the playbook through the backend",
	}, s.matchScript)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "get_debug_logs",
		Description: "Get recent logs of upstream API calls made by these tools",
	}, s.getDebugLogs)
	mcpsdk.AddTool(s.mcp, &mcpsdk.Tool{
		Name:        "clear_debug_logs",
		Description: "Clear all debug logs",
	}, s.clearDebugLogs)
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) testConnection(ctx context.Context, _ *mcpsdk.CallToolRequest, _ noArgs) (*mcpsdk.CallToolResult, any, error) {
	if !s.dg.HasAPIKey() {
		return reply(map[string]any{
			"success": false,
			"message": "Deepgram API key not configured. Set DEEPGRAM_API_KEY or call set_api_key.",
		}), nil, nil
	}
	start := time.Now()
	projects, err := s.dg.Projects(ctx)
	d := time.Since(start)
	s.record("deepgram.projects", d, projects, err)
	if err != nil {
		return reply(map[string]any{
			"success": false,
			"message": "Failed to connect to Deepgram API: " + err.Error(),
			"details": map[string]any{"error": err.Error(), "duration_ms": d.Milliseconds()},
		}), nil, nil
	}
	return reply(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Successfully connected to Deepgram API (%dms)", d.Milliseconds()),
		"details": map[string]any{"projects": projects},
	}), nil, nil
}

func (s *Server) testTranscription(ctx context.Context, _ *mcpsdk.CallToolRequest, in transcriptionArgs) (*mcpsdk.CallToolResult, any, error) {
	if in.AudioURL == "" {
		in.AudioURL = SampleAudioURL
	}
	opts := deepgram.TranscribeOptions{
		Model:       in.Model,
		Language:    in.Language,
		SmartFormat: in.SmartFormat == nil || *in.SmartFormat,
		Punctuate:   in.Punctuate != nil && *in.Punctuate,
		Diarize:     in.Diarize != nil && *in.Diarize,
	}
	s.logs.Add(Entry{Type: EntryRequest, Endpoint: "deepgram.listen", Data: map[string]any{"url": in.AudioURL, "options": opts}})

	start := time.Now()
	raw, err := s.dg.TranscribeURL(ctx, in.AudioURL, opts)
	d := time.Since(start)
	s.record("deepgram.listen", d, raw, err)
	if err != nil {
		return failure(fmt.Errorf("transcription failed: %w", err)), nil, nil
	}

	model := opts.Model
	if model == "" {
		model = "nova-2"
	}
	meta := summarize(raw)
	meta["model"] = model
	return reply(map[string]any{
		"success":     true,
		"duration_ms": d.Milliseconds(),
		"metadata":    meta,
		"result":      raw,
	}), nil, nil
}

func (s *Server) getUsage(ctx context.Context, _ *mcpsdk.CallToolRequest, in projectArgs) (*mcpsdk.CallToolResult, any, error) {
	start := time.Now()
	raw, err := s.dg.Usage(ctx, in.ProjectID)
	d := time.Since(start)
	s.record("deepgram.usage", d, raw, err)
	if err != nil {
		return failure(fmt.Errorf("failed to get usage: %w", err)), nil, nil
	}
	return reply(map[string]any{"success": true, "duration_ms": d.Milliseconds(), "usage": raw}), nil, nil
}

func (s *Server) getBalances(ctx context.Context, _ *mcpsdk.CallToolRequest, in projectArgs) (*mcpsdk.CallToolResult, any, error) {
	start := time.Now()
	raw, err := s.dg.Balances(ctx, in.ProjectID)
	d := time.Since(start)
	s.record("deepgram.balances", d, raw, err)
	if err != nil {
		return failure(fmt.Errorf("failed to get balances: %w", err)), nil, nil
	}
	return reply(map[string]any{"success": true, "duration_ms": d.Milliseconds(), "balances": raw}), nil, nil
}

func (s *Server) setAPIKey(_ context.Context, _ *mcpsdk.CallToolRequest, in apiKeyArgs) (*mcpsdk.CallToolResult, any, error) {
	key := strings.TrimSpace(in.APIKey)
	if key == "" {
		return failure(errors.New("API key is required")), nil, nil
	}
	s.dg.SetAPIKey(key)
	slog.Info("debugtools: deepgram API key replaced")
	return reply(map[string]any{"success": true, "message": "API key updated successfully"}), nil, nil
}

func (s *Server) issueToken(ctx context.Context, _ *mcpsdk.CallToolRequest, _ noArgs) (*mcpsdk.CallToolResult, any, error) {
	cred, err := s.session(ctx)
	if err != nil {
		return failure(err), nil, nil
	}
	start := time.Now()
	tok, err := s.be.IssueToken(ctx, cred)
	d := time.Since(start)
	if err != nil {
		s.record("backend.token", d, nil, err)
		return failure(fmt.Errorf("failed to issue token: %w", err)), nil, nil
	}
	out := map[string]any{
		"success":   true,
		"key":       redact(tok.Key),
		"expiresAt": tok.ExpiresAt,
		"expiresIn": tok.ExpiresIn,
		"userId":    tok.UserID,
	}
	s.record("backend.token", d, out, nil)
	return reply(out), nil, nil
}

func (s *Server) matchScript(ctx context.Context, _ *mcpsdk.CallToolRequest, in matchArgs) (*mcpsdk.CallToolResult, any, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return failure(errors.New("text is required")), nil, nil
	}
	cred, err := s.session(ctx)
	if err != nil {
		return failure(err), nil, nil
	}
	start := time.Now()
	m, err := s.be.Score(ctx, cred, text)
	d := time.Since(start)
	s.record("backend.match", d, m, err)
	if err != nil {
		return failure(fmt.Errorf("failed to match: %w", err)), nil, nil
	}
	if !m.Matched {
		return reply(map[string]any{"success": false, "message": "No matching script found", "duration_ms": d.Milliseconds()}), nil, nil
	}
	return reply(map[string]any{
		"success":     true,
		"intent":      m.Intent,
		"script":      m.Script,
		"similarity":  m.Similarity,
		"duration_ms": d.Milliseconds(),
	}), nil, nil
}

func (s *Server) getDebugLogs(_ context.Context, _ *mcpsdk.CallToolRequest, in logArgs) (*mcpsdk.CallToolResult, any, error) {
	logs := s.logs.Recent(in.Limit)
	return reply(map[string]any{"success": true, "count": len(logs), "logs": logs}), nil, nil
}

func (s *Server) clearDebugLogs(context.Context, *mcpsdk.CallToolRequest, noArgs) (*mcpsdk.CallToolResult, any, error) {
	s.logs.Clear()
	return reply(map[string]any{"success": true, "message": "Debug logs cleared"}), nil, nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) session(ctx context.Context) (auth.Credential, error) {
	if s.be == nil || s.creds == nil {
		return auth.Credential{}, fmt.Errorf("%w: backend url or identity missing", ErrNotConfigured)
	}
	cred, err := s.creds.Require(ctx, false)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("not signed in, run `zeroscript login`: %w", err)
	}
	return cred, nil
}

// record adds a response or error entry for one upstream call.
func (s *Server) record(endpoint string, d time.Duration, data any, err error) {
	if err != nil {
		s.logs.Add(Entry{Type: EntryError, Endpoint: endpoint, Data: map[string]string{"error": err.Error()}, Duration: d})
		return
	}
	s.logs.Add(Entry{Type: EntryResponse, Endpoint: endpoint, Data: data, Duration: d})
}

func reply(v any) *mcpsdk.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return failure(fmt.Errorf("encode result: %w", err))
	}
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}}}
}

func failure(err error) *mcpsdk.CallToolResult {
	data, _ := json.Marshal(map[string]any{"success": false, "error": err.Error()})
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}
}

// summarize extracts channel, duration and word counts from a pre-recorded
// response.
func summarize(raw json.RawMessage) map[string]any {
	var r struct {
		Metadata struct {
			Duration float64 `json:"duration"`
		} `json:"metadata"`
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string            `json:"transcript"`
					Words      []json.RawMessage `json:"words"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
	}
	out := map[string]any{"channels": 0, "duration_seconds": 0.0, "words": 0}
	if err := json.Unmarshal(raw, &r); err != nil {
		return out
	}
	out["channels"] = len(r.Results.Channels)
	out["duration_seconds"] = r.Metadata.Duration
	if len(r.Results.Channels) > 0 && len(r.Results.Channels[0].Alternatives) > 0 {
		alt := r.Results.Channels[0].Alternatives[0]
		out["words"] = len(alt.Words)
		out["transcript"] = alt.Transcript
	}
	return out
}

func redact(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return key[:6] + "***"
}
