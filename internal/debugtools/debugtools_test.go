package debugtools_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/internal/debugtools"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
	"github.com/zeroscript/zeroscript/pkg/provider/stt/deepgram"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeDeepgram struct {
	mu       sync.Mutex
	key      string
	err      error
	lastOpts deepgram.TranscribeOptions
	lastURL  string
}

func (f *fakeDeepgram) Projects(context.Context) ([]deepgram.Project, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []deepgram.Project{{ProjectID: "p-1", Name: "Zeroscript"}}, nil
}

func (f *fakeDeepgram) Usage(_ context.Context, id string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"project":"` + id + `","requests":3}`), nil
}

func (f *fakeDeepgram) Balances(context.Context, string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"balances":[{"amount":12.5}]}`), nil
}

func (f *fakeDeepgram) TranscribeURL(_ context.Context, u string, opts deepgram.TranscribeOptions) (json.RawMessage, error) {
	f.mu.Lock()
	f.lastURL, f.lastOpts = u, opts
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"metadata":{"duration":2.5},"results":{"channels":[{"alternatives":[{"transcript":"hello there","words":[{},{}]}]}]}}`), nil
}

func (f *fakeDeepgram) SetAPIKey(k string) {
	f.mu.Lock()
	f.key = k
	f.mu.Unlock()
}

func (f *fakeDeepgram) HasAPIKey() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key != ""
}

type fakeBackend struct {
	match playbook.Match
	err   error
}

func (b fakeBackend) IssueToken(_ context.Context, cred auth.Credential) (stt.Token, error) {
	if b.err != nil {
		return stt.Token{}, b.err
	}
	return stt.Token{Key: "dg-temp-secret", ExpiresIn: 300, ExpiresAt: time.Now().Add(5 * time.Minute), UserID: cred.UserID}, nil
}

func (b fakeBackend) Score(context.Context, auth.Credential, string) (playbook.Match, error) {
	return b.match, b.err
}

type creds struct{ err error }

func (c creds) Require(context.Context, bool) (auth.Credential, error) {
	if c.err != nil {
		return auth.Credential{}, c.err
	}
	return auth.Credential{AccessToken: "at", UserID: "rep-7"}, nil
}

// ─── Harness ────────────────────────────────────────────────────────────────

func connect(t *testing.T, cfg debugtools.Config) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	srv := debugtools.New(cfg)

	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := srv.MCP().Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) (map[string]any, bool) {
	t.Helper()
	if args == nil {
		args = map[string]any{}
	}
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): content %T, want text", name, res.Content[0])
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &out); err != nil {
		t.Fatalf("CallTool(%s): decode %q: %v", name, tc.Text, err)
	}
	return out, res.IsError
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestListTools(t *testing.T) {
	t.Parallel()
	cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{}})

	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	for _, want := range []string{
		"test_connection", "test_transcription", "get_usage", "get_balances",
		"set_api_key", "issue_token", "match_script", "get_debug_logs", "clear_debug_logs",
	} {
		if !slices.Contains(names, want) {
			t.Errorf("tool %q not registered (have %v)", want, names)
		}
	}
}

func TestTestConnection(t *testing.T) {
	t.Parallel()

	t.Run("no key", func(t *testing.T) {
		t.Parallel()
		cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{}})
		out, _ := call(t, cs, "test_connection", nil)
		if out["success"] != false || !strings.Contains(out["message"].(string), "not configured") {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("ok then logged", func(t *testing.T) {
		t.Parallel()
		logs := debugtools.NewLogBuffer(10)
		cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{key: "dg"}, Logs: logs})
		out, isErr := call(t, cs, "test_connection", nil)
		if isErr || out["success"] != true {
			t.Fatalf("out = %v", out)
		}
		if got := logs.Recent(0); len(got) != 1 || got[0].Type != debugtools.EntryResponse || got[0].Endpoint != "deepgram.projects" {
			t.Errorf("logs = %+v", got)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		t.Parallel()
		logs := debugtools.NewLogBuffer(10)
		cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{key: "dg", err: errors.New("status 401")}, Logs: logs})
		out, _ := call(t, cs, "test_connection", nil)
		if out["success"] != false || !strings.Contains(out["message"].(string), "status 401") {
			t.Errorf("out = %v", out)
		}
		if got := logs.Recent(0); len(got) != 1 || got[0].Type != debugtools.EntryError {
			t.Errorf("logs = %+v", got)
		}
	})
}

func TestTestTranscription(t *testing.T) {
	t.Parallel()
	dg := &fakeDeepgram{key: "dg"}
	cs := connect(t, debugtools.Config{Deepgram: dg})

	out, isErr := call(t, cs, "test_transcription", map[string]any{"diarize": true})
	if isErr || out["success"] != true {
		t.Fatalf("out = %v", out)
	}
	meta := out["metadata"].(map[string]any)
	if meta["words"] != float64(2) || meta["channels"] != float64(1) || meta["duration_seconds"] != 2.5 || meta["model"] != "nova-2" {
		t.Errorf("metadata = %v", meta)
	}

	dg.mu.Lock()
	defer dg.mu.Unlock()
	if dg.lastURL != debugtools.SampleAudioURL {
		t.Errorf("url = %q, want sample", dg.lastURL)
	}
	if !dg.lastOpts.SmartFormat || !dg.lastOpts.Diarize || dg.lastOpts.Punctuate {
		t.Errorf("opts = %+v", dg.lastOpts)
	}
}

func TestUsageAndBalances(t *testing.T) {
	t.Parallel()
	cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{key: "dg"}})

	out, _ := call(t, cs, "get_usage", map[string]any{"projectId": "p-9"})
	usage := out["usage"].(map[string]any)
	if out["success"] != true || usage["project"] != "p-9" {
		t.Errorf("usage = %v", out)
	}
	out, _ = call(t, cs, "get_balances", nil)
	if out["success"] != true || out["balances"] == nil {
		t.Errorf("balances = %v", out)
	}

	failing := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{key: "dg", err: errNoProject}})
	out, isErr := call(t, failing, "get_usage", nil)
	if !isErr || out["success"] != false || !strings.Contains(out["error"].(string), "failed to get usage") {
		t.Errorf("failing usage = %v (isError %v)", out, isErr)
	}
}

var errNoProject = errors.New("deepgram: no project available")

func TestSetAPIKey(t *testing.T) {
	t.Parallel()
	dg := &fakeDeepgram{}
	cs := connect(t, debugtools.Config{Deepgram: dg})

	out, isErr := call(t, cs, "set_api_key", map[string]any{"apiKey": "  "})
	if !isErr || out["success"] != false {
		t.Errorf("blank key accepted: %v", out)
	}
	out, _ = call(t, cs, "set_api_key", map[string]any{"apiKey": "dg-new"})
	if out["success"] != true || !dg.HasAPIKey() {
		t.Errorf("out = %v, has key %v", out, dg.HasAPIKey())
	}
}

func TestIssueToken(t *testing.T) {
	t.Parallel()

	t.Run("redacts key", func(t *testing.T) {
		t.Parallel()
		cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{}, Backend: fakeBackend{}, Credentials: creds{}})
		out, isErr := call(t, cs, "issue_token", nil)
		if isErr || out["success"] != true || out["userId"] != "rep-7" {
			t.Fatalf("out = %v", out)
		}
		if key := out["key"].(string); strings.Contains(key, "secret") {
			t.Errorf("key not redacted: %q", key)
		}
	})

	t.Run("not signed in", func(t *testing.T) {
		t.Parallel()
		cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{}, Backend: fakeBackend{}, Credentials: creds{err: auth.ErrAuthRequired}})
		out, isErr := call(t, cs, "issue_token", nil)
		if !isErr || !strings.Contains(out["error"].(string), "zeroscript login") {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("no backend", func(t *testing.T) {
		t.Parallel()
		cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{}})
		out, isErr := call(t, cs, "issue_token", nil)
		if !isErr || !strings.Contains(out["error"].(string), "not configured") {
			t.Errorf("out = %v", out)
		}
	})
}

func TestMatchScript(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		backend fakeBackend
		text    string
		success bool
		isErr   bool
	}{
		{"matched", fakeBackend{match: playbook.Match{Matched: true, Intent: "price_inquiry", Script: "The investment...", Similarity: 0.8}}, "how much", true, false},
		{"no match", fakeBackend{match: playbook.NoMatch}, "nice weather", false, false},
		{"blank text", fakeBackend{}, "   ", false, true},
		{"backend error", fakeBackend{err: errors.New("backend: service unavailable")}, "how much", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{}, Backend: tt.backend, Credentials: creds{}})
			out, isErr := call(t, cs, "match_script", map[string]any{"text": tt.text})
			if out["success"] != tt.success || isErr != tt.isErr {
				t.Errorf("out = %v, isError = %v", out, isErr)
			}
			if tt.success && out["intent"] != "price_inquiry" {
				t.Errorf("intent = %v", out["intent"])
			}
		})
	}
}

func TestDebugLogs(t *testing.T) {
	t.Parallel()
	logs := debugtools.NewLogBuffer(10)
	cs := connect(t, debugtools.Config{Deepgram: &fakeDeepgram{key: "dg"}, Logs: logs})

	call(t, cs, "test_connection", nil)
	call(t, cs, "test_transcription", nil)

	out, _ := call(t, cs, "get_debug_logs", map[string]any{"limit": 2})
	if out["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", out["count"])
	}
	entries := out["logs"].([]any)
	last := entries[1].(map[string]any)
	if last["endpoint"] != "deepgram.listen" || last["type"] != debugtools.EntryResponse {
		t.Errorf("last entry = %v", last)
	}

	out, _ = call(t, cs, "clear_debug_logs", nil)
	if out["success"] != true || logs.Len() != 0 {
		t.Errorf("clear = %v, len = %d", out, logs.Len())
	}
}
