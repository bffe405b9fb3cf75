package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

const usageWindow = 30 * 24 * time.Hour

// ErrNoProject is returned when no project ID was given and the account has
// no projects.
var ErrNoProject = errors.New("deepgram: no project available")

// Call describes one management API request, for debug logging.
type Call struct {
	Endpoint string
	Status   int
	Duration time.Duration
	Err      error
}

// ManagerOption is a functional option for configuring a Manager.
type ManagerOption func(*Manager)

// WithManagerAPIBase overrides the API base URL.
func WithManagerAPIBase(base string) ManagerOption {
	return func(m *Manager) { m.apiBase = base }
}

// WithManagerHTTPClient sets the HTTP client.
func WithManagerHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) { m.client = c }
}

// WithCallObserver is invoked after every request.
func WithCallObserver(fn func(Call)) ManagerOption {
	return func(m *Manager) { m.observe = fn }
}

// Manager wraps the read-only parts of the Deepgram management API and
// pre-recorded transcription. It backs the connection diagnostics.
type Manager struct {
	apiBase string
	client  *http.Client
	observe func(Call)

	mu     sync.RWMutex
	apiKey string
}

// NewManager creates a Manager. An empty apiKey is allowed; every call then
// fails until SetAPIKey is called.
func NewManager(apiKey string, opts ...ManagerOption) *Manager {
	m := &Manager{
		apiKey:  apiKey,
		apiBase: defaultAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetAPIKey replaces the API key.
func (m *Manager) SetAPIKey(key string) {
	m.mu.Lock()
	m.apiKey = key
	m.mu.Unlock()
}

// HasAPIKey reports whether a key is configured.
func (m *Manager) HasAPIKey() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.apiKey != ""
}

// Project is a Deepgram project.
type Project struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// Projects lists the projects visible to the API key. It doubles as a
// credential check.
func (m *Manager) Projects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	if err := m.get(ctx, "/v1/projects", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// Usage returns the raw usage summary of the last [usageWindow] for
// projectID, or for the first project when projectID is empty.
func (m *Manager) Usage(ctx context.Context, projectID string) (json.RawMessage, error) {
	id, err := m.resolveProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	end := time.Now().UTC()
	q := url.Values{}
	q.Set("start", end.Add(-usageWindow).Format(time.RFC3339))
	q.Set("end", end.Format(time.RFC3339))

	var out json.RawMessage
	if err := m.get(ctx, "/v1/projects/"+url.PathEscape(id)+"/usage", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Balances returns the raw account balances of projectID, or of the first
// project when projectID is empty.
func (m *Manager) Balances(ctx context.Context, projectID string) (json.RawMessage, error) {
	id, err := m.resolveProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := m.get(ctx, "/v1/projects/"+url.PathEscape(id)+"/balances", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TranscribeOptions are the pre-recorded recognition parameters.
type TranscribeOptions struct {
	Model       string
	Language    string
	SmartFormat bool
	Punctuate   bool
	Diarize     bool
}

// TranscribeURL runs pre-recorded recognition on the audio at audioURL and
// returns the raw response.
func (m *Manager) TranscribeURL(ctx context.Context, audioURL string, opts TranscribeOptions) (json.RawMessage, error) {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	q := url.Values{}
	q.Set("model", opts.Model)
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	q.Set("smart_format", strconv.FormatBool(opts.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(opts.Punctuate))
	q.Set("diarize", strconv.FormatBool(opts.Diarize))

	body, err := json.Marshal(map[string]string{"url": audioURL})
	if err != nil {
		return nil, fmt.Errorf("deepgram: marshal transcribe request: %w", err)
	}
	var out json.RawMessage
	if err := m.do(ctx, http.MethodPost, "/v1/listen", q, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) resolveProject(ctx context.Context, projectID string) (string, error) {
	if projectID != "" {
		return projectID, nil
	}
	ps, err := m.Projects(ctx)
	if err != nil {
		return "", err
	}
	if len(ps) == 0 {
		return "", ErrNoProject
	}
	return ps[0].ProjectID, nil
}

func (m *Manager) get(ctx context.Context, path string, q url.Values, out any) error {
	return m.do(ctx, http.MethodGet, path, q, nil, out)
}

func (m *Manager) do(ctx context.Context, method, path string, q url.Values, body []byte, out any) (err error) {
	m.mu.RLock()
	key := m.apiKey
	m.mu.RUnlock()

	call := Call{Endpoint: method + " " + path}
	start := time.Now()
	defer func() {
		call.Duration = time.Since(start)
		call.Err = err
		if m.observe != nil {
			m.observe(call)
		}
	}()

	if key == "" {
		return errors.New("deepgram: API key not configured")
	}

	u := m.apiBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("deepgram: %s: %w", call.Endpoint, err)
	}
	defer resp.Body.Close()
	call.Status = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return fmt.Errorf("deepgram: %s: status %d: %s", call.Endpoint, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("deepgram: %s: decode response: %w", call.Endpoint, err)
	}
	return nil
}
