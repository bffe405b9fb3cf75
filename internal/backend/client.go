// Package backend is the agent's client for the zeroscript backend: token
// issuance for transcription streams and script matching. HTTP failures are
// mapped onto the pipeline's error taxonomy so callers never see raw
// transport errors.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/internal/observe"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

var (
	// ErrTransport wraps network failures and undecodable responses.
	ErrTransport = errors.New("backend: transport error")

	// ErrUnavailable marks a 503: the embedding provider or key service is
	// rate limited or down.
	ErrUnavailable = errors.New("backend: service unavailable")

	// ErrServer marks any other 5xx, e.g. provider misconfiguration.
	ErrServer = errors.New("backend: server error")

	// ErrBadRequest marks a 400.
	ErrBadRequest = errors.New("backend: bad request")
)

// Exchange describes one completed request, for debug logging.
type Exchange struct {
	Method   string
	Path     string
	Status   int
	Duration time.Duration
	Err      error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Default: 30s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithExchangeObserver is called after every request.
func WithExchangeObserver(fn func(Exchange)) Option {
	return func(c *Client) { c.observe = fn }
}

// Client calls one backend deployment. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	observe func(Exchange)
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("backend: base URL is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// tokenResponse is the POST /token body. Error responses carry only Error.
type tokenResponse struct {
	Success bool `json:"success"`
	stt.Token
	Error string `json:"error"`
}

// IssueToken requests a transcription token. A rejected credential is
// reported as auth.ErrUnauthorized so the caller can refresh once and retry.
func (c *Client) IssueToken(ctx context.Context, cred auth.Credential) (stt.Token, error) {
	var out tokenResponse
	if err := c.post(ctx, "/token", cred, nil, &out); err != nil {
		return stt.Token{}, fmt.Errorf("backend: issue token: %w", err)
	}
	if out.Key == "" {
		return stt.Token{}, fmt.Errorf("backend: issue token: %w: response carried no key", ErrTransport)
	}
	return out.Token, nil
}

type matchRequest struct {
	Text string `json:"text"`
}

type matchResponse struct {
	Success    bool     `json:"success"`
	Intent     *string  `json:"intent"`
	Script     *string  `json:"script"`
	Similarity *float64 `json:"similarity"`
	Message    string   `json:"message"`
	Error      string   `json:"error"`
}

// Score asks the backend for the script matching text. A 200 without a
// match is playbook.NoMatch, not an error.
func (c *Client) Score(ctx context.Context, cred auth.Credential, text string) (playbook.Match, error) {
	var out matchResponse
	if err := c.post(ctx, "/match", cred, matchRequest{Text: text}, &out); err != nil {
		return playbook.NoMatch, fmt.Errorf("backend: match: %w", err)
	}
	if !out.Success || out.Intent == nil || out.Script == nil {
		return playbook.NoMatch, nil
	}
	m := playbook.Match{Matched: true, Intent: *out.Intent, Script: *out.Script}
	if out.Similarity != nil {
		m.Similarity = *out.Similarity
	}
	return m, nil
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

func (c *Client) post(ctx context.Context, path string, cred auth.Credential, in, out any) error {
	return c.do(ctx, http.MethodPost, path, cred.AccessToken, in, out)
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) (err error) {
	ex := Exchange{Method: method, Path: path}
	start := time.Now()
	defer func() {
		if c.observe != nil {
			ex.Duration = time.Since(start)
			ex.Err = err
			c.observe(ex)
		}
	}()

	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrTransport, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if id := observe.CallID(ctx); id != "" {
		req.Header.Set(observe.CallIDHeader, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()
	ex.Status = resp.StatusCode

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}

	if err := statusError(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrTransport, err)
	}
	return nil
}

// statusError maps a non-2xx status to a taxonomy error carrying the
// server's message.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	msg := http.StatusText(status)
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		msg = e.Error
	}

	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", auth.ErrUnauthorized, msg)
	case status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, msg)
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrServer, status, msg)
	default:
		return fmt.Errorf("%w: unexpected status %d: %s", ErrTransport, status, msg)
	}
}
