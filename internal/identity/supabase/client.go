// Package supabase is a minimal client for the Supabase Auth (GoTrue) API:
// password sign-in, refresh-token grant, sign-out and access-token
// verification. It implements [auth.Refresher] for the agent and the bearer
// verifier used by the backend server.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zeroscript/zeroscript/internal/auth"
)

// ErrRequest wraps transport-level failures and unexpected responses.
var ErrRequest = errors.New("supabase: request failed")

// User is the identity behind an access token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Default: 10s timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides time.Now when computing expiry instants.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client talks to one Supabase project.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
	now     func() time.Time
}

var _ auth.Refresher = (*Client)(nil)

// New creates a client for the project at baseURL (e.g.
// "https://xyz.supabase.co") using the project's anon key.
func New(baseURL, anonKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("supabase: base URL is required")
	}
	if anonKey == "" {
		return nil, errors.New("supabase: anon key is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         User   `json:"user"`
}

// SignIn exchanges an email and password for a credential. Wrong
// credentials are reported as auth.ErrUnauthorized.
func (c *Client) SignIn(ctx context.Context, email, password string) (auth.Credential, error) {
	body := map[string]string{"email": email, "password": password}
	return c.token(ctx, "password", body)
}

// Refresh implements auth.Refresher with the refresh_token grant.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (auth.Credential, error) {
	body := map[string]string{"refresh_token": refreshToken}
	return c.token(ctx, "refresh_token", body)
}

func (c *Client) token(ctx context.Context, grant string, body any) (auth.Credential, error) {
	var tr tokenResponse
	q := url.Values{"grant_type": {grant}}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/token?"+q.Encode(), "", body, &tr); err != nil {
		return auth.Credential{}, fmt.Errorf("supabase: %s grant: %w", grant, err)
	}
	if tr.AccessToken == "" {
		return auth.Credential{}, fmt.Errorf("supabase: %s grant: %w: empty access token", grant, ErrRequest)
	}

	expires := c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	if tr.ExpiresAt > 0 {
		expires = time.Unix(tr.ExpiresAt, 0)
	}
	return auth.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    expires,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
	}, nil
}

// User returns the user owning accessToken. A missing, invalid or expired
// token is reported as auth.ErrUnauthorized.
func (c *Client) User(ctx context.Context, accessToken string) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", accessToken, nil, &u); err != nil {
		return User{}, fmt.Errorf("supabase: get user: %w", err)
	}
	if u.ID == "" {
		return User{}, fmt.Errorf("supabase: get user: %w", auth.ErrUnauthorized)
	}
	return u, nil
}

// Verify returns the user ID behind accessToken.
func (c *Client) Verify(ctx context.Context, accessToken string) (string, error) {
	u, err := c.User(ctx, accessToken)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

// SignOut revokes the session behind accessToken.
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	if err := c.do(ctx, http.MethodPost, "/auth/v1/logout", accessToken, nil, nil); err != nil {
		return fmt.Errorf("supabase: sign out: %w", err)
	}
	return nil
}

// do performs one request. bearer defaults to the anon key. 400, 401 and
// 403 responses map to auth.ErrUnauthorized: GoTrue answers a bad password
// or revoked refresh token with 400 invalid_grant.
func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrRequest, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", auth.ErrUnauthorized, errorMessage(data, resp.Status))
	default:
		return fmt.Errorf("%w: %s", ErrRequest, errorMessage(data, resp.Status))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrRequest, err)
	}
	return nil
}

// errorMessage extracts GoTrue's error text from either of its two error
// shapes, falling back to the HTTP status.
func errorMessage(data []byte, status string) string {
	var e struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
		Msg         string `json:"msg"`
	}
	if json.Unmarshal(data, &e) == nil {
		switch {
		case e.Description != "":
			return e.Description
		case e.Msg != "":
			return e.Msg
		case e.Error != "":
			return e.Error
		}
	}
	return status
}
