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
	"time"

	"github.com/zeroscript/zeroscript/pkg/provider/stt"
)

const (
	defaultAPIBase  = "https://api.deepgram.com"
	defaultKeyTTL   = 5 * time.Minute
	maxErrorBodyLen = 512
)

// ErrKeyCreation is returned when Deepgram refuses or fails to mint a key.
var ErrKeyCreation = errors.New("deepgram: key creation failed")

// KeyOption is a functional option for configuring a KeyIssuer.
type KeyOption func(*KeyIssuer)

// WithAPIBase overrides the management API base URL.
func WithAPIBase(base string) KeyOption {
	return func(k *KeyIssuer) {
		k.apiBase = base
	}
}

// WithScopes sets the scopes granted to minted keys.
func WithScopes(scopes ...string) KeyOption {
	return func(k *KeyIssuer) {
		k.scopes = scopes
	}
}

// WithTTL sets the lifetime of minted keys.
func WithTTL(ttl time.Duration) KeyOption {
	return func(k *KeyIssuer) {
		k.ttl = ttl
	}
}

// WithComment sets the audit comment stored with each key. The user ID is
// appended. Default: "Temporary key".
func WithComment(comment string) KeyOption {
	return func(k *KeyIssuer) {
		if comment != "" {
			k.comment = comment
		}
	}
}

// WithKeyHTTPClient sets the HTTP client used for management calls.
func WithKeyHTTPClient(c *http.Client) KeyOption {
	return func(k *KeyIssuer) {
		k.client = c
	}
}

// KeyIssuer mints short-lived project keys through the Deepgram management
// API. One key is minted per call start.
type KeyIssuer struct {
	apiKey    string
	projectID string
	apiBase   string
	scopes    []string
	comment   string
	ttl       time.Duration
	client    *http.Client
	now       func() time.Time
}

// NewKeyIssuer creates a KeyIssuer. apiKey and projectID must be non-empty.
func NewKeyIssuer(apiKey, projectID string, opts ...KeyOption) (*KeyIssuer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	if projectID == "" {
		return nil, errors.New("deepgram: projectID must not be empty")
	}
	k := &KeyIssuer{
		apiKey:    apiKey,
		projectID: projectID,
		apiBase:   defaultAPIBase,
		scopes:    []string{"usage:write"},
		comment:   "Temporary key",
		ttl:       defaultKeyTTL,
		client:    &http.Client{Timeout: 15 * time.Second},
		now:       time.Now,
	}
	for _, o := range opts {
		o(k)
	}
	return k, nil
}

type createKeyRequest struct {
	Comment             string   `json:"comment"`
	Scopes              []string `json:"scopes"`
	TimeToLiveInSeconds int      `json:"time_to_live_in_seconds"`
}

type createKeyResponse struct {
	APIKeyID string `json:"api_key_id"`
	Key      string `json:"key"`
}

// Issue mints a key for userID that expires after the configured TTL.
func (k *KeyIssuer) Issue(ctx context.Context, userID string) (stt.Token, error) {
	ttlSeconds := int(k.ttl / time.Second)
	body, err := json.Marshal(createKeyRequest{
		Comment:             k.comment + " for user " + userID,
		Scopes:              k.scopes,
		TimeToLiveInSeconds: ttlSeconds,
	})
	if err != nil {
		return stt.Token{}, fmt.Errorf("deepgram: marshal key request: %w", err)
	}

	endpoint := k.apiBase + "/v1/projects/" + url.PathEscape(k.projectID) + "/keys"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return stt.Token{}, fmt.Errorf("deepgram: build key request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+k.apiKey)
	req.Header.Set("Content-Type", "application/json")

	issuedAt := k.now()
	resp, err := k.client.Do(req)
	if err != nil {
		return stt.Token{}, fmt.Errorf("%w: %w", ErrKeyCreation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return stt.Token{}, fmt.Errorf("%w: status %d: %s", ErrKeyCreation, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out createKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return stt.Token{}, fmt.Errorf("%w: decode response: %w", ErrKeyCreation, err)
	}
	if out.Key == "" {
		return stt.Token{}, fmt.Errorf("%w: response carried no key", ErrKeyCreation)
	}

	return stt.Token{
		Key:       out.Key,
		ExpiresAt: issuedAt.Add(k.ttl).UTC(),
		ExpiresIn: ttlSeconds,
		UserID:    userID,
	}, nil
}
