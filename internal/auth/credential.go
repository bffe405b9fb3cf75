// Package auth owns the agent's bearer credential for backend calls.
//
// A single [Supplier] per process caches the credential, refreshes it through
// the identity provider before it expires, and persists it to a shared
// [Store] so that every zeroscript process on the machine sees the same
// session. Consumers receive value copies and never mutate them.
package auth

import (
	"errors"
	"time"
)

// DefaultMargin is how long before expiry a credential stops being used.
const DefaultMargin = 5 * time.Minute

var (
	// ErrUnauthorized reports that a credential or token was rejected (HTTP
	// 401). Callers may recover once with a forced refresh.
	ErrUnauthorized = errors.New("auth: unauthorized")

	// ErrAuthRequired reports that no usable credential exists and the user
	// must sign in again.
	ErrAuthRequired = errors.New("auth: login required")
)

// Credential is a short-lived bearer token with its refresh token.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
}

// IsZero reports whether c holds no access token.
func (c Credential) IsZero() bool { return c.AccessToken == "" }

// Usable reports whether c can be sent at now, i.e. it expires more than
// margin from now.
func (c Credential) Usable(now time.Time, margin time.Duration) bool {
	return !c.IsZero() && now.Add(margin).Before(c.ExpiresAt)
}

// Redacted returns the access token with all but the last four characters
// masked, for logs.
func (c Credential) Redacted() string {
	if len(c.AccessToken) <= 4 {
		return "****"
	}
	return "****" + c.AccessToken[len(c.AccessToken)-4:]
}
