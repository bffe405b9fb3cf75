// Package mock provides test doubles for the auth package.
package mock

import (
	"context"
	"sync"

	"github.com/zeroscript/zeroscript/internal/auth"
)

// Refresher is a scripted [auth.Refresher]. Each call pops the next entry of
// Results/Errs; once exhausted the last entry repeats.
type Refresher struct {
	mu sync.Mutex

	Results []auth.Credential
	Errs    []error

	// Block, when non-nil, makes Refresh wait until it is closed.
	Block chan struct{}

	Calls []string
}

var _ auth.Refresher = (*Refresher)(nil)

// Refresh implements auth.Refresher.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (auth.Credential, error) {
	r.mu.Lock()
	i := len(r.Calls)
	r.Calls = append(r.Calls, refreshToken)
	block := r.Block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return auth.Credential{}, ctx.Err()
		}
	}

	var (
		c   auth.Credential
		err error
	)
	if n := len(r.Results); n > 0 {
		c = r.Results[min(i, n-1)]
	}
	if n := len(r.Errs); n > 0 {
		err = r.Errs[min(i, n-1)]
	}
	return c, err
}

// CallCount returns the number of Refresh calls.
func (r *Refresher) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Source is a credential source with a fixed answer. Forced calls may
// return a different credential.
type Source struct {
	mu sync.Mutex

	Cred auth.Credential
	OK   bool

	// Forced, if set, is returned for forceRefresh calls.
	Forced *auth.Credential

	Calls []bool
}

// Credential mirrors auth.Supplier.Credential.
func (s *Source) Credential(_ context.Context, forceRefresh bool) (auth.Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, forceRefresh)
	if forceRefresh && s.Forced != nil {
		return *s.Forced, true
	}
	return s.Cred, s.OK
}

// ForcedCount returns how many calls asked for a forced refresh.
func (s *Source) ForcedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.Calls {
		if f {
			n++
		}
	}
	return n
}

// CallCount returns the number of Credential calls.
func (s *Source) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}
