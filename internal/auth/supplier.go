package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Refresher exchanges a refresh token for a new credential at the identity
// provider. A rejected refresh token is reported as ErrUnauthorized.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credential, error)
}

// Option configures a Supplier.
type Option func(*Supplier)

// WithStore persists the credential to st and loads it lazily from there.
func WithStore(st Store) Option {
	return func(s *Supplier) { s.store = st }
}

// WithMargin overrides DefaultMargin.
func WithMargin(d time.Duration) Option {
	return func(s *Supplier) { s.margin = d }
}

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Supplier) { s.now = now }
}

// WithRetryDelay sets how long [Supplier.Run] waits after a failed
// proactive refresh. Default: 30s.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Supplier) { s.retryDelay = d }
}

// Supplier is the single owner of the process credential. All methods are
// safe for concurrent use.
type Supplier struct {
	refresher  Refresher
	store      Store
	margin     time.Duration
	retryDelay time.Duration
	now        func() time.Time

	flight singleflight.Group

	mu     sync.RWMutex
	cred   Credential
	loaded bool

	subMu  sync.Mutex
	subs   map[int]func(Credential)
	nextID int

	wake chan struct{}
}

// NewSupplier creates a Supplier that refreshes through r.
func NewSupplier(r Refresher, opts ...Option) *Supplier {
	s := &Supplier{
		refresher:  r,
		margin:     DefaultMargin,
		retryDelay: 30 * time.Second,
		now:        time.Now,
		subs:       make(map[int]func(Credential)),
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Credential returns a usable credential. A cached credential is returned
// as-is unless forceRefresh is set or it is within the safety margin of
// expiry; otherwise the store is re-read (another process may have
// refreshed) and, failing that, the credential is refreshed. A forced call
// first adopts a credential another process has stored since. Concurrent
// refreshes share one network call.
//
// It fails soft: ok is false when no usable credential can be obtained.
func (s *Supplier) Credential(ctx context.Context, forceRefresh bool) (Credential, bool) {
	cur := s.snapshot()
	now := s.now()

	if forceRefresh {
		// Another process sharing the store may have rotated the refresh
		// token already, which makes the cached one unusable.
		if stored, ok := s.reload(); ok && !stored.IsZero() && stored.RefreshToken != cur.RefreshToken {
			if stored.AccessToken != cur.AccessToken && stored.Usable(now, s.margin) {
				return stored, true
			}
			cur = stored
		}
	} else {
		if cur.Usable(now, s.margin) {
			return cur, true
		}
		if stored, ok := s.reload(); ok && stored.Usable(now, s.margin) {
			return stored, true
		} else if ok && !stored.IsZero() {
			cur = stored
		}
	}

	if cur.RefreshToken == "" {
		return Credential{}, false
	}

	v, err, shared := s.flight.Do(cur.RefreshToken, func() (any, error) {
		return s.refresh(ctx, cur.RefreshToken)
	})
	if err != nil {
		slog.Warn("auth: credential refresh failed", "err", err, "forced", forceRefresh)
		return Credential{}, false
	}
	if shared {
		slog.Debug("auth: joined in-flight refresh")
	}
	return v.(Credential), true
}

// Require is Credential with an error: ErrAuthRequired when no credential
// is available.
func (s *Supplier) Require(ctx context.Context, forceRefresh bool) (Credential, error) {
	c, ok := s.Credential(ctx, forceRefresh)
	if !ok {
		return Credential{}, ErrAuthRequired
	}
	return c, nil
}

// Set installs a credential obtained by signing in.
func (s *Supplier) Set(c Credential) error {
	return s.install(c)
}

// Clear forgets the credential and removes it from the store.
func (s *Supplier) Clear() error {
	s.mu.Lock()
	s.cred = Credential{}
	s.loaded = true
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Clear(); err != nil {
			return err
		}
	}
	s.notify(Credential{})
	return nil
}

// Subscribe registers fn to be called with every new credential, including
// the zero Credential after Clear. fn runs on the goroutine that changed the
// credential and must not block. The returned func unsubscribes.
func (s *Supplier) Subscribe(fn func(Credential)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Run refreshes the credential proactively, margin before it expires, until
// ctx is cancelled. Failed refreshes are retried after the retry delay.
func (s *Supplier) Run(ctx context.Context) error {
	for {
		cur := s.snapshot()
		if cur.RefreshToken == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
				continue
			}
		}

		if wait := cur.ExpiresAt.Add(-s.margin).Sub(s.now()); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-s.wake:
				t.Stop()
				continue
			case <-t.C:
			}
		}

		if _, ok := s.Credential(ctx, false); !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			case <-time.After(s.retryDelay):
			}
		}
	}
}

func (s *Supplier) refresh(ctx context.Context, refreshToken string) (Credential, error) {
	c, err := s.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return Credential{}, fmt.Errorf("auth: refresh: %w", err)
	}
	if err := s.install(c); err != nil {
		slog.Warn("auth: persist refreshed credential", "err", err)
	}
	slog.Debug("auth: credential refreshed", "user_id", c.UserID, "expires_at", c.ExpiresAt)
	return c, nil
}

// install caches c, persists it, and notifies subscribers.
func (s *Supplier) install(c Credential) error {
	s.mu.Lock()
	s.cred = c
	s.loaded = true
	s.mu.Unlock()

	var err error
	if s.store != nil {
		err = s.store.Save(c)
	}
	s.notify(c)
	return err
}

// snapshot returns the cached credential, loading it from the store on
// first use.
func (s *Supplier) snapshot() Credential {
	s.mu.RLock()
	c, loaded := s.cred, s.loaded
	s.mu.RUnlock()
	if loaded {
		return c
	}
	c, _ = s.reload()
	return c
}

// reload replaces the cached credential with the stored one when the store
// holds a non-empty credential. ok is false when there is no store or it
// could not be read.
func (s *Supplier) reload() (Credential, bool) {
	if s.store == nil {
		s.mu.Lock()
		s.loaded = true
		c := s.cred
		s.mu.Unlock()
		return c, false
	}
	c, err := s.store.Load()
	if err != nil {
		slog.Warn("auth: load stored credential", "err", err)
		return Credential{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	if !c.IsZero() {
		s.cred = c
	}
	return s.cred, true
}

func (s *Supplier) notify(c Credential) {
	s.subMu.Lock()
	fns := make([]func(Credential), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
