// Package matcher turns a completed utterance into a script suggestion.
//
// A [Matcher] allows a single request in flight. A request that arrives
// while another is outstanding is rejected with [ErrBusy] rather than
// queued, so results can never be displayed out of order and a slow backend
// cannot build up a backlog.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zeroscript/zeroscript/internal/auth"
	"github.com/zeroscript/zeroscript/internal/script"
	"github.com/zeroscript/zeroscript/pkg/playbook"
)

// ErrBusy is returned by Match while another match is outstanding.
var ErrBusy = errors.New("matcher: match already in flight")

// CredentialSource yields the current credential. auth.Supplier implements
// it.
type CredentialSource interface {
	Credential(ctx context.Context, forceRefresh bool) (auth.Credential, bool)
}

// Scorer embeds text and looks up the nearest script. backend.Client scores
// remotely; [Local] scores in-process.
type Scorer interface {
	Score(ctx context.Context, cred auth.Credential, text string) (playbook.Match, error)
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithThreshold sets the minimum similarity accepted from the scorer.
// Defaults to playbook.DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(m *Matcher) { m.threshold = t }
}

// WithResultObserver registers fn to be called after every scored request
// with its latency and outcome. Rejected and blank requests are not
// reported.
func WithResultObserver(fn func(d time.Duration, m playbook.Match, err error)) Option {
	return func(m *Matcher) { m.observe = fn }
}

// Matcher resolves utterances to scripts. Safe for concurrent use.
type Matcher struct {
	creds     CredentialSource
	scorer    Scorer
	threshold float64
	observe   func(time.Duration, playbook.Match, error)

	inFlight atomic.Bool
}

// New creates a Matcher.
func New(creds CredentialSource, scorer Scorer, opts ...Option) *Matcher {
	m := &Matcher{
		creds:     creds,
		scorer:    scorer,
		threshold: playbook.DefaultThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// InFlight reports whether a match is outstanding.
func (m *Matcher) InFlight() bool { return m.inFlight.Load() }

// Match scores text. Blank text is a no-match without any network call or
// credential lookup. Scorer errors are returned unchanged apart from
// wrapping; the caller decides how to surface them. Nothing is retried.
func (m *Matcher) Match(ctx context.Context, text string) (playbook.Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return playbook.NoMatch, nil
	}

	if !m.inFlight.CompareAndSwap(false, true) {
		return playbook.NoMatch, ErrBusy
	}
	defer m.inFlight.Store(false)

	cred, ok := m.creds.Credential(ctx, false)
	if !ok {
		return playbook.NoMatch, auth.ErrAuthRequired
	}

	start := time.Now()
	res, err := m.scorer.Score(ctx, cred, text)
	if m.observe != nil {
		m.observe(time.Since(start), res, err)
	}
	if err != nil {
		return playbook.NoMatch, fmt.Errorf("matcher: score: %w", err)
	}
	if !res.Matched || res.Similarity < m.threshold {
		slog.Debug("matcher: no script above threshold", "similarity", res.Similarity, "threshold", m.threshold)
		return playbook.NoMatch, nil
	}
	return res, nil
}

// Local scores with an in-process resolver instead of the backend. The
// credential is not needed and is ignored.
type Local struct {
	resolver *script.Resolver
}

var _ Scorer = (*Local)(nil)

// NewLocal wraps a resolver as a Scorer.
func NewLocal(r *script.Resolver) *Local {
	return &Local{resolver: r}
}

// Score implements [Scorer].
func (l *Local) Score(ctx context.Context, _ auth.Credential, text string) (playbook.Match, error) {
	return l.resolver.Resolve(ctx, text)
}
