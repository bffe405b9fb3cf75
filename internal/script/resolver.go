// Package script resolves an utterance to the closest playbook script:
// embed the trimmed text, look up the nearest phrase above the similarity
// threshold, and return its intent and script.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
)

var (
	// ErrEmbedding wraps every failure of the embedding step. The
	// embeddings.ErrRateLimited / ErrUnauthorized classification stays in
	// the chain.
	ErrEmbedding = errors.New("script: embedding failed")

	// ErrLookup wraps failures of the nearest-neighbour lookup.
	ErrLookup = errors.New("script: lookup failed")
)

// Observer receives timings of each stage. Any field may be nil.
type Observer struct {
	Embedded func(d time.Duration, err error)
	Looked   func(d time.Duration, m playbook.Match, err error)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithThreshold sets the initial similarity threshold. Default:
// playbook.DefaultThreshold.
func WithThreshold(t float64) Option {
	return func(r *Resolver) { r.SetThreshold(t) }
}

// WithObserver installs stage callbacks, e.g. for metrics.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.obs = o }
}

// Resolver turns text into a playbook match. It is safe for concurrent use.
type Resolver struct {
	embedder  embeddings.Provider
	index     playbook.Index
	threshold atomic.Uint64 // math.Float64bits
	obs       Observer
}

// NewResolver creates a Resolver over index using embedder.
func NewResolver(embedder embeddings.Provider, index playbook.Index, opts ...Option) *Resolver {
	r := &Resolver{embedder: embedder, index: index}
	r.SetThreshold(playbook.DefaultThreshold)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Threshold returns the current similarity threshold.
func (r *Resolver) Threshold() float64 {
	return math.Float64frombits(r.threshold.Load())
}

// SetThreshold replaces the similarity threshold. Safe to call while
// resolving; used by config hot-reload.
func (r *Resolver) SetThreshold(t float64) {
	r.threshold.Store(math.Float64bits(t))
}

// Resolve returns the best match for text. Blank text is a no-match
// without any upstream call.
func (r *Resolver) Resolve(ctx context.Context, text string) (playbook.Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return playbook.NoMatch, nil
	}

	start := time.Now()
	vec, err := r.embedder.Embed(ctx, text)
	if r.obs.Embedded != nil {
		r.obs.Embedded(time.Since(start), err)
	}
	if err != nil {
		return playbook.NoMatch, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}

	threshold := r.Threshold()
	start = time.Now()
	m, err := r.index.FindNearest(ctx, vec, threshold)
	if r.obs.Looked != nil {
		r.obs.Looked(time.Since(start), m, err)
	}
	if err != nil {
		return playbook.NoMatch, fmt.Errorf("%w: %w", ErrLookup, err)
	}
	if !m.Matched || m.Similarity < threshold {
		slog.Debug("script: no match", "text_len", len(text), "best_similarity", m.Similarity)
		return playbook.NoMatch, nil
	}

	slog.Debug("script: matched", "intent", m.Intent, "similarity", m.Similarity)
	return m, nil
}
