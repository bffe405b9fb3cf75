package resilience

import (
	"context"

	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
)

// EmbeddingsFallback is an [embeddings.Provider] that fails over across
// several embedding backends. Every backend must produce vectors of the
// same model and dimensionality, since the playbook corpus was embedded
// with one model.
type EmbeddingsFallback struct {
	group   *FallbackGroup[embeddings.Provider]
	primary embeddings.Provider
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback wraps primary.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		primary: primary,
	}
}

// AddFallback registers another backend.
func (f *EmbeddingsFallback) AddFallback(name string, p embeddings.Provider) {
	f.group.AddFallback(name, p)
}

// States exposes the per-backend breaker states for health reporting.
func (f *EmbeddingsFallback) States() map[string]State {
	return f.group.States()
}

// Embed implements embeddings.Provider.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch implements embeddings.Provider.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the primary's dimensionality.
func (f *EmbeddingsFallback) Dimensions() int { return f.primary.Dimensions() }

// ModelID returns the primary's model.
func (f *EmbeddingsFallback) ModelID() string { return f.primary.ModelID() }
