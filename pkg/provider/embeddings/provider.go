// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. The script
// resolver embeds each debounced utterance and compares it against the
// playbook corpus, which must have been embedded by the same model.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// Failure classes reported by providers. Implementations wrap one of these
// when the upstream service tells them which case applies.
var (
	// ErrRateLimited marks an upstream 429 or quota exhaustion.
	ErrRateLimited = errors.New("embeddings: rate limited")

	// ErrUnauthorized marks an upstream 401/403. It indicates server
	// misconfiguration, not a user error.
	ErrUnauthorized = errors.New("embeddings: unauthorized")
)

// Provider is the abstraction over any text-embedding backend.
//
// All embedding vectors returned by a single Provider instance share the same
// dimensionality (returned by Dimensions). Vectors from different models must
// not be compared.
type Provider interface {
	// Embed computes the embedding vector for a single text string. The text is
	// passed through verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for texts in a single provider call.
	// The i-th result corresponds to texts[i]. On error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every embedding vector.
	Dimensions() int

	// ModelID returns the provider-specific model identifier
	// (e.g., "text-embedding-3-small").
	ModelID() string
}
