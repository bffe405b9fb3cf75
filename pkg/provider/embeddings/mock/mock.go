// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return canned vectors without a live model and to verify
// which texts were submitted. Vectors maps exact input texts to results;
// anything else falls back to EmbedResult.
//
// Example:
//
//	p := &mock.Provider{
//	    Vectors:         map[string][]float32{"how much": {1, 0}},
//	    EmbedResult:     []float32{0, 1},
//	    DimensionsValue: 2,
//	}
//	vec, _ := p.Embed(ctx, "how much")
package mock

import (
	"context"
	"sync"

	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors maps input texts to the vectors returned for them.
	Vectors map[string][]float32

	// EmbedResult is returned for texts not in Vectors.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records the text of every Embed call in order.
	EmbedCalls []string

	// EmbedBatchCalls records the texts of every EmbedBatch call in order.
	EmbedBatchCalls [][]string
}

var _ embeddings.Provider = (*Provider)(nil)

func (p *Provider) lookup(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}
	return p.EmbedResult
}

// Embed records the call and returns the configured vector or EmbedErr.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.lookup(text), nil
}

// EmbedBatch records the call and returns one configured vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, cp)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.lookup(t)
	}
	return out, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// EmbedCallCount returns the number of Embed calls. Thread-safe.
func (p *Provider) EmbedCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls)
}
