package script_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zeroscript/zeroscript/internal/script"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
	embmock "github.com/zeroscript/zeroscript/pkg/provider/embeddings/mock"
)

func corpus() *playbook.MemoryIndex {
	return playbook.NewMemoryIndex(
		playbook.Entry{Intent: "price_inquiry", Phrase: "How much does this cost?", Script: "The investment is...", Embedding: []float32{1, 0, 0}},
		playbook.Entry{Intent: "guarantee_question", Phrase: "Is there a guarantee?", Script: "You are protected...", Embedding: []float32{0, 1, 0}},
	)
}

type failingIndex struct{ err error }

func (f failingIndex) FindNearest(context.Context, []float32, float64) (playbook.Match, error) {
	return playbook.NoMatch, f.err
}

func TestResolve_Match(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{Vectors: map[string][]float32{"How much does this cost": {0.9, 0.1, 0}}}
	r := script.NewResolver(emb, corpus())

	m, err := r.Resolve(context.Background(), " How much does this cost ")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !m.Matched || m.Intent != "price_inquiry" {
		t.Errorf("match = %+v, want price_inquiry", m)
	}
	if len(emb.EmbedCalls) != 1 || emb.EmbedCalls[0] != "How much does this cost" {
		t.Errorf("embedded %q, want trimmed text", emb.EmbedCalls)
	}
}

func TestResolve_BelowThreshold(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{EmbedResult: []float32{0.1, 0.1, 1}}
	r := script.NewResolver(emb, corpus())

	m, err := r.Resolve(context.Background(), "How's the weather today")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Matched {
		t.Errorf("match = %+v, want no match", m)
	}
}

func TestResolve_BlankSkipsEmbedding(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{EmbedResult: []float32{1, 0, 0}}
	r := script.NewResolver(emb, corpus())

	m, err := r.Resolve(context.Background(), "  \t ")
	if err != nil || m.Matched {
		t.Fatalf("Resolve = %+v, %v; want no match, nil", m, err)
	}
	if emb.EmbedCallCount() != 0 {
		t.Errorf("embed calls = %d, want 0", emb.EmbedCallCount())
	}
}

func TestResolve_EmbeddingError(t *testing.T) {
	t.Parallel()
	r := script.NewResolver(&embmock.Provider{EmbedErr: embeddings.ErrRateLimited}, corpus())

	_, err := r.Resolve(context.Background(), "hello")
	if !errors.Is(err, script.ErrEmbedding) {
		t.Errorf("err = %v, want ErrEmbedding", err)
	}
	if !errors.Is(err, embeddings.ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited kept", err)
	}
}

func TestResolve_LookupError(t *testing.T) {
	t.Parallel()
	r := script.NewResolver(&embmock.Provider{EmbedResult: []float32{1}}, failingIndex{err: errors.New("db down")})

	_, err := r.Resolve(context.Background(), "hello")
	if !errors.Is(err, script.ErrLookup) {
		t.Errorf("err = %v, want ErrLookup", err)
	}
}

func TestResolve_ThresholdAndObserver(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{EmbedResult: []float32{0.9, 0.1, 0}}
	var embedded, looked int
	r := script.NewResolver(emb, corpus(),
		script.WithThreshold(0.999),
		script.WithObserver(script.Observer{
			Embedded: func(time.Duration, error) { embedded++ },
			Looked:   func(time.Duration, playbook.Match, error) { looked++ },
		}),
	)

	m, _ := r.Resolve(context.Background(), "price?")
	if m.Matched {
		t.Errorf("match = %+v, want none at threshold 0.999", m)
	}

	r.SetThreshold(0.5)
	if r.Threshold() != 0.5 {
		t.Errorf("Threshold = %v, want 0.5", r.Threshold())
	}
	m, _ = r.Resolve(context.Background(), "price?")
	if !m.Matched {
		t.Error("want match after lowering threshold")
	}
	if embedded != 2 || looked != 2 {
		t.Errorf("observer calls = %d/%d, want 2/2", embedded, looked)
	}
}
