package script_test

import (
	"context"
	"errors"
	"testing"

	"github.com/zeroscript/zeroscript/internal/script"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
	embmock "github.com/zeroscript/zeroscript/pkg/provider/embeddings/mock"
)

var seedScripts = []playbook.Script{
	{Intent: "price_inquiry", Phrases: []string{"How much does this cost?", "What's your pricing?", "Can you tell me the cost?"}, Script: "The investment is..."},
	{Intent: "guarantee_question", Phrases: []string{"Is there a guarantee?", "What if I'm not satisfied?"}, Script: "You are protected..."},
}

func TestSeed_EmbedsAndUpsertsEveryPhrase(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{
		Vectors: map[string][]float32{
			"How much does this cost?": {1, 0},
			"Is there a guarantee?":    {0, 1},
		},
		EmbedResult:     []float32{0.5, 0.5},
		DimensionsValue: 2,
	}
	idx := playbook.NewMemoryIndex()

	n, err := script.Seed(context.Background(), emb, idx, seedScripts, script.SeedConfig{BatchSize: 2, Concurrency: 2})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if n != 5 {
		t.Errorf("Seed wrote %d entries, want 5", n)
	}
	if idx.Len() != 5 {
		t.Errorf("index holds %d entries, want 5", idx.Len())
	}
	if got := len(emb.EmbedBatchCalls); got != 3 {
		t.Errorf("EmbedBatch calls = %d, want 3 (batches of 2)", got)
	}

	m, err := idx.FindNearest(context.Background(), []float32{0, 1}, 0.9)
	if err != nil {
		t.Fatalf("FindNearest: %v", err)
	}
	if m.Intent != "guarantee_question" {
		t.Errorf("nearest intent = %q, want guarantee_question", m.Intent)
	}
}

func TestSeed_FailureWritesNothing(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{EmbedErr: embeddings.ErrRateLimited}
	idx := playbook.NewMemoryIndex()

	_, err := script.Seed(context.Background(), emb, idx, seedScripts, script.SeedConfig{})
	if !errors.Is(err, script.ErrEmbedding) || !errors.Is(err, embeddings.ErrRateLimited) {
		t.Errorf("err = %v, want ErrEmbedding wrapping ErrRateLimited", err)
	}
	if idx.Len() != 0 {
		t.Errorf("index holds %d entries after failure, want 0", idx.Len())
	}
}

func TestSeed_DimensionMismatch(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{EmbedResult: []float32{1, 0, 0}, DimensionsValue: 2}
	_, err := script.Seed(context.Background(), emb, playbook.NewMemoryIndex(), seedScripts, script.SeedConfig{})
	if !errors.Is(err, playbook.ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestSeed_Empty(t *testing.T) {
	t.Parallel()
	emb := &embmock.Provider{}
	n, err := script.Seed(context.Background(), emb, playbook.NewMemoryIndex(), nil, script.SeedConfig{})
	if err != nil || n != 0 {
		t.Errorf("Seed(nil) = %d, %v; want 0, nil", n, err)
	}
	if len(emb.EmbedBatchCalls) != 0 {
		t.Error("EmbedBatch should not be called for an empty playbook")
	}
}
