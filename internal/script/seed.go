package script

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
)

// SeedConfig tunes [Seed].
type SeedConfig struct {
	// BatchSize is the number of phrases per EmbedBatch call. Default 64.
	BatchSize int

	// Concurrency bounds parallel EmbedBatch calls. Default 4.
	Concurrency int
}

// Seed embeds every phrase of scripts and upserts the resulting entries
// into w. Nothing is written if any batch fails. It returns the number of
// entries written.
func Seed(ctx context.Context, embedder embeddings.Provider, w playbook.Writer, scripts []playbook.Script, cfg SeedConfig) (int, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	entries := playbook.Entries(scripts)
	if len(entries) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for start := 0; start < len(entries); start += cfg.BatchSize {
		batch := entries[start:min(start+cfg.BatchSize, len(entries))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, e := range batch {
				texts[i] = e.Phrase
			}
			vecs, err := embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("%w: batch at %d: %w", ErrEmbedding, start, err)
			}
			if len(vecs) != len(batch) {
				return fmt.Errorf("%w: batch at %d: got %d vectors for %d phrases", ErrEmbedding, start, len(vecs), len(batch))
			}
			dims := embedder.Dimensions()
			for i := range batch {
				if dims > 0 && len(vecs[i]) != dims {
					return fmt.Errorf("%w: %q has %d dimensions, model reports %d",
						playbook.ErrDimensionMismatch, batch[i].Phrase, len(vecs[i]), dims)
				}
				batch[i].Embedding = vecs[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := w.Upsert(ctx, entries); err != nil {
		return 0, fmt.Errorf("script: upsert: %w", err)
	}
	slog.Info("script: playbook seeded", "scripts", len(scripts), "entries", len(entries), "model", embedder.ModelID())
	return len(entries), nil
}
