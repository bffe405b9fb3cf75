package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zeroscript/zeroscript/internal/config"
	"github.com/zeroscript/zeroscript/internal/health"
	"github.com/zeroscript/zeroscript/internal/observe"
	"github.com/zeroscript/zeroscript/internal/script"
	"github.com/zeroscript/zeroscript/pkg/playbook"
	"github.com/zeroscript/zeroscript/pkg/playbook/postgres"
	"github.com/zeroscript/zeroscript/pkg/provider/embeddings"
)

// Corpus is the script index together with the resolver that queries it.
type Corpus struct {
	Resolver *script.Resolver

	// Checkers probe the index for /readyz. Empty for in-memory corpora.
	Checkers []health.Checker

	// Entries is the number of indexed phrases at open time.
	Entries int

	close func()
}

// Close releases the index connection, if any.
func (c *Corpus) Close() error {
	if c.close != nil {
		c.close()
	}
	return nil
}

// OpenCorpus builds the resolver for cfg. With a PostgreSQL DSN the
// pgvector store is used and seeded from cfg.File when empty; without one
// the playbook file is embedded into an in-memory index.
func OpenCorpus(ctx context.Context, cfg config.PlaybookConfig, embedder embeddings.Provider, m *observe.Metrics) (*Corpus, error) {
	if embedder == nil {
		return nil, errors.New("app: open corpus: embeddings provider is required")
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}

	c := &Corpus{}
	var index playbook.Index

	switch {
	case cfg.PostgresDSN != "":
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("app: open corpus: %w", err)
		}
		c.close = store.Close
		c.Checkers = append(c.Checkers, health.PingChecker("playbook", store))

		n, err := store.Count(ctx)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("app: open corpus: %w", err)
		}
		if n == 0 && cfg.File != "" {
			slog.Info("playbook store is empty, seeding", "file", cfg.File)
			if n, err = seedFile(ctx, cfg.File, embedder, store); err != nil {
				store.Close()
				return nil, fmt.Errorf("app: open corpus: %w", err)
			}
		}
		c.Entries = n
		index = store

	case cfg.File != "":
		mem := playbook.NewMemoryIndex()
		if _, err := seedFile(ctx, cfg.File, embedder, mem); err != nil {
			return nil, fmt.Errorf("app: open corpus: %w", err)
		}
		c.Entries = mem.Len()
		index = mem

	default:
		return nil, errors.New("app: open corpus: playbook.postgres_dsn or playbook.file is required")
	}

	c.Resolver = script.NewResolver(embedder, index,
		script.WithThreshold(cfg.Threshold),
		script.WithObserver(script.Observer{
			Embedded: func(d time.Duration, err error) {
				m.EmbeddingDuration.Record(context.Background(), d.Seconds())
				status := "ok"
				if err != nil {
					status = "error"
					m.RecordProviderError(context.Background(), embedder.ModelID(), "embeddings")
				}
				m.RecordProviderRequest(context.Background(), embedder.ModelID(), "embeddings", status)
			},
			Looked: func(d time.Duration, _ playbook.Match, _ error) {
				m.LookupDuration.Record(context.Background(), d.Seconds())
			},
		}),
	)
	slog.Info("playbook ready", "entries", c.Entries, "threshold", c.Resolver.Threshold(), "postgres", cfg.PostgresDSN != "")
	return c, nil
}

func seedFile(ctx context.Context, path string, embedder embeddings.Provider, w playbook.Writer) (int, error) {
	f, err := playbook.LoadFile(path)
	if err != nil {
		return 0, err
	}
	return script.Seed(ctx, embedder, w, f.Scripts, script.SeedConfig{})
}
