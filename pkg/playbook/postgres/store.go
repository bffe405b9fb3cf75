// Package postgres provides a PostgreSQL/pgvector-backed playbook corpus.
//
// Every representative phrase is one row in the playbook table with its
// embedding; an HNSW index over vector_cosine_ops serves nearest-neighbour
// lookups. The pgvector extension must be available in the target database;
// [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Upsert(ctx, entries)
//	m, _ := store.FindNearest(ctx, vec, playbook.DefaultThreshold)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/zeroscript/zeroscript/pkg/playbook"
)

var (
	_ playbook.Index  = (*Store)(nil)
	_ playbook.Writer = (*Store)(nil)
)

// Store is the PostgreSQL-backed playbook. All operations are safe for
// concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewStore creates a connection pool to dsn, registers pgvector types on
// every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, dimensions: embeddingDimensions}, nil
}

// FindNearest implements [playbook.Index]. Similarity is 1 - cosine distance.
func (s *Store) FindNearest(ctx context.Context, embedding []float32, threshold float64) (playbook.Match, error) {
	if len(embedding) != s.dimensions {
		return playbook.NoMatch, fmt.Errorf("%w: got %d, want %d", playbook.ErrDimensionMismatch, len(embedding), s.dimensions)
	}

	const q = `
		SELECT intent_name, script, 1 - (embedding <=> $1) AS similarity
		FROM   playbook
		WHERE  1 - (embedding <=> $1) >= $2
		ORDER  BY embedding <=> $1
		LIMIT  1`

	var m playbook.Match
	err := s.pool.QueryRow(ctx, q, pgvector.NewVector(embedding), threshold).
		Scan(&m.Intent, &m.Script, &m.Similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return playbook.NoMatch, nil
	}
	if err != nil {
		return playbook.NoMatch, fmt.Errorf("postgres store: find nearest: %w", err)
	}
	m.Matched = true
	return m, nil
}

// Upsert implements [playbook.Writer]. All entries are written in one
// transaction; an existing (intent, phrase) row has its script and embedding
// replaced.
func (s *Store) Upsert(ctx context.Context, entries []playbook.Entry) error {
	const q = `
		INSERT INTO playbook (intent_name, representative_phrase, script, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (intent_name, representative_phrase) DO UPDATE SET
		    script     = EXCLUDED.script,
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`

	for _, e := range entries {
		if len(e.Embedding) != s.dimensions {
			return fmt.Errorf("%w: %s/%q has %d, want %d", playbook.ErrDimensionMismatch, e.Intent, e.Phrase, len(e.Embedding), s.dimensions)
		}
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(q, e.Intent, e.Phrase, e.Script, pgvector.NewVector(e.Embedding))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("postgres store: upsert: %w", err)
		}
		return nil
	})
}

// Count returns the number of stored phrases.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM playbook`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres store: count: %w", err)
	}
	return n, nil
}

// Ping checks connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}
