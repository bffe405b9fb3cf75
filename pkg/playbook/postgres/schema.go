package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlPlaybook returns the playbook DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlPlaybook(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS playbook (
    id                     BIGSERIAL    PRIMARY KEY,
    intent_name            TEXT         NOT NULL,
    representative_phrase  TEXT         NOT NULL,
    script                 TEXT         NOT NULL,
    embedding              vector(%d)   NOT NULL,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (intent_name, representative_phrase)
);

CREATE INDEX IF NOT EXISTS idx_playbook_embedding
    ON playbook USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the pgvector extension, the playbook table and its HNSW
// index. It is idempotent and safe to call on every start.
//
// embeddingDimensions must match the embedding model (1536 for
// text-embedding-3-small). Changing it after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlPlaybook(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
