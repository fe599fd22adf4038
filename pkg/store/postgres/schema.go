// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store] used in production.
//
// Segments live in a single audio_segments_cache table with a pgvector
// embedding column. The pgvector extension must be available in the target
// database; [Migrate] installs it automatically via CREATE EXTENSION IF NOT
// EXISTS.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	seg, err := st.GetByFingerprint(ctx, hash, "v1", "calm")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlSegments returns the audio_segments_cache DDL with the embedding
// dimension substituted. The vector dimension is baked into the column type
// at schema creation time.
func ddlSegments(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS audio_segments_cache (
    id                   UUID         PRIMARY KEY,
    text_content         TEXT         NOT NULL,
    text_hash            TEXT         NOT NULL,
    voice_id             TEXT         NOT NULL,
    voice_gender         TEXT         NOT NULL DEFAULT '',
    voice_style          TEXT         NOT NULL DEFAULT '',
    audio_url            TEXT         NOT NULL,
    audio_duration       DOUBLE PRECISION NOT NULL DEFAULT 0,
    file_size            BIGINT       NOT NULL DEFAULT 0,
    usage_count          BIGINT       NOT NULL DEFAULT 1,
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_used_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding            vector(%d),
    language             TEXT         NOT NULL DEFAULT 'en-US',
    similarity_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,

    CONSTRAINT usage_count_positive CHECK (usage_count >= 1)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_segments_identity
    ON audio_segments_cache (text_hash, voice_id, voice_style);

CREATE INDEX IF NOT EXISTS idx_segments_text_hash
    ON audio_segments_cache (text_hash);

CREATE INDEX IF NOT EXISTS idx_segments_language
    ON audio_segments_cache (language);

CREATE INDEX IF NOT EXISTS idx_segments_last_used_at
    ON audio_segments_cache (last_used_at);

CREATE INDEX IF NOT EXISTS idx_segments_usage_count
    ON audio_segments_cache (usage_count);

CREATE INDEX IF NOT EXISTS idx_segments_voice_id
    ON audio_segments_cache (voice_id);

CREATE INDEX IF NOT EXISTS idx_segments_embedding
    ON audio_segments_cache USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the segments table, its indexes, and the
// pgvector extension exist. It is idempotent and safe to call on every
// application start.
//
// embeddingDimensions must match the output dimension of the configured
// embeddings model (e.g., 1536 for OpenAI text-embedding-3-small). Changing
// it after the first migration requires a manual schema change plus a full
// re-embedding pass.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlSegments(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
