// Package archive persists finished transcriptions and per-job speaker
// prototypes to PostgreSQL. The pgvector extension backs similarity search
// over speaker embeddings; [Migrate] installs it via CREATE EXTENSION IF NOT
// EXISTS.
//
// Archiving is optional: the engine runs fully without a database, and a nil
// *Store is a valid "archiving disabled" value for every method.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptions = `
CREATE TABLE IF NOT EXISTS transcriptions (
    job_id              TEXT              PRIMARY KEY,
    source_path         TEXT              NOT NULL,
    total_duration      DOUBLE PRECISION  NOT NULL,
    language            TEXT              NOT NULL DEFAULT '',
    speakers            TEXT[]            NOT NULL DEFAULT '{}',
    segment_count       INTEGER           NOT NULL DEFAULT 0,
    failed_chunks       INTEGER           NOT NULL DEFAULT 0,
    processing_seconds  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcriptions_created_at
    ON transcriptions (created_at);

CREATE TABLE IF NOT EXISTS segments (
    id          BIGSERIAL         PRIMARY KEY,
    job_id      TEXT              NOT NULL REFERENCES transcriptions (job_id) ON DELETE CASCADE,
    idx         INTEGER           NOT NULL,
    speaker     TEXT              NOT NULL,
    start_sec   DOUBLE PRECISION  NOT NULL,
    end_sec     DOUBLE PRECISION  NOT NULL,
    text        TEXT              NOT NULL,
    confidence  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    chunk_id    TEXT              NOT NULL DEFAULT '',
    is_overlap  BOOLEAN           NOT NULL DEFAULT false
);

CREATE INDEX IF NOT EXISTS idx_segments_job_id
    ON segments (job_id);

CREATE INDEX IF NOT EXISTS idx_segments_fts
    ON segments USING GIN (to_tsvector('english', text));
`

// ddlSpeakerPrototypes returns the prototype DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlSpeakerPrototypes(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS speaker_prototypes (
    job_id      TEXT         NOT NULL,
    speaker_id  TEXT         NOT NULL,
    embedding   vector(%d),
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (job_id, speaker_id)
);

CREATE INDEX IF NOT EXISTS idx_speaker_prototypes_embedding
    ON speaker_prototypes USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every start.
//
// embeddingDimensions must match the diarizer's embedding size. Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTranscriptions,
		ddlSpeakerPrototypes(embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("archive migrate: %w", err)
		}
	}
	return nil
}
