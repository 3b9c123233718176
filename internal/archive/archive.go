package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/echoscribe/internal/config"
	"github.com/MrWong99/echoscribe/internal/merger"
)

// Store is the PostgreSQL-backed transcript archive. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
//
// A nil *Store disables archiving: every method is a no-op returning zero
// values, so callers never need to branch on whether a database is configured.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database named by cfg.PostgresDSN, registers
// pgvector types on every connection, and runs [Migrate]. It returns
// (nil, nil) when the DSN is empty, which disables archiving.
func NewStore(ctx context.Context, cfg config.ArchiveConfig) (*Store, error) {
	if cfg.PostgresDSN == "" {
		return nil, nil
	}

	pc, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool, cfg.EmbeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Suitable as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	if s == nil {
		return
	}
	s.pool.Close()
}

// SaveTranscription writes a finished transcription and its segments in one
// transaction. Re-saving the same job id replaces the previous record.
func (s *Store) SaveTranscription(ctx context.Context, jobID string, t *merger.MergedTranscription) error {
	if s == nil {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertJob = `
		INSERT INTO transcriptions
		    (job_id, source_path, total_duration, language, speakers,
		     segment_count, failed_chunks, processing_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id) DO UPDATE SET
		    source_path        = EXCLUDED.source_path,
		    total_duration     = EXCLUDED.total_duration,
		    language           = EXCLUDED.language,
		    speakers           = EXCLUDED.speakers,
		    segment_count      = EXCLUDED.segment_count,
		    failed_chunks      = EXCLUDED.failed_chunks,
		    processing_seconds = EXCLUDED.processing_seconds`

	if _, err := tx.Exec(ctx, insertJob,
		jobID,
		t.SourcePath,
		t.TotalDuration,
		t.Language,
		t.Speakers,
		t.Stats.SegmentCount,
		t.Stats.FailedChunks,
		t.Stats.ProcessingSeconds,
	); err != nil {
		return fmt.Errorf("archive: save transcription: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("archive: clear segments: %w", err)
	}

	const insertSegment = `
		INSERT INTO segments
		    (job_id, idx, speaker, start_sec, end_sec, text, confidence, chunk_id, is_overlap)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	batch := &pgx.Batch{}
	for _, seg := range t.Segments {
		batch.Queue(insertSegment,
			jobID, seg.Index, seg.Speaker, seg.Start, seg.End,
			seg.Text, seg.Confidence, seg.ChunkID, seg.IsOverlap)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive: save segments: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// SaveSpeakerPrototypes upserts the per-job speaker embedding prototypes
// produced by the diarizer's identity tracker.
func (s *Store) SaveSpeakerPrototypes(ctx context.Context, jobID string, prototypes map[string][]float32) error {
	if s == nil {
		return nil
	}

	const q = `
		INSERT INTO speaker_prototypes (job_id, speaker_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, speaker_id) DO UPDATE SET
		    embedding = EXCLUDED.embedding`

	for speakerID, vec := range prototypes {
		if _, err := s.pool.Exec(ctx, q, jobID, speakerID, pgvector.NewVector(vec)); err != nil {
			return fmt.Errorf("archive: save prototype %s/%s: %w", jobID, speakerID, err)
		}
	}
	return nil
}

// SegmentHit is one full-text search result.
type SegmentHit struct {
	JobID   string  `json:"job_id"`
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

// SearchSegments performs a full-text search over archived segment text. The
// query is passed to plainto_tsquery so no operator syntax is required.
// Results are ordered by rank, capped at limit.
func (s *Store) SearchSegments(ctx context.Context, query string, limit int) ([]SegmentHit, error) {
	if s == nil {
		return nil, nil
	}

	const q = `
		SELECT job_id, speaker, start_sec, end_sec, text
		FROM   segments
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		ORDER  BY ts_rank(to_tsvector('english', text), plainto_tsquery('english', $1)) DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: search segments: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SegmentHit, error) {
		var h SegmentHit
		err := row.Scan(&h.JobID, &h.Speaker, &h.Start, &h.End, &h.Text)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan segments: %w", err)
	}
	return hits, nil
}

// SpeakerMatch is one nearest-neighbour result over speaker prototypes.
type SpeakerMatch struct {
	JobID     string  `json:"job_id"`
	SpeakerID string  `json:"speaker_id"`
	Distance  float64 `json:"distance"`
}

// SimilarSpeakers finds the topK archived prototypes closest (cosine
// distance) to the supplied embedding, across all jobs. It lets an operator
// find which past recordings a voice appeared in.
func (s *Store) SimilarSpeakers(ctx context.Context, embedding []float32, topK int) ([]SpeakerMatch, error) {
	if s == nil {
		return nil, nil
	}

	const q = `
		SELECT job_id, speaker_id, embedding <=> $1 AS distance
		FROM   speaker_prototypes
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("archive: similar speakers: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SpeakerMatch, error) {
		var m SpeakerMatch
		err := row.Scan(&m.JobID, &m.SpeakerID, &m.Distance)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan matches: %w", err)
	}
	return matches, nil
}
