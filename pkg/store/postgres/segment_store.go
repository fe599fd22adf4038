package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/mindfold/mindfold/pkg/segment"
	"github.com/mindfold/mindfold/pkg/store"
)

// segmentColumns is the canonical column list used by every SELECT.
const segmentColumns = `id, text_content, text_hash, voice_id, voice_gender, voice_style,
       audio_url, audio_duration, file_size, usage_count, created_at, last_used_at,
       embedding, language, similarity_threshold`

// GetByFingerprint implements [store.Store]. The unique index on
// (text_hash, voice_id, voice_style) guarantees at most one row.
func (s *Store) GetByFingerprint(ctx context.Context, textHash, voiceID, voiceStyle string) (*segment.AudioSegment, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   audio_segments_cache
		WHERE  text_hash = $1 AND voice_id = $2 AND voice_style = $3`, segmentColumns)

	row := s.pool.QueryRow(ctx, q, textHash, voiceID, voiceStyle)
	seg, err := scanSegment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, opErr("get by fingerprint", err)
	}
	return seg, nil
}

// Insert implements [store.Store]. The database assigns created_at and
// last_used_at; usage_count starts at 1.
func (s *Store) Insert(ctx context.Context, seg *segment.AudioSegment) (*segment.AudioSegment, error) {
	id := seg.ID
	if id == "" {
		id = uuid.NewString()
	}

	const q = `
		INSERT INTO audio_segments_cache
		    (id, text_content, text_hash, voice_id, voice_gender, voice_style,
		     audio_url, audio_duration, file_size, language, similarity_threshold, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING usage_count, created_at, last_used_at`

	var embedding *pgvector.Vector
	if len(seg.Embedding) > 0 {
		v := pgvector.NewVector(seg.Embedding)
		embedding = &v
	}

	inserted := *seg
	inserted.ID = id
	err := s.pool.QueryRow(ctx, q,
		id,
		seg.TextContent,
		seg.TextHash,
		seg.VoiceID,
		seg.VoiceGender,
		seg.VoiceStyle,
		seg.AudioURL,
		seg.AudioDuration,
		seg.FileSize,
		seg.Language,
		seg.SimilarityThreshold,
		embedding,
	).Scan(&inserted.UsageCount, &inserted.CreatedAt, &inserted.LastUsedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, opErr("insert", err)
	}
	return &inserted, nil
}

// IncrementUsage implements [store.Store]. The increment happens inside the
// UPDATE statement itself, so concurrent hits on the same segment serialize
// at the row level with no lost updates.
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	const q = `
		UPDATE audio_segments_cache
		SET    usage_count = usage_count + 1,
		       last_used_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return opErr("increment usage", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Scan implements [store.Store] using keyset pagination over
// (created_at, id) so the whole table is never held in memory at once.
func (s *Store) Scan(ctx context.Context, filter store.Filter, fn func(*segment.AudioSegment) error) error {
	var (
		afterCreated time.Time
		afterID      string
		first        = true
	)

	for {
		args := []any{}
		next := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}

		conditions := filterConditions(filter, next)
		if !first {
			conditions = append(conditions,
				"(created_at, id) > ("+next(afterCreated)+", "+next(afterID)+")")
		}
		whereClause := ""
		if len(conditions) > 0 {
			whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
		}

		q := fmt.Sprintf(`
			SELECT %s
			FROM   audio_segments_cache
			%s
			ORDER  BY created_at, id
			LIMIT  %s`, segmentColumns, whereClause, next(s.scanPageSize))

		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return opErr("scan", err)
		}

		page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*segment.AudioSegment, error) {
			return scanSegment(row)
		})
		if err != nil {
			return opErr("scan rows", err)
		}

		for _, seg := range page {
			if err := fn(seg); err != nil {
				return err
			}
		}
		if len(page) < s.scanPageSize {
			return nil
		}
		last := page[len(page)-1]
		afterCreated, afterID = last.CreatedAt, last.ID
		first = false
	}
}

// filterConditions compiles filter to SQL conditions, registering arguments
// through next.
func filterConditions(filter store.Filter, next func(any) string) []string {
	var conditions []string
	if filter.Language != "" {
		conditions = append(conditions, "language = "+next(filter.Language))
	}
	if filter.VoiceID != "" {
		conditions = append(conditions, "voice_id = "+next(filter.VoiceID))
	}
	if filter.VoiceStyle != "" {
		conditions = append(conditions, "voice_style = "+next(filter.VoiceStyle))
	}
	if filter.MissingEmbedding {
		conditions = append(conditions, "embedding IS NULL")
	}
	return conditions
}

// SearchSimilar implements [store.Store]. The pgvector HNSW index serves the
// nearest-neighbour ordering; cosine similarity is 1 minus the cosine
// distance operator's result.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float32, voiceID, voiceStyle, language string, limit int) ([]store.SimilarSegment, error) {
	if limit <= 0 {
		return []store.SimilarSegment{}, nil
	}

	q := fmt.Sprintf(`
		SELECT %s,
		       1 - (embedding <=> $1) AS similarity
		FROM   audio_segments_cache
		WHERE  voice_id = $2
		  AND  voice_style = $3
		  AND  language = $4
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $1
		LIMIT  $5`, segmentColumns)

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), voiceID, voiceStyle, language, limit)
	if err != nil {
		return nil, opErr("search similar", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.SimilarSegment, error) {
		seg, sim, err := scanSimilarSegment(row)
		if err != nil {
			return store.SimilarSegment{}, err
		}
		return store.SimilarSegment{Segment: seg, Similarity: sim}, nil
	})
	if err != nil {
		return nil, opErr("search similar rows", err)
	}
	if results == nil {
		results = []store.SimilarSegment{}
	}
	return results, nil
}

// UpdateEmbedding implements [store.Store].
func (s *Store) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	const q = `
		UPDATE audio_segments_cache
		SET    embedding = $2
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, pgvector.NewVector(embedding))
	if err != nil {
		return opErr("update embedding", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MergeCluster implements [store.Store]. The survivor update and the loser
// deletions run inside a single transaction, so an interrupted optimization
// run never leaves a half-merged cluster behind.
func (s *Store) MergeCluster(ctx context.Context, survivorID string, loserIDs []string) error {
	if len(loserIDs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return opErr("merge begin", err)
	}
	defer tx.Rollback(ctx)

	// Lock the losers in a subquery and aggregate over it; PostgreSQL does
	// not allow FOR UPDATE in the same query level as aggregate functions.
	// Missing rows abort the merge.
	const aggregate = `
		SELECT count(*), coalesce(sum(usage_count), 0), coalesce(max(last_used_at), 'epoch'::timestamptz)
		FROM  (SELECT usage_count, last_used_at
		       FROM   audio_segments_cache
		       WHERE  id = ANY($1)
		       FOR UPDATE) losers`

	var (
		found    int64
		usageSum int64
		lastUsed time.Time
	)
	if err := tx.QueryRow(ctx, aggregate, loserIDs).Scan(&found, &usageSum, &lastUsed); err != nil {
		return opErr("merge aggregate", err)
	}
	if found != int64(len(loserIDs)) {
		return store.ErrNotFound
	}

	const updateSurvivor = `
		UPDATE audio_segments_cache
		SET    usage_count = usage_count + $2,
		       last_used_at = greatest(last_used_at, $3)
		WHERE  id = $1`
	tag, err := tx.Exec(ctx, updateSurvivor, survivorID, usageSum, lastUsed)
	if err != nil {
		return opErr("merge survivor", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	if _, err := tx.Exec(ctx, `DELETE FROM audio_segments_cache WHERE id = ANY($1)`, loserIDs); err != nil {
		return opErr("merge delete", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return opErr("merge commit", err)
	}
	return nil
}

// Coverage implements [store.Store].
func (s *Store) Coverage(ctx context.Context) (*store.CoverageStats, error) {
	stats := &store.CoverageStats{}

	const aggregates = `
		SELECT count(*),
		       count(embedding)
		FROM   audio_segments_cache`
	if err := s.pool.QueryRow(ctx, aggregates).Scan(&stats.TotalSegments, &stats.WithEmbeddings); err != nil {
		return nil, opErr("coverage", err)
	}
	stats.WithoutEmbedding = stats.TotalSegments - stats.WithEmbeddings

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT language FROM audio_segments_cache ORDER BY language`)
	if err != nil {
		return nil, opErr("coverage languages", err)
	}
	stats.Languages, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var lang string
		err := row.Scan(&lang)
		return lang, err
	})
	if err != nil {
		return nil, opErr("coverage languages rows", err)
	}
	if stats.Languages == nil {
		stats.Languages = []string{}
	}
	return stats, nil
}

// scanSegment scans one audio_segments_cache row.
func scanSegment(row pgx.Row) (*segment.AudioSegment, error) {
	var (
		seg segment.AudioSegment
		vec *pgvector.Vector
	)
	err := row.Scan(
		&seg.ID,
		&seg.TextContent,
		&seg.TextHash,
		&seg.VoiceID,
		&seg.VoiceGender,
		&seg.VoiceStyle,
		&seg.AudioURL,
		&seg.AudioDuration,
		&seg.FileSize,
		&seg.UsageCount,
		&seg.CreatedAt,
		&seg.LastUsedAt,
		&vec,
		&seg.Language,
		&seg.SimilarityThreshold,
	)
	if err != nil {
		return nil, err
	}
	if vec != nil {
		seg.Embedding = vec.Slice()
	}
	return &seg, nil
}

// scanSimilarSegment scans one row of the similarity query, which appends a
// similarity column to the canonical list.
func scanSimilarSegment(row pgx.Row) (*segment.AudioSegment, float64, error) {
	var (
		seg segment.AudioSegment
		vec *pgvector.Vector
		sim float64
	)
	err := row.Scan(
		&seg.ID,
		&seg.TextContent,
		&seg.TextHash,
		&seg.VoiceID,
		&seg.VoiceGender,
		&seg.VoiceStyle,
		&seg.AudioURL,
		&seg.AudioDuration,
		&seg.FileSize,
		&seg.UsageCount,
		&seg.CreatedAt,
		&seg.LastUsedAt,
		&vec,
		&seg.Language,
		&seg.SimilarityThreshold,
		&sim,
	)
	if err != nil {
		return nil, 0, err
	}
	if vec != nil {
		seg.Embedding = vec.Slice()
	}
	return &seg, sim, nil
}
