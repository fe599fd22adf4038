// Package store defines the Store interface for durable persistence of cached
// audio segments, together with the error taxonomy shared by all
// implementations.
//
// Two implementations ship with Mindfold:
//
//   - [github.com/mindfold/mindfold/pkg/store/postgres] — the production
//     PostgreSQL + pgvector store.
//   - [github.com/mindfold/mindfold/pkg/store/memstore] — an in-memory store
//     for tests and cache-less development runs.
//
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"

	"github.com/mindfold/mindfold/pkg/segment"
)

var (
	// ErrNotFound is returned when a point lookup or targeted mutation
	// references a segment that does not exist (any more).
	ErrNotFound = errors.New("store: segment not found")

	// ErrConflict is returned by Insert when a segment with the same
	// (TextHash, VoiceID, VoiceStyle) triple already exists. Callers resolve
	// it by re-fetching the winning row and treating it as a hit.
	ErrConflict = errors.New("store: segment already exists")

	// ErrUnavailable is returned when the backing database cannot be reached
	// within the configured timeout. The cache is an optimization: callers
	// must be able to fall back to fresh synthesis when they see this.
	ErrUnavailable = errors.New("store: unavailable")
)

// Filter restricts a [Store.Scan] iteration. Zero-value fields are ignored.
type Filter struct {
	// Language limits the scan to segments with this language tag.
	Language string

	// VoiceID and VoiceStyle limit the scan to one voice partition.
	VoiceID    string
	VoiceStyle string

	// MissingEmbedding limits the scan to segments whose embedding has not
	// been computed yet.
	MissingEmbedding bool
}

// Match reports whether seg passes the filter. Used by in-memory
// implementations; the PostgreSQL store compiles the filter to SQL instead.
func (f Filter) Match(seg *segment.AudioSegment) bool {
	if f.Language != "" && seg.Language != f.Language {
		return false
	}
	if f.VoiceID != "" && seg.VoiceID != f.VoiceID {
		return false
	}
	if f.VoiceStyle != "" && seg.VoiceStyle != f.VoiceStyle {
		return false
	}
	if f.MissingEmbedding && len(seg.Embedding) > 0 {
		return false
	}
	return true
}

// SimilarSegment pairs a candidate segment with its cosine similarity to the
// query embedding, as computed by [Store.SearchSimilar].
type SimilarSegment struct {
	Segment    *segment.AudioSegment
	Similarity float64
}

// CoverageStats summarises embedding coverage across the whole store.
type CoverageStats struct {
	TotalSegments    int64    `json:"totalSegments"`
	WithEmbeddings   int64    `json:"withEmbeddings"`
	WithoutEmbedding int64    `json:"withoutEmbeddings"`
	Languages        []string `json:"distinctLanguages"`
}

// Store is the single source of truth for cached audio segments. All
// mutation of segment state goes through it; any in-memory layer in front of
// it is a read-through latency optimization only.
type Store interface {
	// GetByFingerprint returns the unique segment for the
	// (textHash, voiceID, voiceStyle) triple, or [ErrNotFound].
	GetByFingerprint(ctx context.Context, textHash, voiceID, voiceStyle string) (*segment.AudioSegment, error)

	// Insert persists a new segment. Returns [ErrConflict] when the
	// uniqueness invariant on (TextHash, VoiceID, VoiceStyle) would be
	// violated. The returned segment carries the store-assigned timestamps.
	Insert(ctx context.Context, seg *segment.AudioSegment) (*segment.AudioSegment, error)

	// IncrementUsage atomically bumps the segment's usage count by one and
	// advances LastUsedAt to now. Concurrent increments must not lose
	// updates. Returns [ErrNotFound] when the segment no longer exists.
	IncrementUsage(ctx context.Context, id string) error

	// Scan streams every segment matching filter to fn in stable order,
	// loading rows in bounded pages rather than all at once. Iteration stops
	// early when fn or ctx returns an error.
	Scan(ctx context.Context, filter Filter, fn func(*segment.AudioSegment) error) error

	// SearchSimilar returns up to limit segments from the given
	// voice/style/language partition ordered by descending cosine similarity
	// to embedding. Segments without embeddings are never returned.
	SearchSimilar(ctx context.Context, embedding []float32, voiceID, voiceStyle, language string, limit int) ([]SimilarSegment, error)

	// UpdateEmbedding backfills the embedding of an existing segment.
	// Returns [ErrNotFound] when the segment has been deleted meanwhile;
	// callers treat that as non-fatal.
	UpdateEmbedding(ctx context.Context, id string, embedding []float32) error

	// MergeCluster folds the usage history of the loser segments into the
	// survivor and deletes the losers, all in one atomic step: the survivor's
	// usage count grows by the sum of the losers' counts and its LastUsedAt
	// advances to the cluster maximum. Either everything applies or nothing
	// does.
	MergeCluster(ctx context.Context, survivorID string, loserIDs []string) error

	// Coverage returns embedding coverage aggregates for the whole store.
	Coverage(ctx context.Context) (*CoverageStats, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
