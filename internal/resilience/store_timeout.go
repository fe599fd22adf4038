package resilience

import (
	"context"
	"time"

	"github.com/mindfold/mindfold/pkg/segment"
	"github.com/mindfold/mindfold/pkg/store"
)

// TimeoutStore decorates a [store.Store] with a per-call deadline so that a
// stalled database connection surfaces as a bounded error instead of hanging
// the request. Scan is exempt: full-store iterations legitimately outlive any
// single-call budget and are bounded by the caller's context instead.
type TimeoutStore struct {
	inner   store.Store
	timeout time.Duration
}

var _ store.Store = (*TimeoutStore)(nil)

// NewTimeoutStore wraps inner. A non-positive timeout disables the deadline
// and the store behaves as if unwrapped.
func NewTimeoutStore(inner store.Store, timeout time.Duration) *TimeoutStore {
	return &TimeoutStore{inner: inner, timeout: timeout}
}

func (s *TimeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *TimeoutStore) GetByFingerprint(ctx context.Context, textHash, voiceID, voiceStyle string) (*segment.AudioSegment, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.GetByFingerprint(ctx, textHash, voiceID, voiceStyle)
}

func (s *TimeoutStore) Insert(ctx context.Context, seg *segment.AudioSegment) (*segment.AudioSegment, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.Insert(ctx, seg)
}

func (s *TimeoutStore) IncrementUsage(ctx context.Context, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.IncrementUsage(ctx, id)
}

func (s *TimeoutStore) Scan(ctx context.Context, filter store.Filter, fn func(*segment.AudioSegment) error) error {
	return s.inner.Scan(ctx, filter, fn)
}

func (s *TimeoutStore) SearchSimilar(ctx context.Context, embedding []float32, voiceID, voiceStyle, language string, limit int) ([]store.SimilarSegment, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.SearchSimilar(ctx, embedding, voiceID, voiceStyle, language, limit)
}

func (s *TimeoutStore) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.UpdateEmbedding(ctx, id, embedding)
}

func (s *TimeoutStore) MergeCluster(ctx context.Context, survivorID string, loserIDs []string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.MergeCluster(ctx, survivorID, loserIDs)
}

func (s *TimeoutStore) Coverage(ctx context.Context) (*store.CoverageStats, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.Coverage(ctx)
}

func (s *TimeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.inner.Ping(ctx)
}
