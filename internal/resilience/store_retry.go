package resilience

import (
	"context"
	"errors"
	"io"

	"github.com/mindfold/mindfold/pkg/segment"
	"github.com/mindfold/mindfold/pkg/store"
)

// RetryingStore decorates a [store.Store] with a [Retry] policy so that
// transient database outages ([store.ErrUnavailable]) are absorbed at the
// transport boundary instead of surfacing as cache misses on every blip.
// Logical errors like [store.ErrNotFound] and [store.ErrConflict] pass
// through untouched.
type RetryingStore struct {
	inner  store.Store
	policy Retry
}

var _ store.Store = (*RetryingStore)(nil)

// NewRetryingStore wraps inner with policy. A zero policy gets the package
// defaults and retries only [store.ErrUnavailable].
func NewRetryingStore(inner store.Store, policy Retry) *RetryingStore {
	if policy.Retryable == nil {
		policy.Retryable = func(err error) bool {
			return errors.Is(err, store.ErrUnavailable)
		}
	}
	return &RetryingStore{inner: inner, policy: policy}
}

func (s *RetryingStore) GetByFingerprint(ctx context.Context, textHash, voiceID, voiceStyle string) (*segment.AudioSegment, error) {
	var seg *segment.AudioSegment
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		seg, err = s.inner.GetByFingerprint(ctx, textHash, voiceID, voiceStyle)
		return err
	})
	return seg, err
}

func (s *RetryingStore) Insert(ctx context.Context, in *segment.AudioSegment) (*segment.AudioSegment, error) {
	var seg *segment.AudioSegment
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		seg, err = s.inner.Insert(ctx, in)
		return err
	})
	return seg, err
}

func (s *RetryingStore) IncrementUsage(ctx context.Context, id string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.inner.IncrementUsage(ctx, id)
	})
}

// Scan retries only when the failed attempt delivered no rows: replaying a
// partially-consumed scan would hand duplicates to fn.
func (s *RetryingStore) Scan(ctx context.Context, filter store.Filter, fn func(*segment.AudioSegment) error) error {
	delivered := false
	policy := s.policy
	retryable := policy.Retryable
	policy.Retryable = func(err error) bool {
		return !delivered && retryable(err)
	}
	return policy.Do(ctx, func(ctx context.Context) error {
		return s.inner.Scan(ctx, filter, func(seg *segment.AudioSegment) error {
			delivered = true
			return fn(seg)
		})
	})
}

func (s *RetryingStore) SearchSimilar(ctx context.Context, embedding []float32, voiceID, voiceStyle, language string, limit int) ([]store.SimilarSegment, error) {
	var out []store.SimilarSegment
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.inner.SearchSimilar(ctx, embedding, voiceID, voiceStyle, language, limit)
		return err
	})
	return out, err
}

func (s *RetryingStore) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.inner.UpdateEmbedding(ctx, id, embedding)
	})
}

func (s *RetryingStore) MergeCluster(ctx context.Context, survivorID string, loserIDs []string) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.inner.MergeCluster(ctx, survivorID, loserIDs)
	})
}

func (s *RetryingStore) Coverage(ctx context.Context) (*store.CoverageStats, error) {
	var stats *store.CoverageStats
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		stats, err = s.inner.Coverage(ctx)
		return err
	})
	return stats, err
}

func (s *RetryingStore) Ping(ctx context.Context) error {
	return s.policy.Do(ctx, func(ctx context.Context) error {
		return s.inner.Ping(ctx)
	})
}

// Close forwards to the inner store when it is closeable.
func (s *RetryingStore) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
