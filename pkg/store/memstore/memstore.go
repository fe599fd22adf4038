// Package memstore provides an in-memory implementation of [store.Store].
//
// It backs unit tests for the cache, admin, and pipeline packages and serves
// as the segment store for development runs without a PostgreSQL instance.
// Similarity search is a linear scan, which is fine for the store sizes these
// use cases see.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindfold/mindfold/pkg/segment"
	"github.com/mindfold/mindfold/pkg/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory [store.Store]. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*segment.AudioSegment
	byTriple map[tripleKey]string // -> segment ID

	// now is swappable for tests that care about timestamp ordering.
	now func() time.Time
}

type tripleKey struct {
	textHash, voiceID, voiceStyle string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		byID:     make(map[string]*segment.AudioSegment),
		byTriple: make(map[tripleKey]string),
		now:      time.Now,
	}
}

// SetClock replaces the store's clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GetByFingerprint implements [store.Store].
func (s *Store) GetByFingerprint(ctx context.Context, textHash, voiceID, voiceStyle string) (*segment.AudioSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTriple[tripleKey{textHash, voiceID, voiceStyle}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSegment(s.byID[id]), nil
}

// Insert implements [store.Store].
func (s *Store) Insert(ctx context.Context, seg *segment.AudioSegment) (*segment.AudioSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tripleKey{seg.TextHash, seg.VoiceID, seg.VoiceStyle}
	if _, exists := s.byTriple[key]; exists {
		return nil, store.ErrConflict
	}

	stored := cloneSegment(seg)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	now := s.now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.LastUsedAt.IsZero() {
		stored.LastUsedAt = stored.CreatedAt
	}
	if stored.UsageCount < 1 {
		stored.UsageCount = 1
	}

	s.byID[stored.ID] = stored
	s.byTriple[key] = stored.ID
	return cloneSegment(stored), nil
}

// IncrementUsage implements [store.Store].
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	seg.UsageCount++
	seg.LastUsedAt = s.now()
	return nil
}

// Scan implements [store.Store]. Segments are visited in (CreatedAt, ID)
// order so repeated scans over an unchanged store see the same sequence.
func (s *Store) Scan(ctx context.Context, filter store.Filter, fn func(*segment.AudioSegment) error) error {
	s.mu.RLock()
	snapshot := make([]*segment.AudioSegment, 0, len(s.byID))
	for _, seg := range s.byID {
		if filter.Match(seg) {
			snapshot = append(snapshot, cloneSegment(seg))
		}
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].CreatedAt.Equal(snapshot[j].CreatedAt) {
			return snapshot[i].CreatedAt.Before(snapshot[j].CreatedAt)
		}
		return snapshot[i].ID < snapshot[j].ID
	})

	for _, seg := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(seg); err != nil {
			return err
		}
	}
	return nil
}

// SearchSimilar implements [store.Store] with a linear scan over the voice
// partition.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float32, voiceID, voiceStyle, language string, limit int) ([]store.SimilarSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []store.SimilarSegment{}, nil
	}

	s.mu.RLock()
	results := make([]store.SimilarSegment, 0)
	for _, seg := range s.byID {
		if seg.VoiceID != voiceID || seg.VoiceStyle != voiceStyle || seg.Language != language {
			continue
		}
		if len(seg.Embedding) == 0 {
			continue
		}
		results = append(results, store.SimilarSegment{
			Segment:    cloneSegment(seg),
			Similarity: segment.CosineSimilarity(embedding, seg.Embedding),
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// UpdateEmbedding implements [store.Store].
func (s *Store) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	seg.Embedding = append([]float32(nil), embedding...)
	return nil
}

// MergeCluster implements [store.Store]. The whole merge happens under one
// lock acquisition, so concurrent readers never observe a half-applied merge.
func (s *Store) MergeCluster(ctx context.Context, survivorID string, loserIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	survivor, ok := s.byID[survivorID]
	if !ok {
		return store.ErrNotFound
	}

	// Validate every loser before mutating anything.
	losers := make([]*segment.AudioSegment, 0, len(loserIDs))
	for _, id := range loserIDs {
		loser, ok := s.byID[id]
		if !ok {
			return store.ErrNotFound
		}
		losers = append(losers, loser)
	}

	for _, loser := range losers {
		survivor.UsageCount += loser.UsageCount
		if loser.LastUsedAt.After(survivor.LastUsedAt) {
			survivor.LastUsedAt = loser.LastUsedAt
		}
		delete(s.byTriple, tripleKey{loser.TextHash, loser.VoiceID, loser.VoiceStyle})
		delete(s.byID, loser.ID)
	}
	return nil
}

// Coverage implements [store.Store].
func (s *Store) Coverage(ctx context.Context) (*store.CoverageStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.CoverageStats{}
	langs := make(map[string]struct{})
	for _, seg := range s.byID {
		stats.TotalSegments++
		if len(seg.Embedding) > 0 {
			stats.WithEmbeddings++
		} else {
			stats.WithoutEmbedding++
		}
		langs[seg.Language] = struct{}{}
	}
	stats.Languages = make([]string, 0, len(langs))
	for l := range langs {
		stats.Languages = append(stats.Languages, l)
	}
	sort.Strings(stats.Languages)
	return stats, nil
}

// Ping implements [store.Store]. The in-memory store is always reachable.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored segments. Intended for tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func cloneSegment(seg *segment.AudioSegment) *segment.AudioSegment {
	cp := *seg
	if seg.Embedding != nil {
		cp.Embedding = append([]float32(nil), seg.Embedding...)
	}
	return &cp
}
