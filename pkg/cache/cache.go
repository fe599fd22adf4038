// Package cache implements the request-time audio segment cache: exact
// fingerprint lookup, optional semantic similarity lookup, and the write path
// that persists freshly synthesized audio for future reuse.
//
// The cache is an optimization, never a dependency the caller cannot live
// without. Every failure below it — embedding provider down, database
// unreachable — degrades to a miss so that meditation generation can always
// fall back to fresh synthesis.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mindfold/mindfold/internal/observe"
	"github.com/mindfold/mindfold/pkg/provider/embeddings"
	"github.com/mindfold/mindfold/pkg/segment"
	"github.com/mindfold/mindfold/pkg/store"
)

// DefaultReuseThreshold is the system-wide semantic reuse threshold applied
// when a matched segment carries no per-entry override. Conservative on
// purpose: a semantic hit replaces audio the user would otherwise hear
// verbatim.
const DefaultReuseThreshold = 0.90

// DefaultSearchLimit is the number of nearest neighbours fetched per semantic
// lookup.
const DefaultSearchLimit = 10

// Outcome classifies the result of a cache lookup.
type Outcome string

const (
	// OutcomeExactHit means the fingerprint matched an existing segment.
	OutcomeExactHit Outcome = "exact_hit"
	// OutcomeSemanticHit means an embedding neighbour cleared the reuse
	// threshold.
	OutcomeSemanticHit Outcome = "semantic_hit"
	// OutcomeMiss means the caller must synthesize fresh audio.
	OutcomeMiss Outcome = "miss"
)

// Request describes one candidate utterance the caller wants cached audio
// for.
type Request struct {
	// Text is the exact text to be spoken.
	Text string

	// Voice identifies the synthetic voice configuration. Reuse never
	// crosses voice boundaries.
	Voice segment.Voice

	// Language is the IETF language tag of Text.
	Language string

	// SkipSemantic disables the semantic fallback for this call even when
	// the cache is configured with semantic search enabled. The exact
	// fingerprint path always runs.
	SkipSemantic bool
}

// Result is the outcome of a lookup.
type Result struct {
	// Outcome says whether and how the cache matched.
	Outcome Outcome

	// Segment is the matched segment on a hit, nil on a miss. Its
	// UsageCount reflects the state after this lookup's increment.
	Segment *segment.AudioSegment

	// Similarity is the cosine similarity of the match for semantic hits,
	// 1 for exact hits, 0 for misses.
	Similarity float64
}

// SaveRequest carries a freshly synthesized segment to be persisted.
type SaveRequest struct {
	Text          string
	Voice         segment.Voice
	Language      string
	AudioURL      string
	AudioDuration float64
	FileSize      int64
}

// Cache is the request-time segment cache service. Construct with [New];
// the zero value is not usable. Safe for concurrent use.
type Cache struct {
	store    store.Store
	embedder embeddings.Provider
	logger   *slog.Logger
	metrics  *observe.Metrics
	read     *ReadCache

	semantic       bool
	reuseThreshold float64
	searchLimit    int
}

// Option configures a Cache.
type Option func(*Cache)

// WithEmbedder supplies the embedding provider used for semantic lookup and
// best-effort embedding of new segments. Without one, the cache is
// exact-match only.
func WithEmbedder(p embeddings.Provider) Option {
	return func(c *Cache) { c.embedder = p }
}

// WithSemanticSearch enables or disables the semantic lookup fallback.
// Enabled by default when an embedder is configured.
func WithSemanticSearch(enabled bool) Option {
	return func(c *Cache) { c.semantic = enabled }
}

// WithReuseThreshold overrides the default semantic reuse threshold. Values
// outside (0, 1] are ignored.
func WithReuseThreshold(t float64) Option {
	return func(c *Cache) {
		if t > 0 && t <= 1 {
			c.reuseThreshold = t
		}
	}
}

// WithSearchLimit overrides the number of neighbours fetched per semantic
// lookup.
func WithSearchLimit(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.searchLimit = n
		}
	}
}

// WithReadCache installs a bounded in-memory read-through layer in front of
// the store's exact lookup path.
func WithReadCache(rc *ReadCache) Option {
	return func(c *Cache) { c.read = rc }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New constructs a Cache backed by st.
func New(st store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:          st,
		logger:         slog.Default(),
		semantic:       true,
		reuseThreshold: DefaultReuseThreshold,
		searchLimit:    DefaultSearchLimit,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Lookup decides whether existing audio can be reused for req.
//
// The exact fingerprint path runs first and never touches the embedding
// provider. Only on an exact miss, and only when semantic search is enabled
// and an embedder is configured, does the cache embed the candidate text and
// search the segment's voice/style/language partition for a neighbour whose
// similarity clears the effective threshold (per-entry override when set,
// configured default otherwise; the boundary is inclusive). The best
// neighbour wins; ties go to the higher usage count, then the more recent
// last use.
//
// Lookup never returns an error for cache-internal failures: an unreachable
// store or embedder is logged and degrades to a miss. The only errors
// surfaced are ctx cancellation.
func (c *Cache) Lookup(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := c.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordLookup(ctx, string(res.Outcome), time.Since(start).Seconds())
	return res, nil
}

func (c *Cache) lookup(ctx context.Context, req Request) (*Result, error) {
	textHash := segment.Fingerprint(req.Text)

	// Exact path.
	seg, err := c.exactLookup(ctx, textHash, req.Voice)
	switch {
	case err == nil:
		if hit := c.recordHit(ctx, seg); hit != nil {
			return &Result{Outcome: OutcomeExactHit, Segment: hit, Similarity: 1}, nil
		}
		// The row vanished between lookup and increment (merged away by an
		// optimization run). Fall through to the miss/semantic path.
	case errors.Is(err, store.ErrNotFound):
		// Expected: continue to semantic path.
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		c.logger.Warn("exact lookup failed, treating as miss",
			"text_hash", textHash,
			"voice_id", req.Voice.ID,
			"voice_style", req.Voice.Style,
			"err", err,
		)
		return &Result{Outcome: OutcomeMiss}, nil
	}

	// Semantic path.
	if req.SkipSemantic || !c.semantic || c.embedder == nil {
		return &Result{Outcome: OutcomeMiss}, nil
	}

	match, similarity := c.semanticLookup(ctx, req)
	if match == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{Outcome: OutcomeMiss}, nil
	}
	if hit := c.recordHit(ctx, match); hit != nil {
		return &Result{Outcome: OutcomeSemanticHit, Segment: hit, Similarity: similarity}, nil
	}
	return &Result{Outcome: OutcomeMiss}, nil
}

// exactLookup consults the read-through layer first, then the store.
func (c *Cache) exactLookup(ctx context.Context, textHash string, voice segment.Voice) (*segment.AudioSegment, error) {
	if c.read != nil {
		if seg, ok := c.read.Get(textHash, voice.ID, voice.Style); ok {
			return seg, nil
		}
	}
	seg, err := c.store.GetByFingerprint(ctx, textHash, voice.ID, voice.Style)
	if err != nil {
		return nil, err
	}
	if c.read != nil {
		c.read.Put(seg)
	}
	return seg, nil
}

// semanticLookup embeds the candidate text and returns the best neighbour
// clearing its effective threshold, or nil. All failures degrade to nil.
func (c *Cache) semanticLookup(ctx context.Context, req Request) (*segment.AudioSegment, float64) {
	embedStart := time.Now()
	vec, err := c.embedder.Embed(ctx, segment.Normalize(req.Text))
	c.metrics.EmbeddingDuration.Record(ctx, time.Since(embedStart).Seconds())
	if err != nil {
		c.metrics.RecordProviderError(ctx, c.embedder.ModelID(), "embeddings")
		c.logger.Warn("embedding failed, skipping semantic lookup",
			"voice_id", req.Voice.ID,
			"err", err,
		)
		return nil, 0
	}
	c.metrics.RecordProviderRequest(ctx, c.embedder.ModelID(), "embeddings", "ok")

	candidates, err := c.store.SearchSimilar(ctx, vec, req.Voice.ID, req.Voice.Style, req.Language, c.searchLimit)
	if err != nil {
		c.logger.Warn("similarity search failed, treating as miss",
			"voice_id", req.Voice.ID,
			"err", err,
		)
		return nil, 0
	}

	var (
		best     *segment.AudioSegment
		bestSim  float64
		bestSeen bool
	)
	for _, cand := range candidates {
		if cand.Similarity < cand.Segment.EffectiveThreshold(c.reuseThreshold) {
			continue
		}
		if !bestSeen || betterMatch(cand, bestSim, best) {
			best, bestSim, bestSeen = cand.Segment, cand.Similarity, true
		}
	}
	return best, bestSim
}

// betterMatch reports whether cand beats the current best: higher similarity
// wins, then higher usage count, then more recent last use.
func betterMatch(cand store.SimilarSegment, bestSim float64, best *segment.AudioSegment) bool {
	if cand.Similarity != bestSim {
		return cand.Similarity > bestSim
	}
	if cand.Segment.UsageCount != best.UsageCount {
		return cand.Segment.UsageCount > best.UsageCount
	}
	return cand.Segment.LastUsedAt.After(best.LastUsedAt)
}

// recordHit bumps the segment's usage counter at the store and returns the
// segment with its post-increment counters. A segment that disappeared
// meanwhile returns nil; other increment failures are logged but do not void
// the hit — losing one usage tick is preferable to a needless synthesis.
func (c *Cache) recordHit(ctx context.Context, seg *segment.AudioSegment) *segment.AudioSegment {
	err := c.store.IncrementUsage(ctx, seg.ID)
	switch {
	case err == nil:
		updated := *seg
		updated.UsageCount++
		updated.LastUsedAt = time.Now().UTC()
		if c.read != nil {
			c.read.Put(&updated)
		}
		return &updated
	case errors.Is(err, store.ErrNotFound):
		if c.read != nil {
			c.read.Invalidate(seg.TextHash, seg.VoiceID, seg.VoiceStyle)
		}
		return nil
	default:
		c.logger.Warn("usage increment failed",
			"segment_id", seg.ID,
			"err", err,
		)
		return seg
	}
}

// Save persists freshly synthesized audio so future requests can reuse it.
//
// The embedding is computed best-effort before the insert; when the embedder
// fails or is absent, the segment is stored without one and the repair
// workflow backfills it later. A uniqueness conflict means a concurrent
// request won the synthesis race: Save re-fetches the winning row, counts
// this request as a hit against it, and discards the caller's audio
// reference.
func (c *Cache) Save(ctx context.Context, req SaveRequest) (*segment.AudioSegment, error) {
	textHash := segment.Fingerprint(req.Text)

	seg := &segment.AudioSegment{
		ID:            uuid.NewString(),
		TextContent:   req.Text,
		TextHash:      textHash,
		VoiceID:       req.Voice.ID,
		VoiceGender:   req.Voice.Gender,
		VoiceStyle:    req.Voice.Style,
		AudioURL:      req.AudioURL,
		AudioDuration: req.AudioDuration,
		FileSize:      req.FileSize,
		UsageCount:    1,
		Language:      req.Language,
	}

	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, segment.Normalize(req.Text))
		if err != nil {
			c.metrics.RecordProviderError(ctx, c.embedder.ModelID(), "embeddings")
			c.logger.Warn("embedding failed, storing segment without one",
				"text_hash", textHash,
				"voice_id", req.Voice.ID,
				"err", err,
			)
		} else {
			seg.Embedding = vec
		}
	}

	inserted, err := c.store.Insert(ctx, seg)
	switch {
	case err == nil:
		if c.read != nil {
			c.read.Put(inserted)
		}
		return inserted, nil
	case errors.Is(err, store.ErrConflict):
		// A concurrent request saved the same (text, voice, style) first.
		// The existing row is authoritative; our audio becomes an orphan.
		winner, getErr := c.store.GetByFingerprint(ctx, textHash, req.Voice.ID, req.Voice.Style)
		if getErr != nil {
			return nil, getErr
		}
		if hit := c.recordHit(ctx, winner); hit != nil {
			return hit, nil
		}
		return winner, nil
	default:
		return nil, err
	}
}
