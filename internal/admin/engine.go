// Package admin implements offline maintenance of cache health: coverage
// statistics, duplicate-cluster analysis, embedding backfill, cache
// optimization, and raw data export. Every run is a fresh pass — no state
// survives between invocations, and destructive merges are atomic per
// cluster so an interrupted run never leaves a half-merged store.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mindfold/mindfold/internal/observe"
	"github.com/mindfold/mindfold/pkg/provider/embeddings"
	"github.com/mindfold/mindfold/pkg/segment"
	"github.com/mindfold/mindfold/pkg/store"
)

// DefaultMergeThreshold is the duplicate-detection similarity bound.
// Stricter than the request-time reuse threshold on purpose: this one
// drives deletion, not just reuse.
const DefaultMergeThreshold = 0.95

// DefaultRepairBatchSize bounds how many missing embeddings one repair
// batch computes before pausing.
const DefaultRepairBatchSize = 50

// Stats reports embedding coverage across the store.
type Stats struct {
	TotalSegments     int64    `json:"totalSegments"`
	WithEmbeddings    int64    `json:"withEmbeddings"`
	WithoutEmbeddings int64    `json:"withoutEmbeddings"`
	CoveragePercent   float64  `json:"coveragePercent"`
	DistinctLanguages []string `json:"distinctLanguages"`
}

// ClusterMember is one entry of a duplicate cluster, shaped for operator
// inspection.
type ClusterMember struct {
	ID          string    `json:"id"`
	TextContent string    `json:"textContent"`
	VoiceID     string    `json:"voiceId"`
	VoiceStyle  string    `json:"voiceStyle"`
	Language    string    `json:"language"`
	UsageCount  int64     `json:"usageCount"`
	FileSize    int64     `json:"fileSize"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

// DuplicateCluster is a connected group of near-identical segments.
type DuplicateCluster struct {
	Members               []ClusterMember `json:"members"`
	AvgPairwiseSimilarity float64         `json:"avgPairwiseSimilarity"`
	SurvivorID            string          `json:"survivorId"`
}

// Analysis is the read-only result of a duplicate-cluster pass.
type Analysis struct {
	TotalSegments     int64              `json:"totalSegments"`
	ClustersFound     int                `json:"clustersFound"`
	DuplicateClusters []DuplicateCluster `json:"duplicateClusters"`
	Recommendations   []string           `json:"recommendations"`
}

// RepairResult summarises one embedding-backfill run.
type RepairResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// OptimizeResult summarises one optimization run. ItemsRemoved is zero for
// dry runs even though DuplicatesFound and SpaceSaved report what a real
// run would do.
type OptimizeResult struct {
	DuplicatesFound int   `json:"duplicatesFound"`
	SpaceSaved      int64 `json:"spaceSaved"`
	ItemsRemoved    int   `json:"itemsRemoved"`
	DryRun          bool  `json:"dryRun"`
}

// Engine drives all administrative maintenance operations against one
// store. Construct with [NewEngine]; safe for concurrent use, though
// operators typically run one maintenance pass at a time.
type Engine struct {
	store    store.Store
	embedder embeddings.Provider
	logger   *slog.Logger
	metrics  *observe.Metrics

	mergeThreshold  float64
	repairBatchSize int
	repairDelay     time.Duration
	invalidate      func()
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEmbedder supplies the provider used by the repair workflow. Without
// one, RepairMissingEmbeddings fails.
func WithEmbedder(p embeddings.Provider) EngineOption {
	return func(e *Engine) { e.embedder = p }
}

// WithMergeThreshold overrides the duplicate-detection similarity bound.
// Values outside (0, 1] are ignored.
func WithMergeThreshold(t float64) EngineOption {
	return func(e *Engine) {
		if t > 0 && t <= 1 {
			e.mergeThreshold = t
		}
	}
}

// WithRepairBatch sets the repair batch size and the pause between batches.
func WithRepairBatch(size int, delay time.Duration) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.repairBatchSize = size
		}
		if delay >= 0 {
			e.repairDelay = delay
		}
	}
}

// WithInvalidate registers a callback run after every destructive merge,
// typically wired to the read-through cache's Clear.
func WithInvalidate(fn func()) EngineOption {
	return func(e *Engine) { e.invalidate = fn }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine constructs an Engine over st.
func NewEngine(st store.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:           st,
		logger:          slog.Default(),
		mergeThreshold:  DefaultMergeThreshold,
		repairBatchSize: DefaultRepairBatchSize,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// ComputeCoverageStats aggregates embedding coverage for the whole store.
func (e *Engine) ComputeCoverageStats(ctx context.Context) (*Stats, error) {
	start := time.Now()
	cov, err := e.store.Coverage(ctx)
	if err != nil {
		return nil, fmt.Errorf("admin: coverage: %w", err)
	}
	s := &Stats{
		TotalSegments:     cov.TotalSegments,
		WithEmbeddings:    cov.WithEmbeddings,
		WithoutEmbeddings: cov.WithoutEmbedding,
		DistinctLanguages: cov.Languages,
	}
	if cov.TotalSegments > 0 {
		s.CoveragePercent = 100 * float64(cov.WithEmbeddings) / float64(cov.TotalSegments)
	}
	e.metrics.RecordAdminOp(ctx, "stats", time.Since(start).Seconds())
	return s, nil
}

// AnalyzeSemanticClusters finds groups of near-identical segments within
// each voice/style/language partition. Strictly read-only: it never mutates
// the store.
func (e *Engine) AnalyzeSemanticClusters(ctx context.Context) (*Analysis, error) {
	start := time.Now()
	partitions, total, err := e.loadPartitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("admin: analyze: %w", err)
	}

	analysis := &Analysis{
		TotalSegments:     total,
		DuplicateClusters: make([]DuplicateCluster, 0),
	}
	for _, segs := range partitions {
		for _, cluster := range findClusters(segs, e.mergeThreshold) {
			dc := DuplicateCluster{
				Members:               make([]ClusterMember, 0, len(cluster)),
				AvgPairwiseSimilarity: avgPairwiseSimilarity(cluster),
				SurvivorID:            chooseSurvivor(cluster).ID,
			}
			for _, s := range cluster {
				dc.Members = append(dc.Members, ClusterMember{
					ID:          s.ID,
					TextContent: s.TextContent,
					VoiceID:     s.VoiceID,
					VoiceStyle:  s.VoiceStyle,
					Language:    s.Language,
					UsageCount:  s.UsageCount,
					FileSize:    s.FileSize,
					LastUsedAt:  s.LastUsedAt,
				})
			}
			analysis.DuplicateClusters = append(analysis.DuplicateClusters, dc)
		}
	}
	analysis.ClustersFound = len(analysis.DuplicateClusters)
	analysis.Recommendations = e.recommend(analysis)

	e.metrics.RecordAdminOp(ctx, "analyze", time.Since(start).Seconds())
	return analysis, nil
}

// recommend derives operator guidance from an analysis.
func (e *Engine) recommend(a *Analysis) []string {
	recs := make([]string, 0, 2)
	if a.ClustersFound == 0 {
		recs = append(recs, "no duplicate clusters found; no optimization needed")
		return recs
	}
	var removable int
	for _, c := range a.DuplicateClusters {
		removable += len(c.Members) - 1
	}
	recs = append(recs, fmt.Sprintf("run optimize to merge %d clusters and remove %d segments", a.ClustersFound, removable))
	recs = append(recs, "run optimize with dryRun=true first to review the planned merges")
	return recs
}

// loadPartitions scans the whole store into per-partition slices.
func (e *Engine) loadPartitions(ctx context.Context) (map[partitionKey][]*segment.AudioSegment, int64, error) {
	partitions := make(map[partitionKey][]*segment.AudioSegment)
	var total int64
	err := e.store.Scan(ctx, store.Filter{}, func(s *segment.AudioSegment) error {
		total++
		key := partitionKey{s.VoiceID, s.VoiceStyle, s.Language}
		partitions[key] = append(partitions[key], s)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return partitions, total, nil
}

// RepairMissingEmbeddings backfills embeddings for segments stored without
// one, in bounded batches with an optional pause between batches to respect
// provider rate limits. A non-positive batchSize falls back to the
// configured default. Per-item failures are counted, not fatal: the run
// always continues to the end of the scan.
func (e *Engine) RepairMissingEmbeddings(ctx context.Context, batchSize int) (*RepairResult, error) {
	if e.embedder == nil {
		return nil, errors.New("admin: repair: no embedding provider configured")
	}
	if batchSize <= 0 {
		batchSize = e.repairBatchSize
	}
	start := time.Now()

	// Collect the worklist first so embedding latency does not hold the
	// scan open.
	var worklist []*segment.AudioSegment
	err := e.store.Scan(ctx, store.Filter{MissingEmbedding: true}, func(s *segment.AudioSegment) error {
		worklist = append(worklist, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("admin: repair: scan: %w", err)
	}

	result := &RepairResult{}
	for len(worklist) > 0 {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n := batchSize
		if n > len(worklist) {
			n = len(worklist)
		}
		batch := worklist[:n]
		worklist = worklist[n:]

		e.repairBatch(ctx, batch, result)

		if e.repairDelay > 0 && len(worklist) > 0 {
			select {
			case <-time.After(e.repairDelay):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}

	e.metrics.EmbeddingsRepaired.Add(ctx, int64(result.Processed))
	e.metrics.RecordAdminOp(ctx, "repair", time.Since(start).Seconds())
	e.logger.Info("embedding repair finished",
		"processed", result.Processed,
		"errors", result.Errors,
	)
	return result, nil
}

// repairBatch embeds one batch, falling back to per-item embedding when the
// batch call fails so a single poisoned text cannot sink its whole batch.
func (e *Engine) repairBatch(ctx context.Context, batch []*segment.AudioSegment, result *RepairResult) {
	texts := make([]string, len(batch))
	for i, s := range batch {
		texts[i] = segment.Normalize(s.TextContent)
	}

	vecs, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(batch) {
		if err != nil {
			e.logger.Warn("batch embed failed, retrying items individually", "err", err)
		}
		vecs = make([][]float32, len(batch))
	}

	for i, s := range batch {
		if len(vecs[i]) == 0 {
			vec, embErr := e.embedder.Embed(ctx, texts[i])
			if embErr != nil || len(vec) == 0 {
				result.Errors++
				e.logger.Warn("embedding failed for segment", "segment_id", s.ID, "err", embErr)
				continue
			}
			vecs[i] = vec
		}
		err := e.store.UpdateEmbedding(ctx, s.ID, vecs[i])
		switch {
		case err == nil:
			result.Processed++
		case errors.Is(err, store.ErrNotFound):
			// Deleted since the scan; not an error worth counting.
			e.logger.Info("segment vanished before embedding backfill", "segment_id", s.ID)
		default:
			result.Errors++
			e.logger.Warn("embedding backfill failed", "segment_id", s.ID, "err", err)
		}
	}
}

// OptimizeCache merges every duplicate cluster found by
// [Engine.AnalyzeSemanticClusters]: the member with the highest usage
// (ties to the most recent use) survives, absorbs the others' usage
// history, and the rest are deleted. Each cluster merge is atomic, so an
// interrupted run leaves complete merges and untouched clusters, never a
// half-merged one.
//
// With dryRun set, the identical plan is computed and reported but nothing
// is mutated.
func (e *Engine) OptimizeCache(ctx context.Context, dryRun bool) (*OptimizeResult, error) {
	start := time.Now()
	analysis, err := e.AnalyzeSemanticClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("admin: optimize: %w", err)
	}

	result := &OptimizeResult{DryRun: dryRun}
	for _, cluster := range analysis.DuplicateClusters {
		loserIDs := make([]string, 0, len(cluster.Members)-1)
		var loserBytes int64
		for _, m := range cluster.Members {
			if m.ID == cluster.SurvivorID {
				continue
			}
			loserIDs = append(loserIDs, m.ID)
			loserBytes += m.FileSize
		}

		result.DuplicatesFound += len(loserIDs)
		result.SpaceSaved += loserBytes
		if dryRun {
			continue
		}

		if err := e.store.MergeCluster(ctx, cluster.SurvivorID, loserIDs); err != nil {
			// A concurrent mutation can invalidate one cluster without
			// voiding the rest of the run.
			e.logger.Warn("cluster merge failed",
				"survivor_id", cluster.SurvivorID,
				"losers", len(loserIDs),
				"err", err,
			)
			result.DuplicatesFound -= len(loserIDs)
			result.SpaceSaved -= loserBytes
			continue
		}
		result.ItemsRemoved += len(loserIDs)
		e.metrics.SegmentsMerged.Add(ctx, int64(len(loserIDs)))
	}

	if !dryRun && result.ItemsRemoved > 0 && e.invalidate != nil {
		e.invalidate()
	}

	e.metrics.RecordAdminOp(ctx, "optimize", time.Since(start).Seconds())
	e.logger.Info("cache optimization finished",
		"dry_run", dryRun,
		"duplicates_found", result.DuplicatesFound,
		"items_removed", result.ItemsRemoved,
		"space_saved", result.SpaceSaved,
	)
	return result, nil
}

// exportedSegment is the export wire shape: the full record minus any large
// binary payload — audio stays behind its URL.
type exportedSegment struct {
	ID                  string    `json:"id"`
	TextContent         string    `json:"textContent"`
	TextHash            string    `json:"textHash"`
	VoiceID             string    `json:"voiceId"`
	VoiceGender         string    `json:"voiceGender,omitempty"`
	VoiceStyle          string    `json:"voiceStyle"`
	AudioURL            string    `json:"audioUrl"`
	AudioDuration       float64   `json:"audioDuration,omitempty"`
	FileSize            int64     `json:"fileSize,omitempty"`
	UsageCount          int64     `json:"usageCount"`
	CreatedAt           time.Time `json:"createdAt"`
	LastUsedAt          time.Time `json:"lastUsedAt"`
	Language            string    `json:"language"`
	HasEmbedding        bool      `json:"hasEmbedding"`
	SimilarityThreshold float64   `json:"similarityThreshold,omitempty"`
}

// ExportSegments streams every segment as a JSON array to w, one element at
// a time, without materialising the whole table in memory.
func (e *Engine) ExportSegments(ctx context.Context, w io.Writer) error {
	start := time.Now()
	if _, err := io.WriteString(w, "["); err != nil {
		return fmt.Errorf("admin: export: %w", err)
	}
	enc := json.NewEncoder(w)
	first := true
	err := e.store.Scan(ctx, store.Filter{}, func(s *segment.AudioSegment) error {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		return enc.Encode(exportedSegment{
			ID:                  s.ID,
			TextContent:         s.TextContent,
			TextHash:            s.TextHash,
			VoiceID:             s.VoiceID,
			VoiceGender:         s.VoiceGender,
			VoiceStyle:          s.VoiceStyle,
			AudioURL:            s.AudioURL,
			AudioDuration:       s.AudioDuration,
			FileSize:            s.FileSize,
			UsageCount:          s.UsageCount,
			CreatedAt:           s.CreatedAt,
			LastUsedAt:          s.LastUsedAt,
			Language:            s.Language,
			HasEmbedding:        len(s.Embedding) > 0,
			SimilarityThreshold: s.SimilarityThreshold,
		})
	})
	if err != nil {
		return fmt.Errorf("admin: export: %w", err)
	}
	if _, err := io.WriteString(w, "]"); err != nil {
		return fmt.Errorf("admin: export: %w", err)
	}
	e.metrics.RecordAdminOp(ctx, "export", time.Since(start).Seconds())
	return nil
}
