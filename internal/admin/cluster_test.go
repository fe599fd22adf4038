package admin

import (
	"testing"
	"time"

	"github.com/mindfold/mindfold/pkg/segment"
)

func vecSeg(id string, vec []float32, usage int64, lastUsed time.Time) *segment.AudioSegment {
	return &segment.AudioSegment{ID: id, Embedding: vec, UsageCount: usage, LastUsedAt: lastUsed}
}

func TestFindClusters_TransitiveGrouping(t *testing.T) {
	now := time.Now()
	// a~b and b~c but a and c alone are below threshold: all three must
	// land in one cluster.
	a := vecSeg("a", []float32{1, 0}, 1, now)
	b := vecSeg("b", []float32{0.985, 0.174}, 1, now) // ~10° from a
	c := vecSeg("c", []float32{0.94, 0.342}, 1, now)  // ~20° from a, ~10° from b

	clusters := findClusters([]*segment.AudioSegment{a, b, c}, 0.97)
	if len(clusters) != 1 {
		t.Fatalf("clusters = %d, want 1", len(clusters))
	}
	if len(clusters[0]) != 3 {
		t.Errorf("cluster size = %d, want 3 (transitive grouping)", len(clusters[0]))
	}
}

func TestFindClusters_SingletonsExcluded(t *testing.T) {
	now := time.Now()
	a := vecSeg("a", []float32{1, 0}, 1, now)
	b := vecSeg("b", []float32{0, 1}, 1, now)

	clusters := findClusters([]*segment.AudioSegment{a, b}, 0.95)
	if len(clusters) != 0 {
		t.Errorf("clusters = %d, want 0", len(clusters))
	}
}

func TestFindClusters_SkipsMissingEmbeddings(t *testing.T) {
	now := time.Now()
	a := vecSeg("a", []float32{1, 0}, 1, now)
	b := vecSeg("b", nil, 1, now)

	clusters := findClusters([]*segment.AudioSegment{a, b}, 0.95)
	if len(clusters) != 0 {
		t.Errorf("clusters = %d, want 0 (no-embedding segments never cluster)", len(clusters))
	}
}

func TestAvgPairwiseSimilarity_IdenticalVectors(t *testing.T) {
	now := time.Now()
	cluster := []*segment.AudioSegment{
		vecSeg("a", []float32{1, 0}, 1, now),
		vecSeg("b", []float32{1, 0}, 1, now),
		vecSeg("c", []float32{1, 0}, 1, now),
	}
	if got := avgPairwiseSimilarity(cluster); got != 1 {
		t.Errorf("avg similarity = %v, want 1", got)
	}
}

func TestChooseSurvivor_HighestUsage(t *testing.T) {
	now := time.Now()
	cluster := []*segment.AudioSegment{
		vecSeg("low", []float32{1, 0}, 2, now),
		vecSeg("high", []float32{1, 0}, 9, now.Add(-time.Hour)),
		vecSeg("mid", []float32{1, 0}, 5, now),
	}
	if got := chooseSurvivor(cluster); got.ID != "high" {
		t.Errorf("survivor = %s, want high", got.ID)
	}
}

func TestChooseSurvivor_TieBreaksOnRecency(t *testing.T) {
	now := time.Now()
	cluster := []*segment.AudioSegment{
		vecSeg("older", []float32{1, 0}, 5, now.Add(-time.Hour)),
		vecSeg("newer", []float32{1, 0}, 5, now),
	}
	if got := chooseSurvivor(cluster); got.ID != "newer" {
		t.Errorf("survivor = %s, want newer", got.ID)
	}
}
