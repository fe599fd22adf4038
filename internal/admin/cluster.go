package admin

import (
	"github.com/mindfold/mindfold/pkg/segment"
)

// partitionKey scopes duplicate detection: similarity across different
// voices or languages is meaningless even when the text is identical.
type partitionKey struct {
	voiceID    string
	voiceStyle string
	language   string
}

// unionFind is a standard disjoint-set structure with path compression,
// used to build connected clusters under the "similar enough" relation.
type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(i int) int {
	for uf.parent[i] != i {
		uf.parent[i] = uf.parent[uf.parent[i]]
		i = uf.parent[i]
	}
	return i
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra != rb {
		uf.parent[ra] = rb
	}
}

// findClusters groups the segments of one partition into connected clusters
// whose pairwise cosine similarity reaches threshold. Similarity is
// transitive for grouping purposes: A~B and B~C places all three in one
// cluster even when A and C alone would not clear the threshold. Only
// clusters with at least two members are returned.
//
// Segments without embeddings never cluster.
func findClusters(segs []*segment.AudioSegment, threshold float64) [][]*segment.AudioSegment {
	withVec := make([]*segment.AudioSegment, 0, len(segs))
	for _, s := range segs {
		if len(s.Embedding) > 0 {
			withVec = append(withVec, s)
		}
	}
	if len(withVec) < 2 {
		return nil
	}

	uf := newUnionFind(len(withVec))
	for i := 0; i < len(withVec); i++ {
		for j := i + 1; j < len(withVec); j++ {
			if segment.CosineSimilarity(withVec[i].Embedding, withVec[j].Embedding) >= threshold {
				uf.union(i, j)
			}
		}
	}

	groups := make(map[int][]*segment.AudioSegment)
	order := make([]int, 0)
	for i, s := range withVec {
		root := uf.find(i)
		if _, seen := groups[root]; !seen {
			order = append(order, root)
		}
		groups[root] = append(groups[root], s)
	}

	clusters := make([][]*segment.AudioSegment, 0)
	for _, root := range order {
		if len(groups[root]) >= 2 {
			clusters = append(clusters, groups[root])
		}
	}
	return clusters
}

// avgPairwiseSimilarity averages cosine similarity over every member pair of
// a cluster.
func avgPairwiseSimilarity(cluster []*segment.AudioSegment) float64 {
	if len(cluster) < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for i := 0; i < len(cluster); i++ {
		for j := i + 1; j < len(cluster); j++ {
			sum += segment.CosineSimilarity(cluster[i].Embedding, cluster[j].Embedding)
			pairs++
		}
	}
	return sum / float64(pairs)
}

// chooseSurvivor picks the cluster member to retain in a merge: highest
// usage count, ties broken by most recent last use.
func chooseSurvivor(cluster []*segment.AudioSegment) *segment.AudioSegment {
	survivor := cluster[0]
	for _, s := range cluster[1:] {
		if s.UsageCount > survivor.UsageCount {
			survivor = s
			continue
		}
		if s.UsageCount == survivor.UsageCount && s.LastUsedAt.After(survivor.LastUsedAt) {
			survivor = s
		}
	}
	return survivor
}
