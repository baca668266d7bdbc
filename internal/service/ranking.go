package service

import (
	"sort"

	"github.com/cloo-solutions/kbagent/internal/domain"
)

// DefaultQualityBoostWeight is the share of the score taken from
// metadata.quality_score when present.
const DefaultQualityBoostWeight = 0.2

// BoostScore blends similarity with an optional quality signal. The result
// is bounded to [0,1] and monotonic in both inputs.
func BoostScore(similarity float64, meta domain.Metadata, weight float64) float64 {
	similarity = domain.Clamp01(similarity)
	q, ok := meta.QualityScore()
	if !ok {
		return similarity
	}
	w := domain.Clamp01(weight)
	return domain.Clamp01(similarity*(1-w) + q*w)
}

// RankHits orders hits by similarity desc, then updated_at desc, then id
// asc, so equal inputs always produce the same order.
func RankHits(hits []domain.RetrievalHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ChunkID < b.ChunkID
	})
}

// ClampLimit maps non-positive limits to def and caps the rest at max.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
