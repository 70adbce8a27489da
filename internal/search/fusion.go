package search

import (
	"sort"

	"github.com/hyperjump/paperscope/internal/keyword"
	"github.com/hyperjump/paperscope/internal/models"
)

// FusedResult holds an identifier with its fused score and the two input scores.
// An identifier missing from one input contributes 0 for that side.
type FusedResult struct {
	ID    string
	Score float64
	Left  float64
	Right float64
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.KeywordResult) map[string]float64 {
	if len(results) == 0 {
		return make(map[string]float64)
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	normalized := make(map[string]float64, len(results))
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ID] = r.Score / maxScore
		} else {
			normalized[r.ID] = 0
		}
	}
	return normalized
}

// SimilarityByID maps each result's identifier to its similarity score.
func SimilarityByID(results []*models.SearchResult) map[string]float64 {
	out := make(map[string]float64, len(results))
	for _, r := range results {
		out[r.ID] = r.SimilarityScore
	}
	return out
}

// Fuse merges two score maps with weights. The weights are normalized to sum to 1, so
// inputs in [0,1] give fused scores in [0,1]. Results are ordered by fused score
// descending, ties by identifier ascending.
func Fuse(left, right map[string]float64, leftWeight, rightWeight float64) []*FusedResult {
	if leftWeight < 0 {
		leftWeight = 0
	}
	if rightWeight < 0 {
		rightWeight = 0
	}
	total := leftWeight + rightWeight
	if total == 0 {
		leftWeight, rightWeight, total = 1, 1, 2
	}
	leftWeight /= total
	rightWeight /= total

	scoreMap := make(map[string]*FusedResult, len(left)+len(right))
	for id, score := range left {
		scoreMap[id] = &FusedResult{ID: id, Left: score}
	}
	for id, score := range right {
		if result, exists := scoreMap[id]; exists {
			result.Right = score
		} else {
			scoreMap[id] = &FusedResult{ID: id, Right: score}
		}
	}
	results := make([]*FusedResult, 0, len(scoreMap))
	for _, result := range scoreMap {
		result.Score = leftWeight*result.Left + rightWeight*result.Right
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	return results
}
