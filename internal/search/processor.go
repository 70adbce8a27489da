package search

import (
	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/internal/models"
)

// ProcessQuery validates the query and applies k and threshold defaults from cfg.
// The caller's query is not modified.
func ProcessQuery(query *models.SearchQuery, cfg *config.SearchConfig) (*models.SearchQuery, error) {
	q := *query
	if err := q.Validate(cfg.DefaultK, cfg.MaxK); err != nil {
		return nil, err
	}
	if q.Threshold == nil && cfg.DefaultThreshold != nil {
		t := *cfg.DefaultThreshold
		q.Threshold = &t
	}
	return &q, nil
}

// resolveWeights returns the given pair, or the fallback pair when both are zero.
func resolveWeights(a, b, fallbackA, fallbackB float64) (float64, float64) {
	if a == 0 && b == 0 {
		return fallbackA, fallbackB
	}
	return a, b
}
