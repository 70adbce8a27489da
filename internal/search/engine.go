// Package search provides the search orchestrator: vector search joined with the
// identifier mapping and metadata store, plus multi-modal and hybrid fusion.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/internal/embedding"
	"github.com/hyperjump/paperscope/internal/keyword"
	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/internal/storage"
	"github.com/hyperjump/paperscope/internal/vector"
	"github.com/hyperjump/paperscope/pkg/utils"
)

// maxRefetch bounds how many times a search widens its candidate set after
// consistency gaps left it short of k results.
const maxRefetch = 3

// ErrEmptyQuery is returned by text, multi-modal and hybrid searches without query input.
var ErrEmptyQuery = errors.New("query has neither text nor image")

// ErrNoEncoder is returned by raw-query searches when the engine has no encoder.
var ErrNoEncoder = errors.New("no encoder configured")

// Resolver maps index rows to identifiers.
type Resolver interface {
	ResolveMany(rows []uint64) map[uint64]string
	Len() int
}

// Engine runs searches over the vector index and enriches hits with stored records.
// It only reads; every method is safe for concurrent use.
type Engine struct {
	index        vector.VectorIndex
	mapping      Resolver
	store        storage.MetadataStore
	encoder      embedding.Encoder
	keywordIndex keyword.KeywordIndex
	config       *config.SearchConfig
	diskPaths    []string
	logger       *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for consistency gaps and query summaries.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithKeywordIndex enables hybrid search.
func WithKeywordIndex(k keyword.KeywordIndex) Option {
	return func(e *Engine) { e.keywordIndex = k }
}

// WithDiskPaths sets the files and directories summed into Stats.DiskUsageBytes.
func WithDiskPaths(paths ...string) Option {
	return func(e *Engine) { e.diskPaths = paths }
}

// NewEngine creates a search engine with the given dependencies. encoder may be nil,
// in which case only vector queries are accepted.
func NewEngine(
	index vector.VectorIndex,
	mapping Resolver,
	store storage.MetadataStore,
	encoder embedding.Encoder,
	cfg *config.SearchConfig,
	opts ...Option,
) *Engine {
	e := &Engine{
		index:   index,
		mapping: mapping,
		store:   store,
		encoder: encoder,
		config:  cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.OrNop(e.logger)
	return e
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.Timeout > 0 {
		return context.WithTimeout(ctx, e.config.Timeout)
	}
	return context.WithCancel(ctx)
}

// Search returns up to k records nearest to the query vector, ordered by similarity
// descending and then by row ascending. Rows that do not resolve to an identifier,
// or whose identifier has no record, are logged and skipped; fewer than k results
// is not an error.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	q, err := ProcessQuery(query, e.config)
	if err != nil {
		return nil, err
	}
	if len(q.Vector) != e.index.Dimensions() {
		return nil, &models.DimensionMismatchError{Expected: e.index.Dimensions(), Actual: len(q.Vector)}
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	results, err := e.search(ctx, q.Vector, q.K, q.Threshold, q.Modality)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("search",
		zap.Int("k", q.K),
		zap.String("modality", string(q.Modality)),
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(startTime)))
	return &models.SearchResponse{
		Results:   results,
		Total:     len(results),
		QueryTime: time.Since(startTime).Milliseconds(),
		Modality:  q.Modality,
	}, nil
}

// search runs one vector query. It over-fetches k*CandidateMultiplier rows and, when
// consistency gaps leave fewer than k results while more rows exist, widens the
// candidate set a bounded number of times.
func (e *Engine) search(ctx context.Context, vec []float32, k int, threshold *float64, modality models.Modality) ([]*models.SearchResult, error) {
	multiplier := e.config.CandidateMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	fetch := k * multiplier
	live := e.index.Size()

	for attempt := 0; ; attempt++ {
		hits, err := e.index.Search(ctx, vec, fetch)
		if err != nil {
			return nil, fmt.Errorf("vector search failed: %w", err)
		}
		results, gaps, err := e.enrich(ctx, hits, threshold, modality)
		if err != nil {
			return nil, err
		}
		short := len(results) < k && gaps > 0 && len(hits) == fetch && fetch < live
		if !short || attempt == maxRefetch {
			sortResults(results)
			if len(results) > k {
				results = results[:k]
			}
			for i, r := range results {
				r.Rank = i + 1
			}
			return results, nil
		}
		fetch *= 2
	}
}

// enrich joins hits with identifiers and records, converts distances and applies the
// threshold. It returns the surviving results and the number of consistency gaps.
func (e *Engine) enrich(ctx context.Context, hits []vector.Hit, threshold *float64, modality models.Modality) ([]*models.SearchResult, int, error) {
	if len(hits) == 0 {
		return nil, 0, nil
	}
	rows := make([]uint64, len(hits))
	for i, h := range hits {
		rows[i] = h.Row
	}
	ids := e.mapping.ResolveMany(rows)
	idList := make([]string, 0, len(ids))
	for _, row := range rows {
		if id, ok := ids[row]; ok {
			idList = append(idList, id)
		}
	}
	records, err := e.store.BatchGet(ctx, idList)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch records: %w", err)
	}

	gaps := 0
	results := make([]*models.SearchResult, 0, len(hits))
	for _, h := range hits {
		id, ok := ids[h.Row]
		if !ok {
			gaps++
			e.logger.Warn("skipping unbound row", zap.Uint64("row", h.Row), zap.Error(models.ErrConsistencyGap))
			continue
		}
		rec, ok := records[id]
		if !ok {
			gaps++
			e.logger.Warn("skipping row without record", zap.Uint64("row", h.Row), zap.String("id", id), zap.Error(models.ErrConsistencyGap))
			continue
		}
		sim := vector.Similarity(h.Distance)
		if threshold != nil && sim < *threshold {
			continue
		}
		r := &models.SearchResult{
			ID:              id,
			Record:          rec,
			SimilarityScore: sim,
			Distance:        h.Distance,
			Modality:        modality,
			Score:           sim,
		}
		r.SetRow(h.Row)
		results = append(results, r)
	}
	return results, gaps, nil
}

func sortResults(results []*models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].SimilarityScore != results[j].SimilarityScore {
			return results[i].SimilarityScore > results[j].SimilarityScore
		}
		return results[i].Row() < results[j].Row()
	})
}

// SearchText encodes text and searches with it.
func (e *Engine) SearchText(ctx context.Context, text string, k int, threshold *float64) (*models.SearchResponse, error) {
	if text == "" {
		return nil, ErrEmptyQuery
	}
	if e.encoder == nil {
		return nil, ErrNoEncoder
	}
	vec, err := e.encoder.EncodeText(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, &models.SearchQuery{Vector: vec, K: k, Threshold: threshold, Modality: models.ModalityText})
}

// SearchImage encodes image bytes and searches with them.
func (e *Engine) SearchImage(ctx context.Context, data []byte, k int, threshold *float64) (*models.SearchResponse, error) {
	if len(data) == 0 {
		return nil, ErrEmptyQuery
	}
	if e.encoder == nil {
		return nil, ErrNoEncoder
	}
	vec, err := e.encoder.EncodeImage(ctx, data)
	if err != nil {
		return nil, err
	}
	return e.Search(ctx, &models.SearchQuery{Vector: vec, K: k, Threshold: threshold, Modality: models.ModalityImage})
}

// SearchMultiModal encodes and searches the text and image parts concurrently and
// fuses per-identifier similarities with the query's weights (configured weights
// when both are zero). With only one part present it behaves like a single-modality
// search. The threshold applies to the fused score.
func (e *Engine) SearchMultiModal(ctx context.Context, query *models.MultiModalQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if query.Text == "" && len(query.Image) == 0 {
		return nil, ErrEmptyQuery
	}
	if e.encoder == nil {
		return nil, ErrNoEncoder
	}
	q, err := ProcessQuery(&models.SearchQuery{K: query.K, Threshold: query.Threshold}, e.config)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	fetch := q.K * max(e.config.CandidateMultiplier, 1)
	var textResults, imageResults []*models.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	if query.Text != "" {
		g.Go(func() error {
			vec, err := e.encoder.EncodeText(gctx, query.Text)
			if err != nil {
				return err
			}
			textResults, err = e.searchVector(gctx, vec, fetch, models.ModalityText)
			return err
		})
	}
	if len(query.Image) > 0 {
		g.Go(func() error {
			vec, err := e.encoder.EncodeImage(gctx, query.Image)
			if err != nil {
				return err
			}
			imageResults, err = e.searchVector(gctx, vec, fetch, models.ModalityImage)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	textWeight, imageWeight := resolveWeights(query.TextWeight, query.ImageWeight, e.config.TextWeight, e.config.ImageWeight)
	switch {
	case query.Text == "":
		textWeight = 0
	case len(query.Image) == 0:
		imageWeight = 0
	}
	fused := Fuse(SimilarityByID(textResults), SimilarityByID(imageResults), textWeight, imageWeight)

	// Keep the closer of the two hits per identifier for record and distance.
	byID := make(map[string]*models.SearchResult, len(textResults)+len(imageResults))
	for _, set := range [][]*models.SearchResult{textResults, imageResults} {
		for _, r := range set {
			if cur, ok := byID[r.ID]; !ok || r.SimilarityScore > cur.SimilarityScore {
				byID[r.ID] = r
			}
		}
	}
	results := make([]*models.SearchResult, 0, q.K)
	for _, f := range fused {
		if len(results) == q.K {
			break
		}
		if q.Threshold != nil && f.Score < *q.Threshold {
			break
		}
		src := byID[f.ID]
		r := &models.SearchResult{
			ID:              f.ID,
			Record:          src.Record,
			SimilarityScore: src.SimilarityScore,
			Distance:        src.Distance,
			Modality:        src.Modality,
			Rank:            len(results) + 1,
			Score:           f.Score,
			TextScore:       f.Left,
			ImageScore:      f.Right,
		}
		r.SetRow(src.Row())
		results = append(results, r)
	}
	return &models.SearchResponse{
		Results:   results,
		Total:     len(results),
		QueryTime: time.Since(startTime).Milliseconds(),
	}, nil
}

// searchVector is the unthresholded single-modality leg of a fused search.
func (e *Engine) searchVector(ctx context.Context, vec []float32, k int, modality models.Modality) ([]*models.SearchResult, error) {
	if len(vec) != e.index.Dimensions() {
		return nil, &models.DimensionMismatchError{Expected: e.index.Dimensions(), Actual: len(vec)}
	}
	if err := models.CheckFinite(vec); err != nil {
		return nil, models.NewEncodingError(modality, fmt.Errorf("encoder output: %v", err))
	}
	return e.search(ctx, vec, k, nil, modality)
}

// SearchHybrid runs a text vector search and a keyword search in parallel and fuses
// the max-normalized keyword scores with vector similarities using the configured
// keyword/semantic weights.
func (e *Engine) SearchHybrid(ctx context.Context, text string, k int, threshold *float64) (*models.SearchResponse, error) {
	startTime := time.Now()
	if text == "" {
		return nil, ErrEmptyQuery
	}
	if e.keywordIndex == nil {
		return e.SearchText(ctx, text, k, threshold)
	}
	q, err := ProcessQuery(&models.SearchQuery{K: k, Threshold: threshold}, e.config)
	if err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	fetch := q.K * max(e.config.CandidateMultiplier, 1)
	var (
		keywordResults  []*keyword.KeywordResult
		semanticResults []*models.SearchResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results, err := e.keywordIndex.Search(gctx, text, fetch, &keyword.SearchOptions{
			TitleBoost:   e.config.KeywordTitleBoost,
			FuzzyEnabled: true,
			Fuzziness:    1,
		})
		if err != nil {
			return fmt.Errorf("keyword search failed: %w", err)
		}
		keywordResults = results
		return nil
	})
	if e.encoder != nil {
		g.Go(func() error {
			vec, err := e.encoder.EncodeText(gctx, text)
			if err != nil {
				return err
			}
			semanticResults, err = e.searchVector(gctx, vec, fetch, models.ModalityText)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keywordWeight, semanticWeight := e.config.KeywordWeight, e.config.SemanticWeight
	if e.encoder == nil {
		semanticWeight = 0
	}
	fused := Fuse(NormalizeKeywordScores(keywordResults), SimilarityByID(semanticResults), keywordWeight, semanticWeight)

	bySemantic := make(map[string]*models.SearchResult, len(semanticResults))
	for _, r := range semanticResults {
		bySemantic[r.ID] = r
	}
	var missing []string
	for _, f := range fused {
		if _, ok := bySemantic[f.ID]; !ok {
			missing = append(missing, f.ID)
		}
	}
	keywordOnly, err := e.store.BatchGet(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}

	results := make([]*models.SearchResult, 0, q.K)
	for _, f := range fused {
		if len(results) == q.K {
			break
		}
		if q.Threshold != nil && f.Score < *q.Threshold {
			break
		}
		r := &models.SearchResult{
			ID:           f.ID,
			Rank:         len(results) + 1,
			Score:        f.Score,
			KeywordScore: f.Left,
			Modality:     models.ModalityText,
		}
		if src, ok := bySemantic[f.ID]; ok {
			r.Record = src.Record
			r.SimilarityScore = src.SimilarityScore
			r.Distance = src.Distance
			r.SetRow(src.Row())
		} else if rec, ok := keywordOnly[f.ID]; ok {
			r.Record = rec
		} else {
			e.logger.Warn("skipping keyword hit without record", zap.String("id", f.ID), zap.Error(models.ErrConsistencyGap))
			continue
		}
		results = append(results, r)
	}
	return &models.SearchResponse{
		Results:   results,
		Total:     len(results),
		QueryTime: time.Since(startTime).Milliseconds(),
		Modality:  models.ModalityText,
	}, nil
}

// GetRecord returns the stored record for id.
func (e *Engine) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	return e.store.Get(ctx, id)
}

// ListIDs returns stored identifiers in ascending order.
func (e *Engine) ListIDs(ctx context.Context, offset, limit int) ([]string, error) {
	return e.store.ListIDs(ctx, offset, limit)
}

// GetPaper returns the paper with all of its stored sections.
func (e *Engine) GetPaper(ctx context.Context, paperID string) (*models.Paper, error) {
	sections, err := e.store.ByPaper(ctx, paperID)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("paper %s: %w", paperID, models.ErrNotFound)
	}
	return models.NewPaper(paperID, sections), nil
}

// ListPapers returns distinct paper ids in ascending order.
func (e *Engine) ListPapers(ctx context.Context, offset, limit int) ([]string, error) {
	return e.store.ListPaperIDs(ctx, offset, limit)
}

// Stats reports the size of every store.
func (e *Engine) Stats(ctx context.Context) (*models.Stats, error) {
	count, err := e.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	vs := e.index.Stats()
	stats := &models.Stats{
		Records:    count,
		Vectors:    vs.Live,
		Tombstones: vs.Tombstones,
		Bindings:   e.mapping.Len(),
		Dimensions: vs.Dimensions,
		Generation: vs.Generation,
	}
	if e.keywordIndex != nil {
		if n, err := e.keywordIndex.DocCount(); err == nil {
			stats.KeywordDocs = n
		}
	}
	if len(e.diskPaths) > 0 {
		usage, err := storage.DiskUsageBytes(ctx, e.diskPaths...)
		if err != nil {
			e.logger.Warn("disk usage unavailable", zap.Error(err))
		} else {
			stats.DiskUsageBytes = usage
		}
	}
	return stats, nil
}

// VectorIndexType returns the type of the vector index.
func (e *Engine) VectorIndexType() string {
	return e.index.Stats().Type
}
