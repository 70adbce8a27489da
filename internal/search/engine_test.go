package search

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/internal/embedding"
	"github.com/hyperjump/paperscope/internal/keyword"
	"github.com/hyperjump/paperscope/internal/mapping"
	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/internal/storage"
	"github.com/hyperjump/paperscope/internal/vector"
)

type fixture struct {
	index   *vector.FlatIndex
	mapping *mapping.Table
	store   *storage.SQLiteStore
	encoder *embedding.MockEncoder
	keyword *keyword.BleveIndex
	cfg     *config.SearchConfig
}

func newFixture(t *testing.T, dim int) *fixture {
	t.Helper()
	idx, err := vector.NewFlatIndex(dim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	tbl, err := mapping.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })

	cfg := config.Default().Search
	return &fixture{
		index:   idx,
		mapping: tbl,
		store:   store,
		encoder: embedding.NewMockEncoder(dim),
		keyword: kw,
		cfg:     &cfg,
	}
}

func (f *fixture) engine() *Engine {
	return NewEngine(f.index, f.mapping, f.store, f.encoder, f.cfg, WithKeywordIndex(f.keyword))
}

// add stores rec, binds it to a fresh row and inserts vec, in ingest order.
func (f *fixture) add(t *testing.T, rec *models.Record, vec []float32) uint64 {
	t.Helper()
	ctx := context.Background()
	if rec.PaperID == "" {
		rec.PaperID = rec.ID
	}
	_, err := f.store.Put(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, f.keyword.Index(ctx, rec))
	row := f.index.Allocate(1)
	require.NoError(t, f.mapping.Bind(row, rec.ID))
	require.NoError(t, f.index.Insert(ctx, []vector.Entry{{Row: row, Vector: vec, Label: rec.ID}}))
	return row
}

func (f *fixture) addText(t *testing.T, id, text string) {
	t.Helper()
	vec, err := f.encoder.EncodeText(context.Background(), text)
	require.NoError(t, err)
	f.add(t, &models.Record{ID: id, TextContent: text}, vec)
}

func ids(results []*models.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestEngine_Search_NearestScenario(t *testing.T) {
	f := newFixture(t, 4)
	f.add(t, &models.Record{ID: "A", Title: "A"}, []float32{1, 0, 0, 0})
	f.add(t, &models.Record{ID: "B", Title: "B"}, []float32{0, 1, 0, 0})
	f.add(t, &models.Record{ID: "C", Title: "C"}, []float32{0.9, 0.1, 0, 0})

	resp, err := f.engine().Search(context.Background(), &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "C"}, ids(resp.Results))
	assert.Equal(t, 2, resp.Total)

	a := resp.Results[0]
	assert.Equal(t, 1.0, a.SimilarityScore)
	assert.Equal(t, 0.0, a.Distance)
	assert.Equal(t, 1, a.Rank)
	assert.Equal(t, "A", a.Record.Title)
	assert.Equal(t, 2, resp.Results[1].Rank)
	assert.InDelta(t, 1/(1+0.02), resp.Results[1].SimilarityScore, 1e-6)
}

func TestEngine_Search_EmptyAndLargeK(t *testing.T) {
	f := newFixture(t, 4)
	e := f.engine()
	resp, err := e.Search(context.Background(), &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: 3})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	f.add(t, &models.Record{ID: "only"}, []float32{0, 0, 1, 0})
	f.add(t, &models.Record{ID: "other"}, []float32{0, 0, 0, 1})
	resp, err = e.Search(context.Background(), &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: 10})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestEngine_Search_Validation(t *testing.T) {
	f := newFixture(t, 4)
	e := f.engine()
	ctx := context.Background()

	_, err := e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0, 0}, K: 1})
	var dm *models.DimensionMismatchError
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 3, dm.Actual)

	_, err = e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: -1})
	assert.ErrorIs(t, err, models.ErrInvalidK)

	bad := 2.0
	_, err = e.Search(ctx, &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: 1, Threshold: &bad})
	assert.ErrorIs(t, err, models.ErrInvalidThreshold)

	_, err = e.Search(ctx, &models.SearchQuery{Vector: []float32{float32(math.NaN()), 0, 0, 0}, K: 1})
	assert.ErrorIs(t, err, models.ErrNonFiniteVector)
}

func TestEngine_Search_DefaultsAndLimit(t *testing.T) {
	f := newFixture(t, 4)
	for i := 0; i < 8; i++ {
		f.add(t, &models.Record{ID: string(rune('a' + i))}, []float32{float32(i), 1, 0, 0})
	}
	f.cfg.DefaultK = 5
	f.cfg.MaxK = 6
	e := f.engine()

	resp, err := e.Search(context.Background(), &models.SearchQuery{Vector: []float32{0, 1, 0, 0}})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 5, "k defaults to DefaultK")

	resp, err = e.Search(context.Background(), &models.SearchQuery{Vector: []float32{0, 1, 0, 0}, K: 100})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 6, "k is capped at MaxK")
}

func TestEngine_Search_ThresholdAndOrdering(t *testing.T) {
	f := newFixture(t, 4)
	f.add(t, &models.Record{ID: "near"}, []float32{1, 0, 0, 0})
	f.add(t, &models.Record{ID: "mid"}, []float32{1, 1, 0, 0})
	f.add(t, &models.Record{ID: "far"}, []float32{-3, 0, 0, 0})

	threshold := 0.4
	resp, err := f.engine().Search(context.Background(), &models.SearchQuery{
		Vector: []float32{1, 0, 0, 0}, K: 3, Threshold: &threshold, Modality: models.ModalityImage,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"near", "mid"}, ids(resp.Results))
	for i, r := range resp.Results {
		assert.GreaterOrEqual(t, r.SimilarityScore, threshold)
		assert.Equal(t, models.ModalityImage, r.Modality)
		if i > 0 {
			assert.LessOrEqual(t, r.SimilarityScore, resp.Results[i-1].SimilarityScore)
		}
	}

	// The configured default threshold applies when the query has none.
	f.cfg.DefaultThreshold = &threshold
	resp, err = f.engine().Search(context.Background(), &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: 3})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestEngine_Search_TiesByRow(t *testing.T) {
	f := newFixture(t, 4)
	first := f.add(t, &models.Record{ID: "z-first"}, []float32{0, 1, 0, 0})
	second := f.add(t, &models.Record{ID: "a-second"}, []float32{0, -1, 0, 0})
	require.Less(t, first, second)

	resp, err := f.engine().Search(context.Background(), &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"z-first", "a-second"}, ids(resp.Results))
}

func TestEngine_Search_SkipsConsistencyGaps(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	// Closest row has no binding; the next has a binding but no record.
	unbound := f.index.Allocate(1)
	require.NoError(t, f.index.Insert(ctx, []vector.Entry{{Row: unbound, Vector: []float32{1, 0, 0, 0}, Label: "ghost"}}))
	orphan := f.index.Allocate(1)
	require.NoError(t, f.mapping.Bind(orphan, "orphan"))
	require.NoError(t, f.index.Insert(ctx, []vector.Entry{{Row: orphan, Vector: []float32{0.99, 0, 0, 0}, Label: "orphan"}}))
	f.add(t, &models.Record{ID: "real"}, []float32{0, 1, 0, 0})

	f.cfg.CandidateMultiplier = 1
	resp, err := f.engine().Search(ctx, &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"real"}, ids(resp.Results), "gaps are skipped and the candidate set widened")
	assert.Equal(t, 1, resp.Results[0].Rank)
}

func TestEngine_Search_Cancelled(t *testing.T) {
	f := newFixture(t, 4)
	f.add(t, &models.Record{ID: "a"}, []float32{1, 0, 0, 0})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine().Search(ctx, &models.SearchQuery{Vector: []float32{1, 0, 0, 0}, K: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngine_SearchText(t *testing.T) {
	f := newFixture(t, 16)
	f.addText(t, "p1#abstract", "contrastive language image pretraining")
	f.addText(t, "p2#intro", "graph neural networks for molecules")
	f.addText(t, "p3#method", "diffusion models for image synthesis")

	resp, err := f.engine().SearchText(context.Background(), "graph neural networks for molecules", 2, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "p2#intro", resp.Results[0].ID, "self match is top")
	assert.InDelta(t, 1.0, resp.Results[0].SimilarityScore, 1e-6)
	assert.Equal(t, models.ModalityText, resp.Modality)
}

func TestEngine_SearchText_EncoderErrors(t *testing.T) {
	f := newFixture(t, 8)
	f.encoder.FailText = true
	_, err := f.engine().SearchText(context.Background(), "anything", 1, nil)
	assert.ErrorIs(t, err, models.ErrEncoding)

	noEncoder := NewEngine(f.index, f.mapping, f.store, nil, f.cfg)
	_, err = noEncoder.SearchText(context.Background(), "anything", 1, nil)
	assert.ErrorIs(t, err, ErrNoEncoder)

	_, err = f.engine().SearchText(context.Background(), "", 1, nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestEngine_SearchImage(t *testing.T) {
	f := newFixture(t, 8)
	red := pngBytes(t, color.RGBA{R: 255, A: 255})
	vec, err := f.encoder.EncodeImage(context.Background(), red)
	require.NoError(t, err)
	f.add(t, &models.Record{ID: "fig1", Image: &models.ImageDescriptor{Description: "red", RelativePath: "figs/red.png"}}, vec)
	f.addText(t, "p1#abstract", "unrelated text")

	resp, err := f.engine().SearchImage(context.Background(), red, 1, nil)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "fig1", resp.Results[0].ID)
	assert.Equal(t, models.ModalityImage, resp.Results[0].Modality)

	_, err = f.engine().SearchImage(context.Background(), []byte("not an image"), 1, nil)
	assert.ErrorIs(t, err, models.ErrEncoding)
}

func TestEngine_SearchMultiModal(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()
	blue := pngBytes(t, color.RGBA{B: 255, A: 255})
	imgVec, err := f.encoder.EncodeImage(ctx, blue)
	require.NoError(t, err)
	f.add(t, &models.Record{ID: "fig-blue", Image: &models.ImageDescriptor{RelativePath: "blue.png"}}, imgVec)
	f.addText(t, "p1#abstract", "ocean color analysis")

	resp, err := f.engine().SearchMultiModal(ctx, &models.MultiModalQuery{
		Text: "ocean color analysis", Image: blue, K: 2, TextWeight: 1, ImageWeight: 1,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	modalities := map[string]models.Modality{}
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.Rank)
		assert.InDelta(t, (r.TextScore+r.ImageScore)/2, r.Score, 1e-9)
		modalities[r.ID] = r.Modality
	}
	assert.Equal(t, models.ModalityImage, modalities["fig-blue"])
	assert.Equal(t, models.ModalityText, modalities["p1#abstract"])
	assert.GreaterOrEqual(t, resp.Results[0].Score, resp.Results[1].Score)

	// Text only: the text match wins with full weight.
	resp, err = f.engine().SearchMultiModal(ctx, &models.MultiModalQuery{Text: "ocean color analysis", K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "p1#abstract", resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
	assert.Equal(t, models.ModalityText, resp.Results[0].Modality)

	_, err = f.engine().SearchMultiModal(ctx, &models.MultiModalQuery{K: 1})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestEngine_SearchMultiModal_EncodingFailurePropagates(t *testing.T) {
	f := newFixture(t, 8)
	f.encoder.FailImage = true
	_, err := f.engine().SearchMultiModal(context.Background(), &models.MultiModalQuery{
		Text: "x", Image: pngBytes(t, color.White), K: 1,
	})
	var encErr *models.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, models.ModalityImage, encErr.Modality)
}

func TestEngine_SearchHybrid(t *testing.T) {
	f := newFixture(t, 16)
	f.addText(t, "p1#abstract", "transformers for protein folding")
	f.addText(t, "p2#intro", "graph neural networks for molecules")
	f.addText(t, "p3#method", "reinforcement learning for robotics")

	resp, err := f.engine().SearchHybrid(context.Background(), "graph neural networks for molecules", 3, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	top := resp.Results[0]
	assert.Equal(t, "p2#intro", top.ID)
	assert.Equal(t, 1.0, top.KeywordScore)
	assert.NotNil(t, top.Record)
	for i := 1; i < len(resp.Results); i++ {
		assert.LessOrEqual(t, resp.Results[i].Score, resp.Results[i-1].Score)
	}

	_, err = f.engine().SearchHybrid(context.Background(), "", 3, nil)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestEngine_CatalogueAndStats(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.add(t, &models.Record{ID: "b", Title: "Second"}, []float32{0, 1, 0, 0})
	f.add(t, &models.Record{ID: "a", Title: "First"}, []float32{1, 0, 0, 0})
	e := NewEngine(f.index, f.mapping, f.store, f.encoder, f.cfg,
		WithKeywordIndex(f.keyword), WithDiskPaths(t.TempDir()))

	rec, err := e.GetRecord(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "First", rec.Title)

	_, err = e.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	list, err := e.ListIDs(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Records)
	assert.Equal(t, 2, stats.Vectors)
	assert.Equal(t, 2, stats.Bindings)
	assert.Equal(t, uint64(2), stats.KeywordDocs)
	assert.Equal(t, 4, stats.Dimensions)
	assert.NotEmpty(t, stats.Generation)
	assert.Equal(t, "flat", e.VectorIndexType())
}

func TestEngine_Papers(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	f.add(t, &models.Record{ID: "2101.1#method", PaperID: "2101.1", SectionName: "method"}, []float32{0, 1, 0, 0})
	f.add(t, &models.Record{ID: "2101.1#abstract", PaperID: "2101.1", SectionName: "abstract",
		Title: "Contrastive Pretraining", Authors: []string{"A. Author"}, SourceURL: "https://arxiv.org/abs/2101.1"}, []float32{1, 0, 0, 0})
	f.add(t, &models.Record{ID: "1999.9#abstract", PaperID: "1999.9", SectionName: "abstract", Title: "Older"}, []float32{0, 0, 1, 0})
	e := f.engine()

	paper, err := e.GetPaper(ctx, "2101.1")
	require.NoError(t, err)
	assert.Equal(t, "2101.1", paper.PaperID)
	assert.Equal(t, "Contrastive Pretraining", paper.Title)
	assert.Equal(t, []string{"A. Author"}, paper.Authors)
	assert.Equal(t, "https://arxiv.org/abs/2101.1", paper.SourceURL)
	require.Len(t, paper.Sections, 2)
	assert.Equal(t, "abstract", paper.Sections[0].SectionName)
	assert.Equal(t, "method", paper.Sections[1].SectionName)

	_, err = e.GetPaper(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	papers, err := e.ListPapers(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"1999.9", "2101.1"}, papers)
	papers, err = e.ListPapers(ctx, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"2101.1"}, papers)
}
