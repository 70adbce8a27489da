package keyword

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/paperscope/internal/models"
)

const defaultFuzziness = 1

// Indexed text fields. paper_id and section_name are exact-match keyword fields.
var textFields = []string{"title", "abstract", "text_content", "authors"}

// BleveIndex implements KeywordIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

func newIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so "bayes" matches "Bayes"
	// without stemming "Bayesian" into something else.
	textFieldMapping.Analyzer = standard.Name
	for _, f := range textFields {
		docMapping.AddFieldMappingsAt(f, textFieldMapping)
	}
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("paper_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("section_name", keywordFieldMapping)

	im.AddDocumentMapping("record", docMapping)
	im.DefaultType = "record"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates a
// memory-only index. If you change the index mapping in code, remove the index
// directory and run reconcile to rebuild it.
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := newIndexMapping()
	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func toDoc(rec *models.Record) map[string]interface{} {
	return map[string]interface{}{
		"paper_id":     rec.PaperID,
		"section_name": rec.SectionName,
		"title":        rec.Title,
		"abstract":     rec.Abstract,
		"text_content": rec.TextContent,
		"authors":      strings.Join(rec.Authors, ", "),
	}
}

// Index indexes a record by its identifier, replacing any previous version.
func (b *BleveIndex) Index(ctx context.Context, rec *models.Record) error {
	return b.index.Index(rec.ID, toDoc(rec))
}

// IndexBatch indexes records in one batch.
func (b *BleveIndex) IndexBatch(ctx context.Context, recs []*models.Record) error {
	batch := b.index.NewBatch()
	for _, rec := range recs {
		if err := batch.Index(rec.ID, toDoc(rec)); err != nil {
			return fmt.Errorf("failed to batch %s: %w", rec.ID, err)
		}
	}
	return b.index.Batch(batch)
}

// Search runs a match query and returns up to limit results ordered by score.
// With a title boost, each text field is queried separately and the title query is
// boosted; with fuzzy matching, each term tolerates the configured edit distance.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*KeywordResult, error) {
	if strings.TrimSpace(query) == "" || limit <= 0 {
		return nil, nil
	}
	titleBoost := 1.0
	fuzziness := 0
	if opts != nil {
		if opts.TitleBoost > 0 {
			titleBoost = opts.TitleBoost
		}
		if opts.FuzzyEnabled {
			fuzziness = defaultFuzziness
			if opts.Fuzziness > 0 {
				fuzziness = opts.Fuzziness
			}
		}
	}

	var q blevequery.Query
	if titleBoost <= 1.0 {
		mq := bleve.NewMatchQuery(query)
		mq.SetFuzziness(fuzziness)
		q = mq
	} else {
		fieldQueries := make([]blevequery.Query, 0, len(textFields))
		for _, f := range textFields {
			mq := bleve.NewMatchQuery(query)
			mq.SetField(f)
			mq.SetFuzziness(fuzziness)
			if f == "title" {
				mq.SetBoost(titleBoost)
			}
			fieldQueries = append(fieldQueries, mq)
		}
		q = bleve.NewDisjunctionQuery(fieldQueries...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*KeywordResult, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = &KeywordResult{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// Delete removes a record from the index. Deleting an unknown id is not an error.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// AllIDs returns the identifiers of every indexed document.
func (b *BleveIndex) AllIDs(ctx context.Context) ([]string, error) {
	n, err := b.index.DocCount()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(n), 0, false)
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve list failed: %w", err)
	}
	ids := make([]string, len(results.Hits))
	for i, hit := range results.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
