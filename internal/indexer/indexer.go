// Package indexer builds and maintains the three persisted stores: it ingests
// (identifier, embedding, record) batches, deletes, compacts, and reconciles the
// vector index, identifier mapping and metadata store after a restart.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/paperscope/internal/config"
	"github.com/hyperjump/paperscope/internal/keyword"
	"github.com/hyperjump/paperscope/internal/mapping"
	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/internal/storage"
	"github.com/hyperjump/paperscope/internal/vector"
	"github.com/hyperjump/paperscope/pkg/utils"
)

// ErrBatchAborted is returned when an all-or-nothing batch was rolled back.
var ErrBatchAborted = errors.New("batch aborted")

// Indexer writes to the vector index, mapping and metadata store. Mutating calls
// are serialized; searches running elsewhere are never blocked by them.
type Indexer struct {
	index        vector.VectorIndex
	mapping      *mapping.Table
	store        storage.MetadataStore
	keywordIndex keyword.KeywordIndex
	config       *config.IngestConfig
	indexPath    string
	logger       *zap.Logger
	mu           sync.Mutex
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for batch summaries and rejected items.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithKeywordIndex keeps a lexical index in step with the metadata store.
func WithKeywordIndex(k keyword.KeywordIndex) IndexerOption {
	return func(idx *Indexer) { idx.keywordIndex = k }
}

// WithIndexPath sets where the vector index snapshot is saved after each mutation.
// Without it the index is kept in memory only.
func WithIndexPath(path string) IndexerOption {
	return func(idx *Indexer) { idx.indexPath = path }
}

// NewIndexer creates an indexer with the given dependencies.
func NewIndexer(
	index vector.VectorIndex,
	table *mapping.Table,
	store storage.MetadataStore,
	cfg *config.IngestConfig,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		index:   index,
		mapping: table,
		store:   store,
		config:  cfg,
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = utils.OrNop(idx.logger)
	return idx
}

// applied remembers what one committed item changed so it can be rolled back.
type applied struct {
	id          string
	row         uint64
	prev        *models.Record
	oldRow      uint64
	oldVec      []float32
	hadOld      bool
	indexedText bool
}

// IngestBatch validates every item, then writes the valid ones in order: record put,
// mapping bind, vector insert. Re-ingesting a known identifier replaces it on a fresh
// row, or is rejected with Conflict when the duplicate policy is "reject".
//
// Invalid items are reported and the rest of the batch continues, unless AllOrNothing
// is set, in which case nothing is written and ErrBatchAborted is returned. When ctx
// ends mid-batch the items already written stay committed (rolled back under
// AllOrNothing) and the partial report is returned with ctx's error.
func (idx *Indexer) IngestBatch(ctx context.Context, items []*models.IngestItem) (*models.IngestReport, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, idx.config.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	report := &models.IngestReport{BatchID: uuid.New().String(), Rejected: []*models.Rejection{}}
	log := idx.logger.With(zap.String("batch_id", report.BatchID))

	valid := idx.validate(ctx, items, report)
	if idx.config.AllOrNothing && len(report.Rejected) > 0 {
		report.Aborted = true
		log.Warn("batch rejected", zap.Int("items", len(items)), zap.Int("rejected", len(report.Rejected)))
		return report, fmt.Errorf("%w: %d of %d items invalid", ErrBatchAborted, len(report.Rejected), len(items))
	}

	var (
		done   []applied
		runErr error
	)
	for _, item := range valid {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		a, err := idx.apply(ctx, item, log)
		if err != nil {
			report.Reject(item.ID, err)
			log.Warn("item rejected", zap.String("id", item.ID), zap.Error(err))
			if idx.config.AllOrNothing {
				runErr = fmt.Errorf("%w: %s: %w", ErrBatchAborted, item.ID, err)
				break
			}
			continue
		}
		done = append(done, a)
		if a.hadOld || a.prev != nil {
			report.Replaced++
		} else {
			report.Inserted++
		}
	}

	if runErr != nil {
		report.Aborted = true
		if idx.config.AllOrNothing && len(done) > 0 {
			idx.rollback(done, log)
			report.Inserted, report.Replaced = 0, 0
			done = nil
		}
	}
	if len(done) > 0 {
		if err := idx.persist(); err != nil {
			return report, err
		}
	}
	log.Info("batch ingested",
		zap.Int("items", len(items)),
		zap.Int("inserted", report.Inserted),
		zap.Int("replaced", report.Replaced),
		zap.Int("rejected", len(report.Rejected)),
		zap.Bool("aborted", report.Aborted),
		zap.Duration("took", time.Since(startTime)))
	return report, runErr
}

// validate returns the items that may be written and records the rest in report.
func (idx *Indexer) validate(ctx context.Context, items []*models.IngestItem, report *models.IngestReport) []*models.IngestItem {
	seen := make(map[string]struct{}, len(items))
	valid := make([]*models.IngestItem, 0, len(items))
	for _, item := range items {
		if item == nil {
			report.Reject("", fmt.Errorf("%w: nil item", models.ErrInvalidRecord))
			continue
		}
		if err := idx.validateItem(ctx, item); err != nil {
			report.Reject(item.ID, err)
			continue
		}
		if _, dup := seen[item.ID]; dup {
			report.Reject(item.ID, models.ErrDuplicateInBatch)
			continue
		}
		seen[item.ID] = struct{}{}
		valid = append(valid, item)
	}
	return valid
}

func (idx *Indexer) validateItem(ctx context.Context, item *models.IngestItem) error {
	if item.ID == "" {
		return models.ErrEmptyIdentifier
	}
	if len(item.Embedding) != idx.index.Dimensions() {
		return &models.DimensionMismatchError{Expected: idx.index.Dimensions(), Actual: len(item.Embedding)}
	}
	if err := models.CheckFinite(item.Embedding); err != nil {
		return err
	}
	if item.Record == nil {
		return fmt.Errorf("%w: record is required", models.ErrInvalidRecord)
	}
	item.Record.ID = item.ID
	if err := item.Record.Validate(); err != nil {
		return err
	}
	if idx.config.DuplicatePolicy == config.DuplicateReject {
		if _, err := idx.mapping.Lookup(item.ID); err == nil {
			return fmt.Errorf("%q already indexed: %w", item.ID, models.ErrConflict)
		}
		if _, err := idx.store.Get(ctx, item.ID); err == nil {
			return fmt.Errorf("%q already stored: %w", item.ID, models.ErrConflict)
		}
	}
	return nil
}

// apply writes one validated item. Once the record is stored the remaining steps run
// without ctx so an item is never left half written.
func (idx *Indexer) apply(ctx context.Context, item *models.IngestItem, log *zap.Logger) (applied, error) {
	a := applied{id: item.ID}
	prev, err := idx.store.Put(ctx, item.Record)
	if err != nil {
		return a, err
	}
	a.prev = prev
	ctx = context.WithoutCancel(ctx)

	if oldRow, err := idx.mapping.Lookup(item.ID); err == nil {
		a.hadOld, a.oldRow = true, oldRow
		if idx.index.Contains(oldRow) {
			a.oldVec, _ = idx.index.Vector(oldRow)
			if err := idx.index.Remove(ctx, []uint64{oldRow}); err != nil {
				idx.restoreRecord(ctx, a)
				return a, fmt.Errorf("remove replaced row: %w", err)
			}
		}
		if err := idx.mapping.Unbind(oldRow); err != nil {
			idx.restoreRecord(ctx, a)
			return a, fmt.Errorf("unbind replaced row: %w", err)
		}
	}

	a.row = idx.index.Allocate(1)
	if err := idx.mapping.Bind(a.row, item.ID); err != nil {
		idx.restoreOld(ctx, a, log)
		idx.restoreRecord(ctx, a)
		return a, err
	}
	if err := idx.index.Insert(ctx, []vector.Entry{{Row: a.row, Vector: item.Embedding, Label: item.ID}}); err != nil {
		_ = idx.mapping.Unbind(a.row)
		idx.restoreOld(ctx, a, log)
		idx.restoreRecord(ctx, a)
		return a, err
	}

	if idx.keywordIndex != nil {
		if err := idx.keywordIndex.Index(ctx, item.Record); err != nil {
			log.Warn("keyword index update failed", zap.String("id", item.ID), zap.Error(err))
		} else {
			a.indexedText = true
		}
	}
	return a, nil
}

// restoreRecord puts back the previous record, or deletes a newly created one.
func (idx *Indexer) restoreRecord(ctx context.Context, a applied) {
	var err error
	if a.prev != nil {
		_, err = idx.store.Put(ctx, a.prev)
	} else {
		err = idx.store.Delete(ctx, a.id)
	}
	if err != nil {
		idx.logger.Error("failed to restore record", zap.String("id", a.id), zap.Error(err))
	}
}

// restoreOld re-inserts a replaced vector on a fresh row and binds it.
func (idx *Indexer) restoreOld(ctx context.Context, a applied, log *zap.Logger) {
	if !a.hadOld || a.oldVec == nil {
		return
	}
	row := idx.index.Allocate(1)
	if err := idx.mapping.Bind(row, a.id); err != nil {
		log.Error("failed to rebind replaced item", zap.String("id", a.id), zap.Error(err))
		return
	}
	if err := idx.index.Insert(ctx, []vector.Entry{{Row: row, Vector: a.oldVec, Label: a.id}}); err != nil {
		_ = idx.mapping.Unbind(row)
		log.Error("failed to restore replaced vector", zap.String("id", a.id), zap.Error(err))
	}
}

// rollback undoes committed items in reverse order.
func (idx *Indexer) rollback(done []applied, log *zap.Logger) {
	ctx := context.Background()
	for i := len(done) - 1; i >= 0; i-- {
		a := done[i]
		if err := idx.index.Remove(ctx, []uint64{a.row}); err != nil {
			log.Error("rollback: remove row", zap.Uint64("row", a.row), zap.Error(err))
		}
		if err := idx.mapping.Unbind(a.row); err != nil {
			log.Error("rollback: unbind row", zap.Uint64("row", a.row), zap.Error(err))
		}
		idx.restoreOld(ctx, a, log)
		idx.restoreRecord(ctx, a)
		if idx.keywordIndex != nil && a.indexedText {
			var err error
			if a.prev != nil {
				err = idx.keywordIndex.Index(ctx, a.prev)
			} else {
				err = idx.keywordIndex.Delete(ctx, a.id)
			}
			if err != nil {
				log.Warn("rollback: keyword index", zap.String("id", a.id), zap.Error(err))
			}
		}
	}
	log.Warn("batch rolled back", zap.Int("items", len(done)))
}

// persist saves the index snapshot and records its generation in the mapping.
func (idx *Indexer) persist() error {
	if idx.indexPath != "" {
		if err := idx.index.Save(idx.indexPath); err != nil {
			return models.NewStorageError("save index", err)
		}
	}
	return idx.mapping.SetGeneration(idx.index.Stats().Generation)
}

// Delete removes identifiers from every store: the row is tombstoned, unbound, the
// record deleted and the lexical entry dropped. Identifiers found nowhere are
// reported as not found.
func (idx *Indexer) Delete(ctx context.Context, ids []string) (*models.DeleteReport, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	report := &models.DeleteReport{}
	changed := false
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			if changed {
				_ = idx.persist()
			}
			return report, err
		}
		found := false
		if row, err := idx.mapping.Lookup(id); err == nil {
			found = true
			if idx.index.Contains(row) {
				if err := idx.index.Remove(ctx, []uint64{row}); err != nil {
					return report, fmt.Errorf("remove %q: %w", id, err)
				}
			}
			if err := idx.mapping.Unbind(row); err != nil {
				return report, fmt.Errorf("unbind %q: %w", id, err)
			}
			changed = true
		}
		err := idx.store.Delete(ctx, id)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, models.ErrNotFound):
			return report, fmt.Errorf("delete %q: %w", id, err)
		}
		if idx.keywordIndex != nil {
			if err := idx.keywordIndex.Delete(ctx, id); err != nil {
				idx.logger.Warn("keyword delete failed", zap.String("id", id), zap.Error(err))
			}
		}
		if found {
			report.Deleted++
		} else {
			report.NotFound = append(report.NotFound, id)
		}
	}
	if changed {
		if err := idx.persist(); err != nil {
			return report, err
		}
	}
	idx.logger.Info("records deleted", zap.Int("deleted", report.Deleted), zap.Int("not_found", len(report.NotFound)))
	return report, nil
}

// Compact reclaims space held by deleted rows and saves the index. Row positions do
// not change, so the mapping stays valid. Cancelling ctx leaves the index as it was.
func (idx *Indexer) Compact(ctx context.Context) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	reclaimed, err := idx.index.Compact(ctx)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		if err := idx.persist(); err != nil {
			return reclaimed, err
		}
	}
	idx.logger.Info("index compacted", zap.Int("reclaimed", reclaimed))
	return reclaimed, nil
}
