package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/paperscope/internal/mapping"
	"github.com/hyperjump/paperscope/internal/models"
)

// reindexBatchSize is the number of records sent to the keyword index per batch.
const reindexBatchSize = 500

// Reconcile restores the invariant that every live row has exactly one binding and
// one record. It runs at startup before either store is trusted:
//
//  1. When the mapping is missing, corrupt or belongs to another index generation, it
//     is rebuilt from the row labels held by the index, keeping labels that name a
//     stored record. A label seen on several rows keeps the newest row.
//  2. A live row without a binding whose label names a stored record that has no
//     live binding is bound to that record again, newest row first. This recovers a
//     replacement interrupted before the snapshot was saved. Other live rows without
//     a binding are removed from the index.
//  3. Bindings whose row is not live, or whose identifier has no record, are dropped
//     (their rows are removed too).
//  4. Records with no binding are deleted.
//  5. The keyword index is rebuilt when its document count disagrees with the store.
func (idx *Indexer) Reconcile(ctx context.Context) (*models.ReconcileReport, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	report := &models.ReconcileReport{}
	ids, err := idx.store.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	stored := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		stored[id] = struct{}{}
	}
	rows := idx.index.Rows()
	generation := idx.index.Stats().Generation
	changed := false

	if idx.needsMappingRebuild(generation, len(rows)) {
		latest := make(map[string]uint64, len(rows))
		for _, rl := range rows {
			if _, ok := stored[rl.Label]; ok {
				latest[rl.Label] = rl.Row
			}
		}
		pairs := make([]mapping.Pair, 0, len(latest))
		for id, row := range latest {
			pairs = append(pairs, mapping.Pair{Row: row, ID: id})
		}
		if err := idx.mapping.Rebuild(pairs, generation); err != nil {
			return nil, err
		}
		report.MappingRebuilt = true
		report.RowsBound = len(pairs)
		changed = true
	}

	// Rows with no binding.
	var dangling []uint64
	rebind := make(map[string]uint64)
	for _, rl := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := idx.mapping.Resolve(rl.Row); err == nil {
			continue
		}
		if _, ok := stored[rl.Label]; !ok || idx.hasLiveBinding(rl.Label) {
			dangling = append(dangling, rl.Row)
			continue
		}
		if prev, ok := rebind[rl.Label]; ok {
			if prev > rl.Row {
				dangling = append(dangling, rl.Row)
				continue
			}
			dangling = append(dangling, prev)
		}
		rebind[rl.Label] = rl.Row
	}
	for id, row := range rebind {
		if old, err := idx.mapping.Lookup(id); err == nil {
			if err := idx.mapping.Unbind(old); err != nil {
				return report, err
			}
			report.StaleBindings++
			idx.logger.Warn("dropped binding to a lost row", zap.Uint64("row", old), zap.String("id", id))
		}
		if err := idx.mapping.Bind(row, id); err != nil {
			return report, fmt.Errorf("rebind %q: %w", id, err)
		}
		report.RowsBound++
		changed = true
		idx.logger.Warn("rebound row to its label", zap.Uint64("row", row), zap.String("id", id))
	}
	if len(dangling) > 0 {
		if err := idx.index.Remove(ctx, dangling); err != nil {
			return report, fmt.Errorf("remove dangling rows: %w", err)
		}
		report.DanglingRows = len(dangling)
		changed = true
		idx.logger.Warn("removed rows without binding", zap.Int("rows", len(dangling)))
	}

	// Bindings with no live row or no record.
	for _, p := range idx.mapping.Pairs() {
		_, hasRecord := stored[p.ID]
		live := idx.index.Contains(p.Row)
		if live && hasRecord {
			continue
		}
		if live {
			if err := idx.index.Remove(ctx, []uint64{p.Row}); err != nil {
				return report, fmt.Errorf("remove row %d: %w", p.Row, err)
			}
		}
		if err := idx.mapping.Unbind(p.Row); err != nil {
			return report, err
		}
		report.StaleBindings++
		changed = true
		idx.logger.Warn("dropped stale binding", zap.Uint64("row", p.Row), zap.String("id", p.ID),
			zap.Bool("live", live), zap.Bool("has_record", hasRecord))
	}

	// Records with no binding.
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := idx.mapping.Lookup(id); err == nil {
			continue
		}
		if err := idx.store.Delete(ctx, id); err != nil {
			return report, fmt.Errorf("collect orphan %q: %w", id, err)
		}
		if idx.keywordIndex != nil {
			_ = idx.keywordIndex.Delete(ctx, id)
		}
		report.OrphanRecords++
	}
	if report.OrphanRecords > 0 {
		idx.logger.Warn("collected records without binding", zap.Int("records", report.OrphanRecords))
	}

	if idx.keywordIndex != nil {
		n, err := idx.reindexKeywords(ctx)
		if err != nil {
			return report, err
		}
		report.KeywordReindexed = n
	}

	if changed {
		if err := idx.persist(); err != nil {
			return report, err
		}
	} else if idx.mapping.Generation() != generation {
		if err := idx.mapping.SetGeneration(generation); err != nil {
			return report, err
		}
	}
	idx.logger.Info("reconciled",
		zap.Bool("mapping_rebuilt", report.MappingRebuilt),
		zap.Int("rows_bound", report.RowsBound),
		zap.Int("dangling_rows", report.DanglingRows),
		zap.Int("stale_bindings", report.StaleBindings),
		zap.Int("orphan_records", report.OrphanRecords),
		zap.Int("keyword_reindexed", report.KeywordReindexed))
	return report, nil
}

// hasLiveBinding reports whether id is bound to a row the index still holds.
func (idx *Indexer) hasLiveBinding(id string) bool {
	row, err := idx.mapping.Lookup(id)
	return err == nil && idx.index.Contains(row)
}

// needsMappingRebuild reports whether the persisted bindings cannot be trusted for
// the current index generation.
func (idx *Indexer) needsMappingRebuild(generation string, liveRows int) bool {
	if idx.mapping.NeedsRebuild() {
		return true
	}
	gen := idx.mapping.Generation()
	if gen == "" {
		return idx.mapping.Len() == 0 && liveRows > 0
	}
	return gen != generation
}

// reindexKeywords rebuilds the keyword index from the store when the document counts
// differ. It returns the number of records indexed.
func (idx *Indexer) reindexKeywords(ctx context.Context) (int, error) {
	count, err := idx.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := idx.keywordIndex.DocCount()
	if err != nil {
		return 0, fmt.Errorf("keyword doc count: %w", err)
	}
	if int64(docs) == count {
		return 0, nil
	}
	var recs []*models.Record
	if err := idx.store.Scan(ctx, func(rec *models.Record) error {
		recs = append(recs, rec)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("scan records: %w", err)
	}
	ids, err := idx.keywordIndex.AllIDs(ctx)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		keep[rec.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := keep[id]; !ok {
			if err := idx.keywordIndex.Delete(ctx, id); err != nil {
				return 0, err
			}
		}
	}
	for start := 0; start < len(recs); start += reindexBatchSize {
		end := min(start+reindexBatchSize, len(recs))
		if err := idx.keywordIndex.IndexBatch(ctx, recs[start:end]); err != nil {
			return 0, fmt.Errorf("reindex keywords: %w", err)
		}
	}
	idx.logger.Info("keyword index rebuilt", zap.Int("records", len(recs)), zap.Uint64("previous_docs", docs))
	return len(recs), nil
}
