package vector

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"
	"github.com/hyperjump/paperscope/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultParallelThreshold = 16384
	ctxCheckInterval         = 1024
)

// errCompactionRaced is returned when the index was mutated while a compaction was being prepared.
var errCompactionRaced = errors.New("index modified during compaction")

// FlatIndex is an exact (brute-force) squared-L2 index. Vectors live in one contiguous
// slice; removed rows are tombstoned in a roaring bitmap and reclaimed by Compact.
type FlatIndex struct {
	dimensions int
	rows       []uint64
	labels     []string
	data       []float32
	slots      map[uint64]int
	removed    *roaring64.Bitmap
	tombstones int
	nextRow    uint64
	generation uuid.UUID
	version    uint64
	closed     bool

	parallelThreshold int
	workers           int
	compress          bool
	logger            *zap.Logger
	mu                sync.RWMutex
}

// FlatOption configures a FlatIndex.
type FlatOption func(*FlatIndex)

// WithParallelScan splits scans over at least threshold slots across workers goroutines.
// workers <= 0 uses GOMAXPROCS.
func WithParallelScan(threshold, workers int) FlatOption {
	return func(f *FlatIndex) {
		if threshold > 0 {
			f.parallelThreshold = threshold
		}
		if workers > 0 {
			f.workers = workers
		}
	}
}

// WithCompression enables zstd compression of saved snapshots.
func WithCompression(enabled bool) FlatOption {
	return func(f *FlatIndex) { f.compress = enabled }
}

// WithLogger sets a logger for debug output (compaction, load, save).
func WithLogger(l *zap.Logger) FlatOption {
	return func(f *FlatIndex) { f.logger = l }
}

// NewFlatIndex creates an empty index with the given dimension.
func NewFlatIndex(dimensions int, opts ...FlatOption) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	f := &FlatIndex{
		dimensions:        dimensions,
		slots:             make(map[uint64]int),
		removed:           roaring64.New(),
		generation:        uuid.New(),
		parallelThreshold: defaultParallelThreshold,
		workers:           runtime.GOMAXPROCS(0),
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Type returns the index type identifier.
func (f *FlatIndex) Type() string {
	return string(IndexTypeFlat)
}

// Dimensions returns the fixed vector dimension.
func (f *FlatIndex) Dimensions() int {
	return f.dimensions
}

// Generation returns the identifier of this index generation.
func (f *FlatIndex) Generation() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.generation.String()
}

// Allocate reserves n row positions.
func (f *FlatIndex) Allocate(n int) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := f.nextRow
	if n > 0 {
		f.nextRow += uint64(n)
	}
	return start
}

// Insert validates every entry before touching storage so a failed batch leaves the index unchanged.
func (f *FlatIndex) Insert(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return models.ErrClosed
	}
	seen := make(map[uint64]struct{}, len(entries))
	for _, e := range entries {
		if len(e.Vector) != f.dimensions {
			return &models.DimensionMismatchError{Expected: f.dimensions, Actual: len(e.Vector)}
		}
		if err := models.CheckFinite(e.Vector); err != nil {
			return fmt.Errorf("row %d: %w", e.Row, err)
		}
		if _, ok := f.slots[e.Row]; ok {
			return &models.DuplicateRowError{Row: e.Row}
		}
		if f.removed.Contains(e.Row) {
			return &models.DuplicateRowError{Row: e.Row}
		}
		if _, ok := seen[e.Row]; ok {
			return &models.DuplicateRowError{Row: e.Row}
		}
		seen[e.Row] = struct{}{}
	}
	for _, e := range entries {
		f.slots[e.Row] = len(f.rows)
		f.rows = append(f.rows, e.Row)
		f.labels = append(f.labels, e.Label)
		f.data = append(f.data, e.Vector...)
		if e.Row >= f.nextRow {
			f.nextRow = e.Row + 1
		}
	}
	f.version++
	return nil
}

// Search scans every live row. Slots are split across goroutines once the index
// holds at least the parallel threshold.
func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if len(query) != f.dimensions {
		return nil, &models.DimensionMismatchError{Expected: f.dimensions, Actual: len(query)}
	}
	if k <= 0 {
		return nil, models.ErrInvalidK
	}
	if err := models.CheckFinite(query); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, models.ErrClosed
	}
	n := len(f.rows)
	if n-f.tombstones == 0 {
		return nil, nil
	}

	var hits []Hit
	if n >= f.parallelThreshold && f.workers > 1 {
		var err error
		hits, err = f.scanParallel(ctx, query, k, n)
		if err != nil {
			return nil, err
		}
	} else {
		h, err := f.scan(ctx, query, k, 0, n)
		if err != nil {
			return nil, err
		}
		hits = h
	}
	sort.Slice(hits, func(i, j int) bool { return better(hits[i], hits[j]) })
	return hits, nil
}

// scan collects the best k hits among slots [from, to). Caller holds the read lock.
func (f *FlatIndex) scan(ctx context.Context, query []float32, k, from, to int) ([]Hit, error) {
	h := make(hitHeap, 0, k)
	dim := f.dimensions
	for i := from; i < to; i++ {
		if (i-from)%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := f.rows[i]
		if f.tombstones > 0 && f.removed.Contains(row) {
			continue
		}
		hit := Hit{Row: row, Distance: SquaredL2(query, f.data[i*dim:(i+1)*dim])}
		if len(h) < k {
			heap.Push(&h, hit)
		} else if better(hit, h[0]) {
			h[0] = hit
			heap.Fix(&h, 0)
		}
	}
	return h, nil
}

func (f *FlatIndex) scanParallel(ctx context.Context, query []float32, k, n int) ([]Hit, error) {
	workers := f.workers
	chunk := (n + workers - 1) / workers
	partials := make([][]Hit, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		from := w * chunk
		if from >= n {
			break
		}
		to := from + chunk
		if to > n {
			to = n
		}
		g.Go(func() error {
			hits, err := f.scan(gctx, query, k, from, to)
			if err != nil {
				return err
			}
			partials[w] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	merged := make([]Hit, 0, k*workers)
	for _, p := range partials {
		merged = append(merged, p...)
	}
	sort.Slice(merged, func(i, j int) bool { return better(merged[i], merged[j]) })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// Remove tombstones rows. Physical reclamation is deferred to Compact.
func (f *FlatIndex) Remove(ctx context.Context, rows []uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return models.ErrClosed
	}
	for _, row := range rows {
		if _, ok := f.slots[row]; !ok || f.removed.Contains(row) {
			return fmt.Errorf("row %d: %w", row, models.ErrNotFound)
		}
	}
	for _, row := range rows {
		if !f.removed.Contains(row) {
			f.removed.Add(row)
			f.tombstones++
		}
	}
	f.version++
	return nil
}

// Contains reports whether row is live.
func (f *FlatIndex) Contains(row uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.slots[row]
	return ok && !f.removed.Contains(row)
}

// Vector returns a copy of the vector at a live row.
func (f *FlatIndex) Vector(row uint64) ([]float32, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	i, ok := f.slots[row]
	if !ok || f.removed.Contains(row) {
		return nil, false
	}
	out := make([]float32, f.dimensions)
	copy(out, f.data[i*f.dimensions:(i+1)*f.dimensions])
	return out, true
}

// Rows returns live rows and their labels in ascending row order.
func (f *FlatIndex) Rows() []RowLabel {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RowLabel, 0, len(f.rows)-f.tombstones)
	for i, row := range f.rows {
		if f.removed.Contains(row) {
			continue
		}
		out = append(out, RowLabel{Row: row, Label: f.labels[i]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Row < out[j].Row })
	return out
}

// Compact rebuilds the slot arrays without tombstoned rows. The new arrays are built
// under the read lock so searches keep running; the swap happens under the write lock
// and is abandoned if ctx is cancelled or the index changed in between. Removed rows
// stay retired, so their positions are never reused.
func (f *FlatIndex) Compact(ctx context.Context) (int, error) {
	f.mu.RLock()
	if f.closed {
		f.mu.RUnlock()
		return 0, models.ErrClosed
	}
	if f.tombstones == 0 {
		f.mu.RUnlock()
		return 0, nil
	}
	version := f.version
	live := len(f.rows) - f.tombstones
	dim := f.dimensions
	rows := make([]uint64, 0, live)
	labels := make([]string, 0, live)
	data := make([]float32, 0, live*dim)
	slots := make(map[uint64]int, live)
	for i, row := range f.rows {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				f.mu.RUnlock()
				return 0, err
			}
		}
		if f.removed.Contains(row) {
			continue
		}
		slots[row] = len(rows)
		rows = append(rows, row)
		labels = append(labels, f.labels[i])
		data = append(data, f.data[i*dim:(i+1)*dim]...)
	}
	f.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.version != version {
		return 0, errCompactionRaced
	}
	reclaimed := f.tombstones
	f.rows, f.labels, f.data, f.slots = rows, labels, data, slots
	f.tombstones = 0
	f.version++
	f.logger.Debug("vector index compacted", zap.Int("reclaimed", reclaimed), zap.Int("live", len(rows)))
	return reclaimed, nil
}

// Size returns the number of live rows.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rows) - f.tombstones
}

// Stats returns occupancy counters.
func (f *FlatIndex) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{
		Type:       f.Type(),
		Dimensions: f.dimensions,
		Live:       len(f.rows) - f.tombstones,
		Tombstones: f.tombstones,
		Retired:    f.removed.GetCardinality(),
		NextRow:    f.nextRow,
		Generation: f.generation.String(),
	}
}

// Close releases the vectors. Further calls fail with models.ErrClosed.
func (f *FlatIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.rows, f.labels, f.data, f.slots = nil, nil, nil, nil
	return nil
}
