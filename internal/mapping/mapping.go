// Package mapping implements the bijective bridge between vector row positions and
// record identifiers.
//
// The table is held in memory for lookups and mirrored to a bbolt file so that a
// bind or unbind is durable when the call returns. When the file is missing or
// unreadable the table starts empty and reports NeedsRebuild; the caller then
// repopulates it from the vector index and metadata store.
package mapping

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/hyperjump/paperscope/internal/models"
)

var (
	bucketRows = []byte("rows")
	bucketMeta = []byte("meta")
	keyGen     = []byte("generation")
)

// ErrCorrupt is returned when persisted bindings violate the bijection.
var ErrCorrupt = errors.New("mapping corrupt")

// Pair is one binding.
type Pair struct {
	Row uint64 `json:"row"`
	ID  string `json:"id"`
}

// Table maps row positions to identifiers and back.
type Table struct {
	db           *bolt.DB
	path         string
	byRow        map[uint64]string
	byID         map[string]uint64
	generation   string
	needsRebuild bool
	logger       *zap.Logger
	mu           sync.RWMutex
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// Open loads the table persisted at path. An empty path gives a memory-only table.
// A corrupt file is moved aside to path+".corrupt" and the table starts empty.
func Open(path string, opts ...Option) (*Table, error) {
	t := &Table{
		path:   path,
		byRow:  make(map[uint64]string),
		byID:   make(map[string]uint64),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if path == "" {
		t.needsRebuild = true
		return t, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create mapping directory: %w", err)
	}
	_, statErr := os.Stat(path)
	existed := statErr == nil

	db, err := openBolt(path)
	if err == nil && existed {
		err = t.load(db)
		if err != nil {
			_ = db.Close()
		}
	}
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("mapping %s is locked by another process: %w", path, err)
		}
		t.logger.Warn("mapping unreadable, starting empty", zap.String("path", path), zap.Error(err))
		if rerr := os.Rename(path, path+".corrupt"); rerr != nil {
			return nil, fmt.Errorf("failed to move corrupt mapping aside: %w", rerr)
		}
		t.byRow = make(map[uint64]string)
		t.byID = make(map[string]uint64)
		t.generation = ""
		db, err = openBolt(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open mapping: %w", err)
		}
		existed = false
	}
	t.db = db
	t.needsRebuild = !existed
	return t, nil
}

func openBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRows); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (t *Table) load(db *bolt.DB) error {
	return db.View(func(tx *bolt.Tx) error {
		if gen := tx.Bucket(bucketMeta).Get(keyGen); gen != nil {
			t.generation = string(gen)
		}
		return tx.Bucket(bucketRows).ForEach(func(k, v []byte) error {
			if len(k) != 8 || len(v) == 0 {
				return fmt.Errorf("%w: malformed entry", ErrCorrupt)
			}
			row := binary.BigEndian.Uint64(k)
			id := string(v)
			if other, dup := t.byID[id]; dup {
				return fmt.Errorf("%w: %q bound to rows %d and %d", ErrCorrupt, id, other, row)
			}
			t.byRow[row] = id
			t.byID[id] = row
			return nil
		})
	})
}

func rowKey(row uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], row)
	return k[:]
}

// NeedsRebuild reports whether the table was started empty because nothing usable was persisted.
func (t *Table) NeedsRebuild() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.needsRebuild
}

// Generation returns the vector index generation the bindings belong to.
func (t *Table) Generation() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Bind binds row to id. Binding an existing pair again is a no-op; any other
// overlap with an existing binding is a conflict and changes nothing.
func (t *Table) Bind(row uint64, id string) error {
	if id == "" {
		return models.ErrEmptyIdentifier
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.byRow[row]; ok {
		if cur == id {
			return nil
		}
		return fmt.Errorf("row %d already bound to %q: %w", row, cur, models.ErrConflict)
	}
	if cur, ok := t.byID[id]; ok {
		return fmt.Errorf("%q already bound to row %d: %w", id, cur, models.ErrConflict)
	}
	if t.db != nil {
		err := t.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketRows).Put(rowKey(row), []byte(id))
		})
		if err != nil {
			return models.NewStorageError("mapping bind", err)
		}
	}
	t.byRow[row] = id
	t.byID[id] = row
	return nil
}

// Resolve returns the identifier bound to row.
func (t *Table) Resolve(row uint64) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byRow[row]
	if !ok {
		return "", fmt.Errorf("row %d: %w", row, models.ErrNotFound)
	}
	return id, nil
}

// ResolveMany resolves rows in one lock acquisition. Unbound rows are absent from the result.
func (t *Table) ResolveMany(rows []uint64) map[uint64]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uint64]string, len(rows))
	for _, row := range rows {
		if id, ok := t.byRow[row]; ok {
			out[row] = id
		}
	}
	return out
}

// Lookup returns the row bound to id.
func (t *Table) Lookup(id string) (uint64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.byID[id]
	if !ok {
		return 0, fmt.Errorf("%q: %w", id, models.ErrNotFound)
	}
	return row, nil
}

// Unbind removes the binding of row.
func (t *Table) Unbind(row uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.byRow[row]
	if !ok {
		return fmt.Errorf("row %d: %w", row, models.ErrNotFound)
	}
	if t.db != nil {
		err := t.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketRows).Delete(rowKey(row))
		})
		if err != nil {
			return models.NewStorageError("mapping unbind", err)
		}
	}
	delete(t.byRow, row)
	delete(t.byID, id)
	return nil
}

// Len returns the number of bindings.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byRow)
}

// Pairs returns every binding ordered by row.
func (t *Table) Pairs() []Pair {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Pair, 0, len(t.byRow))
	for row, id := range t.byRow {
		out = append(out, Pair{Row: row, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Row < out[j].Row })
	return out
}

// SetGeneration records which vector index generation the bindings belong to.
func (t *Table) SetGeneration(gen string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db != nil {
		err := t.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketMeta).Put(keyGen, []byte(gen))
		})
		if err != nil {
			return models.NewStorageError("mapping set generation", err)
		}
	}
	t.generation = gen
	return nil
}

// Rebuild replaces every binding with pairs in a single transaction. pairs must
// form a bijection; otherwise ErrCorrupt is returned and the table is unchanged.
func (t *Table) Rebuild(pairs []Pair, generation string) error {
	byRow := make(map[uint64]string, len(pairs))
	byID := make(map[string]uint64, len(pairs))
	for _, p := range pairs {
		if p.ID == "" {
			return fmt.Errorf("%w: row %d has empty identifier", ErrCorrupt, p.Row)
		}
		if _, dup := byRow[p.Row]; dup {
			return fmt.Errorf("%w: row %d listed twice", ErrCorrupt, p.Row)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("%w: %q listed twice", ErrCorrupt, p.ID)
		}
		byRow[p.Row] = p.ID
		byID[p.ID] = p.Row
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db != nil {
		err := t.db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket(bucketRows); err != nil {
				return err
			}
			b, err := tx.CreateBucket(bucketRows)
			if err != nil {
				return err
			}
			for _, p := range pairs {
				if err := b.Put(rowKey(p.Row), []byte(p.ID)); err != nil {
					return err
				}
			}
			return tx.Bucket(bucketMeta).Put(keyGen, []byte(generation))
		})
		if err != nil {
			return models.NewStorageError("mapping rebuild", err)
		}
	}
	t.byRow, t.byID = byRow, byID
	t.generation = generation
	t.needsRebuild = false
	t.logger.Info("mapping rebuilt", zap.Int("bindings", len(pairs)), zap.String("generation", generation))
	return nil
}

// Close closes the backing file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}
