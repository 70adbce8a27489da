// Package vector provides the fixed-dimension vector index and nearest-neighbor search.
package vector

import "context"

// VectorIndex stores fixed-dimension vectors addressed by row position and answers
// k-nearest-neighbor queries. It has no knowledge of record metadata; the label
// stored with each row is an opaque tag used only for recovery.
type VectorIndex interface {
	// Dimensions returns the fixed vector dimension.
	Dimensions() int
	// Allocate reserves n fresh row positions and returns the first one.
	// Reserved positions are never handed out again.
	Allocate(n int) uint64
	// Insert adds entries atomically: either all are inserted or none.
	Insert(ctx context.Context, entries []Entry) error
	// Search returns up to k live rows ordered by ascending distance, ties by ascending row.
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	// Remove tombstones rows. Every row must be live, otherwise nothing is removed.
	Remove(ctx context.Context, rows []uint64) error
	// Contains reports whether row is live.
	Contains(row uint64) bool
	// Vector returns a copy of the vector stored at a live row.
	Vector(row uint64) ([]float32, bool)
	// Rows returns the live rows with their labels in ascending row order.
	Rows() []RowLabel
	// Compact reclaims storage held by tombstoned rows and returns how many were reclaimed.
	Compact(ctx context.Context) (int, error)
	Save(path string) error
	Load(path string) error
	// Size returns the number of live rows.
	Size() int
	Stats() Stats
	Close() error
}

// Entry is a row to insert.
type Entry struct {
	Row    uint64
	Vector []float32
	Label  string
}

// Hit is a single search hit.
type Hit struct {
	Row      uint64
	Distance float64 // squared L2; smaller is more similar
}

// RowLabel pairs a live row with the label it was inserted with.
type RowLabel struct {
	Row   uint64
	Label string
}

// Stats describes index occupancy.
type Stats struct {
	Type       string `json:"type"`
	Dimensions int    `json:"dimensions"`
	Live       int    `json:"live"`
	Tombstones int    `json:"tombstones"` // removed rows still holding storage
	Retired    uint64 `json:"retired"`    // all removed rows, compacted or not
	NextRow    uint64 `json:"next_row"`
	Generation string `json:"generation"`
}
