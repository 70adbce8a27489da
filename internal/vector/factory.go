package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeFlat is the exact brute-force index.
	IndexTypeFlat IndexType = "flat"
)

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "flat" (default).
func NewVectorIndex(indexType string, dimensions int, opts ...FlatOption) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeFlat, "":
		return NewFlatIndex(dimensions, opts...)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: flat)", indexType)
	}
}
