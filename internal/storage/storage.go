// Package storage defines the persistent metadata store for indexed records.
package storage

import (
	"context"

	"github.com/hyperjump/paperscope/internal/models"
)

// MetadataStore maps identifiers to records. It has no knowledge of vectors.
// A write is durable before the call returns.
type MetadataStore interface {
	// Put inserts or overwrites the record keyed by rec.ID. When a record was
	// overwritten, the previous version is returned.
	Put(ctx context.Context, rec *models.Record) (*models.Record, error)
	// Get returns the record for id or an error wrapping models.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Record, error)
	// BatchGet returns the records that exist; missing ids are absent from the map.
	BatchGet(ctx context.Context, ids []string) (map[string]*models.Record, error)
	// Delete removes the record for id or returns an error wrapping models.ErrNotFound.
	Delete(ctx context.Context, id string) error

	// ByPaper returns every record of paperID ordered by section name, then identifier.
	ByPaper(ctx context.Context, paperID string) ([]*models.Record, error)
	// ListPaperIDs returns distinct paper ids in ascending order.
	ListPaperIDs(ctx context.Context, offset, limit int) ([]string, error)

	// ListIDs returns identifiers in ascending order.
	ListIDs(ctx context.Context, offset, limit int) ([]string, error)
	AllIDs(ctx context.Context) ([]string, error)
	// Scan calls fn for every record in identifier order until fn returns an error.
	Scan(ctx context.Context, fn func(*models.Record) error) error
	Count(ctx context.Context) (int64, error)

	Close() error
}
