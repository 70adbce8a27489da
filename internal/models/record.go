// Package models defines core data structures for records, queries, search results and ingestion reports.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ImageDescriptor describes a figure attached to a record.
type ImageDescriptor struct {
	Description  string `json:"description"`
	RelativePath string `json:"relative_path"`
}

// Record is the metadata stored for one indexed item (typically one section of a paper).
type Record struct {
	ID          string           `json:"id" db:"id"`
	PaperID     string           `json:"paper_id" db:"paper_id"`
	SectionName string           `json:"section_name" db:"section_name"`
	Title       string           `json:"title,omitempty" db:"title"`
	Abstract    string           `json:"abstract,omitempty" db:"abstract"`
	TextContent string           `json:"text_content" db:"text_content"`
	Authors     []string         `json:"authors,omitempty" db:"authors"`
	SourceURL   string           `json:"source_url,omitempty" db:"source_url"`
	Image       *ImageDescriptor `json:"image,omitempty" db:"image"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// Validate checks that the record is well formed. The identifier must be non-empty,
// a paper id is required, and an image descriptor, when present, needs a path.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: record is nil", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptyIdentifier
	}
	if strings.TrimSpace(r.PaperID) == "" {
		return fmt.Errorf("%w: paper_id is required", ErrInvalidRecord)
	}
	if r.Image != nil && strings.TrimSpace(r.Image.RelativePath) == "" {
		return fmt.Errorf("%w: image descriptor without relative_path", ErrInvalidRecord)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate cached records.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Authors != nil {
		out.Authors = append([]string(nil), r.Authors...)
	}
	if r.Image != nil {
		img := *r.Image
		out.Image = &img
	}
	return &out
}

// Equal reports whether two records carry the same content, ignoring timestamps.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.ID != o.ID || r.PaperID != o.PaperID || r.SectionName != o.SectionName ||
		r.Title != o.Title || r.Abstract != o.Abstract || r.TextContent != o.TextContent ||
		r.SourceURL != o.SourceURL || len(r.Authors) != len(o.Authors) {
		return false
	}
	for i := range r.Authors {
		if r.Authors[i] != o.Authors[i] {
			return false
		}
	}
	if (r.Image == nil) != (o.Image == nil) {
		return false
	}
	return r.Image == nil || *r.Image == *o.Image
}

// Paper groups the stored sections of one paper. Title, authors, URL and abstract
// come from the first section that carries them.
type Paper struct {
	PaperID   string    `json:"paper_id"`
	Title     string    `json:"title,omitempty"`
	Abstract  string    `json:"abstract,omitempty"`
	Authors   []string  `json:"authors,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Sections  []*Record `json:"sections"`
}

// NewPaper assembles a paper from its section records.
func NewPaper(paperID string, sections []*Record) *Paper {
	p := &Paper{PaperID: paperID, Sections: sections}
	for _, rec := range sections {
		if p.Title == "" {
			p.Title = rec.Title
		}
		if p.Abstract == "" {
			p.Abstract = rec.Abstract
		}
		if len(p.Authors) == 0 && len(rec.Authors) > 0 {
			p.Authors = append([]string(nil), rec.Authors...)
		}
		if p.SourceURL == "" {
			p.SourceURL = rec.SourceURL
		}
	}
	return p
}
