package models

import (
	"fmt"
	"math"
)

// Modality tags what kind of raw query produced an embedding. It does not change
// how the search runs.
type Modality string

const (
	ModalityUnknown Modality = ""
	ModalityText    Modality = "text"
	ModalityImage   Modality = "image"
)

// ParseModality maps a user-supplied string onto a Modality.
func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case ModalityUnknown, ModalityText, ModalityImage:
		return Modality(s), nil
	default:
		return ModalityUnknown, fmt.Errorf("unknown modality %q (supported: text, image)", s)
	}
}

// SearchQuery is a vector search request.
type SearchQuery struct {
	Vector    []float32 `json:"vector"`
	K         int       `json:"k"`
	Threshold *float64  `json:"threshold,omitempty"`
	Modality  Modality  `json:"modality,omitempty"`
}

// Validate checks k and applies the default/limit. Dimension is checked by the engine.
func (q *SearchQuery) Validate(defaultK, maxK int) error {
	if q.K == 0 {
		q.K = defaultK
	}
	if q.K <= 0 {
		return ErrInvalidK
	}
	if maxK > 0 && q.K > maxK {
		q.K = maxK
	}
	if q.Threshold != nil && (*q.Threshold < 0 || *q.Threshold > 1) {
		return fmt.Errorf("%w, got %f", ErrInvalidThreshold, *q.Threshold)
	}
	return CheckFinite(q.Vector)
}

// CheckFinite returns ErrNonFiniteVector when any component of vec is NaN or infinite.
func CheckFinite(vec []float32) error {
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w at position %d", ErrNonFiniteVector, i)
		}
	}
	return nil
}

// MultiModalQuery searches with a text and an image query at the same time and
// fuses the per-identifier similarities.
type MultiModalQuery struct {
	Text        string   `json:"text,omitempty"`
	Image       []byte   `json:"image,omitempty"`
	K           int      `json:"k"`
	Threshold   *float64 `json:"threshold,omitempty"`
	TextWeight  float64  `json:"text_weight,omitempty"`
	ImageWeight float64  `json:"image_weight,omitempty"`
}
