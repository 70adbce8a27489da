package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/paperscope/internal/models"
)

// Search modes accepted by Do.
const (
	ModeVector     = "vector"
	ModeText       = "text"
	ModeImage      = "image"
	ModeMultiModal = "multimodal"
	ModeHybrid     = "hybrid"
)

// ErrInvalidRequest is returned for requests naming an unknown mode or modality.
var ErrInvalidRequest = errors.New("invalid search request")

// Request is a search in any mode. It is the body of POST /api/v1/search.
type Request struct {
	Mode        string    `json:"mode,omitempty"`
	Vector      []float32 `json:"vector,omitempty"`
	Text        string    `json:"text,omitempty"`
	Image       []byte    `json:"image,omitempty"` // base64 in JSON
	K           int       `json:"k"`
	Threshold   *float64  `json:"threshold,omitempty"`
	Modality    string    `json:"modality,omitempty"`
	TextWeight  float64   `json:"text_weight,omitempty"`
	ImageWeight float64   `json:"image_weight,omitempty"`
}

// ResolvedMode returns the requested mode, inferring it from the populated fields
// when unset.
func (r *Request) ResolvedMode() string {
	if r.Mode != "" {
		return r.Mode
	}
	switch {
	case len(r.Vector) > 0:
		return ModeVector
	case r.Text != "" && len(r.Image) > 0:
		return ModeMultiModal
	case len(r.Image) > 0:
		return ModeImage
	default:
		return ModeText
	}
}

// Do dispatches req to the search entry point for its mode.
func (e *Engine) Do(ctx context.Context, req *Request) (*models.SearchResponse, error) {
	switch mode := req.ResolvedMode(); mode {
	case ModeVector:
		modality, err := models.ParseModality(req.Modality)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		return e.Search(ctx, &models.SearchQuery{
			Vector:    req.Vector,
			K:         req.K,
			Threshold: req.Threshold,
			Modality:  modality,
		})
	case ModeText:
		return e.SearchText(ctx, req.Text, req.K, req.Threshold)
	case ModeImage:
		return e.SearchImage(ctx, req.Image, req.K, req.Threshold)
	case ModeMultiModal:
		return e.SearchMultiModal(ctx, &models.MultiModalQuery{
			Text:        req.Text,
			Image:       req.Image,
			K:           req.K,
			Threshold:   req.Threshold,
			TextWeight:  req.TextWeight,
			ImageWeight: req.ImageWeight,
		})
	case ModeHybrid:
		return e.SearchHybrid(ctx, req.Text, req.K, req.Threshold)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
}
