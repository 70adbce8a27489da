package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"math"

	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/pkg/utils"
)

// MockEncoder is a deterministic encoder for tests. The same text (or image bytes)
// always gets the same unit-length embedding. Images must still decode.
type MockEncoder struct {
	dimensions int
	// FailText and FailImage force encoding errors.
	FailText  bool
	FailImage bool
}

// NewMockEncoder returns an encoder that produces deterministic embeddings of the given dimensions.
func NewMockEncoder(dimensions int) *MockEncoder {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &MockEncoder{dimensions: dimensions}
}

// EncodeText returns a deterministic embedding based on the text hash.
func (e *MockEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.FailText {
		return nil, models.NewEncodingError(models.ModalityText, errors.New("mock text failure"))
	}
	return e.vector(utils.HashString(text)), nil
}

// EncodeImage decodes data and returns an embedding derived from the image bytes.
func (e *MockEncoder) EncodeImage(ctx context.Context, data []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.FailImage {
		return nil, models.NewEncodingError(models.ModalityImage, errors.New("mock image failure"))
	}
	if _, err := DecodeImage(data); err != nil {
		return nil, models.NewEncodingError(models.ModalityImage, err)
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return e.vector(int(h.Sum64() >> 1)), nil
}

func (e *MockEncoder) vector(seed int) []float32 {
	emb := make([]float32, e.dimensions)
	for i := range emb {
		emb[i] = float32(math.Sin(float64(seed%100003)*float64(i+1))*0.1 + 0.01)
	}
	utils.NormalizeL2(emb)
	return emb
}

// Dimensions returns the embedding dimension.
func (e *MockEncoder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockEncoder.
func (e *MockEncoder) Close() error {
	return nil
}
