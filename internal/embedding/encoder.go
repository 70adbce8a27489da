// Package embedding maps text and images to fixed-dimension vectors via CLIP
// (ONNX Runtime) and provides a deterministic encoder for tests.
package embedding

import "context"

// Encoder produces embeddings for text and images in a shared vector space.
// Failures are returned as *models.EncodingError.
type Encoder interface {
	EncodeText(ctx context.Context, text string) ([]float32, error)
	EncodeImage(ctx context.Context, data []byte) ([]float32, error)
	Dimensions() int
	Close() error
}
