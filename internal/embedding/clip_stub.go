//go:build !cgo
// +build !cgo

package embedding

import (
	"context"
	"errors"
)

// CLIPConfig locates the exported CLIP text and vision models.
type CLIPConfig struct {
	TextModelPath  string
	ImageModelPath string
	VocabPath      string
	LibraryPath    string
	Dimensions     int
	ContextLength  int
}

// CLIPEncoder stub type when built without CGO (see clip.go for real implementation).
type CLIPEncoder struct{}

var errNoCGO = errors.New("CLIP encoder requires CGO; build with CGO_ENABLED=1 and onnxruntime")

// NewCLIPEncoder returns an error when built without CGO (ONNX not available).
func NewCLIPEncoder(_ CLIPConfig) (*CLIPEncoder, error) {
	return nil, errNoCGO
}

func (e *CLIPEncoder) EncodeText(context.Context, string) ([]float32, error) { return nil, errNoCGO }
func (e *CLIPEncoder) EncodeImage(context.Context, []byte) ([]float32, error) {
	return nil, errNoCGO
}
func (e *CLIPEncoder) Dimensions() int { return 0 }
func (e *CLIPEncoder) Close() error    { return nil }
