//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/paperscope/internal/models"
	"github.com/hyperjump/paperscope/pkg/utils"
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

// CLIPEncoder runs the CLIP text and vision towers with ONNX Runtime. It requires
// CGO and the onnxruntime shared library.
type CLIPEncoder struct {
	dimensions    int
	contextLength int
	tokenizer     Tokenizer

	textSession   *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	textOut       *ort.Tensor[float32]
	textMu        sync.Mutex

	imageSession *ort.AdvancedSession
	pixelValues  *ort.Tensor[float32]
	imageOut     *ort.Tensor[float32]
	imageMu      sync.Mutex
}

// NewCLIPEncoder creates the sessions. The environment is initialized if not already done.
// Either model path may be empty, in which case that modality fails to encode.
func NewCLIPEncoder(cfg CLIPConfig) (*CLIPEncoder, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if cfg.ContextLength <= 0 {
		cfg.ContextLength = ClipContextLength
	}
	if !ort.IsInitialized() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	var tokenizer Tokenizer = NewWordTokenizer()
	if cfg.VocabPath != "" {
		tok, err := LoadWordTokenizer(cfg.VocabPath)
		if err != nil {
			return nil, err
		}
		tokenizer = tok
	}

	e := &CLIPEncoder{dimensions: cfg.Dimensions, contextLength: cfg.ContextLength, tokenizer: tokenizer}
	if cfg.TextModelPath != "" {
		if err := e.initText(cfg.TextModelPath); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	if cfg.ImageModelPath != "" {
		if err := e.initImage(cfg.ImageModelPath); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *CLIPEncoder) initText(modelPath string) error {
	ids, mask := e.tokenizer.Tokenize("", e.contextLength)
	shape := ort.NewShape(1, int64(e.contextLength))
	var err error
	if e.inputIDs, err = ort.NewTensor(shape, ids); err != nil {
		return fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	if e.attentionMask, err = ort.NewTensor(shape, mask); err != nil {
		return fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	if e.textOut, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.dimensions))); err != nil {
		return fmt.Errorf("failed to create text output tensor: %w", err)
	}
	e.textSession, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"text_embeds"},
		[]ort.ArbitraryTensor{e.inputIDs, e.attentionMask},
		[]ort.ArbitraryTensor{e.textOut},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create text session: %w", err)
	}
	return nil
}

func (e *CLIPEncoder) initImage(modelPath string) error {
	var err error
	shape := ort.NewShape(1, 3, ClipImageSize, ClipImageSize)
	if e.pixelValues, err = ort.NewEmptyTensor[float32](shape); err != nil {
		return fmt.Errorf("failed to create pixel_values tensor: %w", err)
	}
	if e.imageOut, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.dimensions))); err != nil {
		return fmt.Errorf("failed to create image output tensor: %w", err)
	}
	e.imageSession, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"pixel_values"},
		[]string{"image_embeds"},
		[]ort.ArbitraryTensor{e.pixelValues},
		[]ort.ArbitraryTensor{e.imageOut},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to create image session: %w", err)
	}
	return nil
}

// EncodeText returns the L2-normalized text embedding.
func (e *CLIPEncoder) EncodeText(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.textSession == nil {
		return nil, models.NewEncodingError(models.ModalityText, errors.New("no text model loaded"))
	}
	e.textMu.Lock()
	defer e.textMu.Unlock()

	ids, mask := e.tokenizer.Tokenize(text, e.contextLength)
	copy(e.inputIDs.GetData(), ids)
	copy(e.attentionMask.GetData(), mask)
	if err := e.textSession.Run(); err != nil {
		return nil, models.NewEncodingError(models.ModalityText, fmt.Errorf("inference failed: %w", err))
	}
	emb := make([]float32, e.dimensions)
	copy(emb, e.textOut.GetData())
	utils.NormalizeL2(emb)
	return emb, nil
}

// EncodeImage decodes, preprocesses and embeds an image.
func (e *CLIPEncoder) EncodeImage(ctx context.Context, data []byte) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.imageSession == nil {
		return nil, models.NewEncodingError(models.ModalityImage, errors.New("no image model loaded"))
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, models.NewEncodingError(models.ModalityImage, err)
	}
	pixels := PreprocessImage(img, ClipImageSize)

	e.imageMu.Lock()
	defer e.imageMu.Unlock()
	copy(e.pixelValues.GetData(), pixels)
	if err := e.imageSession.Run(); err != nil {
		return nil, models.NewEncodingError(models.ModalityImage, fmt.Errorf("inference failed: %w", err))
	}
	emb := make([]float32, e.dimensions)
	copy(emb, e.imageOut.GetData())
	utils.NormalizeL2(emb)
	return emb, nil
}

// Dimensions returns the embedding dimension.
func (e *CLIPEncoder) Dimensions() int {
	return e.dimensions
}

// Close destroys the sessions and tensors.
func (e *CLIPEncoder) Close() error {
	var err error
	if e.textSession != nil {
		err = e.textSession.Destroy()
		e.textSession = nil
	}
	if e.imageSession != nil {
		if ierr := e.imageSession.Destroy(); err == nil {
			err = ierr
		}
		e.imageSession = nil
	}
	if e.inputIDs != nil {
		_ = e.inputIDs.Destroy()
		e.inputIDs = nil
	}
	if e.attentionMask != nil {
		_ = e.attentionMask.Destroy()
		e.attentionMask = nil
	}
	if e.textOut != nil {
		_ = e.textOut.Destroy()
		e.textOut = nil
	}
	if e.pixelValues != nil {
		_ = e.pixelValues.Destroy()
		e.pixelValues = nil
	}
	if e.imageOut != nil {
		_ = e.imageOut.Destroy()
		e.imageOut = nil
	}
	return err
}
