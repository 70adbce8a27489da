package embedding

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	data := encodePNG(t, 4, 3, color.White)
	img, err := DecodeImage(data)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 4 || img.Bounds().Dy() != 3 {
		t.Errorf("bounds=%v", img.Bounds())
	}

	if _, err := DecodeImage(nil); err == nil {
		t.Error("expected error for empty image")
	}
	if _, err := DecodeImage([]byte("definitely not an image")); err == nil {
		t.Error("expected error for garbage bytes")
	}
}

func TestPreprocessImage(t *testing.T) {
	img, err := DecodeImage(encodePNG(t, 40, 20, color.RGBA{R: 255, A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	const size = 16
	px := PreprocessImage(img, size)
	if len(px) != 3*size*size {
		t.Fatalf("len=%d, want %d", len(px), 3*size*size)
	}
	plane := size * size
	wantR := (1 - clipMean[0]) / clipStd[0]
	wantG := (0 - clipMean[1]) / clipStd[1]
	center := (size/2)*size + size/2
	if math.Abs(float64(px[center]-wantR)) > 1e-3 {
		t.Errorf("red channel=%f, want %f", px[center], wantR)
	}
	if math.Abs(float64(px[plane+center]-wantG)) > 1e-3 {
		t.Errorf("green channel=%f, want %f", px[plane+center], wantG)
	}
}
