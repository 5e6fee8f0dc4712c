package ocr

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// Preprocessor cleans a captcha image up before OCR. Small captchas are
// upscaled because Tesseract struggles with glyphs under ~20px.
type Preprocessor struct {
	MinHeight int
	Contrast  float64
}

// NewPreprocessor returns the defaults used by the worker.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{MinHeight: 120, Contrast: 30}
}

// Process decodes image, applies grayscale, upscale and contrast, and re-encodes as PNG.
func (p *Preprocessor) Process(image []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(image), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	gray := imaging.Grayscale(img)
	if p.MinHeight > 0 && gray.Bounds().Dy() < p.MinHeight {
		gray = imaging.Resize(gray, 0, p.MinHeight, imaging.Lanczos)
	}
	if p.Contrast != 0 {
		gray = imaging.AdjustContrast(gray, p.Contrast)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, gray, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
