/**
 * Tesseract OCR - Local engine for captcha images
 *
 * Simple, free, offline OCR using Tesseract. Captchas are a single line of
 * digits and operators, so the page segmentation and whitelist are fixed.
 */

package tesseract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"

	"github.com/adverant/nexus/captcha-worker/internal/ocr"
)

// DefaultWhitelist covers digits, the four operators, "x" and the "= ?" trailer.
const DefaultWhitelist = "0123456789+-*/x=?"

// Config holds Tesseract configuration
type Config struct {
	Language       string
	Whitelist      string
	TessdataPrefix string
}

// Engine handles captcha OCR using Tesseract
type Engine struct {
	cfg Config
}

// New creates a new Tesseract engine
func New(cfg Config) *Engine {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.Whitelist == "" {
		cfg.Whitelist = DefaultWhitelist
	}
	return &Engine{cfg: cfg}
}

func (t *Engine) Name() string { return "tesseract" }

// Recognize performs OCR using Tesseract. A gosseract client is not safe for
// concurrent use, so every call gets its own.
func (t *Engine) Recognize(ctx context.Context, image []byte) (*ocr.Result, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if t.cfg.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(t.cfg.TessdataPrefix); err != nil {
			return nil, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(t.cfg.Language); err != nil {
		return nil, fmt.Errorf("failed to set language: %w", err)
	}
	if err := client.SetWhitelist(t.cfg.Whitelist); err != nil {
		return nil, fmt.Errorf("failed to set whitelist: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}

	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("tesseract OCR failed: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ocr.ErrNoText
	}

	return &ocr.Result{
		Text:       text,
		Confidence: estimateConfidence(text, t.cfg.Whitelist),
		Engine:     t.Name(),
		Model:      "tesseract-local",
		Duration:   time.Since(startTime),
	}, nil
}

// estimateConfidence scores text by how much of it is whitelisted and whether
// it contains both a digit and an operator.
func estimateConfidence(text, whitelist string) float64 {
	trimmed := strings.Join(strings.Fields(text), "")
	if trimmed == "" {
		return 0
	}

	allowed, digits, operators := 0, 0, 0
	for _, r := range trimmed {
		if strings.ContainsRune(whitelist, r) {
			allowed++
		}
		switch {
		case r >= '0' && r <= '9':
			digits++
		case strings.ContainsRune("+-*/x", r):
			operators++
		}
	}

	confidence := 0.6 * float64(allowed) / float64(len([]rune(trimmed)))
	if digits > 0 && operators > 0 {
		confidence += 0.25
	}

	// Cap at reasonable maximum for Tesseract
	if confidence > 0.85 {
		confidence = 0.85
	}
	return confidence
}
