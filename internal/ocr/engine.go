/**
 * OCR Engines - Shared contract for captcha text recognition
 *
 * Local Tesseract, the remote vision service and the cascade that chains them
 * all satisfy Engine, so the processor never cares which one produced the text.
 */

package ocr

import (
	"context"
	"errors"
	"time"
)

// ErrNoText is returned when an engine ran but recognized nothing.
var ErrNoText = errors.New("ocr produced no text")

// Engine recognizes the single line of text in a captcha image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, image []byte) (*Result, error)
}

// Result represents the outcome of one OCR pass
type Result struct {
	Text       string
	Confidence float64
	Engine     string // Which engine produced the text ("tesseract", "remote")
	Model      string // Specific model behind the engine, if reported
	Duration   time.Duration
}

// EngineFunc adapts a plain function to Engine.
type EngineFunc struct {
	EngineName string
	Fn         func(ctx context.Context, image []byte) (*Result, error)
}

func (f EngineFunc) Name() string { return f.EngineName }

func (f EngineFunc) Recognize(ctx context.Context, image []byte) (*Result, error) {
	return f.Fn(ctx, image)
}
