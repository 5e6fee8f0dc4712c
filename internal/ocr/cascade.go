package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adverant/nexus/captcha-worker/internal/logging"
)

// CascadeEngine tries each engine in order and keeps the first non-empty text.
type CascadeEngine struct {
	engines []Engine
	logger  *logging.Logger
}

// NewCascadeEngine builds a cascade over engines, skipping nils.
func NewCascadeEngine(engines ...Engine) *CascadeEngine {
	c := &CascadeEngine{logger: logging.NewLogger("OCRCascade")}
	for _, e := range engines {
		if e != nil {
			c.engines = append(c.engines, e)
		}
	}
	return c
}

func (c *CascadeEngine) Name() string {
	names := make([]string, len(c.engines))
	for i, e := range c.engines {
		names[i] = e.Name()
	}
	return "cascade(" + strings.Join(names, ",") + ")"
}

// Recognize returns the first tier's result that contains text. If every tier
// fails, the returned error joins each tier's failure.
func (c *CascadeEngine) Recognize(ctx context.Context, image []byte) (*Result, error) {
	if len(c.engines) == 0 {
		return nil, errors.New("ocr cascade has no engines")
	}

	var errs []error
	for i, e := range c.engines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := e.Recognize(ctx, image)
		if err == nil && res != nil && strings.TrimSpace(res.Text) != "" {
			if i > 0 {
				c.logger.Info("OCR fell back to lower tier", "engine", e.Name(), "tier", i+1)
			}
			return res, nil
		}
		if err == nil {
			err = ErrNoText
		}
		c.logger.Warn("OCR tier failed", "engine", e.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
	}

	return nil, errors.Join(errs...)
}
