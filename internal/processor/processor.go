/**
 * Captcha Processor for the Captcha Worker
 *
 * Orchestrates one recognition end to end:
 * - image loading (base64, data URL, raw bytes or URL)
 * - optional preprocessing and OCR through the configured engine
 * - expression extraction and evaluation
 * - result caching and recognition history
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/expression"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/ocr"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
)

// TestModeText is the OCR text substituted for the test-mode token.
const TestModeText = "0 x 8 + 6 = ?"

// ErrNoImage is returned for a request that carries no image source.
var ErrNoImage = stderrors.New("no image source provided")

// ProcessorInterface defines the interface for captcha recognition
type ProcessorInterface interface {
	Recognize(ctx context.Context, req *RecognizeRequest) (*RecognitionResult, error)
	RecordFailure(ctx context.Context, jobID string, cause error, metadata map[string]interface{})
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Engine        ocr.Engine
	Preprocessor  *ocr.Preprocessor // nil passes images through untouched
	Extractor     *expression.Extractor
	Evaluator     *expression.Evaluator
	Storage       *storage.StorageManager // nil disables cache and history
	TestModeToken string                  // empty disables test mode
	MaxImageBytes int64

	// AllowedImageHosts lists the hosts ImageURL may point at; a leading dot
	// matches subdomains. Empty disables URL sources.
	AllowedImageHosts []string
	// HTTPClient downloads ImageURL sources. nil uses a client that only
	// connects to public addresses.
	HTTPClient *http.Client
}

// RecognizeRequest represents a captcha recognition request. Exactly one image
// source is used, in the order ImageBytes, Image, ImageURL.
type RecognizeRequest struct {
	JobID      string
	Image      string // base64, optionally with a data URL prefix
	ImageBytes []byte
	ImageURL   string
	Metadata   map[string]interface{}
}

// RecognitionDetails explains how the result was reached
type RecognitionDetails struct {
	RawOCRResult string   `json:"rawOcrResult"`
	CleanedText  string   `json:"cleanedText"`
	Expression   string   `json:"expression"`
	Calculation  string   `json:"calculation"`
	Steps        []string `json:"steps"`
	Strategy     string   `json:"strategy"`
	OCREngine    string   `json:"ocrEngine"`
	OCRModel     string   `json:"ocrModel,omitempty"`
	OCRTimeMs    int64    `json:"ocrTimeMs,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
}

// RecognitionResult represents the recognition result
type RecognitionResult struct {
	JobID            string             `json:"jobId"`
	Result           int64              `json:"result"`
	Details          RecognitionDetails `json:"details"`
	Cached           bool               `json:"cached,omitempty"`
	TestMode         bool               `json:"testMode,omitempty"`
	ProcessingTimeMs int64              `json:"processingTimeMs"`
}

// CaptchaProcessor handles captcha recognition
type CaptchaProcessor struct {
	config *ProcessorConfig
	client *http.Client
	logger *logging.Logger
}

// NewCaptchaProcessor creates a new captcha processor
func NewCaptchaProcessor(cfg *ProcessorConfig) (*CaptchaProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("OCR engine is required")
	}

	if cfg.Extractor == nil {
		ex, err := expression.NewExtractor(expression.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create extractor: %w", err)
		}
		cfg.Extractor = ex
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expression.NewEvaluator(expression.DefaultTraceLimits())
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 5 << 20
	}

	p := &CaptchaProcessor{
		config: cfg,
		logger: logging.NewLogger("Processor"),
	}

	client := newImageClient(15 * time.Second)
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		client = &c
	}
	if client.CheckRedirect == nil {
		client.CheckRedirect = p.checkRedirect
	}
	p.client = client

	return p, nil
}

// Recognize runs a captcha through the complete pipeline. req is not modified;
// a missing JobID is generated for the result only.
func (p *CaptchaProcessor) Recognize(ctx context.Context, req *RecognizeRequest) (*RecognitionResult, error) {
	startTime := time.Now()
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	log := p.logger.With("jobId", jobID)

	// Test mode: the token stands in for a captcha whose OCR reads TestModeText
	if p.config.TestModeToken != "" && req.Image == p.config.TestModeToken && len(req.ImageBytes) == 0 {
		log.Info("Test mode activated")
		result, err := p.solve(jobID, &ocr.Result{Text: TestModeText, Engine: "test-mode", Confidence: 1})
		if err != nil {
			return nil, err
		}
		result.TestMode = true
		result.ProcessingTimeMs = time.Since(startTime).Milliseconds()
		return result, nil
	}

	// Step 1: Load image
	image, err := p.loadImage(ctx, jobID, req)
	if err != nil {
		return nil, errors.NewInvalidImageError(jobID, err)
	}
	log.Debug("Image loaded", "bytes", len(image))

	// Step 2: Cache lookup
	hash := storage.HashImage(image)
	var cached RecognitionResult
	if p.config.Storage.LookupResult(ctx, hash, &cached) {
		log.Info("Result served from cache", "hash", hash, "result", cached.Result)
		cached.JobID = jobID
		cached.Cached = true
		cached.ProcessingTimeMs = time.Since(startTime).Milliseconds()
		p.record(ctx, hash, &cached, req.Metadata)
		return &cached, nil
	}

	// Step 3: Preprocess
	if p.config.Preprocessor != nil {
		processed, err := p.config.Preprocessor.Process(image)
		if err != nil {
			// Formats imaging cannot decode may still be readable by the engine
			log.Warn("Preprocessing failed, using original image", "error", err)
		} else {
			image = processed
		}
	}

	// Step 4: OCR
	ocrResult, err := p.config.Engine.Recognize(ctx, image)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.NewProcessingTimeoutError(jobID, time.Since(startTime), err)
		}
		return nil, errors.NewOCRFailedError(jobID, p.config.Engine.Name(), err)
	}
	log.Info("OCR complete",
		"engine", ocrResult.Engine,
		"model", ocrResult.Model,
		"text", ocrResult.Text,
		"confidence", ocrResult.Confidence,
		"durationMs", ocrResult.Duration.Milliseconds())

	// Steps 5-6: Extract and evaluate
	result, err := p.solve(jobID, ocrResult)
	if err != nil {
		return nil, err
	}
	result.ProcessingTimeMs = time.Since(startTime).Milliseconds()

	log.Info("Recognition complete",
		"expression", result.Details.Expression,
		"strategy", result.Details.Strategy,
		"result", result.Result,
		"processingTimeMs", result.ProcessingTimeMs)

	// Step 7: Cache and history
	p.config.Storage.StoreResult(ctx, hash, result)
	p.record(ctx, hash, result, req.Metadata)

	return result, nil
}

// solve turns OCR text into a result. Failures carry the expression error codes.
func (p *CaptchaProcessor) solve(jobID string, ocrResult *ocr.Result) (*RecognitionResult, error) {
	extraction, err := p.config.Extractor.Extract(ocrResult.Text)
	if err != nil {
		return nil, errors.FromPipeline(jobID, err)
	}

	evaluation, err := p.config.Evaluator.Evaluate(extraction.Expression)
	if err != nil {
		return nil, errors.FromPipeline(jobID, err)
	}

	return &RecognitionResult{
		JobID:  jobID,
		Result: evaluation.Result,
		Details: RecognitionDetails{
			RawOCRResult: ocrResult.Text,
			CleanedText:  extraction.Cleaned,
			Expression:   extraction.Expression,
			Calculation:  evaluation.Calculation(),
			Steps:        evaluation.Steps,
			Strategy:     extraction.Strategy,
			OCREngine:    ocrResult.Engine,
			OCRModel:     ocrResult.Model,
			OCRTimeMs:    ocrResult.Duration.Milliseconds(),
			Confidence:   ocrResult.Confidence,
		},
	}, nil
}

func (p *CaptchaProcessor) record(ctx context.Context, hash string, result *RecognitionResult, metadata map[string]interface{}) {
	value := result.Result
	rec := &storage.Recognition{
		ID:               result.JobID,
		ImageHash:        hash,
		Status:           storage.StatusCompleted,
		RawText:          result.Details.RawOCRResult,
		CleanedText:      result.Details.CleanedText,
		Expression:       result.Details.Expression,
		Strategy:         result.Details.Strategy,
		Result:           &value,
		Steps:            result.Details.Steps,
		OCREngine:        result.Details.OCREngine,
		Confidence:       result.Details.Confidence,
		ProcessingTimeMs: result.ProcessingTimeMs,
		Metadata:         withCacheFlag(metadata, result.Cached),
	}
	if err := p.config.Storage.RecordRecognition(ctx, rec); err != nil {
		p.logger.Warn("Failed to record recognition", "jobId", result.JobID, "error", err)
	}
}

// RecordFailure stores a failed recognition in history
func (p *CaptchaProcessor) RecordFailure(ctx context.Context, jobID string, cause error, metadata map[string]interface{}) {
	if cause == nil {
		return
	}
	coded := errors.FromPipeline(jobID, cause)

	rec := &storage.Recognition{
		ID:           jobID,
		Status:       storage.StatusFailed,
		ErrorCode:    string(errors.CodeOf(coded)),
		ErrorMessage: coded.Error(),
		Metadata:     metadata,
	}

	var pe *errors.ProcessingError
	if stderrors.As(coded, &pe) {
		if raw, ok := pe.Details["raw_ocr_result"].(string); ok {
			rec.RawText = raw
		}
		if expr, ok := pe.Details["expression"].(string); ok {
			rec.Expression = expr
		}
	}

	if err := p.config.Storage.RecordRecognition(ctx, rec); err != nil {
		p.logger.Warn("Failed to record failed recognition", "jobId", jobID, "error", err)
	}
}

// loadImage loads the image from bytes, base64 or URL
func (p *CaptchaProcessor) loadImage(ctx context.Context, jobID string, req *RecognizeRequest) ([]byte, error) {
	var (
		image []byte
		err   error
	)

	switch {
	case len(req.ImageBytes) > 0:
		image = req.ImageBytes
	case req.Image != "":
		image, err = ocr.DecodeImage(req.Image)
	case req.ImageURL != "":
		image, err = p.downloadImage(ctx, jobID, req.ImageURL)
	default:
		return nil, ErrNoImage
	}
	if err != nil {
		return nil, err
	}

	if int64(len(image)) > p.config.MaxImageBytes {
		return nil, fmt.Errorf("image size exceeds maximum: %d > %d bytes", len(image), p.config.MaxImageBytes)
	}
	return image, nil
}

// downloadImage fetches an image with exponential backoff between attempts
func (p *CaptchaProcessor) downloadImage(ctx context.Context, jobID, imageURL string) ([]byte, error) {
	const (
		maxRetries       = 3
		initialBackoffMs = 250
	)

	u, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid image URL: %w", err)
	}
	if err := p.checkImageURL(u); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		data, err := p.fetch(ctx, u.String())
		if err == nil {
			return data, nil
		}
		if stderrors.Is(err, ErrImageURLNotAllowed) {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("Image download attempt failed", "jobId", jobID, "attempt", attempt, "error", err)

		if attempt < maxRetries {
			backoff := time.Duration(initialBackoffMs<<(attempt-1)) * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download image after %d attempts: %w", maxRetries, lastErr)
}

func (p *CaptchaProcessor) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	// Read one byte past the limit so oversize images are detected by loadImage
	return io.ReadAll(io.LimitReader(resp.Body, p.config.MaxImageBytes+1))
}

func withCacheFlag(metadata map[string]interface{}, cached bool) map[string]interface{} {
	if !cached {
		return metadata
	}
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["cached"] = true
	return out
}
