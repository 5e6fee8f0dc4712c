package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/expression"
)

/**
 * Custom error types for the Captcha Worker
 *
 * Design Pattern: Factory Pattern for error creation
 * Every failure carries an ErrorCode so HTTP, queue and storage layers can
 * decide status codes and retry policy without string matching.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorInvalidImage      ErrorCode = "INVALID_IMAGE"

	// Expression errors
	ErrorExtractionFailed ErrorCode = "EXTRACTION_FAILED"
	ErrorEvaluationFailed ErrorCode = "EVALUATION_FAILED"

	// Infrastructure errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
	ErrorQueueFailed   ErrorCode = "QUEUE_FAILED"
	ErrorInternal      ErrorCode = "INTERNAL"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewOCRFailedError(jobID string, engine string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed at engine: %s", engine),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"ocr_engine": engine,
		},
		Cause: cause,
	}
}

func NewInvalidImageError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidImage,
		Message:   "Failed to decode base64 image",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewExtractionError(jobID string, rawText string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorExtractionFailed,
		Message:   "Failed to extract expression",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"raw_ocr_result": rawText,
		},
		Cause: cause,
	}
}

func NewEvaluationError(jobID string, expr string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEvaluationFailed,
		Message:   "Failed to calculate expression",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"expression": expr,
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store recognition result",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewQueueFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorQueueFailed,
		Message:   "Failed to submit recognition job",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// FromPipeline wraps expression-layer failures in their coded form. Errors
// that already carry a code, and nil, are returned unchanged.
func FromPipeline(jobID string, err error) error {
	if err == nil {
		return nil
	}

	var coded *ProcessingError
	if stderrors.As(err, &coded) {
		return err
	}

	var extractionErr *expression.ExtractionError
	if stderrors.As(err, &extractionErr) {
		return NewExtractionError(jobID, extractionErr.RawText, err)
	}

	var evaluationErr *expression.EvaluationError
	if stderrors.As(err, &evaluationErr) {
		return NewEvaluationError(jobID, evaluationErr.Expression, err)
	}

	return &ProcessingError{
		Code:      ErrorInternal,
		Message:   "Unexpected processing failure",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// CodeOf returns the code of the outermost ProcessingError in err's chain,
// or the empty code when there is none.
func CodeOf(err error) ErrorCode {
	var coded *ProcessingError
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return ""
}

// Retryable reports whether a failure with code may succeed on another attempt.
// Decoding, extraction and evaluation are deterministic in their input.
func Retryable(code ErrorCode) bool {
	switch code {
	case ErrorInvalidImage, ErrorExtractionFailed, ErrorEvaluationFailed:
		return false
	default:
		return true
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
