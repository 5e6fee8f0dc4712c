package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/adverant/nexus/captcha-worker/internal/expression"
)

func TestFromPipelineKeepsFailuresDistinct(t *testing.T) {
	_, extractErr := expression.Extract("12")
	_, _, evalErr := expression.Evaluate("5/0")

	testCases := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"extraction", extractErr, ErrorExtractionFailed, false},
		{"evaluation", evalErr, ErrorEvaluationFailed, false},
		{"wrapped extraction", fmt.Errorf("step 6: %w", extractErr), ErrorExtractionFailed, false},
		{"unknown", stderrors.New("boom"), ErrorInternal, true},
		{"already coded", NewOCRFailedError("job-1", "tesseract", stderrors.New("no text")), ErrorOCRFailed, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromPipeline("job-1", tc.err)
			if code := CodeOf(got); code != tc.code {
				t.Fatalf("CodeOf() = %q, want %q", code, tc.code)
			}
			if Retryable(CodeOf(got)) != tc.retryable {
				t.Errorf("Retryable(%q) = %v, want %v", tc.code, !tc.retryable, tc.retryable)
			}
			if !stderrors.Is(got, tc.err) {
				t.Errorf("FromPipeline() lost the original error")
			}
		})
	}

	if FromPipeline("job-1", nil) != nil {
		t.Error("FromPipeline(nil) != nil")
	}
}

func TestFromPipelineExposesCause(t *testing.T) {
	_, _, evalErr := expression.Evaluate("5/0")
	got := FromPipeline("job-2", evalErr)

	if !stderrors.Is(got, expression.ErrDivisionByZero) {
		t.Fatalf("errors.Is(ErrDivisionByZero) = false for %v", got)
	}

	var coded *ProcessingError
	if !stderrors.As(got, &coded) {
		t.Fatal("expected *ProcessingError")
	}
	if coded.Details["expression"] != "5/0" {
		t.Errorf("Details[expression] = %v", coded.Details["expression"])
	}
}

func TestToMap(t *testing.T) {
	err := NewProcessingTimeoutError("job-3", 2*time.Second, stderrors.New("deadline"))
	m := err.ToMap()

	if m["error_code"] != string(ErrorProcessingTimeout) {
		t.Errorf("error_code = %v", m["error_code"])
	}
	if m["timeout_duration"] != "2s" {
		t.Errorf("timeout_duration = %v", m["timeout_duration"])
	}
	if m["cause"] != "deadline" {
		t.Errorf("cause = %v", m["cause"])
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if code := CodeOf(stderrors.New("plain")); code != "" {
		t.Errorf("CodeOf(plain) = %q", code)
	}
}
