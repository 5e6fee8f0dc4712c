/**
 * Remote OCR Client - Vision service fallback
 *
 * Posts the captcha as base64 to a vision OCR service and reads back the text.
 * Used when Tesseract is unavailable or as the second tier of a cascade.
 */

package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adverant/nexus/captcha-worker/internal/logging"
)

// RemoteEngine handles communication with the vision OCR service
type RemoteEngine struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// VisionOCRRequest represents a request to extract text from an image
type VisionOCRRequest struct {
	Image    string                 `json:"image"`  // Base64 encoded image
	Format   string                 `json:"format"` // always "base64" here
	Language string                 `json:"language"`
	Hint     string                 `json:"hint,omitempty"` // Character whitelist passed as a hint
	Metadata map[string]interface{} `json:"metadata"`
}

// VisionOCRResponse represents a synchronous response from the vision endpoint
type VisionOCRResponse struct {
	Success bool          `json:"success"`
	Data    VisionOCRData `json:"data"`
	Message string        `json:"message"`
}

// VisionOCRData contains the extracted text and metadata
type VisionOCRData struct {
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	ModelUsed      string  `json:"modelUsed"`
	ProcessingTime int64   `json:"processingTime"` // milliseconds
}

// NewRemoteEngine creates a new remote OCR client
func NewRemoteEngine(baseURL string, timeout time.Duration) *RemoteEngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.NewLogger("RemoteOCR"),
	}
}

func (c *RemoteEngine) Name() string { return "remote" }

// Recognize sends the image to the vision service
func (c *RemoteEngine) Recognize(ctx context.Context, image []byte) (*Result, error) {
	startTime := time.Now()

	req := &VisionOCRRequest{
		Image:    base64.StdEncoding.EncodeToString(image),
		Format:   "base64",
		Language: "en",
		Hint:     "0123456789+-*/x=?",
		Metadata: map[string]interface{}{
			"source":    "captcha-worker",
			"timestamp": time.Now().Unix(),
		},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/internal/vision/extract-text", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Source", "captcha-worker")
	httpReq.Header.Set("X-Request-ID", "ocr-"+uuid.NewString())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request to vision service failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vision service returned error status %d: %s", resp.StatusCode, string(body))
	}

	var ocrResp VisionOCRResponse
	if err := json.Unmarshal(body, &ocrResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if !ocrResp.Success {
		return nil, fmt.Errorf("vision operation failed: %s", ocrResp.Message)
	}
	if strings.TrimSpace(ocrResp.Data.Text) == "" {
		return nil, ErrNoText
	}

	c.logger.Debug("Remote OCR complete",
		"modelUsed", ocrResp.Data.ModelUsed,
		"confidence", ocrResp.Data.Confidence,
		"textLength", len(ocrResp.Data.Text))

	return &Result{
		Text:       ocrResp.Data.Text,
		Confidence: ocrResp.Data.Confidence,
		Engine:     c.Name(),
		Model:      ocrResp.Data.ModelUsed,
		Duration:   time.Since(startTime),
	}, nil
}

// HealthCheck verifies the vision service is available
func (c *RemoteEngine) HealthCheck(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
