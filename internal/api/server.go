/**
 * HTTP API for the Captcha Worker
 *
 * Synchronous recognition, asynchronous job submission, job lookup and
 * component statistics.
 * Responses are JSON; failures carry an "error" message and, when known, a code.
 */

package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/logging"
	"github.com/adverant/nexus/captcha-worker/internal/processor"
	"github.com/adverant/nexus/captcha-worker/internal/queue"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
)

// JobQueue submits and inspects asynchronous recognition jobs
type JobQueue interface {
	Enqueue(ctx context.Context, payload *queue.RecognizePayload) (string, error)
	GetJob(ctx context.Context, id string) (*queue.JobStatus, error)
}

// StatsFunc reports the statistics of one component
type StatsFunc func(ctx context.Context) (interface{}, error)

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr           string
	Processor      processor.ProcessorInterface
	Jobs           JobQueue                // nil disables the job endpoints
	Storage        *storage.StorageManager // history fallback for job lookups
	MaxBodyBytes   int64
	RateLimitRPS   float64 // zero disables rate limiting
	RateLimitBurst int
	Stats          map[string]StatsFunc // served by GET /api/captcha/stats
}

// Server is the HTTP front end of the worker
type Server struct {
	config  *ServerConfig
	limiter *rate.Limiter
	mux     *http.ServeMux
	logger  *logging.Logger
}

// RecognizeBody is the request body of the recognition endpoints
type RecognizeBody struct {
	Image    string                 `json:"image"`
	ImageURL string                 `json:"imageUrl,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewServer creates the HTTP server
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil || cfg.Processor == nil {
		return nil, fmt.Errorf("Processor is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}

	s := &Server{
		config: cfg,
		mux:    http.NewServeMux(),
		logger: logging.NewLogger("API"),
	}
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(cfg.RateLimitRPS) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/captcha/recognize", s.limit(s.handleRecognize))
	s.mux.HandleFunc("POST /api/captcha/jobs", s.limit(s.handleEnqueue))
	s.mux.HandleFunc("GET /api/captcha/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /api/captcha/stats", s.handleStats)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Not found"})
	})

	return s, nil
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP until ctx is cancelled, then drains open requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Too many requests"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Captcha recognition service is running",
	})
}

// decodeBody reads a RecognizeBody, writing the error response itself on failure
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (*RecognizeBody, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)

	var body RecognizeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "Request body too large"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid JSON body"})
		return nil, false
	}
	if body.Image == "" && body.ImageURL == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Missing image parameter"})
		return nil, false
	}
	return &body, true
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}

	result, err := s.config.Processor.Recognize(r.Context(), &processor.RecognizeRequest{
		Image:    body.Image,
		ImageURL: body.ImageURL,
		Metadata: body.Metadata,
	})
	if err != nil {
		status, resp := errorResponse(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("Recognition failed", "error", err)
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.config.Jobs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "Job queue is not configured"})
		return
	}
	body, ok := s.decodeBody(w, r)
	if !ok {
		return
	}

	jobID, err := s.config.Jobs.Enqueue(r.Context(), &queue.RecognizePayload{
		Image:    body.Image,
		ImageURL: body.ImageURL,
		Metadata: body.Metadata,
	})
	if err != nil {
		s.logger.Error("Failed to enqueue job", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error: "Internal server error: " + err.Error(),
			Code:  string(errors.ErrorQueueFailed),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if s.config.Jobs != nil {
		status, err := s.config.Jobs.GetJob(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, status)
			return
		}
		if !stderrors.Is(err, queue.ErrJobNotFound) {
			s.logger.Error("Failed to read job", "jobId", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error: " + err.Error()})
			return
		}
	}

	// Jobs age out of the queue after their retention; history keeps them.
	rec, err := s.config.Storage.GetRecognition(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, recognitionStatus(rec))
	case stderrors.Is(err, storage.ErrNotFound), stderrors.Is(err, storage.ErrHistoryDisabled):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Job not found"})
	default:
		s.logger.Error("Failed to read recognition", "jobId", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error: " + err.Error()})
	}
}

// handleStats collects every registered component's statistics. A component
// that fails reports its error in place of its numbers.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := make(map[string]interface{}, len(s.config.Stats))
	for name, fn := range s.config.Stats {
		stats, err := fn(r.Context())
		if err != nil {
			s.logger.Warn("Failed to collect stats", "component", name, "error", err)
			resp[name] = map[string]string{"error": err.Error()}
			continue
		}
		resp[name] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// recognitionStatus renders a history row in the job status shape
func recognitionStatus(rec *storage.Recognition) map[string]interface{} {
	resp := map[string]interface{}{
		"jobId":       rec.ID,
		"state":       rec.Status,
		"completedAt": rec.UpdatedAt,
	}
	if rec.Result != nil {
		resp["result"] = map[string]interface{}{
			"jobId":  rec.ID,
			"result": *rec.Result,
			"details": map[string]interface{}{
				"rawOcrResult": rec.RawText,
				"cleanedText":  rec.CleanedText,
				"expression":   rec.Expression,
				"steps":        rec.Steps,
				"strategy":     rec.Strategy,
				"ocrEngine":    rec.OCREngine,
			},
			"processingTimeMs": rec.ProcessingTimeMs,
		}
	}
	if rec.ErrorCode != "" {
		resp["lastError"] = rec.ErrorMessage
		resp["code"] = rec.ErrorCode
	}
	return resp
}

// errorResponse maps a recognition failure to its HTTP status and body
func errorResponse(err error) (int, errorBody) {
	code := errors.CodeOf(errors.FromPipeline("", err))

	switch code {
	case errors.ErrorInvalidImage:
		if stderrors.Is(err, processor.ErrNoImage) {
			return http.StatusBadRequest, errorBody{Error: "Missing image parameter", Code: string(code)}
		}
		if stderrors.Is(err, processor.ErrImageURLDisabled) || stderrors.Is(err, processor.ErrImageURLNotAllowed) {
			return http.StatusBadRequest, errorBody{Error: "Image URL not allowed", Code: string(code)}
		}
		return http.StatusBadRequest, errorBody{Error: "Invalid base64 image format", Code: string(code)}
	case errors.ErrorExtractionFailed:
		return http.StatusBadRequest, errorBody{Error: "Failed to extract expression from image", Code: string(code)}
	default:
		return http.StatusInternalServerError, errorBody{Error: "Internal server error: " + err.Error(), Code: string(code)}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
