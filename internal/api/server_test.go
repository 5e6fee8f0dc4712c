package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/expression"
	"github.com/adverant/nexus/captcha-worker/internal/ocr"
	"github.com/adverant/nexus/captcha-worker/internal/processor"
	"github.com/adverant/nexus/captcha-worker/internal/queue"
)

type stubJobs struct {
	enqueued []*queue.RecognizePayload
	status   *queue.JobStatus
	err      error
}

func (s *stubJobs) Enqueue(ctx context.Context, payload *queue.RecognizePayload) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.enqueued = append(s.enqueued, payload)
	return "job-42", nil
}

func (s *stubJobs) GetJob(ctx context.Context, id string) (*queue.JobStatus, error) {
	if s.status == nil || s.status.ID != id {
		return nil, queue.ErrJobNotFound
	}
	return s.status, nil
}

func newTestServer(t *testing.T, ocrText string, jobs JobQueue, rps float64) http.Handler {
	t.Helper()
	engine := ocr.EngineFunc{
		EngineName: "stub",
		Fn: func(ctx context.Context, image []byte) (*ocr.Result, error) {
			if ocrText == "" {
				return nil, ocr.ErrNoText
			}
			return &ocr.Result{Text: ocrText, Engine: "stub"}, nil
		},
	}
	proc, err := processor.NewCaptchaProcessor(&processor.ProcessorConfig{Engine: engine, TestModeToken: "test-captcha"})
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ServerConfig{Processor: proc, MaxBodyBytes: 1024, RateLimitRPS: rps, RateLimitBurst: 1}
	if jobs != nil {
		cfg.Jobs = jobs
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("response is not JSON: %q", rec.Body.String())
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	rec, body := do(t, newTestServer(t, "1+1", nil, 0), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("GET /health = %d %v", rec.Code, body)
	}
}

func TestNotFound(t *testing.T) {
	rec, body := do(t, newTestServer(t, "1+1", nil, 0), http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound || body["error"] != "Not found" {
		t.Errorf("GET /nope = %d %v", rec.Code, body)
	}
}

func TestRecognizeTestMode(t *testing.T) {
	rec, body := do(t, newTestServer(t, "", nil, 0), http.MethodPost, "/api/captcha/recognize", `{"image":"test-captcha"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %v", rec.Code, body)
	}
	if body["result"] != float64(6) {
		t.Errorf("result = %v, want 6", body["result"])
	}
	details := body["details"].(map[string]interface{})
	want := map[string]interface{}{
		"rawOcrResult": processor.TestModeText,
		"expression":   "0*8+6",
		"calculation":  "0*8+6 = 0*8=0 = 0+6=6 = 6",
	}
	for k, v := range want {
		if details[k] != v {
			t.Errorf("details[%q] = %v, want %v", k, details[k], v)
		}
	}
}

func TestRecognizeStatusMapping(t *testing.T) {
	testCases := []struct {
		name    string
		ocrText string
		body    string
		status  int
		message string
	}{
		{"missing image", "1+1", `{}`, http.StatusBadRequest, "Missing image parameter"},
		{"invalid json", "1+1", `{`, http.StatusBadRequest, "Invalid JSON body"},
		{"bad base64", "1+1", `{"image":"%%%"}`, http.StatusBadRequest, "Invalid base64 image format"},
		{"image url disabled", "1+1", `{"imageUrl":"http://127.0.0.1:6379/"}`, http.StatusBadRequest, "Image URL not allowed"},
		{"no expression", "1234", `{"image":"aGk="}`, http.StatusBadRequest, "Failed to extract expression from image"},
		{"ocr failure", "", `{"image":"aGk="}`, http.StatusInternalServerError, ""},
		{"division by zero", "5/0", `{"image":"aGk="}`, http.StatusInternalServerError, ""},
		{"body too large", "1+1", `{"image":"` + strings.Repeat("a", 2048) + `"}`, http.StatusRequestEntityTooLarge, "Request body too large"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec, body := do(t, newTestServer(t, tc.ocrText, nil, 0), http.MethodPost, "/api/captcha/recognize", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d (%v)", rec.Code, tc.status, body)
			}
			msg, _ := body["error"].(string)
			if tc.message != "" && msg != tc.message {
				t.Errorf("error = %q, want %q", msg, tc.message)
			}
			if tc.status == http.StatusInternalServerError && !strings.HasPrefix(msg, "Internal server error: ") {
				t.Errorf("error = %q, want internal server error prefix", msg)
			}
		})
	}
}

func TestRecognizeRateLimited(t *testing.T) {
	h := newTestServer(t, "1+1", nil, 0.001)
	if rec, _ := do(t, h, http.MethodPost, "/api/captcha/recognize", `{"image":"aGk="}`); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/captcha/recognize", `{"image":"aGk="}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
}

func TestJobs(t *testing.T) {
	jobs := &stubJobs{status: &queue.JobStatus{ID: "job-42", State: "completed", Result: json.RawMessage(`{"result":6}`)}}
	h := newTestServer(t, "1+1", jobs, 0)

	rec, body := do(t, h, http.MethodPost, "/api/captcha/jobs", `{"imageUrl":"http://example.com/c.png","metadata":{"k":"v"}}`)
	if rec.Code != http.StatusAccepted || body["jobId"] != "job-42" {
		t.Fatalf("POST /jobs = %d %v", rec.Code, body)
	}
	if got := jobs.enqueued[0]; got.ImageURL != "http://example.com/c.png" || got.Metadata["k"] != "v" {
		t.Errorf("enqueued = %+v", got)
	}

	rec, body = do(t, h, http.MethodGet, "/api/captcha/jobs/job-42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /jobs/job-42 = %d %v", rec.Code, body)
	}
	if diff := cmp.Diff(map[string]interface{}{"result": float64(6)}, body["result"]); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/captcha/jobs/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /jobs/unknown = %d, want 404", rec.Code)
	}
}

func TestJobsWithoutQueue(t *testing.T) {
	rec, _ := do(t, newTestServer(t, "1+1", nil, 0), http.MethodPost, "/api/captcha/jobs", `{"image":"aGk="}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("POST /jobs = %d, want 503", rec.Code)
	}
}

func TestEnqueueFailure(t *testing.T) {
	rec, body := do(t, newTestServer(t, "1+1", &stubJobs{err: stderrors.New("redis down")}, 0), http.MethodPost, "/api/captcha/jobs", `{"image":"aGk="}`)
	if rec.Code != http.StatusInternalServerError || body["code"] != string(errors.ErrorQueueFailed) {
		t.Errorf("POST /jobs = %d %v", rec.Code, body)
	}
}

func TestRecognizeRefusesInternalImageURL(t *testing.T) {
	engine := ocr.EngineFunc{EngineName: "stub", Fn: func(ctx context.Context, image []byte) (*ocr.Result, error) {
		return &ocr.Result{Text: "1+1", Engine: "stub"}, nil
	}}
	proc, err := processor.NewCaptchaProcessor(&processor.ProcessorConfig{
		Engine:            engine,
		AllowedImageHosts: []string{"127.0.0.1", "metadata.google.internal"},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(&ServerConfig{Processor: proc})
	if err != nil {
		t.Fatal(err)
	}

	for _, url := range []string{"http://127.0.0.1:6379/", "http://10.0.0.8/c.png", "gopher://127.0.0.1/"} {
		rec, body := do(t, srv.Handler(), http.MethodPost, "/api/captcha/recognize", `{"imageUrl":"`+url+`"}`)
		if rec.Code != http.StatusBadRequest || body["error"] != "Image URL not allowed" {
			t.Errorf("imageUrl %s = %d %v, want 400", url, rec.Code, body)
		}
	}
}

func TestStats(t *testing.T) {
	proc, err := processor.NewCaptchaProcessor(&processor.ProcessorConfig{Engine: ocr.EngineFunc{EngineName: "stub"}})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(&ServerConfig{
		Processor: proc,
		Stats: map[string]StatsFunc{
			"listQueue": func(ctx context.Context) (interface{}, error) {
				return map[string]int64{"waiting": 2, "failed": 1}, nil
			},
			"storage": func(ctx context.Context) (interface{}, error) {
				return nil, stderrors.New("redis down")
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	rec, body := do(t, srv.Handler(), http.MethodGet, "/api/captcha/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /stats = %d %v", rec.Code, body)
	}
	want := map[string]interface{}{
		"listQueue": map[string]interface{}{"waiting": float64(2), "failed": float64(1)},
		"storage":   map[string]interface{}{"error": "redis down"},
	}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorResponseKeepsCodes(t *testing.T) {
	status, body := errorResponse(&expression.EvaluationError{Expression: "5/0", Cause: expression.ErrDivisionByZero})
	if status != http.StatusInternalServerError || body.Code != string(errors.ErrorEvaluationFailed) {
		t.Errorf("errorResponse() = %d %+v", status, body)
	}
}

func TestGRPCHealth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	checkErr := make(chan error, 1)
	checkErr <- stderrors.New("redis down")

	srv := NewGRPCServer("bufnet", func(ctx context.Context) error {
		select {
		case err := <-checkErr:
			return err
		default:
			return nil
		}
	}, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall status = %v", resp.Status)
	}

	// first check fails, so the pipeline service flips to NOT_SERVING
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err == nil && resp.Status == healthpb.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("service status = %v, %v; want NOT_SERVING", resp, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve() error = %v", err)
	}
}
