package processor

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/captcha-worker/internal/errors"
	"github.com/adverant/nexus/captcha-worker/internal/expression"
	"github.com/adverant/nexus/captcha-worker/internal/ocr"
	"github.com/adverant/nexus/captcha-worker/internal/storage"
)

// fakeEngine returns canned text and counts calls
type fakeEngine struct {
	text  string
	err   error
	calls atomic.Int32
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Recognize(ctx context.Context, image []byte) (*ocr.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &ocr.Result{Text: f.text, Engine: "fake", Model: "fake-v1", Confidence: 0.7, Duration: 12 * time.Millisecond}, nil
}

func newProcessor(t *testing.T, engine ocr.Engine, sm *storage.StorageManager) *CaptchaProcessor {
	t.Helper()
	p, err := NewCaptchaProcessor(&ProcessorConfig{
		Engine:        engine,
		Storage:       sm,
		TestModeToken: "test-captcha",
	})
	if err != nil {
		t.Fatalf("NewCaptchaProcessor() error = %v", err)
	}
	return p
}

func encoded(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestNewCaptchaProcessorRequiresEngine(t *testing.T) {
	if _, err := NewCaptchaProcessor(&ProcessorConfig{}); err == nil {
		t.Fatal("NewCaptchaProcessor() accepted config without engine")
	}
	if _, err := NewCaptchaProcessor(nil); err == nil {
		t.Fatal("NewCaptchaProcessor(nil) succeeded")
	}
}

func TestRecognizeTestMode(t *testing.T) {
	engine := &fakeEngine{text: "1+1"}
	p := newProcessor(t, engine, nil)

	res, err := p.Recognize(context.Background(), &RecognizeRequest{Image: "test-captcha"})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Result != 6 || !res.TestMode {
		t.Errorf("Recognize() = %+v, want test-mode result 6", res)
	}
	if res.Details.RawOCRResult != TestModeText || res.Details.Expression != "0*8+6" {
		t.Errorf("Details = %+v", res.Details)
	}
	if diff := cmp.Diff([]string{"0*8+6", "0*8=0", "0+6=6", "6"}, res.Details.Steps); diff != "" {
		t.Errorf("Steps mismatch (-want +got):\n%s", diff)
	}
	if res.JobID == "" {
		t.Error("JobID not assigned")
	}
	if engine.calls.Load() != 0 {
		t.Error("OCR engine called in test mode")
	}
}

func TestRecognizeTestModeDisabled(t *testing.T) {
	p, err := NewCaptchaProcessor(&ProcessorConfig{Engine: &fakeEngine{text: "1+1"}})
	if err != nil {
		t.Fatal(err)
	}
	// "test-captcha" is not valid base64 once test mode is off
	_, err = p.Recognize(context.Background(), &RecognizeRequest{Image: "test-captcha"})
	if errors.CodeOf(err) != errors.ErrorInvalidImage {
		t.Fatalf("Recognize() error = %v, want INVALID_IMAGE", err)
	}
}

func TestRecognizePipeline(t *testing.T) {
	testCases := []struct {
		name     string
		ocrText  string
		want     int64
		expr     string
		strategy string
	}{
		{"noisy subtraction", "9+0-75", 2, "9+0-7", expression.StrategyThreeOperands},
		{"times glyph with trailer", "4 x 5 = ?", 20, "4*5", expression.StrategyTwoOperands},
		{"precedence", "2+3*4", 14, "2+3*4", expression.StrategyThreeOperands},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newProcessor(t, &fakeEngine{text: tc.ocrText}, nil)
			res, err := p.Recognize(context.Background(), &RecognizeRequest{
				JobID: "job-1",
				Image: "data:image/png;base64," + encoded("png"),
			})
			if err != nil {
				t.Fatalf("Recognize() error = %v", err)
			}
			if res.Result != tc.want || res.Details.Expression != tc.expr || res.Details.Strategy != tc.strategy {
				t.Errorf("Recognize() = %d %q %q, want %d %q %q",
					res.Result, res.Details.Expression, res.Details.Strategy, tc.want, tc.expr, tc.strategy)
			}
			if res.JobID != "job-1" || res.Details.OCREngine != "fake" || res.Details.RawOCRResult != tc.ocrText {
				t.Errorf("Recognize() = %+v", res)
			}
			if res.Details.OCRModel != "fake-v1" || res.Details.OCRTimeMs != 12 {
				t.Errorf("OCR model/time = %q %d, want fake-v1 12", res.Details.OCRModel, res.Details.OCRTimeMs)
			}
		})
	}
}

func TestRecognizeLeavesRequestUntouched(t *testing.T) {
	p := newProcessor(t, &fakeEngine{text: "2+2"}, nil)
	req := &RecognizeRequest{Image: encoded("png")}

	first, err := p.Recognize(context.Background(), req)
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if req.JobID != "" {
		t.Errorf("request JobID = %q, want it left empty", req.JobID)
	}
	second, err := p.Recognize(context.Background(), req)
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if first.JobID == "" || first.JobID == second.JobID {
		t.Errorf("job ids %q and %q, want distinct generated ids", first.JobID, second.JobID)
	}
}

func TestRecognizeFailuresAreCoded(t *testing.T) {
	testCases := []struct {
		name   string
		engine *fakeEngine
		req    *RecognizeRequest
		code   errors.ErrorCode
		cause  error
	}{
		{"no image", &fakeEngine{}, &RecognizeRequest{}, errors.ErrorInvalidImage, ErrNoImage},
		{"bad base64", &fakeEngine{}, &RecognizeRequest{Image: "%%%"}, errors.ErrorInvalidImage, nil},
		{"ocr failure", &fakeEngine{err: ocr.ErrNoText}, &RecognizeRequest{Image: encoded("x")}, errors.ErrorOCRFailed, ocr.ErrNoText},
		{"too short", &fakeEngine{text: "12"}, &RecognizeRequest{Image: encoded("x")}, errors.ErrorExtractionFailed, expression.ErrTooShort},
		{"no operator", &fakeEngine{text: "1234"}, &RecognizeRequest{Image: encoded("x")}, errors.ErrorExtractionFailed, expression.ErrNoOperator},
		{"division by zero", &fakeEngine{text: "5/0"}, &RecognizeRequest{Image: encoded("x")}, errors.ErrorEvaluationFailed, expression.ErrDivisionByZero},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := newProcessor(t, tc.engine, nil)
			_, err := p.Recognize(context.Background(), tc.req)
			if code := errors.CodeOf(err); code != tc.code {
				t.Fatalf("CodeOf(%v) = %q, want %q", err, code, tc.code)
			}
			if tc.cause != nil && !stderrors.Is(err, tc.cause) {
				t.Errorf("Recognize() error = %v, want cause %v", err, tc.cause)
			}
		})
	}
}

func TestRecognizeRejectsOversizeImage(t *testing.T) {
	p, err := NewCaptchaProcessor(&ProcessorConfig{Engine: &fakeEngine{text: "1+1"}, MaxImageBytes: 4})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Recognize(context.Background(), &RecognizeRequest{ImageBytes: []byte("too large")})
	if errors.CodeOf(err) != errors.ErrorInvalidImage {
		t.Fatalf("Recognize() error = %v, want INVALID_IMAGE", err)
	}
}

func TestRecognizeUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	sm := storage.NewStorageManager(nil, storage.NewResultCache(client, time.Minute))

	engine := &fakeEngine{text: "7/2+1"}
	p := newProcessor(t, engine, sm)
	ctx := context.Background()

	first, err := p.Recognize(ctx, &RecognizeRequest{JobID: "a", ImageBytes: []byte("same image")})
	if err != nil {
		t.Fatalf("first Recognize() error = %v", err)
	}
	second, err := p.Recognize(ctx, &RecognizeRequest{JobID: "b", ImageBytes: []byte("same image")})
	if err != nil {
		t.Fatalf("second Recognize() error = %v", err)
	}

	if engine.calls.Load() != 1 {
		t.Errorf("engine calls = %d, want 1", engine.calls.Load())
	}
	if !second.Cached || first.Cached {
		t.Errorf("Cached flags = %v, %v", first.Cached, second.Cached)
	}
	if second.JobID != "b" || second.Result != 4 {
		t.Errorf("cached result = %+v", second)
	}
	if diff := cmp.Diff(first.Details, second.Details); diff != "" {
		t.Errorf("cached details mismatch (-first +second):\n%s", diff)
	}
}

func TestRecognizeDownloadsImageURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("png"))
	}))
	defer srv.Close()

	p, err := NewCaptchaProcessor(&ProcessorConfig{
		Engine:            &fakeEngine{text: "3*3"},
		AllowedImageHosts: []string{"127.0.0.1"},
		HTTPClient:        srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Recognize(context.Background(), &RecognizeRequest{ImageURL: srv.URL + "/captcha.png"})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if res.Result != 9 {
		t.Errorf("Result = %d, want 9", res.Result)
	}
	if hits.Load() != 2 {
		t.Errorf("download attempts = %d, want 2", hits.Load())
	}
}

func TestRecognizeImageURLPolicy(t *testing.T) {
	var hits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("png"))
	}))
	defer internal.Close()

	testCases := []struct {
		name    string
		allowed []string
		url     string
		want    error
	}{
		{"disabled without allowlist", nil, internal.URL + "/c.png", ErrImageURLDisabled},
		{"host not listed", []string{"captcha.example.com"}, internal.URL + "/c.png", ErrImageURLNotAllowed},
		{"scheme not http", []string{"127.0.0.1"}, "file:///etc/passwd", ErrImageURLNotAllowed},
		{"listed loopback is still refused", []string{"127.0.0.1"}, internal.URL + "/c.png", ErrImageURLNotAllowed},
		{"metadata address", []string{"169.254.169.254"}, "http://169.254.169.254/latest/meta-data/", ErrImageURLNotAllowed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewCaptchaProcessor(&ProcessorConfig{Engine: &fakeEngine{text: "1+1"}, AllowedImageHosts: tc.allowed})
			if err != nil {
				t.Fatal(err)
			}
			_, err = p.Recognize(context.Background(), &RecognizeRequest{ImageURL: tc.url})
			if !stderrors.Is(err, tc.want) {
				t.Fatalf("Recognize() error = %v, want %v", err, tc.want)
			}
			if errors.CodeOf(err) != errors.ErrorInvalidImage {
				t.Errorf("code = %s, want INVALID_IMAGE", errors.CodeOf(err))
			}
		})
	}
	if hits.Load() != 0 {
		t.Errorf("internal server reached %d times", hits.Load())
	}
}

func TestRecognizeRefusesRedirectToUnlistedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	p, err := NewCaptchaProcessor(&ProcessorConfig{
		Engine:            &fakeEngine{text: "1+1"},
		AllowedImageHosts: []string{"127.0.0.1"},
		HTTPClient:        srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Recognize(context.Background(), &RecognizeRequest{ImageURL: srv.URL + "/c.png"})
	if !stderrors.Is(err, ErrImageURLNotAllowed) {
		t.Fatalf("Recognize() error = %v, want ErrImageURLNotAllowed", err)
	}
}

func TestHostAllowed(t *testing.T) {
	allowed := []string{"cdn.example.com", ".images.example.org", " "}
	testCases := map[string]bool{
		"cdn.example.com":      true,
		"CDN.Example.com.":     true,
		"a.images.example.org": true,
		"images.example.org":   false,
		"evil-cdn.example.com": false,
		"cdn.example.com.evil": false,
		"":                     false,
	}
	for host, want := range testCases {
		if got := hostAllowed(allowed, host); got != want {
			t.Errorf("hostAllowed(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestRecognizeRecordsHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	sm := storage.NewStorageManager(storage.NewPostgresClientFromDB(db), nil)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO captcha.recognitions")).
		WithArgs("job-h", sqlmock.AnyArg(), storage.StatusCompleted, "4x5", "4x5", "4*5", expression.StrategyTwoOperands,
			sqlmock.AnyArg(), sqlmock.AnyArg(), "fake", sqlmock.AnyArg(), sqlmock.AnyArg(), "", "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	p := newProcessor(t, &fakeEngine{text: "4x5"}, sm)
	if _, err := p.Recognize(context.Background(), &RecognizeRequest{JobID: "job-h", ImageBytes: []byte("img")}); err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	sm := storage.NewStorageManager(storage.NewPostgresClientFromDB(db), nil)
	p := newProcessor(t, &fakeEngine{text: "1234"}, sm)

	_, recognizeErr := p.Recognize(context.Background(), &RecognizeRequest{JobID: "job-f", ImageBytes: []byte("img")})
	if recognizeErr == nil {
		t.Fatal("Recognize() succeeded on operator-free text")
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO captcha.recognitions")).
		WithArgs("job-f", "", storage.StatusFailed, "1234", "", "", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), "", sqlmock.AnyArg(), sqlmock.AnyArg(),
			string(errors.ErrorExtractionFailed), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	p.RecordFailure(context.Background(), "job-f", recognizeErr, nil)
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
