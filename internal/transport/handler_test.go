package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anime-shed/card-scanner-go/internal/config"
	"github.com/anime-shed/card-scanner-go/internal/engine/enginetest"
	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/internal/repository"
	"github.com/anime-shed/card-scanner-go/internal/service"
	"github.com/anime-shed/card-scanner-go/internal/verification"
	"github.com/anime-shed/card-scanner-go/internal/widget"
	"github.com/anime-shed/card-scanner-go/pkg/models"
	"github.com/anime-shed/card-scanner-go/pkg/validation"
)

type mapSource map[string]*models.ImageFile

func (m mapSource) FetchImage(ctx context.Context, ref string) (*models.ImageFile, error) {
	if img, ok := m[ref]; ok {
		return img, nil
	}
	return nil, apperrors.NewNotFoundError("image not found", nil)
}

type stubWorkflow struct {
	verified *models.RecognitionResult
	holder   string
}

func (w *stubWorkflow) Begin(ctx context.Context, token, code string) error {
	if code != "123456" {
		return apperrors.NewUnauthorizedError("one-time code is invalid", nil)
	}
	return nil
}

func (w *stubWorkflow) Remaining(ctx context.Context, token string) (int, error) { return 3, nil }

func (w *stubWorkflow) Verify(ctx context.Context, token, paymentMethodID, expectedHolder string, result *models.RecognitionResult) (*verification.Outcome, error) {
	w.verified = result
	w.holder = expectedHolder
	return &verification.Outcome{Remaining: 3}, nil
}

func (w *stubWorkflow) Retry(ctx context.Context, token string) (*verification.ActionCode, error) {
	return nil, apperrors.NewConflictError("retry budget exhausted", nil)
}

func (w *stubWorkflow) HandoffQR(token, paymentMethodID, code string, size int) ([]byte, string, error) {
	return []byte("\x89PNG"), "https://scan.example.com/?otp=" + code, nil
}

type testEnv struct {
	handler  http.Handler
	host     widget.Host
	scans    repository.ScanRepository
	workflow *stubWorkflow
	loader   *enginetest.Loader
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, enginetest.Image()); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := repository.NewDB(context.Background(), config.DatabaseConfig{
		Type:       "sqlite3",
		SQLitePath: filepath.Join(t.TempDir(), "scans.db"),
	})
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	scans := repository.NewScanRepository(db)

	eng := enginetest.New()
	eng.Results[service.BlinkCardRecognizer] = &models.RecognizerResult{
		State:  models.ResultValid,
		Fields: map[string]any{"cardNumber": "4111111111111111"},
	}
	loader := &enginetest.Loader{Engine: eng}
	opts := service.DefaultOptions().WithTerminationDelays(time.Millisecond, time.Millisecond)

	stream := observer.NewStreamObserver(16)
	publisher := observer.NewEventPublisher()
	publisher.Subscribe(observer.NewRecordingObserver(scans))
	publisher.Subscribe(stream)

	host := widget.NewHost(widget.Settings{
		LicenseKey: "license",
		Scan: config.ScanConfig{
			Recognizers:             []string{service.BlinkCardRecognizer},
			RecognitionTimeout:      time.Second,
			RecognitionPauseTimeout: 50 * time.Millisecond,
			AllowScanFromCamera:     true,
			AllowScanFromImage:      true,
			Locale:                  "en",
		},
	}, func() service.ScanService {
		return service.NewScanService(loader, opts)
	}, publisher)
	if err := host.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { _ = host.Close() })

	workflow := &stubWorkflow{}
	cfg := &config.Config{
		RequestTimeout:     2 * time.Second,
		ImageFetchTimeout:  time.Second,
		MaxRequestBodySize: 10 << 20,
		Storage:            config.StorageConfig{Source: "local"},
	}
	h := NewHandler(Dependencies{
		Host:         host,
		Images:       mapSource{"cards/front.png": {Name: "front.png", ContentType: "image/png", Data: pngBytes(t)}},
		Validator:    validation.NewReferenceValidator(),
		Verification: workflow,
		Scans:        scans,
		Stream:       stream,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, "card_scanner_widget_events_total 1")
		}),
	}, cfg)

	return &testEnv{handler: h, host: host, scans: scans, workflow: workflow, loader: loader}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, "card.png")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	part.Write(data)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func decodeEvent(t *testing.T, w *httptest.ResponseRecorder) observer.WidgetEvent {
	t.Helper()
	var ev observer.WidgetEvent
	if err := json.Unmarshal(w.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode event: %v (body %s)", err, w.Body.String())
	}
	return ev
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"available"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "card_scanner_widget_events_total") {
		t.Errorf("metrics = %d %s", w.Code, w.Body.String())
	}

	w = env.do(httptest.NewRequest(http.MethodGet, "/widget", nil))
	var status map[string]any
	json.Unmarshal(w.Body.Bytes(), &status)
	if status["ready"] != true || status["image_recognition_type"] != string(models.ImageRecognitionMultiSide) {
		t.Errorf("widget status = %v", status)
	}
}

func TestUpdateWidgetSettings(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantReady   bool
		wantLocale  string
		wantLicense string
	}{
		{"locale and licence", `{"license_key":"renewed","locale":"pl"}`, http.StatusOK, true, "pl", "renewed"},
		{"empty fields keep settings", `{}`, http.StatusOK, true, "en", "license"},
		{"unknown recognizer", `{"recognizers":["UnknownRecognizer"]}`, http.StatusBadRequest, false, "en", "license"},
		{"malformed body", `{"locale":`, http.StatusBadRequest, true, "en", "license"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPut, "/widget/settings", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			w := env.do(req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if env.host.IsReady() != tt.wantReady {
				t.Errorf("ready = %v, want %v", env.host.IsReady(), tt.wantReady)
			}
			settings := env.host.Settings()
			if settings.Scan.Locale != tt.wantLocale || settings.LicenseKey != tt.wantLicense {
				t.Errorf("settings locale=%q licence=%q", settings.Scan.Locale, settings.LicenseKey)
			}
			if tt.wantStatus == http.StatusOK {
				var status map[string]any
				json.Unmarshal(w.Body.Bytes(), &status)
				if status["ready"] != true {
					t.Errorf("widget status = %v", status)
				}
				if last := env.loader.LastLicense(); last != tt.wantLicense {
					t.Errorf("engine loaded with licence %q, want %q", last, tt.wantLicense)
				}
			}
		})
	}
}

func TestScanImageUpload(t *testing.T) {
	tests := []struct {
		name       string
		field      string
		wantStatus int
		wantType   observer.EventType
		wantCode   models.Code
	}{
		{"success", "file", http.StatusOK, observer.ScanSuccess, ""},
		{"missing file", "other", http.StatusUnprocessableEntity, observer.ScanError, models.CodeNoImageFileFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			body, contentType := multipartBody(t, tt.field, pngBytes(t))
			req := httptest.NewRequest(http.MethodPost, "/scan/image", body)
			req.Header.Set("Content-Type", contentType)

			w := env.do(req)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			ev := decodeEvent(t, w)
			if ev.EventType != tt.wantType {
				t.Errorf("event = %s, want %s", ev.EventType, tt.wantType)
			}
			if tt.wantCode != "" && (ev.Error == nil || ev.Error.Code != tt.wantCode) {
				t.Errorf("error = %+v, want %s", ev.Error, tt.wantCode)
			}
		})
	}
}

func TestScanImageUploadNotMultipart(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/scan/image", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	if w := env.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestScanImageRef(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"found", `{"ref":"cards/front.png"}`, http.StatusOK},
		{"escapes root", `{"ref":"../etc/passwd"}`, http.StatusBadRequest},
		{"unknown", `{"ref":"cards/back.png"}`, http.StatusNotFound},
		{"missing ref", `{}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodPost, "/scan/image/ref", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if w := env.do(req); w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestScansAreRecorded(t *testing.T) {
	env := newTestEnv(t)
	body, contentType := multipartBody(t, "file", pngBytes(t))
	req := httptest.NewRequest(http.MethodPost, "/scan/image", body)
	req.Header.Set("Content-Type", contentType)
	if w := env.do(req); w.Code != http.StatusOK {
		t.Fatalf("scan status = %d", w.Code)
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/scans?limit=5", nil))
	var list struct {
		Scans []repository.ScanRecord `json:"scans"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Scans) != 1 {
		t.Fatalf("scans = %s", w.Body.String())
	}
	rec := list.Scans[0]
	if rec.Outcome != string(observer.ScanSuccess) || rec.Source != widget.SourceImage {
		t.Errorf("record = %+v", rec)
	}

	if w := env.do(httptest.NewRequest(http.MethodGet, "/scans/"+rec.ID, nil)); w.Code != http.StatusOK {
		t.Errorf("get scan = %d", w.Code)
	}
	if w := env.do(httptest.NewRequest(http.MethodGet, "/scans/unknown", nil)); w.Code != http.StatusNotFound {
		t.Errorf("get unknown scan = %d, want 404", w.Code)
	}
	if w := env.do(httptest.NewRequest(http.MethodGet, "/scans?limit=0", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 = %d, want 400", w.Code)
	}
}

func TestVerification(t *testing.T) {
	env := newTestEnv(t)
	success := &repository.ScanRecord{
		Source:         widget.SourceImage,
		Outcome:        string(observer.ScanSuccess),
		RecognizerName: service.BlinkCardRecognizer,
		Fields: map[string]any{
			"cardNumber": "4111111111111111",
			"owner":      "JANE DOE",
			"expiryDate": map[string]any{"month": 4, "year": 2030},
		},
	}
	failed := &repository.ScanRecord{Source: widget.SourceImage, Outcome: string(observer.ScanError)}
	for _, r := range []*repository.ScanRecord{success, failed} {
		if err := env.scans.SaveScan(context.Background(), r); err != nil {
			t.Fatalf("SaveScan() error = %v", err)
		}
	}

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer user-token")
		return env.do(req)
	}

	if w := post("/verification/begin", `{"code":"123456"}`); w.Code != http.StatusOK {
		t.Errorf("begin = %d %s", w.Code, w.Body.String())
	}
	if w := post("/verification/begin", `{"code":"000000"}`); w.Code != http.StatusUnauthorized {
		t.Errorf("begin with bad code = %d, want 401", w.Code)
	}
	if w := post("/verification/retry", `{}`); w.Code != http.StatusConflict {
		t.Errorf("retry = %d, want 409", w.Code)
	}

	w := post("/verification/verify", fmt.Sprintf(`{"scan_id":%q,"payment_method_id":"pm_1","expected_holder":"Jane Doe"}`, success.ID))
	if w.Code != http.StatusOK {
		t.Fatalf("verify = %d %s", w.Code, w.Body.String())
	}
	if env.workflow.verified == nil || env.workflow.verified.Recognizer.Fields["owner"] != "JANE DOE" {
		t.Errorf("verified result = %+v", env.workflow.verified)
	}
	if env.workflow.holder != "Jane Doe" {
		t.Errorf("expected holder = %q", env.workflow.holder)
	}

	if w := post("/verification/verify", fmt.Sprintf(`{"scan_id":%q,"payment_method_id":"pm_1"}`, failed.ID)); w.Code != http.StatusConflict {
		t.Errorf("verify failed scan = %d, want 409", w.Code)
	}
	if w := post("/verification/verify", `{"scan_id":"nope","payment_method_id":"pm_1"}`); w.Code != http.StatusNotFound {
		t.Errorf("verify unknown scan = %d, want 404", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/verification/qr?payment_id=pm_1&code=42", nil)
	w = env.do(req)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" || !strings.HasSuffix(w.Header().Get("X-Handoff-URL"), "otp=42") {
		t.Errorf("qr = %d %v", w.Code, w.Header())
	}
}

func TestOverlayAndUIMessage(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/scan/overlay", nil))
	var overlay map[string]any
	json.Unmarshal(w.Body.Bytes(), &overlay)
	if w.Code != http.StatusOK || overlay["type"] != string(models.CameraExperiencePaymentCard) {
		t.Errorf("overlay = %d %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodPut, "/scan/ui-message", strings.NewReader(`{"state":"LOUD","message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	if w := env.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("invalid state = %d, want 400", w.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/scan/device", strings.NewReader(`{"device_id":"1"}`))
	req.Header.Set("Content-Type", "application/json")
	if w := env.do(req); w.Code != http.StatusConflict {
		t.Errorf("device change without a scan = %d, want 409", w.Code)
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/scan/events", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodPut, server.URL+"/scan/ui-message", strings.NewReader(`{"state":"FEEDBACK_INFO","message":"Hold still"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ui-message error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ui-message status = %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev observer.WidgetEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.EventType != observer.Feedback || ev.Feedback == nil || ev.Feedback.Message != "Hold still" {
		t.Errorf("event = %+v", ev)
	}
}
