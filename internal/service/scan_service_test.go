package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/internal/engine/enginetest"
	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

type recorder struct {
	mu     sync.Mutex
	events []models.ScanEvent
	seen   chan models.RecognitionStatus
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan models.RecognitionStatus, 64)}
}

func (r *recorder) on(ev models.ScanEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.seen <- ev.Status
}

func (r *recorder) statuses() []models.RecognitionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RecognitionStatus, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Status)
	}
	return out
}

func (r *recorder) last() models.ScanEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) terminals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, status models.RecognitionStatus) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.seen:
			if s == status {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s, got %v", status, r.statuses())
		}
	}
}

func testOptions(recognizers ...string) Options {
	opts := DefaultOptions().WithTerminationDelays(5*time.Millisecond, 5*time.Millisecond)
	if len(recognizers) > 0 {
		opts = opts.WithSupportedRecognizers(recognizers...)
	}
	return opts
}

func newTestService(t *testing.T, eng *enginetest.Engine, opts Options) ScanService {
	t.Helper()
	svc := NewScanService(&enginetest.Loader{Engine: eng}, opts)
	if err := svc.Initialize(context.Background(), "license", engine.LoadSettings{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return svc
}

func validResult(number string) *models.RecognizerResult {
	return &models.RecognizerResult{
		State:  models.ResultValid,
		Fields: map[string]any{"cardNumber": number},
	}
}

func pngFile(t *testing.T, name string) *models.ImageFile {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return &models.ImageFile{Name: name, ContentType: "image/png", Data: buf.Bytes()}
}

func assertStatuses(t *testing.T, got []models.RecognitionStatus, want ...models.RecognitionStatus) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func assertNoLeaks(t *testing.T, eng *enginetest.Engine) {
	t.Helper()
	if leaked := eng.Leaked(); len(leaked) > 0 {
		t.Errorf("leaked handles: %v", leaked)
	}
}

func TestScanFromCameraSuccess(t *testing.T) {
	eng := enginetest.New()
	eng.Results[BlinkCardRecognizer] = validResult("4111111111111111")
	eng.OnVideoStart = func(v *enginetest.Video) { v.Emit(models.ResultValid) }
	svc := newTestService(t, eng, testOptions())
	rec := newRecorder()

	svc.ScanFromCamera(context.Background(), CameraScanConfig{
		Recognizers:        []string{BlinkCardRecognizer},
		RecognitionTimeout: 10 * time.Second,
	}, rec.on)

	assertStatuses(t, rec.statuses(),
		models.StatusPreparing, models.StatusReady, models.StatusProcessing, models.StatusScanSuccessful)
	last := rec.last()
	if last.Result == nil || last.Result.RecognizerName != BlinkCardRecognizer {
		t.Fatalf("unexpected result %+v", last.Result)
	}
	if last.Result.Recognizer.Fields["cardNumber"] != "4111111111111111" {
		t.Errorf("fields = %v", last.Result.Recognizer.Fields)
	}
	if last.InitiatedByUser {
		t.Error("natural completion must not be flagged as user initiated")
	}

	video := eng.Videos()[0]
	if !video.Paused() {
		t.Error("capture must be paused before result handling")
	}
	if !video.Cancelled() {
		t.Error("capture must be cancelled during teardown")
	}
	if video.Timeout() != 10*time.Second {
		t.Errorf("timeout = %s", video.Timeout())
	}
	assertNoLeaks(t, eng)
	if svc.IsScanning() {
		t.Error("service should be idle after the scan returns")
	}
}

func TestScanFromCameraFirstNonEmptyRecognizerWins(t *testing.T) {
	eng := enginetest.New()
	eng.Results["B"] = validResult("b")
	eng.Results["C"] = validResult("c")
	eng.OnVideoStart = func(v *enginetest.Video) { v.Emit(models.ResultValid) }
	svc := newTestService(t, eng, testOptions("A", "B", "C"))
	rec := newRecorder()

	svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{"A", "B", "C"}}, rec.on)

	if got := rec.last(); got.Status != models.StatusScanSuccessful || got.RecognizerName != "B" {
		t.Fatalf("last event = %+v", got)
	}
	var queried []string
	for _, c := range eng.Calls() {
		if strings.HasPrefix(c, "result:") {
			queried = append(queried, c)
		}
	}
	if !reflect.DeepEqual(queried, []string{"result:A", "result:B"}) {
		t.Errorf("queried = %v, later recognizers must not be queried", queried)
	}
	assertNoLeaks(t, eng)
}

func TestScanFromCameraEmptyOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		state    models.ResultState
		wantName string
	}{
		{"timeout reports empty signal", models.ResultEmpty, ""},
		{"non-empty signal with empty recognizers", models.ResultUncertain, BlinkCardRecognizer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginetest.New()
			eng.OnVideoStart = func(v *enginetest.Video) { v.Emit(tt.state) }
			svc := newTestService(t, eng, testOptions())
			rec := newRecorder()

			svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)

			assertStatuses(t, rec.statuses(),
				models.StatusPreparing, models.StatusReady, models.StatusProcessing, models.StatusEmptyResultState)
			if got := rec.last().RecognizerName; got != tt.wantName {
				t.Errorf("RecognizerName = %q, want %q", got, tt.wantName)
			}
			assertNoLeaks(t, eng)
		})
	}
}

func TestScanFromCameraAcquisitionFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.RecognitionStatus
	}{
		{"not allowed", engine.NewVideoCaptureError(engine.ReasonCameraNotAllowed, "denied", nil), models.StatusCameraNotAllowed},
		{"not found", engine.NewVideoCaptureError(engine.ReasonCameraNotFound, "none", nil), models.StatusCameraNotFound},
		{"in use", engine.NewVideoCaptureError(engine.ReasonCameraInUse, "busy", nil), models.StatusCameraInUse},
		{"no media devices", engine.NewVideoCaptureError(engine.ReasonMediaDevicesNotSupported, "unsupported", nil), models.StatusNoSupportForMediaDevices},
		{"other reason", engine.NewVideoCaptureError(engine.ReasonCameraNotReady, "not ready", nil), models.StatusUnableToAccessCamera},
		{"no reason", errors.New("driver crashed"), models.StatusUnknownError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginetest.New()
			eng.VideoErr = tt.err
			svc := newTestService(t, eng, testOptions())
			rec := newRecorder()

			svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)

			assertStatuses(t, rec.statuses(), models.StatusPreparing, tt.want)
			if len(eng.Videos()) != 0 {
				t.Error("no feed should have been acquired")
			}
			if tt.want != models.StatusUnknownError && !apperrors.IsType(rec.last().Err, apperrors.ErrorTypeCamera) {
				t.Errorf("Err = %v, want camera error", rec.last().Err)
			}
			assertNoLeaks(t, eng)
		})
	}
}

func TestScanFromCameraStartFailure(t *testing.T) {
	eng := enginetest.New()
	eng.StartErr = engine.NewVideoCaptureError(engine.ReasonCameraInUse, "busy", nil)
	svc := newTestService(t, eng, testOptions())
	rec := newRecorder()

	svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)

	assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusReady, models.StatusCameraInUse)
	assertNoLeaks(t, eng)
}

func TestScanFromCameraSuccessFrame(t *testing.T) {
	eng := enginetest.New()
	eng.Results[BlinkCardRecognizer] = validResult("4111")
	eng.SuccessFrame = enginetest.Image()
	eng.OnVideoStart = func(v *enginetest.Video) { v.Emit(models.ResultValid) }
	svc := newTestService(t, eng, testOptions())
	rec := newRecorder()

	svc.ScanFromCamera(context.Background(), CameraScanConfig{
		Recognizers:  []string{BlinkCardRecognizer},
		SuccessFrame: true,
	}, rec.on)

	res := rec.last().Result
	if res == nil || res.SuccessFrame == nil || res.SuccessFrame.Frame == nil {
		t.Fatalf("expected success frame, got %+v", res)
	}
	runner := eng.Runners()[0]
	if len(runner.Attached) != 1 || runner.Attached[0] != engine.Recognizer(eng.Grabbers()[0]) {
		t.Error("runner must be bound to the success frame grabber")
	}
	assertNoLeaks(t, eng)
}

func TestScanFromCameraMetadataEvents(t *testing.T) {
	eng := enginetest.New()
	eng.Results[BlinkCardRecognizer] = validResult("4111")
	eng.OnVideoStart = func(v *enginetest.Video) {
		runner := eng.Runners()[0]
		runner.Callbacks.OnQuadDetection(models.Detection{Status: models.StatusDetectionFail})
		runner.Callbacks.OnDetectionFailed()
		runner.Callbacks.OnFirstSideResult()
		v.Emit(models.ResultValid)
	}
	svc := newTestService(t, eng, testOptions())
	rec := newRecorder()

	svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)

	assertStatuses(t, rec.statuses(),
		models.StatusPreparing,
		models.StatusReady,
		models.StatusDetectionStatusChange,
		models.StatusDetectionFail,
		models.StatusDetectionFailed,
		models.StatusOnFirstSideResult,
		models.StatusProcessing,
		models.StatusScanSuccessful,
	)
}

func TestFirstSideCallbackOnlyForBlinkCard(t *testing.T) {
	eng := enginetest.New()
	eng.OnVideoStart = func(v *enginetest.Video) { v.Emit(models.ResultEmpty) }
	svc := newTestService(t, eng, testOptions("Other"))

	svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{"Other"}}, nil)

	if eng.Runners()[0].Callbacks.OnFirstSideResult != nil {
		t.Error("first side callback should only be registered for BlinkCardRecognizer")
	}
}

func TestStopRecognitionEndsWithUserInitiatedEmpty(t *testing.T) {
	eng := enginetest.New()
	svc := newTestService(t, eng, testOptions())
	rec := newRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)
	}()
	rec.waitFor(t, models.StatusReady)
	svc.StopRecognition()
	<-done

	last := rec.last()
	if last.Status != models.StatusEmptyResultState || !last.InitiatedByUser {
		t.Errorf("last event = %+v, want user-initiated EmptyResultState", last)
	}
	if rec.terminals() != 1 {
		t.Errorf("terminal events = %d, want 1", rec.terminals())
	}
	if eng.Videos()[0].Emit(models.ResultValid) {
		t.Error("no frames should be delivered after teardown")
	}
	assertNoLeaks(t, eng)
}

func TestContextCancellationEndsAttempt(t *testing.T) {
	eng := enginetest.New()
	svc := newTestService(t, eng, testOptions())
	rec := newRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.ScanFromCamera(ctx, CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)
	}()
	rec.waitFor(t, models.StatusReady)
	cancel()
	<-done

	last := rec.last()
	if last.Status != models.StatusEmptyResultState || last.InitiatedByUser {
		t.Errorf("last event = %+v", last)
	}
	assertNoLeaks(t, eng)
}

func TestNewScanCancelsActiveAttempt(t *testing.T) {
	eng := enginetest.New()
	eng.Results[BlinkCardRecognizer] = validResult("4111")
	svc := newTestService(t, eng, testOptions())
	first := newRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, first.on)
	}()
	first.waitFor(t, models.StatusReady)

	second := newRecorder()
	svc.ScanFromImage(context.Background(), ImageScanConfig{
		Recognizers: []string{BlinkCardRecognizer},
		File:        pngFile(t, "card.png"),
	}, second.on)
	<-done

	if got := first.last(); got.Status != models.StatusEmptyResultState || !got.InitiatedByUser {
		t.Errorf("superseded attempt ended with %+v", got)
	}
	if first.terminals() != 1 || second.terminals() != 1 {
		t.Errorf("terminals = %d/%d, want 1/1", first.terminals(), second.terminals())
	}
	if second.last().Status != models.StatusScanSuccessful {
		t.Errorf("second attempt ended with %s", second.last().Status)
	}
	assertNoLeaks(t, eng)
}

func TestScanFromImage(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		eng := enginetest.New()
		eng.Results[BlinkCardRecognizer] = validResult("4111")
		svc := newTestService(t, eng, testOptions())
		rec := newRecorder()

		svc.ScanFromImage(context.Background(), ImageScanConfig{
			Recognizers: []string{BlinkCardRecognizer},
			File:        pngFile(t, "front.png"),
		}, rec.on)

		assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusProcessing, models.StatusScanSuccessful)
		if !rec.last().Result.ImageCapture {
			t.Error("image scans should be flagged as image captures")
		}
		assertNoLeaks(t, eng)
	})

	t.Run("non-image media type", func(t *testing.T) {
		eng := enginetest.New()
		svc := newTestService(t, eng, testOptions())
		rec := newRecorder()

		svc.ScanFromImage(context.Background(), ImageScanConfig{
			Recognizers: []string{BlinkCardRecognizer},
			File:        &models.ImageFile{Name: "doc.pdf", ContentType: "application/pdf", Data: []byte("%PDF")},
		}, rec.on)

		assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusNoImageFileFound)
		if len(eng.Recognizers()) != 0 || len(eng.Runners()) != 0 {
			t.Error("no engine resources may be created for an invalid file")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		eng := enginetest.New()
		svc := newTestService(t, eng, testOptions())
		rec := newRecorder()

		svc.ScanFromImage(context.Background(), ImageScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)

		assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusNoImageFileFound)
	})

	t.Run("undecodable image", func(t *testing.T) {
		eng := enginetest.New()
		svc := newTestService(t, eng, testOptions())
		rec := newRecorder()

		svc.ScanFromImage(context.Background(), ImageScanConfig{
			Recognizers: []string{BlinkCardRecognizer},
			File:        &models.ImageFile{Name: "broken.png", ContentType: "image/png", Data: []byte("not a png")},
		}, rec.on)

		assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusNoImageFileFound)
		assertNoLeaks(t, eng)
	})

	t.Run("empty result", func(t *testing.T) {
		eng := enginetest.New()
		eng.ProcessStates = []models.ResultState{models.ResultEmpty}
		svc := newTestService(t, eng, testOptions())
		rec := newRecorder()

		svc.ScanFromImage(context.Background(), ImageScanConfig{
			Recognizers: []string{BlinkCardRecognizer},
			File:        pngFile(t, "front.png"),
		}, rec.on)

		assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusProcessing, models.StatusEmptyResultState)
		assertNoLeaks(t, eng)
	})
}

func TestScanFromImageMultiSide(t *testing.T) {
	t.Run("empty first side never submits second", func(t *testing.T) {
		eng := enginetest.New()
		eng.ProcessStates = []models.ResultState{models.ResultEmpty}
		eng.Results[BlinkCardRecognizer] = validResult("4111")
		svc := newTestService(t, eng, testOptions())
		rec := newRecorder()

		svc.ScanFromImageMultiSide(context.Background(), MultiSideImageScanConfig{
			Recognizers: []string{BlinkCardRecognizer},
			FirstFile:   pngFile(t, "front.png"),
			SecondFile:  pngFile(t, "back.png"),
		}, rec.on)

		assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusProcessing, models.StatusEmptyResultState)
		if n := eng.Runners()[0].Processed(); n != 1 {
			t.Errorf("processed %d images, want 1", n)
		}
		assertNoLeaks(t, eng)
	})

	t.Run("both sides", func(t *testing.T) {
		eng := enginetest.New()
		eng.ProcessStates = []models.ResultState{models.ResultStageValid, models.ResultValid}
		eng.Results[BlinkCardRecognizer] = validResult("4111")
		svc := newTestService(t, eng, testOptions())
		rec := newRecorder()

		svc.ScanFromImageMultiSide(context.Background(), MultiSideImageScanConfig{
			Recognizers: []string{BlinkCardRecognizer},
			FirstFile:   pngFile(t, "front.png"),
			SecondFile:  pngFile(t, "back.png"),
		}, rec.on)

		assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusProcessing, models.StatusScanSuccessful)
		if n := eng.Runners()[0].Processed(); n != 2 {
			t.Errorf("processed %d images, want 2", n)
		}
	})

	t.Run("missing files", func(t *testing.T) {
		tests := []struct {
			name          string
			first, second *models.ImageFile
			want          models.RecognitionStatus
		}{
			{"first", nil, pngFile(t, "back.png"), models.StatusNoFirstImageFileFound},
			{"second", pngFile(t, "front.png"), &models.ImageFile{Name: "x.txt", ContentType: "text/plain", Data: []byte("x")}, models.StatusNoSecondImageFileFound},
		}
		for _, tt := range tests {
			eng := enginetest.New()
			svc := newTestService(t, eng, testOptions())
			rec := newRecorder()

			svc.ScanFromImageMultiSide(context.Background(), MultiSideImageScanConfig{
				Recognizers: []string{BlinkCardRecognizer},
				FirstFile:   tt.first,
				SecondFile:  tt.second,
			}, rec.on)

			assertStatuses(t, rec.statuses(), models.StatusPreparing, tt.want)
			if len(eng.Recognizers()) != 0 {
				t.Errorf("%s: recognizers created for invalid input", tt.name)
			}
		}
	})
}

func TestSetupFailuresReportUnknownError(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *enginetest.Engine)
	}{
		{"recognizer creation", func(e *enginetest.Engine) { e.CreateRecognizerErr = errors.New("wasm trap") }},
		{"runner creation", func(e *enginetest.Engine) { e.CreateRunnerErr = errors.New("out of memory") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginetest.New()
			tt.setup(eng)
			svc := newTestService(t, eng, testOptions())
			rec := newRecorder()

			svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)

			assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusUnknownError)
			assertNoLeaks(t, eng)
		})
	}
}

func TestScanWithoutInitialize(t *testing.T) {
	svc := NewScanService(&enginetest.Loader{}, testOptions())
	rec := newRecorder()

	svc.ScanFromImage(context.Background(), ImageScanConfig{
		Recognizers: []string{BlinkCardRecognizer},
		File:        pngFile(t, "front.png"),
	}, rec.on)

	assertStatuses(t, rec.statuses(), models.StatusPreparing, models.StatusUnknownError)
}

func TestInitialize(t *testing.T) {
	t.Run("load failure", func(t *testing.T) {
		svc := NewScanService(&enginetest.Loader{Err: engine.ErrInvalidLicense}, testOptions())
		err := svc.Initialize(context.Background(), "bad", engine.LoadSettings{})
		if !apperrors.IsType(err, apperrors.ErrorTypeEngine) {
			t.Fatalf("Initialize() error = %v, want engine error", err)
		}
		if !errors.Is(err, engine.ErrInvalidLicense) {
			t.Error("cause should be preserved")
		}
	})

	t.Run("reinitialize deletes previous engine", func(t *testing.T) {
		first := enginetest.New()
		loader := &enginetest.Loader{Engine: first}
		svc := NewScanService(loader, testOptions())
		if err := svc.Initialize(context.Background(), "a", engine.LoadSettings{}); err != nil {
			t.Fatal(err)
		}
		loader.Engine = enginetest.New()
		if err := svc.Initialize(context.Background(), "b", engine.LoadSettings{}); err != nil {
			t.Fatal(err)
		}
		if !first.Deleted() {
			t.Error("previous engine must be deleted before loading a new one")
		}
		if err := svc.Delete(); err != nil {
			t.Fatal(err)
		}
		if !loader.Engine.Deleted() {
			t.Error("Delete should release the current engine")
		}
	})
}

func TestCheckRecognizers(t *testing.T) {
	svc := NewScanService(&enginetest.Loader{}, DefaultOptions())

	tests := []struct {
		name        string
		names       []string
		wantOK      bool
		wantMessage string
	}{
		{"empty list", nil, false, "There are no provided recognizers!"},
		{"supported", []string{"BlinkCardRecognizer"}, true, ""},
		{"unknown", []string{"BlinkCardRecognizer", "PassportRecognizer"}, false, `Recognizer "PassportRecognizer" doesn't exist!`},
		{"typo", []string{"BlinkCardRecogniser"}, false, `Did you mean "BlinkCardRecognizer"?`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.CheckRecognizers(tt.names)
			if got.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v", got.OK, tt.wantOK)
			}
			if !strings.Contains(got.Message, tt.wantMessage) {
				t.Errorf("Message = %q, want it to contain %q", got.Message, tt.wantMessage)
			}
		})
	}
}

func TestRecognizerOptionsMerge(t *testing.T) {
	eng := enginetest.New()
	eng.Settings[BlinkCardRecognizer] = engine.Settings{"extractCvv": true, "extractOwner": true}
	eng.Results[BlinkCardRecognizer] = validResult("4111")
	svc := newTestService(t, eng, testOptions())

	svc.ScanFromImage(context.Background(), ImageScanConfig{
		Recognizers: []string{BlinkCardRecognizer},
		RecognizerOptions: RecognizerOptions{
			BlinkCardRecognizer: {"extractCvv": false, "unknownKey": 1},
		},
		File: pngFile(t, "front.png"),
	}, nil)

	updates := eng.Recognizers()[0].Updates()
	if len(updates) != 1 {
		t.Fatalf("UpdateSettings called %d times, want 1", len(updates))
	}
	want := engine.Settings{"extractCvv": false, "extractOwner": true}
	if !reflect.DeepEqual(updates[0], want) {
		t.Errorf("settings = %v, want %v", updates[0], want)
	}

	eng2 := enginetest.New()
	eng2.Settings[BlinkCardRecognizer] = engine.Settings{"extractCvv": true}
	svc2 := newTestService(t, eng2, testOptions())
	svc2.ScanFromImage(context.Background(), ImageScanConfig{
		Recognizers:       []string{BlinkCardRecognizer},
		RecognizerOptions: RecognizerOptions{BlinkCardRecognizer: {"unknownKey": 1}},
		File:              pngFile(t, "front.png"),
	}, nil)
	if n := len(eng2.Recognizers()[0].Updates()); n != 0 {
		t.Errorf("UpdateSettings called %d times when no key matched", n)
	}
}

func TestStaleScheduledTerminationIsIgnored(t *testing.T) {
	s := NewScanService(&enginetest.Loader{}, testOptions()).(*scanService)
	stale := newAttempt(context.Background(), 1, ModeVideo, nil)
	current := newAttempt(context.Background(), 2, ModeVideo, nil)
	s.active = current

	s.scheduleTermination(stale, time.Millisecond)
	s.scheduleTermination(current, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	select {
	case <-stale.stop:
		t.Error("stale generation must not be terminated")
	default:
	}
	select {
	case <-current.stop:
	default:
		t.Error("current generation should be terminated")
	}
}

func TestControlsWhenIdle(t *testing.T) {
	svc := newTestService(t, enginetest.New(), testOptions())

	svc.PauseRecognition()
	svc.ResumeRecognition()
	svc.CancelRecognition(true)
	if err := svc.FlipCamera(context.Background()); err != nil {
		t.Errorf("FlipCamera() error = %v", err)
	}
	if svc.IsCameraFlipped() {
		t.Error("IsCameraFlipped should be false when idle")
	}
	if svc.ChangeCameraDevice(context.Background(), models.CameraDevice{DeviceID: "1"}) {
		t.Error("ChangeCameraDevice should resolve false when idle")
	}
}

func TestControlsDuringScan(t *testing.T) {
	eng := enginetest.New()
	svc := newTestService(t, eng, testOptions())
	rec := newRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, rec.on)
	}()
	rec.waitFor(t, models.StatusReady)

	if err := svc.FlipCamera(context.Background()); err != nil {
		t.Fatalf("FlipCamera() error = %v", err)
	}
	if !svc.IsCameraFlipped() {
		t.Error("camera should report flipped")
	}
	if !svc.ChangeCameraDevice(context.Background(), models.CameraDevice{DeviceID: "rear"}) {
		t.Error("ChangeCameraDevice should succeed")
	}
	svc.PauseRecognition()
	if !eng.Videos()[0].Paused() {
		t.Error("PauseRecognition should pause the capture")
	}
	svc.ResumeRecognition()
	if eng.Videos()[0].Paused() || eng.Videos()[0].Resumes() != 1 {
		t.Error("ResumeRecognition should resume the capture")
	}
	svc.StopRecognition()
	<-done
}

func TestScanFromImageTypeAndExperience(t *testing.T) {
	svc := NewScanService(&enginetest.Loader{}, DefaultOptions())

	if got := svc.ScanFromImageType([]string{BlinkCardRecognizer}); got != models.ImageRecognitionMultiSide {
		t.Errorf("ScanFromImageType = %s", got)
	}
	if got := svc.ScanFromImageType([]string{"Other"}); got != models.ImageRecognitionSingleSide {
		t.Errorf("ScanFromImageType = %s", got)
	}
	if got := svc.DesiredCameraExperience(nil); got != models.CameraExperiencePaymentCard {
		t.Errorf("DesiredCameraExperience = %s", got)
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.VideoTerminationDelay != 400*time.Millisecond {
		t.Errorf("VideoTerminationDelay = %s, want 400ms", opts.VideoTerminationDelay)
	}
	if opts.ImageTerminationDelay != 500*time.Millisecond {
		t.Errorf("ImageTerminationDelay = %s, want 500ms", opts.ImageTerminationDelay)
	}
	if opts.FeedReleaseDelay != time.Millisecond {
		t.Errorf("FeedReleaseDelay = %s, want 1ms", opts.FeedReleaseDelay)
	}
	if !reflect.DeepEqual(opts.SupportedRecognizers, []string{BlinkCardRecognizer}) {
		t.Errorf("SupportedRecognizers = %v", opts.SupportedRecognizers)
	}
}

func TestTeardownWaitsForTerminationDelay(t *testing.T) {
	const slack = 300 * time.Millisecond

	tests := []struct {
		name  string
		delay time.Duration
		scan  func(t *testing.T, svc ScanService, on EventCallback)
	}{
		{
			name:  "video",
			delay: DefaultOptions().VideoTerminationDelay,
			scan: func(t *testing.T, svc ScanService, on EventCallback) {
				svc.ScanFromCamera(context.Background(), CameraScanConfig{Recognizers: []string{BlinkCardRecognizer}}, on)
			},
		},
		{
			name:  "image",
			delay: DefaultOptions().ImageTerminationDelay,
			scan: func(t *testing.T, svc ScanService, on EventCallback) {
				svc.ScanFromImage(context.Background(), ImageScanConfig{
					Recognizers: []string{BlinkCardRecognizer},
					File:        pngFile(t, "front.png"),
				}, on)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := enginetest.New()
			eng.Results[BlinkCardRecognizer] = validResult("4111111111111111")
			eng.OnVideoStart = func(v *enginetest.Video) { v.Emit(models.ResultValid) }
			svc := newTestService(t, eng, DefaultOptions())

			var (
				mu        sync.Mutex
				successAt time.Time
				held      []string
			)
			tt.scan(t, svc, func(ev models.ScanEvent) {
				if ev.Status != models.StatusScanSuccessful {
					return
				}
				mu.Lock()
				successAt = time.Now()
				held = eng.Leaked()
				mu.Unlock()
			})
			returned := time.Now()

			mu.Lock()
			defer mu.Unlock()
			if successAt.IsZero() {
				t.Fatal("scan never reported success")
			}
			if len(held) == 0 {
				t.Error("handles were released before the success event was delivered")
			}
			elapsed := returned.Sub(successAt)
			if elapsed < tt.delay {
				t.Errorf("teardown after %s, want no earlier than %s", elapsed, tt.delay)
			}
			if elapsed > tt.delay+slack {
				t.Errorf("teardown after %s, want within %s of %s", elapsed, slack, tt.delay)
			}
			assertNoLeaks(t, eng)
		})
	}
}

func TestReleaseRecognizersOrder(t *testing.T) {
	eng := enginetest.New()
	ctx := context.Background()
	var instances []*recognizerInstance
	for _, name := range []string{"A", "B"} {
		rec, err := eng.CreateRecognizer(ctx, name)
		if err != nil {
			t.Fatalf("CreateRecognizer(%s) error = %v", name, err)
		}
		inst := &recognizerInstance{name: name, recognizer: engine.Own(rec)}
		if name == "A" {
			grabber, err := eng.CreateSuccessFrameGrabber(ctx, rec)
			if err != nil {
				t.Fatalf("CreateSuccessFrameGrabber() error = %v", err)
			}
			inst.successFrame = engine.Own(grabber)
		}
		instances = append(instances, inst)
	}
	instances = append(instances, nil)

	if err := releaseRecognizers(instances); err != nil {
		t.Fatalf("releaseRecognizers() error = %v", err)
	}
	if err := releaseRecognizers(instances); err != nil {
		t.Fatalf("second releaseRecognizers() error = %v", err)
	}

	var released []string
	for _, c := range eng.Calls() {
		if strings.HasPrefix(c, "release:") {
			released = append(released, c)
		}
	}
	want := []string{"release:grabber:A", "release:recognizer:A", "release:recognizer:B"}
	if !reflect.DeepEqual(released, want) {
		t.Errorf("release order = %v, want %v", released, want)
	}
	assertNoLeaks(t, eng)
}
