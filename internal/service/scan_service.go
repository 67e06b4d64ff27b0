package service

import (
	"context"
	"sync"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// scanService implements ScanService over an engine.Loader
type scanService struct {
	loader engine.Loader
	opts   Options

	// startMu serializes attempt hand-over so two starts cannot interleave.
	startMu sync.Mutex

	mu     sync.Mutex
	eng    engine.Engine
	active *attempt
	gen    uint64
}

// NewScanService creates a scan service; Initialize must be called before scanning.
func NewScanService(loader engine.Loader, opts Options) ScanService {
	return &scanService{loader: loader, opts: opts}
}

// Initialize loads the engine, deleting any previously loaded instance first.
func (s *scanService) Initialize(ctx context.Context, licenseKey string, settings engine.LoadSettings) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.cancelActiveAndWait()

	s.mu.Lock()
	prev := s.eng
	s.eng = nil
	s.mu.Unlock()
	if prev != nil {
		if err := prev.Delete(); err != nil {
			logger.WithError(err).Warn("failed to delete previous engine instance")
		}
	}

	eng, err := s.loader.Load(ctx, licenseKey, settings)
	if err != nil {
		logger.WithError(err).Error("engine load failed")
		return apperrors.NewEngineError("SDK load failed", err)
	}

	s.mu.Lock()
	s.eng = eng
	s.mu.Unlock()
	logger.WithField("product", eng.ProductIntegrationInfo().Product).Info("engine loaded")
	return nil
}

func (s *scanService) loadedEngine() (engine.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng == nil {
		return nil, apperrors.NewEngineError("engine is not initialized", nil)
	}
	return s.eng, nil
}

// begin makes a new attempt current, cancelling and draining the previous one.
func (s *scanService) begin(ctx context.Context, mode Mode, onEvent EventCallback) *attempt {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.cancelActiveAndWait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	a := newAttempt(ctx, s.gen, mode, onEvent)
	s.active = a
	a.log.Debug("scan attempt started")
	return a
}

func (s *scanService) cancelActiveAndWait() {
	s.mu.Lock()
	prev := s.active
	s.mu.Unlock()
	if prev == nil {
		return
	}
	prev.requestTermination(true)
	<-prev.done
}

// end tears the attempt down. An attempt that never reached a terminal event
// reports EmptyResultState carrying the cancellation flag.
func (s *scanService) end(a *attempt) {
	a.terminating.Store(true)
	if !a.finished() {
		a.emitEmpty("")
	}
	a.release(s.opts.FeedReleaseDelay)
	a.cancel()

	s.mu.Lock()
	if s.active == a {
		s.active = nil
	}
	s.mu.Unlock()

	a.log.WithField("initiated_by_user", a.initiatedByUser.Load()).Debug("scan attempt ended")
	close(a.done)
}

func (s *scanService) current() *attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// scheduleTermination tears the attempt down after delay unless it is no longer
// the current generation by then.
func (s *scanService) scheduleTermination(a *attempt, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		stale := s.active == nil || s.active.gen != a.gen
		s.mu.Unlock()
		if stale {
			return
		}
		a.requestTermination(false)
	})
}

// fail reports a setup failure as UnknownError and requests immediate teardown.
// Failures caused by cancellation are left to end.
func (s *scanService) fail(a *attempt, msg string, err error) {
	if a.cancelled() {
		return
	}
	a.log.WithError(err).Error(msg)
	a.emit(models.ScanEvent{Status: models.StatusUnknownError, Err: apperrors.NewProcessingError(msg, err)})
	a.requestTermination(false)
}

// prepare creates recognizers and the runner for an attempt.
func (s *scanService) prepare(a *attempt, recognizers []string, options RecognizerOptions, successFrame bool) (engine.Runner, bool) {
	eng, err := s.loadedEngine()
	if err != nil {
		s.fail(a, "engine unavailable", err)
		return nil, false
	}
	instances, err := s.createRecognizers(a.ctx, eng, recognizers, options, successFrame)
	if err != nil {
		s.fail(a, "failed to create recognizers", err)
		return nil, false
	}
	a.setRecognizers(instances)

	runner, err := s.createRunner(a.ctx, eng, a, instances)
	if err != nil {
		s.fail(a, "failed to create recognizer runner", err)
		return nil, false
	}
	a.setRunner(runner)
	return runner, !a.cancelled()
}

// ScanFromCamera runs continuous recognition on a camera feed.
func (s *scanService) ScanFromCamera(ctx context.Context, cfg CameraScanConfig, onEvent EventCallback) {
	a := s.begin(ctx, ModeVideo, onEvent)
	defer s.end(a)

	a.emitStatus(models.StatusPreparing)
	runner, ok := s.prepare(a, cfg.Recognizers, cfg.RecognizerOptions, cfg.SuccessFrame)
	if !ok {
		a.wait()
		return
	}

	eng, err := s.loadedEngine()
	if err != nil {
		s.fail(a, "engine unavailable", err)
		a.wait()
		return
	}
	video, err := eng.CreateVideoCapture(a.ctx, runner, cfg.CameraFeed, cfg.CameraID)
	if err != nil {
		s.cameraFailure(a, err)
		a.wait()
		return
	}
	a.setVideo(video)
	a.emitStatus(models.StatusReady)

	err = video.StartRecognition(a.ctx, func(state models.ResultState) {
		s.onVideoResult(a, state)
	}, cfg.RecognitionTimeout)
	if err != nil {
		s.cameraFailure(a, err)
	}
	a.wait()
}

// onVideoResult handles the first recognition signal of a video attempt.
func (s *scanService) onVideoResult(a *attempt, state models.ResultState) {
	if a.cancelled() || !a.handling.CompareAndSwap(false, true) {
		return
	}
	if v, ok := a.videoCapture(); ok {
		v.Pause()
	}
	a.emitStatus(models.StatusProcessing)
	s.emitOutcome(a, state, false)
	s.scheduleTermination(a, s.opts.VideoTerminationDelay)
}

// cameraFailure classifies a capture error into a terminal status.
func (s *scanService) cameraFailure(a *attempt, err error) {
	if a.cancelled() {
		return
	}
	status := classifyCameraError(err)
	a.log.WithError(err).WithField("status", status).Warn("video capture failed")
	a.emit(models.ScanEvent{Status: status, Err: apperrors.NewCameraError(string(status), err)})
	a.requestTermination(false)
}

func classifyCameraError(err error) models.RecognitionStatus {
	reason, ok := engine.ReasonOf(err)
	if !ok {
		return models.StatusUnknownError
	}
	switch reason {
	case engine.ReasonMediaDevicesNotSupported:
		return models.StatusNoSupportForMediaDevices
	case engine.ReasonCameraNotFound:
		return models.StatusCameraNotFound
	case engine.ReasonCameraNotAllowed:
		return models.StatusCameraNotAllowed
	case engine.ReasonCameraInUse:
		return models.StatusCameraInUse
	default:
		return models.StatusUnableToAccessCamera
	}
}

// ScanFromImage recognizes a single image.
func (s *scanService) ScanFromImage(ctx context.Context, cfg ImageScanConfig, onEvent EventCallback) {
	a := s.begin(ctx, ModeSingleImage, onEvent)
	defer s.end(a)

	a.emitStatus(models.StatusPreparing)
	if !cfg.File.IsImage() {
		a.emitStatus(models.StatusNoImageFileFound)
		s.scheduleTermination(a, s.opts.ImageTerminationDelay)
		a.wait()
		return
	}

	runner, ok := s.prepare(a, cfg.Recognizers, cfg.RecognizerOptions, false)
	if !ok {
		a.wait()
		return
	}

	img, err := cfg.File.Decode()
	if err != nil {
		a.log.WithError(err).Warn("image decode failed")
		a.emit(models.ScanEvent{Status: models.StatusNoImageFileFound, Err: apperrors.NewValidationError("image could not be decoded", err)})
		s.scheduleTermination(a, s.opts.ImageTerminationDelay)
		a.wait()
		return
	}

	a.emitStatus(models.StatusProcessing)
	state, err := runner.ProcessImage(a.ctx, img)
	if err != nil {
		s.fail(a, "image processing failed", err)
		a.wait()
		return
	}
	s.emitOutcome(a, state, true)
	s.scheduleTermination(a, s.opts.ImageTerminationDelay)
	a.wait()
}

// ScanFromImageMultiSide recognizes the front then the back of a card. The back
// is only submitted when the front produced an intermediate result.
func (s *scanService) ScanFromImageMultiSide(ctx context.Context, cfg MultiSideImageScanConfig, onEvent EventCallback) {
	a := s.begin(ctx, ModeMultiImage, onEvent)
	defer s.end(a)

	a.emitStatus(models.StatusPreparing)
	if !cfg.FirstFile.IsImage() {
		a.emitStatus(models.StatusNoFirstImageFileFound)
		s.scheduleTermination(a, s.opts.ImageTerminationDelay)
		a.wait()
		return
	}
	if !cfg.SecondFile.IsImage() {
		a.emitStatus(models.StatusNoSecondImageFileFound)
		s.scheduleTermination(a, s.opts.ImageTerminationDelay)
		a.wait()
		return
	}

	runner, ok := s.prepare(a, cfg.Recognizers, cfg.RecognizerOptions, false)
	if !ok {
		a.wait()
		return
	}

	a.emitStatus(models.StatusProcessing)
	if state, ok := s.processSide(a, runner, cfg.FirstFile, models.StatusNoFirstImageFileFound); !ok {
		a.wait()
		return
	} else if state.IsEmpty() {
		a.emitEmpty("")
		s.scheduleTermination(a, s.opts.ImageTerminationDelay)
		a.wait()
		return
	}

	state, ok := s.processSide(a, runner, cfg.SecondFile, models.StatusNoSecondImageFileFound)
	if !ok {
		a.wait()
		return
	}
	s.emitOutcome(a, state, true)
	s.scheduleTermination(a, s.opts.ImageTerminationDelay)
	a.wait()
}

// processSide decodes and submits one side; on failure it has already emitted
// the terminal event.
func (s *scanService) processSide(a *attempt, runner engine.Runner, file *models.ImageFile, missing models.RecognitionStatus) (models.ResultState, bool) {
	img, err := file.Decode()
	if err != nil {
		a.log.WithError(err).WithField("file", file.Name).Warn("image decode failed")
		a.emit(models.ScanEvent{Status: missing, Err: apperrors.NewValidationError("image could not be decoded", err)})
		s.scheduleTermination(a, s.opts.ImageTerminationDelay)
		return "", false
	}
	state, err := runner.ProcessImage(a.ctx, img)
	if err != nil {
		s.fail(a, "image processing failed", err)
		return "", false
	}
	return state, true
}

// CancelRecognition ends the current attempt; it is a no-op when idle.
func (s *scanService) CancelRecognition(initiatedByUser bool) {
	if a := s.current(); a != nil {
		a.requestTermination(initiatedByUser)
	}
}

func (s *scanService) StopRecognition() {
	s.CancelRecognition(true)
}

// PauseRecognition holds frame delivery of the active capture, e.g. while the
// user flips the card.
func (s *scanService) PauseRecognition() {
	if a := s.current(); a != nil {
		if v, ok := a.videoCapture(); ok {
			v.Pause()
		}
	}
}

func (s *scanService) ResumeRecognition() {
	a := s.current()
	if a == nil {
		return
	}
	if v, ok := a.videoCapture(); ok {
		if err := v.Resume(true); err != nil {
			a.log.WithError(err).Warn("failed to resume recognition")
		}
	}
}

func (s *scanService) FlipCamera(ctx context.Context) error {
	a := s.current()
	if a == nil {
		return nil
	}
	if v, ok := a.videoCapture(); ok {
		if err := v.Flip(); err != nil {
			return apperrors.NewCameraError("failed to flip camera", err)
		}
	}
	return nil
}

func (s *scanService) IsCameraFlipped() bool {
	a := s.current()
	if a == nil {
		return false
	}
	v, ok := a.videoCapture()
	return ok && v.IsFlipped()
}

// ChangeCameraDevice switches the active feed and reports success.
func (s *scanService) ChangeCameraDevice(ctx context.Context, device models.CameraDevice) bool {
	a := s.current()
	if a == nil {
		return false
	}
	v, ok := a.videoCapture()
	if !ok {
		return false
	}
	if err := v.ChangeDevice(ctx, device); err != nil {
		a.log.WithError(err).WithField("device_id", device.DeviceID).Warn("failed to change camera device")
		return false
	}
	return true
}

func (s *scanService) CameraDevices(ctx context.Context) ([]models.CameraDevice, error) {
	eng, err := s.loadedEngine()
	if err != nil {
		return nil, err
	}
	devices, err := eng.CameraDevices(ctx)
	if err != nil {
		return nil, apperrors.NewCameraError("failed to enumerate cameras", err)
	}
	return devices, nil
}

func (s *scanService) IsScanning() bool {
	return s.current() != nil
}

func (s *scanService) ProductIntegrationInfo() (models.ProductIntegrationInfo, error) {
	eng, err := s.loadedEngine()
	if err != nil {
		return models.ProductIntegrationInfo{}, err
	}
	return eng.ProductIntegrationInfo(), nil
}

// Delete cancels any active attempt and releases the engine.
func (s *scanService) Delete() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.cancelActiveAndWait()

	s.mu.Lock()
	eng := s.eng
	s.eng = nil
	s.mu.Unlock()
	if eng == nil {
		return nil
	}
	if err := eng.Delete(); err != nil {
		return apperrors.NewEngineError("failed to delete engine", err)
	}
	return nil
}
