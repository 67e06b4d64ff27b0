package widget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/config"
	"github.com/anime-shed/card-scanner-go/internal/engine"
	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/experience"
	"github.com/anime-shed/card-scanner-go/internal/i18n"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/internal/service"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// Sources of a scan, as reported on widget events.
const (
	SourceCamera         = "camera"
	SourceImage          = "image"
	SourceMultiSideImage = "multi_side_image"
)

// Settings are the properties the widget is configured with.
type Settings struct {
	LicenseKey string
	Load       engine.LoadSettings
	Scan       config.ScanConfig
}

// ServiceFactory builds a fresh scan service for each (re)initialization.
type ServiceFactory func() service.ScanService

// Host owns a scan service and exposes it as a widget: it validates its
// settings, turns service events into widget events and drives the camera
// overlay.
type Host interface {
	Init(ctx context.Context) error
	Reinit(ctx context.Context, settings Settings) error
	Settings() Settings

	// The Start methods return once the scan is running. The channel yields the
	// terminal widget event of the scan and is closed when the scan is torn down.
	StartCameraScan(ctx context.Context) (<-chan observer.WidgetEvent, error)
	StartImageScan(ctx context.Context, file *models.ImageFile) (<-chan observer.WidgetEvent, error)
	StartMultiSideImageScan(ctx context.Context, first, second *models.ImageFile) (<-chan observer.WidgetEvent, error)
	Abort()
	Close() error

	ResumeRecognition()
	FlipCamera(ctx context.Context) error
	ChangeCameraDevice(ctx context.Context, device models.CameraDevice) bool
	CameraDevices(ctx context.Context) ([]models.CameraDevice, error)
	Experience() experience.StateMachine
	SetUIMessage(state models.FeedbackState, message string)

	IsReady() bool
	IsScanning() bool
	ImageRecognitionType() models.ImageRecognitionType
	ProductIntegrationInfo() (models.ProductIntegrationInfo, error)
}

type host struct {
	newService ServiceFactory
	publisher  observer.Subject

	// initMu serializes Init and Reinit so only one service is ever live.
	initMu sync.Mutex

	mu         sync.Mutex
	settings   Settings
	translator i18n.TranslationService
	svc        service.ScanService
	exp        experience.StateMachine
	ready      bool
	scanSeq    uint64
	wg         sync.WaitGroup
}

// NewHost creates a widget host. Init must be called before scanning.
func NewHost(settings Settings, newService ServiceFactory, publisher observer.Subject) Host {
	return &host{
		newService: newService,
		publisher:  publisher,
		settings:   settings,
		translator: i18n.NewTranslationService(settings.Scan.Locale, settings.Scan.Translations),
	}
}

func (h *host) publish(event observer.WidgetEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.EventType == observer.Feedback && h.settings.Scan.HideFeedback {
		return
	}
	h.publisher.NotifyObservers(context.Background(), event)
}

func (h *host) fatal(code models.Code, message string, cause error) error {
	h.publish(observer.WidgetEvent{
		EventType: observer.FatalError,
		Error:     &models.ScanError{Code: code, Fatal: true, Message: message},
	})
	h.publish(observer.WidgetEvent{
		EventType: observer.Feedback,
		Feedback: &models.FeedbackMessage{
			Code:    models.FeedbackGenericScanError,
			State:   models.FeedbackError,
			Message: h.translator.Lookup(i18n.KeyInitializationError),
		},
	})
	return apperrors.NewConfigurationError(message, cause)
}

// Init validates the settings, loads the engine and publishes ready. On an
// initialized host the running service is deleted first.
func (h *host) Init(ctx context.Context) error {
	return h.Reinit(ctx, h.Settings())
}

// Settings returns the settings of the last (re)initialization.
func (h *host) Settings() Settings {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settings
}

func (h *host) initLocked(ctx context.Context) error {
	s := h.settings
	h.ready = false

	if s.LicenseKey == "" {
		return h.fatal(models.CodeGenericScanError, "Please provide license key!", nil)
	}

	svc := h.newService()
	if check := svc.CheckRecognizers(s.Scan.Recognizers); !check.OK {
		return h.fatal(models.CodeGenericScanError, check.Message, nil)
	}
	for name := range s.Scan.RecognizerOptions {
		if !contains(s.Scan.Recognizers, name) {
			return h.fatal(models.CodeInvalidRecognizerOptions,
				fmt.Sprintf("Recognizer options refer to %q which is not in the recognizer list", name), nil)
		}
	}

	if err := svc.Initialize(ctx, s.LicenseKey, s.Load); err != nil {
		h.publish(observer.WidgetEvent{
			EventType: observer.FatalError,
			Error:     &models.ScanError{Code: models.CodeGenericScanError, Fatal: true, Message: err.Error()},
		})
		h.publish(observer.WidgetEvent{
			EventType: observer.Feedback,
			Feedback: &models.FeedbackMessage{
				Code:    models.FeedbackGenericScanError,
				State:   models.FeedbackError,
				Message: h.translator.Lookup(i18n.KeyInitializationError),
			},
		})
		return err
	}

	h.svc = svc
	h.exp = experience.NewStateMachine(experience.Options{
		Type:                             svc.DesiredCameraExperience(s.Scan.Recognizers),
		StateDurations:                   s.Scan.StateDurations,
		ShowScanningLine:                 s.Scan.ShowScanningLine,
		ShowCameraFeedbackBarcodeMessage: s.Scan.ShowCameraFeedbackBarcodeMessage,
	}, h.translator, svc, h.onExperienceEvent)
	if s.Scan.CameraID != "" {
		h.exp.SetActiveCamera(s.Scan.CameraID)
	}
	h.ready = true

	info, _ := svc.ProductIntegrationInfo()
	h.publish(observer.WidgetEvent{
		EventType: observer.Ready,
		Metadata:  map[string]interface{}{"product": info.Product, "version": info.Version},
	})
	return nil
}

// Reinit deletes the current service, waits for running scans to end and
// initializes again with new settings. The host stays not ready if the new
// settings are rejected.
func (h *host) Reinit(ctx context.Context, settings Settings) error {
	h.initMu.Lock()
	defer h.initMu.Unlock()

	h.mu.Lock()
	prev := h.svc
	h.svc = nil
	h.ready = false
	h.mu.Unlock()

	if prev != nil {
		if err := prev.Delete(); err != nil {
			logger.WithError(err).Warn("Failed to delete previous scan service")
		}
	}
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.settings = settings
	h.translator = i18n.NewTranslationService(settings.Scan.Locale, settings.Scan.Translations)
	return h.initLocked(ctx)
}

func (h *host) session() (service.ScanService, experience.StateMachine, Settings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready || h.svc == nil {
		return nil, nil, Settings{}, apperrors.NewEngineError("widget is not initialized", nil)
	}
	return h.svc, h.exp, h.settings, nil
}

func (h *host) StartCameraScan(ctx context.Context) (<-chan observer.WidgetEvent, error) {
	svc, exp, s, err := h.session()
	if err != nil {
		return nil, err
	}
	if !s.Scan.AllowScanFromCamera {
		return nil, apperrors.NewValidationError("scan from camera is disabled", nil)
	}

	cfg := service.CameraScanConfig{
		Recognizers:        s.Scan.Recognizers,
		RecognizerOptions:  recognizerOptions(s.Scan.RecognizerOptions),
		SuccessFrame:       s.Scan.IncludeSuccessFrame,
		CameraFeed:         s.Scan.CameraFeed,
		CameraID:           exp.Overlay().ActiveCamera,
		RecognitionTimeout: s.Scan.RecognitionTimeout,
	}
	return h.run(ctx, SourceCamera, exp, func(ctx context.Context, onEvent service.EventCallback) {
		svc.ScanFromCamera(ctx, cfg, onEvent)
	}), nil
}

func (h *host) StartImageScan(ctx context.Context, file *models.ImageFile) (<-chan observer.WidgetEvent, error) {
	svc, exp, s, err := h.session()
	if err != nil {
		return nil, err
	}
	if !s.Scan.AllowScanFromImage {
		return nil, apperrors.NewValidationError("scan from image is disabled", nil)
	}

	cfg := service.ImageScanConfig{
		Recognizers:       s.Scan.Recognizers,
		RecognizerOptions: recognizerOptions(s.Scan.RecognizerOptions),
		File:              file,
	}
	return h.run(ctx, SourceImage, exp, func(ctx context.Context, onEvent service.EventCallback) {
		svc.ScanFromImage(ctx, cfg, onEvent)
	}), nil
}

func (h *host) StartMultiSideImageScan(ctx context.Context, first, second *models.ImageFile) (<-chan observer.WidgetEvent, error) {
	svc, exp, s, err := h.session()
	if err != nil {
		return nil, err
	}
	if !s.Scan.AllowScanFromImage {
		return nil, apperrors.NewValidationError("scan from image is disabled", nil)
	}

	cfg := service.MultiSideImageScanConfig{
		Recognizers:       s.Scan.Recognizers,
		RecognizerOptions: recognizerOptions(s.Scan.RecognizerOptions),
		FirstFile:         first,
		SecondFile:        second,
	}
	return h.run(ctx, SourceMultiSideImage, exp, func(ctx context.Context, onEvent service.EventCallback) {
		svc.ScanFromImageMultiSide(ctx, cfg, onEvent)
	}), nil
}

// run starts a scan in its own goroutine.
func (h *host) run(ctx context.Context, source string, exp experience.StateMachine, do func(context.Context, service.EventCallback)) <-chan observer.WidgetEvent {
	h.mu.Lock()
	h.scanSeq++
	sc := &scan{
		host:   h,
		seq:    h.scanSeq,
		source: source,
		exp:    exp,
		pause:  h.settings.Scan.RecognitionPauseTimeout,
		start:  time.Now(),
		result: make(chan observer.WidgetEvent, 1),
	}
	h.wg.Add(1)
	h.mu.Unlock()

	// Scans outlive the request that started them; Abort ends them.
	scanCtx := context.WithoutCancel(ctx)
	go func() {
		defer h.wg.Done()
		defer close(sc.result)
		do(scanCtx, sc.onEvent)
		sc.finish()
	}()
	return sc.result
}

// Abort stops the running scan; it ends as scanAborted.
func (h *host) Abort() {
	h.mu.Lock()
	svc := h.svc
	h.mu.Unlock()
	if svc != nil {
		svc.StopRecognition()
	}
}

// Close stops scanning and releases the engine.
func (h *host) Close() error {
	h.mu.Lock()
	svc := h.svc
	h.svc = nil
	h.ready = false
	h.mu.Unlock()

	var err error
	if svc != nil {
		err = svc.Delete()
	}
	h.wg.Wait()
	return err
}

func (h *host) current() service.ScanService {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.svc
}

func (h *host) ResumeRecognition() {
	if svc := h.current(); svc != nil {
		svc.ResumeRecognition()
	}
}

func (h *host) FlipCamera(ctx context.Context) error {
	svc := h.current()
	if svc == nil {
		return nil
	}
	if err := svc.FlipCamera(ctx); err != nil {
		return err
	}
	if exp := h.Experience(); exp != nil {
		exp.SetCameraFlipState(svc.IsCameraFlipped())
	}
	return nil
}

func (h *host) ChangeCameraDevice(ctx context.Context, device models.CameraDevice) bool {
	svc := h.current()
	if svc == nil || !svc.ChangeCameraDevice(ctx, device) {
		return false
	}
	if exp := h.Experience(); exp != nil {
		exp.SetActiveCamera(device.DeviceID)
	}
	return true
}

func (h *host) CameraDevices(ctx context.Context) ([]models.CameraDevice, error) {
	exp := h.Experience()
	if exp == nil {
		return nil, apperrors.NewEngineError("widget is not initialized", nil)
	}
	return exp.PopulateCameraDevices(ctx)
}

func (h *host) Experience() experience.StateMachine {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exp
}

// onExperienceEvent turns overlay actions into service calls.
func (h *host) onExperienceEvent(ev experience.Event) {
	ctx := context.Background()
	switch ev.Type {
	case experience.EventClose:
		h.Abort()
	case experience.EventFlipCameraAction:
		if err := h.FlipCamera(ctx); err != nil {
			logger.WithError(err).Warn("Failed to flip camera")
		}
	case experience.EventChangeCameraDevice:
		if ev.Device != nil && !h.ChangeCameraDevice(ctx, *ev.Device) {
			logger.WithField("device_id", ev.Device.DeviceID).Warn("Camera device change refused")
		}
	case experience.EventCameraActive:
		logger.WithField("active", ev.Active).Debug("Camera activity changed")
	}
}

func (h *host) SetUIMessage(state models.FeedbackState, message string) {
	h.publish(observer.WidgetEvent{
		EventType: observer.Feedback,
		Feedback:  &models.FeedbackMessage{State: state, Message: message},
	})
}

func (h *host) IsReady() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

func (h *host) IsScanning() bool {
	svc := h.current()
	return svc != nil && svc.IsScanning()
}

func (h *host) ImageRecognitionType() models.ImageRecognitionType {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.svc == nil {
		return models.ImageRecognitionSingleSide
	}
	return h.svc.ScanFromImageType(h.settings.Scan.Recognizers)
}

func (h *host) ProductIntegrationInfo() (models.ProductIntegrationInfo, error) {
	svc := h.current()
	if svc == nil {
		return models.ProductIntegrationInfo{}, apperrors.NewEngineError("widget is not initialized", nil)
	}
	return svc.ProductIntegrationInfo()
}

func recognizerOptions(raw map[string]map[string]any) service.RecognizerOptions {
	if len(raw) == 0 {
		return nil
	}
	out := make(service.RecognizerOptions, len(raw))
	for name, settings := range raw {
		out[name] = engine.Settings(settings)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
