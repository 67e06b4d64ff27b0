// Package ocr implements the engine contract on top of Tesseract OCR.
package ocr

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/google/uuid"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

const (
	// RecognizerName is the only recognizer this engine provides.
	RecognizerName = "BlinkCardRecognizer"

	product = "card-scanner-ocr"
	version = "1.0.0"
)

// Recognizer settings keys.
const (
	SettingExtractOwner        = "extractOwner"
	SettingExtractExpiryDate   = "extractExpiryDate"
	SettingExtractCvv          = "extractCvv"
	SettingAnonymizeCardNumber = "anonymizeCardNumber"
	SettingReturnFullDocImage  = "returnFullDocumentImage"
)

func defaultSettings() engine.Settings {
	return engine.Settings{
		SettingExtractOwner:        true,
		SettingExtractExpiryDate:   true,
		SettingExtractCvv:          false,
		SettingAnonymizeCardNumber: false,
		SettingReturnFullDocImage:  false,
	}
}

type loader struct {
	opts Options
}

// NewLoader creates an engine loader.
func NewLoader(opts Options) engine.Loader {
	return &loader{opts: opts}
}

func (l *loader) Load(ctx context.Context, licenseKey string, settings engine.LoadSettings) (engine.Engine, error) {
	if licenseKey == "" {
		return nil, engine.ErrInvalidLicense
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := &ocrEngine{
		opts:      l.opts,
		settings:  settings,
		licenseID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(licenseKey)).String(),
	}
	if settings.AllowHelloMessage {
		logger.WithField("product", product).Info("OCR engine loaded")
	}
	return e, nil
}

type ocrEngine struct {
	opts      Options
	settings  engine.LoadSettings
	licenseID string

	mu      sync.Mutex
	deleted bool
}

func (e *ocrEngine) alive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return engine.ErrReleased
	}
	return nil
}

func (e *ocrEngine) CreateRecognizer(ctx context.Context, name string) (engine.Recognizer, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	if name != RecognizerName {
		return nil, fmt.Errorf("%w: %s", engine.ErrUnknownRecognizer, name)
	}
	return &cardRecognizer{name: name, settings: defaultSettings()}, nil
}

func (e *ocrEngine) CreateSuccessFrameGrabber(ctx context.Context, rec engine.Recognizer) (engine.Recognizer, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	inner, ok := rec.(*cardRecognizer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", engine.ErrUnknownRecognizer, rec)
	}
	return &frameGrabber{inner: inner}, nil
}

func (e *ocrEngine) CreateRunner(ctx context.Context, recognizers []engine.Recognizer, callbacks engine.MetadataCallbacks) (engine.Runner, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	extractor, err := e.opts.NewExtractor(e.settings)
	if err != nil {
		return nil, fmt.Errorf("create text extractor: %w", err)
	}
	return &runner{
		gate:        qualityGate{opts: e.opts},
		extractor:   extractor,
		recognizers: append([]engine.Recognizer(nil), recognizers...),
		callbacks:   callbacks,
	}, nil
}

func (e *ocrEngine) CreateVideoCapture(ctx context.Context, r engine.Runner, cameraFeed, deviceID string) (engine.VideoCapture, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	if e.opts.Capture == nil {
		return nil, engine.NewVideoCaptureError(engine.ReasonMediaDevicesNotSupported, "camera capture is not configured", nil)
	}
	return e.opts.Capture(ctx, r, cameraFeed, deviceID)
}

func (e *ocrEngine) CameraDevices(ctx context.Context) ([]models.CameraDevice, error) {
	if e.opts.Devices == nil {
		return nil, nil
	}
	return e.opts.Devices(ctx)
}

func (e *ocrEngine) ProductIntegrationInfo() models.ProductIntegrationInfo {
	return models.ProductIntegrationInfo{
		Product:        product,
		Version:        version,
		LicenseID:      e.licenseID,
		EngineLocation: e.settings.EngineLocation,
	}
}

func (e *ocrEngine) Delete() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = true
	return nil
}

// cardRecognizer accumulates card fields across frames and sides.
type cardRecognizer struct {
	name string

	mu        sync.Mutex
	settings  engine.Settings
	fields    CardFields
	frame     image.Image
	firstSide bool
	released  bool
}

func (r *cardRecognizer) Name() string { return r.name }

func (r *cardRecognizer) CurrentSettings(ctx context.Context) (engine.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(engine.Settings, len(r.settings))
	for k, v := range r.settings {
		out[k] = v
	}
	return out, nil
}

func (r *cardRecognizer) UpdateSettings(ctx context.Context, settings engine.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return engine.ErrReleased
	}
	r.settings = settings
	return nil
}

func (r *cardRecognizer) flag(key string) bool {
	v, _ := r.settings[key].(bool)
	return v
}

// merge fills missing fields from a frame and reports the resulting state and
// whether this frame completed the first side.
func (r *cardRecognizer) merge(f CardFields, img image.Image) (models.ResultState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fields.CardNumber == "" {
		r.fields.CardNumber = f.CardNumber
	}
	if r.fields.ExpiryMonth == 0 && f.ExpiryMonth != 0 {
		r.fields.ExpiryMonth, r.fields.ExpiryYear, r.fields.ExpiryRaw = f.ExpiryMonth, f.ExpiryYear, f.ExpiryRaw
	}
	if r.fields.Owner == "" {
		r.fields.Owner = f.Owner
	}
	if r.fields.CVV == "" {
		r.fields.CVV = f.CVV
	}

	state := r.stateLocked()
	if state != models.ResultEmpty && r.flag(SettingReturnFullDocImage) {
		r.frame = img
	}
	completedFirstSide := state == models.ResultStageValid && !r.firstSide
	if completedFirstSide {
		r.firstSide = true
	}
	return state, completedFirstSide
}

func (r *cardRecognizer) stateLocked() models.ResultState {
	if r.fields.CardNumber == "" {
		return models.ResultEmpty
	}
	complete := true
	if r.flag(SettingExtractExpiryDate) && r.fields.ExpiryMonth == 0 {
		complete = false
	}
	if r.flag(SettingExtractOwner) && r.fields.Owner == "" {
		complete = false
	}
	if r.flag(SettingExtractCvv) && r.fields.CVV == "" {
		complete = false
	}
	if complete {
		return models.ResultValid
	}
	return models.ResultStageValid
}

func (r *cardRecognizer) Result(ctx context.Context) (*models.RecognizerResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, engine.ErrReleased
	}
	state := r.stateLocked()
	if state == models.ResultEmpty {
		return &models.RecognizerResult{State: models.ResultEmpty}, nil
	}

	number := r.fields.CardNumber
	if r.flag(SettingAnonymizeCardNumber) {
		number = maskNumber(number)
	}
	fields := map[string]any{
		"cardNumber":      number,
		"cardNumberValid": true,
		"issuer":          Issuer(r.fields.CardNumber),
	}
	if r.fields.ExpiryMonth != 0 {
		fields["expiryDate"] = map[string]any{
			"month":              r.fields.ExpiryMonth,
			"year":               r.fields.ExpiryYear,
			"originalString":     r.fields.ExpiryRaw,
			"successfullyParsed": true,
		}
	}
	if r.fields.Owner != "" {
		fields["owner"] = r.fields.Owner
	}
	if r.fields.CVV != "" {
		fields["cvv"] = r.fields.CVV
	}
	return &models.RecognizerResult{State: state, Fields: fields, Frame: r.frame}, nil
}

func (r *cardRecognizer) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	r.frame = nil
	return nil
}

// frameGrabber is attached to a runner in place of its recognizer and keeps the
// frame the recognizer last improved on.
type frameGrabber struct {
	inner *cardRecognizer

	mu    sync.Mutex
	frame image.Image
}

func (g *frameGrabber) Name() string { return g.inner.Name() }

func (g *frameGrabber) CurrentSettings(ctx context.Context) (engine.Settings, error) {
	return g.inner.CurrentSettings(ctx)
}

func (g *frameGrabber) UpdateSettings(ctx context.Context, settings engine.Settings) error {
	return g.inner.UpdateSettings(ctx, settings)
}

func (g *frameGrabber) merge(f CardFields, img image.Image) (models.ResultState, bool) {
	state, first := g.inner.merge(f, img)
	if state != models.ResultEmpty {
		g.mu.Lock()
		g.frame = img
		g.mu.Unlock()
	}
	return state, first
}

func (g *frameGrabber) Result(ctx context.Context) (*models.RecognizerResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.frame == nil {
		return &models.RecognizerResult{State: models.ResultEmpty}, nil
	}
	return &models.RecognizerResult{State: models.ResultValid, Frame: g.frame}, nil
}

func (g *frameGrabber) Release() error {
	g.mu.Lock()
	g.frame = nil
	g.mu.Unlock()
	return nil
}

type merger interface {
	merge(f CardFields, img image.Image) (models.ResultState, bool)
}

// runner reads frames and feeds the parsed fields to its recognizers.
type runner struct {
	gate        qualityGate
	recognizers []engine.Recognizer
	callbacks   engine.MetadataCallbacks

	mu        sync.Mutex
	extractor TextExtractor
	released  bool
}

func (r *runner) ProcessImage(ctx context.Context, img image.Image) (models.ResultState, error) {
	if img == nil {
		return models.ResultEmpty, fmt.Errorf("no frame")
	}

	status, metrics := r.gate.Check(img)
	if cb := r.callbacks.OnQuadDetection; cb != nil {
		cb(models.Detection{Status: status})
	}
	if status != models.StatusDetectionSuccess {
		logger.WithFields(map[string]interface{}{
			"status":             status,
			"laplacian_variance": metrics.LaplacianVar,
			"brightness":         metrics.Brightness,
		}).Debug("Frame rejected by quality gate")
		return models.ResultEmpty, nil
	}

	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return models.ResultEmpty, engine.ErrReleased
	}
	text, err := r.extractor.Text(ctx, img)
	r.mu.Unlock()
	if err != nil {
		return models.ResultEmpty, err
	}

	fields := ParseCard(text)
	best := models.ResultEmpty
	firstSide := false
	for _, rec := range r.recognizers {
		m, ok := rec.(merger)
		if !ok {
			continue
		}
		state, first := m.merge(fields, img)
		firstSide = firstSide || first
		if rank(state) > rank(best) {
			best = state
		}
	}

	if firstSide && r.callbacks.OnFirstSideResult != nil {
		r.callbacks.OnFirstSideResult()
	}
	return best, nil
}

func rank(s models.ResultState) int {
	switch s {
	case models.ResultValid:
		return 3
	case models.ResultStageValid:
		return 2
	case models.ResultUncertain:
		return 1
	}
	return 0
}

func (r *runner) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil
	}
	r.released = true
	return r.extractor.Close()
}
