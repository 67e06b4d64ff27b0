package ocr

import (
	"context"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// CaptureFunc opens a camera feed bound to a runner.
type CaptureFunc func(ctx context.Context, runner engine.Runner, cameraFeed, deviceID string) (engine.VideoCapture, error)

// DeviceFunc lists the cameras a CaptureFunc can open.
type DeviceFunc func(ctx context.Context) ([]models.CameraDevice, error)

// Options configures the OCR engine
type Options struct {
	// Frame quality thresholds
	BlurThreshold float64
	DarkThreshold float64
	MinWidth      int
	MinHeight     int
	MaxSkew       float64
	SkipSkew      bool

	// NewExtractor builds the text extractor for each runner; defaults to Tesseract.
	NewExtractor func(settings engine.LoadSettings) (TextExtractor, error)

	Capture CaptureFunc
	Devices DeviceFunc
}

// DefaultOptions returns thresholds tuned for card-sized frames
func DefaultOptions() Options {
	return Options{
		BlurThreshold: 100.0,
		DarkThreshold: 40.0,
		MinWidth:      320,
		MinHeight:     200,
		MaxSkew:       15.0,
		NewExtractor:  NewTesseractExtractor,
	}
}

// WithExtractor replaces the text extractor constructor
func (o Options) WithExtractor(fn func(settings engine.LoadSettings) (TextExtractor, error)) Options {
	o.NewExtractor = fn
	return o
}

// WithCamera enables camera capture
func (o Options) WithCamera(capture CaptureFunc, devices DeviceFunc) Options {
	o.Capture = capture
	o.Devices = devices
	return o
}

// WithThresholds overrides the blur and darkness thresholds
func (o Options) WithThresholds(blur, dark float64) Options {
	o.BlurThreshold = blur
	o.DarkThreshold = dark
	return o
}

// WithoutSkewCheck disables skew estimation
func (o Options) WithoutSkewCheck() Options {
	o.SkipSkew = true
	return o
}
