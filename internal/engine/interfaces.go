package engine

import (
	"context"
	"image"
	"time"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// Settings are recognizer settings keyed by setting name.
type Settings map[string]any

// LoadSettings configures engine loading.
type LoadSettings struct {
	EngineLocation    string
	TessdataPrefix    string
	Language          string
	AllowHelloMessage bool
}

// Loader loads a licensed engine instance.
type Loader interface {
	Load(ctx context.Context, licenseKey string, settings LoadSettings) (Engine, error)
}

// Releaser is implemented by every engine-owned resource.
type Releaser interface {
	Release() error
}

// Engine is a loaded recognition engine. All handles it creates must be released
// before Delete is called.
type Engine interface {
	CreateRecognizer(ctx context.Context, name string) (Recognizer, error)
	// CreateSuccessFrameGrabber wraps rec so that the frame it succeeded on is retained.
	// The returned recognizer is what gets attached to a runner; rec keeps the result.
	CreateSuccessFrameGrabber(ctx context.Context, rec Recognizer) (Recognizer, error)
	CreateRunner(ctx context.Context, recognizers []Recognizer, callbacks MetadataCallbacks) (Runner, error)
	CreateVideoCapture(ctx context.Context, runner Runner, cameraFeed, deviceID string) (VideoCapture, error)
	CameraDevices(ctx context.Context) ([]models.CameraDevice, error)
	ProductIntegrationInfo() models.ProductIntegrationInfo
	Delete() error
}

// Recognizer extracts one category of structured data from frames.
type Recognizer interface {
	Releaser
	Name() string
	CurrentSettings(ctx context.Context) (Settings, error)
	UpdateSettings(ctx context.Context, settings Settings) error
	Result(ctx context.Context) (*models.RecognizerResult, error)
}

// MetadataCallbacks receive per-frame detection metadata from a runner.
// Nil callbacks are skipped.
type MetadataCallbacks struct {
	OnDetectionFailed func()
	OnQuadDetection   func(models.Detection)
	OnFirstSideResult func()
}

// Runner feeds frames to an ordered set of recognizers.
type Runner interface {
	Releaser
	ProcessImage(ctx context.Context, img image.Image) (models.ResultState, error)
}

// VideoCapture binds a runner to a live camera feed. Release frees the feed.
type VideoCapture interface {
	Releaser
	// StartRecognition begins continuous recognition and returns once frames are flowing.
	// onResult is invoked from the capture goroutine for every frame that completed
	// recognition (a non-empty state other than StageValid), or with models.ResultEmpty
	// when timeout elapses first.
	StartRecognition(ctx context.Context, onResult func(models.ResultState), timeout time.Duration) error
	Pause()
	Resume(resetIfNeeded bool) error
	Cancel()
	Flip() error
	IsFlipped() bool
	ChangeDevice(ctx context.Context, device models.CameraDevice) error
}
