package factory

import (
	"fmt"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/camera"
	"github.com/anime-shed/card-scanner-go/internal/config"
	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/internal/engine/ocr"
	"github.com/anime-shed/card-scanner-go/internal/storage"
)

// EngineType represents different recognition engine builds
type EngineType string

const (
	// OCREngine reads images only
	OCREngine EngineType = "ocr"
	// OCRCameraEngine reads images and local cameras
	OCRCameraEngine EngineType = "ocr-camera"
)

// StorageType represents different types of image sources
type StorageType string

const (
	// HTTPStorage for HTTP-based image fetching
	HTTPStorage StorageType = "http"
	// AzureStorage for Azure blob storage
	AzureStorage StorageType = "azure"
	// LocalStorage for local file system
	LocalStorage StorageType = "local"
)

// EngineFactory creates engine loaders
type EngineFactory interface {
	CreateLoader(engineType EngineType) (engine.Loader, error)
}

// StorageFactory creates image sources
type StorageFactory interface {
	CreateStorage(storageType StorageType) (storage.ImageSource, error)
}

type engineFactory struct {
	camera camera.Options
}

// NewEngineFactory creates a new engine factory
func NewEngineFactory(cameraOpts camera.Options) EngineFactory {
	return &engineFactory{camera: cameraOpts}
}

// CreateLoader creates an engine loader based on the specified type
func (f *engineFactory) CreateLoader(engineType EngineType) (engine.Loader, error) {
	opts := ocr.DefaultOptions()
	switch engineType {
	case OCREngine:
		return ocr.NewLoader(opts), nil
	case OCRCameraEngine:
		return ocr.NewLoader(opts.WithCamera(camera.Opener(f.camera), camera.ListDevices)), nil
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", engineType)
	}
}

type storageFactory struct {
	cfg          config.StorageConfig
	fetchTimeout time.Duration
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg config.StorageConfig, fetchTimeout time.Duration) StorageFactory {
	return &storageFactory{cfg: cfg, fetchTimeout: fetchTimeout}
}

// CreateStorage creates an image source based on the specified type
func (f *storageFactory) CreateStorage(storageType StorageType) (storage.ImageSource, error) {
	switch storageType {
	case HTTPStorage:
		return storage.NewHTTPImageFetcher(f.fetchTimeout), nil
	case AzureStorage:
		return storage.NewAzureStorage(f.cfg.AzureAccount, f.cfg.AzureKey, f.cfg.AzureContainer)
	case LocalStorage:
		return storage.NewLocalStorage(f.cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// ComponentFactory combines all factories
type ComponentFactory struct {
	EngineFactory  EngineFactory
	StorageFactory StorageFactory
}

// NewComponentFactory creates a new component factory
func NewComponentFactory(cfg *config.Config) *ComponentFactory {
	return &ComponentFactory{
		EngineFactory:  NewEngineFactory(camera.DefaultOptions()),
		StorageFactory: NewStorageFactory(cfg.Storage, cfg.ImageFetchTimeout),
	}
}
