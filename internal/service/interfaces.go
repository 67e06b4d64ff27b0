package service

import (
	"context"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// EventCallback receives progress events and exactly one terminal event per scan.
// It must not start another scan synchronously on the same service.
type EventCallback func(models.ScanEvent)

// ScanService drives one scan attempt at a time against a loaded engine.
//
// The Scan* methods block until the attempt has ended: its terminal event has been
// delivered and every engine handle it acquired has been released. Starting a scan
// while another is active cancels the active one first.
type ScanService interface {
	Initialize(ctx context.Context, licenseKey string, settings engine.LoadSettings) error
	CheckRecognizers(names []string) models.RecognizerCheck
	DesiredCameraExperience(recognizers []string) models.CameraExperience
	ScanFromImageType(recognizers []string) models.ImageRecognitionType

	ScanFromCamera(ctx context.Context, cfg CameraScanConfig, onEvent EventCallback)
	ScanFromImage(ctx context.Context, cfg ImageScanConfig, onEvent EventCallback)
	ScanFromImageMultiSide(ctx context.Context, cfg MultiSideImageScanConfig, onEvent EventCallback)

	CancelRecognition(initiatedByUser bool)
	StopRecognition()
	PauseRecognition()
	ResumeRecognition()
	FlipCamera(ctx context.Context) error
	IsCameraFlipped() bool
	ChangeCameraDevice(ctx context.Context, device models.CameraDevice) bool
	CameraDevices(ctx context.Context) ([]models.CameraDevice, error)
	IsScanning() bool

	ProductIntegrationInfo() (models.ProductIntegrationInfo, error)
	Delete() error
}

// RecognizerOptions maps recognizer name to setting overrides.
type RecognizerOptions map[string]engine.Settings

type CameraScanConfig struct {
	Recognizers        []string
	RecognizerOptions  RecognizerOptions
	SuccessFrame       bool
	CameraFeed         string
	CameraID           string
	RecognitionTimeout time.Duration
}

type ImageScanConfig struct {
	Recognizers       []string
	RecognizerOptions RecognizerOptions
	File              *models.ImageFile
}

type MultiSideImageScanConfig struct {
	Recognizers       []string
	RecognizerOptions RecognizerOptions
	FirstFile         *models.ImageFile
	SecondFile        *models.ImageFile
}
