package models

import (
	"image"
	"time"
)

// RecognitionStatus is the progress or outcome reported by the scan service
// for a single scan attempt.
type RecognitionStatus string

const (
	StatusPreparing          RecognitionStatus = "Preparing"
	StatusReady              RecognitionStatus = "Ready"
	StatusProcessing         RecognitionStatus = "Processing"
	StatusDetectionFailed    RecognitionStatus = "DetectionFailed"
	StatusEmptyResultState   RecognitionStatus = "EmptyResultState"
	StatusOnFirstSideResult  RecognitionStatus = "OnFirstSideResult"
	StatusScanSuccessful     RecognitionStatus = "ScanSuccessful"
	StatusDocumentClassified RecognitionStatus = "DocumentClassified"

	StatusNoImageFileFound       RecognitionStatus = "NoImageFileFound"
	StatusNoFirstImageFileFound  RecognitionStatus = "NoFirstImageFileFound"
	StatusNoSecondImageFileFound RecognitionStatus = "NoSecondImageFileFound"

	// Camera states
	StatusDetectionStatusChange    RecognitionStatus = "DetectionStatusChange"
	StatusNoSupportForMediaDevices RecognitionStatus = "NoSupportForMediaDevices"
	StatusCameraNotFound           RecognitionStatus = "CameraNotFound"
	StatusCameraNotAllowed         RecognitionStatus = "CameraNotAllowed"
	StatusUnableToAccessCamera     RecognitionStatus = "UnableToAccessCamera"
	StatusCameraInUse              RecognitionStatus = "CameraInUse"
	StatusCameraGenericError       RecognitionStatus = "CameraGenericError"

	StatusUnknownError RecognitionStatus = "UnknownError"

	// Per-frame detection outcomes reported by the engine
	StatusDetectionFail                   RecognitionStatus = "Fail"
	StatusDetectionSuccess                RecognitionStatus = "Success"
	StatusDetectionCameraTooHigh          RecognitionStatus = "CameraTooHigh"
	StatusDetectionFallbackSuccess        RecognitionStatus = "FallbackSuccess"
	StatusDetectionPartial                RecognitionStatus = "Partial"
	StatusDetectionCameraAtAngle          RecognitionStatus = "CameraAtAngle"
	StatusDetectionCameraTooNear          RecognitionStatus = "CameraTooNear"
	StatusDetectionDocumentTooCloseToEdge RecognitionStatus = "DocumentTooCloseToEdge"
)

// IsTerminal reports whether the status ends a scan attempt.
func (s RecognitionStatus) IsTerminal() bool {
	switch s {
	case StatusScanSuccessful,
		StatusEmptyResultState,
		StatusNoImageFileFound,
		StatusNoFirstImageFileFound,
		StatusNoSecondImageFileFound,
		StatusNoSupportForMediaDevices,
		StatusCameraNotFound,
		StatusCameraNotAllowed,
		StatusUnableToAccessCamera,
		StatusCameraInUse,
		StatusCameraGenericError,
		StatusUnknownError:
		return true
	}
	return false
}

// IsCameraError reports whether the status is a camera acquisition failure.
func (s RecognitionStatus) IsCameraError() bool {
	switch s {
	case StatusNoSupportForMediaDevices,
		StatusCameraNotFound,
		StatusCameraNotAllowed,
		StatusUnableToAccessCamera,
		StatusCameraInUse,
		StatusCameraGenericError:
		return true
	}
	return false
}

// ResultState is the engine-level state of a recognizer or runner result.
type ResultState string

const (
	ResultEmpty      ResultState = "Empty"
	ResultUncertain  ResultState = "Uncertain"
	ResultValid      ResultState = "Valid"
	ResultStageValid ResultState = "StageValid"
)

// IsEmpty reports whether nothing was recognized.
func (s ResultState) IsEmpty() bool {
	return s == "" || s == ResultEmpty
}

// RecognizerResult is the structured output of one recognizer.
type RecognizerResult struct {
	State  ResultState    `json:"state"`
	Fields map[string]any `json:"fields,omitempty"`
	// Frame is set for success-frame results and when full document images are requested.
	Frame image.Image `json:"-"`
}

// IsEmpty reports whether the result carries no data.
func (r *RecognizerResult) IsEmpty() bool {
	return r == nil || r.State.IsEmpty()
}

// RecognitionResult is the payload of a successful scan.
type RecognitionResult struct {
	RecognizerName string            `json:"recognizer_name"`
	Recognizer     RecognizerResult  `json:"recognizer"`
	SuccessFrame   *RecognizerResult `json:"success_frame,omitempty"`
	ImageCapture   bool              `json:"image_capture"`
}

// Detection is the quad-detection metadata reported for a frame.
type Detection struct {
	Status RecognitionStatus `json:"detection_status"`
	// Quad corners in frame coordinates, when known.
	Points []image.Point `json:"points,omitempty"`
}

// ScanEvent is delivered to the scan event callback.
type ScanEvent struct {
	Status          RecognitionStatus  `json:"status"`
	Result          *RecognitionResult `json:"result,omitempty"`
	Detection       *Detection         `json:"detection,omitempty"`
	RecognizerName  string             `json:"recognizer_name,omitempty"`
	InitiatedByUser bool               `json:"initiated_by_user"`
	Err             error              `json:"-"`
	Timestamp       time.Time          `json:"timestamp"`
}

// RecognizerCheck is the outcome of validating a recognizer list.
type RecognizerCheck struct {
	OK      bool   `json:"status"`
	Message string `json:"message,omitempty"`
}

// ImageRecognitionType tells hosts how many images a scan from image expects.
type ImageRecognitionType string

const (
	ImageRecognitionSingleSide ImageRecognitionType = "SingleSide"
	ImageRecognitionMultiSide  ImageRecognitionType = "MultiSide"
)

// CameraDevice describes a selectable camera.
type CameraDevice struct {
	DeviceID   string `json:"device_id"`
	PrettyName string `json:"pretty_name"`
	Facing     string `json:"facing,omitempty"`
}

// ProductIntegrationInfo identifies the loaded engine build.
type ProductIntegrationInfo struct {
	Product        string `json:"product"`
	Version        string `json:"version"`
	LicenseID      string `json:"license_id,omitempty"`
	EngineLocation string `json:"engine_location,omitempty"`
}
