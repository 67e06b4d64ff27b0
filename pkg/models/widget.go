package models

// Code classifies scan errors reported to widget consumers.
type Code string

const (
	CodeEmptyResult              Code = "EMPTY_RESULT"
	CodeInvalidRecognizerOptions Code = "INVALID_RECOGNIZER_OPTIONS"
	CodeNoImageFileFound         Code = "NO_IMAGE_FILE_FOUND"
	CodeNoFirstImageFileFound    Code = "NO_FIRST_IMAGE_FILE_FOUND"
	CodeNoSecondImageFileFound   Code = "NO_SECOND_IMAGE_FILE_FOUND"
	CodeGenericScanError         Code = "GENERIC_SCAN_ERROR"
	CodeCameraNotAllowed         Code = "CAMERA_NOT_ALLOWED"
	CodeCameraInUse              Code = "CAMERA_IN_USE"
	CodeCameraGenericError       Code = "CAMERA_GENERIC_ERROR"
)

// FeedbackCode classifies user-facing feedback messages.
type FeedbackCode string

const (
	FeedbackCameraDisabled     FeedbackCode = "CAMERA_DISABLED"
	FeedbackCameraGenericError FeedbackCode = "CAMERA_GENERIC_ERROR"
	FeedbackCameraInUse        FeedbackCode = "CAMERA_IN_USE"
	FeedbackCameraNotAllowed   FeedbackCode = "CAMERA_NOT_ALLOWED"
	FeedbackGenericScanError   FeedbackCode = "GENERIC_SCAN_ERROR"
	FeedbackScanStarted        FeedbackCode = "SCAN_STARTED"
	FeedbackScanUnsuccessful   FeedbackCode = "SCAN_UNSUCCESSFUL"
	FeedbackScanSuccessful     FeedbackCode = "SCAN_SUCCESSFUL"
)

// FeedbackState is the severity of a feedback message.
type FeedbackState string

const (
	FeedbackError FeedbackState = "FEEDBACK_ERROR"
	FeedbackInfo  FeedbackState = "FEEDBACK_INFO"
	FeedbackOK    FeedbackState = "FEEDBACK_OK"
)

// FeedbackMessage is shown alongside the widget.
type FeedbackMessage struct {
	Code    FeedbackCode  `json:"code"`
	State   FeedbackState `json:"state"`
	Message string        `json:"message"`
}

// ScanError is the payload of the scanError widget event.
type ScanError struct {
	Code           Code   `json:"code"`
	Fatal          bool   `json:"fatal"`
	Message        string `json:"message"`
	RecognizerName string `json:"recognizer_name,omitempty"`
	Details        string `json:"details,omitempty"`
}
