package engine

import (
	"errors"
	"fmt"
)

// NotSupportedReason explains why a camera stream could not be opened.
type NotSupportedReason string

const (
	ReasonMediaDevicesNotSupported NotSupportedReason = "MediaDevicesNotSupported"
	ReasonCameraNotFound           NotSupportedReason = "CameraNotFound"
	ReasonCameraNotAllowed         NotSupportedReason = "CameraNotAllowed"
	ReasonCameraInUse              NotSupportedReason = "CameraInUse"
	ReasonCameraNotReady           NotSupportedReason = "CameraNotReady"
	ReasonVideoElementNotProvided  NotSupportedReason = "VideoElementNotProvided"
)

// VideoCaptureError is returned when a camera feed cannot be acquired.
type VideoCaptureError struct {
	Reason  NotSupportedReason
	Message string
	Cause   error
}

func (e *VideoCaptureError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("video capture [%s]: %s: %v", e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("video capture [%s]: %s", e.Reason, e.Message)
}

func (e *VideoCaptureError) Unwrap() error {
	return e.Cause
}

// NewVideoCaptureError creates a camera acquisition error with a reason.
func NewVideoCaptureError(reason NotSupportedReason, message string, cause error) *VideoCaptureError {
	return &VideoCaptureError{Reason: reason, Message: message, Cause: cause}
}

// ReasonOf extracts the not-supported reason from err, if any.
func ReasonOf(err error) (NotSupportedReason, bool) {
	var vcErr *VideoCaptureError
	if errors.As(err, &vcErr) && vcErr.Reason != "" {
		return vcErr.Reason, true
	}
	return "", false
}

var (
	ErrInvalidLicense    = errors.New("invalid license key")
	ErrUnknownRecognizer = errors.New("unknown recognizer")
	ErrReleased          = errors.New("handle already released")
)
