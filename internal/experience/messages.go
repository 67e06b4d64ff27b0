package experience

import (
	"strings"
	"time"
	"unicode"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// Feedback message keys.
const (
	KeyBarcodeMessage = "camera-feedback-barcode-message"
	KeyScanFront      = "camera-feedback-scan-front"
	KeyScanBack       = "camera-feedback-scan-back"
	KeyMoveFarther    = "camera-feedback-move-farther"
	KeyMoveCloser     = "camera-feedback-move-closer"
	KeyAdjustAngle    = "camera-feedback-adjust-angle"
	KeyFlip           = "camera-feedback-flip"
)

// DefaultDurations are the dwell times of states that have one.
var DefaultDurations = map[models.CameraExperienceState]time.Duration{
	models.StateAdjustAngle: 2500 * time.Millisecond,
	models.StateDefault:     500 * time.Millisecond,
	models.StateDone:        300 * time.Millisecond,
	models.StateDoneAll:     400 * time.Millisecond,
	models.StateFlip:        4000 * time.Millisecond,
	models.StateMoveCloser:  2500 * time.Millisecond,
	models.StateMoveFarther: 2500 * time.Millisecond,
}

// MessageKey selects the feedback message for a state. An empty key means no message.
func MessageKey(state models.CameraExperienceState, isBackSide bool, exp models.CameraExperience, barcodeFeedback bool) string {
	switch state {
	case models.StateDefault:
		if exp == models.CameraExperienceBarcode && barcodeFeedback {
			return KeyBarcodeMessage
		}
		if isBackSide {
			return KeyScanBack
		}
		return KeyScanFront
	case models.StateMoveFarther:
		return KeyMoveFarther
	case models.StateMoveCloser:
		return KeyMoveCloser
	case models.StateAdjustAngle:
		return KeyAdjustAngle
	case models.StateFlip:
		return KeyFlip
	case models.StateClassification, models.StateDetection:
		if exp == models.CameraExperienceBarcode {
			return KeyBarcodeMessage
		}
		return ""
	default:
		return ""
	}
}

// StateClass is the cursor modifier class of a state, e.g. "is-move-closer".
func StateClass(state models.CameraExperienceState) string {
	if state == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("is-")
	for i, r := range string(state) {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StateForStatus maps a recognition status to the overlay state it should show.
func StateForStatus(status models.RecognitionStatus) (models.CameraExperienceState, bool) {
	switch status {
	case models.StatusDetectionSuccess, models.StatusDetectionFallbackSuccess:
		return models.StateDetection, true
	case models.StatusDetectionCameraTooHigh:
		return models.StateMoveCloser, true
	case models.StatusDetectionCameraTooNear, models.StatusDetectionDocumentTooCloseToEdge:
		return models.StateMoveFarther, true
	case models.StatusDetectionCameraAtAngle:
		return models.StateAdjustAngle, true
	case models.StatusDetectionPartial, models.StatusDocumentClassified:
		return models.StateClassification, true
	case models.StatusDetectionFail, models.StatusDetectionFailed:
		return models.StateDefault, true
	case models.StatusOnFirstSideResult:
		return models.StateFlip, true
	case models.StatusScanSuccessful:
		return models.StateDoneAll, true
	}
	return "", false
}
