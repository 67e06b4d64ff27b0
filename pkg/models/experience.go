package models

// CameraExperience selects the overlay flavour drawn over the camera feed.
type CameraExperience string

const (
	CameraExperienceBarcode        CameraExperience = "BARCODE"
	CameraExperienceCardMultiSide  CameraExperience = "CARD_MULTI_SIDE"
	CameraExperienceCardSingleSide CameraExperience = "CARD_SINGLE_SIDE"
	CameraExperiencePaymentCard    CameraExperience = "PAYMENT_CARD"
)

// IsIdentityCard reports whether the experience uses the reticle overlay.
func (e CameraExperience) IsIdentityCard() bool {
	return e == CameraExperienceCardSingleSide || e == CameraExperienceCardMultiSide
}

// CameraExperienceState is a visual overlay state.
type CameraExperienceState string

const (
	StateAdjustAngle    CameraExperienceState = "AdjustAngle"
	StateClassification CameraExperienceState = "Classification"
	StateDefault        CameraExperienceState = "Default"
	StateDetection      CameraExperienceState = "Detection"
	StateDone           CameraExperienceState = "Done"
	StateDoneAll        CameraExperienceState = "DoneAll"
	StateFlip           CameraExperienceState = "Flip"
	StateMoveCloser     CameraExperienceState = "MoveCloser"
	StateMoveFarther    CameraExperienceState = "MoveFarther"
)

// CamelKey is the key used for the state in duration override maps.
func (s CameraExperienceState) CamelKey() string {
	if s == "" {
		return ""
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}
