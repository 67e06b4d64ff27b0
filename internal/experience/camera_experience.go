package experience

import (
	"context"
	"sync"
	"time"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// Translator resolves feedback message keys to display text.
type Translator interface {
	Lookup(key string) string
}

// DeviceLister enumerates selectable cameras.
type DeviceLister interface {
	CameraDevices(ctx context.Context) ([]models.CameraDevice, error)
}

// EventType names the outward events of the camera overlay.
type EventType string

const (
	EventClose              EventType = "close"
	EventFlipCameraAction   EventType = "flipCameraAction"
	EventChangeCameraDevice EventType = "changeCameraDevice"
	EventCameraActive       EventType = "setIsCameraActive"
)

type Event struct {
	Type   EventType
	Device *models.CameraDevice
	Active bool
}

// Overlay is the rendered state of the camera overlay.
type Overlay struct {
	Type              models.CameraExperience      `json:"type"`
	State             models.CameraExperienceState `json:"state,omitempty"`
	CursorClass       string                       `json:"cursor_class"`
	ScanningLineClass string                       `json:"scanning_line_class"`
	MessageKey        string                       `json:"message_key,omitempty"`
	Message           string                       `json:"message,omitempty"`
	MessageClass      string                       `json:"message_class"`
	CameraFlipped     bool                         `json:"camera_flipped"`
	CameraActive      bool                         `json:"camera_active"`
	ActiveCamera      string                       `json:"active_camera,omitempty"`
}

type Options struct {
	Type models.CameraExperience

	// StateDurations overrides dwell times in milliseconds, keyed by camelCase state name.
	StateDurations                   map[string]int
	ShowScanningLine                 bool
	ShowCameraFeedbackBarcodeMessage bool
}

// StateMachine turns recognition progress into timed overlay states.
type StateMachine interface {
	// SetState applies a state and returns a channel closed once its dwell time
	// has elapsed, or immediately when the request is rejected.
	SetState(state models.CameraExperienceState, isBackSide, forced bool) <-chan struct{}
	ResetState() <-chan struct{}
	ResolveDuration(state models.CameraExperienceState) time.Duration
	InProgress() bool
	Overlay() Overlay

	SetActiveCamera(deviceID string)
	PopulateCameraDevices(ctx context.Context) ([]models.CameraDevice, error)
	SetCameraFlipState(flipped bool)
	SetCameraActive(active bool)

	FlipCamera()
	ChangeCameraDevice(device models.CameraDevice)
	Close()
}

type cameraExperience struct {
	opts       Options
	translator Translator
	devices    DeviceLister
	onEvent    func(Event)

	mu             sync.Mutex
	changeID       uint64
	epoch          uint64
	inProgress     bool
	flipInProgress bool
	overlay        Overlay
}

// NewStateMachine creates the overlay state machine. devices and onEvent may be nil.
func NewStateMachine(opts Options, translator Translator, devices DeviceLister, onEvent func(Event)) StateMachine {
	m := &cameraExperience{
		opts:       opts,
		translator: translator,
		devices:    devices,
		onEvent:    onEvent,
	}
	m.overlay = Overlay{
		Type:         opts.Type,
		CursorClass:  baseCursorClass(opts.Type),
		MessageClass: "message",
	}
	return m
}

func baseCursorClass(t models.CameraExperience) string {
	if t.IsIdentityCard() {
		return "reticle"
	}
	return "rectangle"
}

func (m *cameraExperience) SetState(state models.CameraExperienceState, isBackSide, forced bool) <-chan struct{} {
	done := make(chan struct{})

	m.mu.Lock()
	if state == "" || (!forced && (m.inProgress || m.flipInProgress)) {
		m.mu.Unlock()
		close(done)
		return done
	}
	m.inProgress = true
	m.changeID++
	id, epoch := m.changeID, m.epoch
	if state == models.StateFlip {
		m.flipInProgress = true
	}

	cls := StateClass(state)
	m.overlay.State = state
	m.overlay.CursorClass = baseCursorClass(m.opts.Type) + " " + cls
	switch m.opts.Type {
	case models.CameraExperienceBarcode:
		m.overlay.ScanningLineClass = scanningLine(cls == "is-detection" && m.opts.ShowScanningLine)
	case models.CameraExperiencePaymentCard:
		m.overlay.ScanningLineClass = scanningLine(cls == "is-default" && m.opts.ShowScanningLine)
	}
	m.setMessage(state, isBackSide)
	d := m.ResolveDuration(state)
	m.mu.Unlock()

	time.AfterFunc(d, func() {
		m.mu.Lock()
		// Timers from before the last reset must not touch the current flags.
		if m.epoch == epoch {
			if state == models.StateFlip {
				m.flipInProgress = false
			}
			if m.changeID == id {
				m.inProgress = false
			}
		}
		m.mu.Unlock()
		close(done)
	})
	return done
}

func scanningLine(active bool) string {
	if active {
		return "is-active"
	}
	return ""
}

// setMessage must be called with mu held.
func (m *cameraExperience) setMessage(state models.CameraExperienceState, isBackSide bool) {
	key := MessageKey(state, isBackSide, m.opts.Type, m.opts.ShowCameraFeedbackBarcodeMessage)
	m.overlay.MessageKey, m.overlay.Message = "", ""

	if m.opts.Type == models.CameraExperienceBarcode && !m.opts.ShowCameraFeedbackBarcodeMessage {
		return
	}
	if key == "" {
		m.overlay.MessageClass = "message"
		return
	}
	m.overlay.MessageKey = key
	if m.translator != nil {
		m.overlay.Message = m.translator.Lookup(key)
	} else {
		m.overlay.Message = key
	}
	m.overlay.MessageClass = "message is-active"
}

// ResolveDuration returns the override for state when one is set and positive,
// otherwise the default dwell time, otherwise zero.
func (m *cameraExperience) ResolveDuration(state models.CameraExperienceState) time.Duration {
	if m.opts.StateDurations != nil {
		if ms, ok := m.opts.StateDurations[state.CamelKey()]; ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultDurations[state]
}

func (m *cameraExperience) ResetState() <-chan struct{} {
	m.mu.Lock()
	m.changeID = 0
	m.epoch++
	m.inProgress = false
	m.flipInProgress = false
	m.overlay.State = ""
	m.overlay.MessageKey = ""
	m.overlay.Message = ""
	m.overlay.MessageClass = "message"
	m.mu.Unlock()

	done := make(chan struct{})
	close(done)
	return done
}

func (m *cameraExperience) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress || m.flipInProgress
}

func (m *cameraExperience) Overlay() Overlay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlay
}

func (m *cameraExperience) SetActiveCamera(deviceID string) {
	m.mu.Lock()
	m.overlay.ActiveCamera = deviceID
	m.mu.Unlock()
}

func (m *cameraExperience) PopulateCameraDevices(ctx context.Context) ([]models.CameraDevice, error) {
	if m.devices == nil {
		return nil, nil
	}
	return m.devices.CameraDevices(ctx)
}

func (m *cameraExperience) SetCameraFlipState(flipped bool) {
	m.mu.Lock()
	m.overlay.CameraFlipped = flipped
	m.mu.Unlock()
}

func (m *cameraExperience) SetCameraActive(active bool) {
	m.mu.Lock()
	changed := m.overlay.CameraActive != active
	m.overlay.CameraActive = active
	m.mu.Unlock()
	if changed {
		m.publish(Event{Type: EventCameraActive, Active: active})
	}
}

func (m *cameraExperience) FlipCamera() {
	m.publish(Event{Type: EventFlipCameraAction})
}

func (m *cameraExperience) ChangeCameraDevice(device models.CameraDevice) {
	d := device
	m.publish(Event{Type: EventChangeCameraDevice, Device: &d})
}

func (m *cameraExperience) Close() {
	m.publish(Event{Type: EventClose})
}

func (m *cameraExperience) publish(ev Event) {
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}
