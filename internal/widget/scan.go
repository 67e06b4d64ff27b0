package widget

import (
	"sync"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/experience"
	"github.com/anime-shed/card-scanner-go/internal/i18n"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// scan translates the service events of one scan into widget events.
type scan struct {
	host   *host
	seq    uint64
	source string
	exp    experience.StateMachine
	pause  time.Duration
	start  time.Time
	result chan observer.WidgetEvent

	mu         sync.Mutex
	isBackSide bool
	terminated bool
}

func (s *scan) onEvent(ev models.ScanEvent) {
	switch {
	case ev.Status == models.StatusReady:
		s.exp.SetCameraActive(true)
		s.exp.SetState(models.StateDefault, false, true)
		s.host.publish(observer.WidgetEvent{EventType: observer.CameraScanStarted, Source: s.source})

	case ev.Status == models.StatusPreparing && s.source != SourceCamera:
		s.host.publish(observer.WidgetEvent{EventType: observer.ImageScanStarted, Source: s.source})
		s.feedback(models.FeedbackScanStarted, models.FeedbackInfo, i18n.KeyProcessImageMessage)

	case ev.Status == models.StatusOnFirstSideResult:
		s.onFirstSide()

	case ev.Status == models.StatusScanSuccessful:
		s.exp.SetState(models.StateDoneAll, s.backSide(), true)
		s.terminal(observer.WidgetEvent{
			EventType: observer.ScanSuccess,
			Result:    ev.Result,
		})

	case ev.Status == models.StatusEmptyResultState:
		if ev.InitiatedByUser {
			s.terminal(observer.WidgetEvent{EventType: observer.ScanAborted, InitiatedByUser: true})
			return
		}
		s.feedback(models.FeedbackScanUnsuccessful, models.FeedbackError, i18n.KeyScanUnsuccessful)
		s.terminal(observer.WidgetEvent{
			EventType: observer.ScanError,
			Error: &models.ScanError{
				Code:           models.CodeEmptyResult,
				Message:        "Could not extract information from the document",
				RecognizerName: ev.RecognizerName,
			},
		})

	case ev.Status.IsTerminal():
		code, fb, key, msg := classify(ev.Status)
		s.feedback(fb, models.FeedbackError, key)
		scanErr := &models.ScanError{Code: code, Message: msg, RecognizerName: ev.RecognizerName}
		if ev.Err != nil {
			scanErr.Details = ev.Err.Error()
		}
		s.terminal(observer.WidgetEvent{EventType: observer.ScanError, Error: scanErr})

	case ev.Status == models.StatusDetectionStatusChange:
		// The per-status event that follows carries the same information.

	default:
		if state, ok := experience.StateForStatus(ev.Status); ok {
			s.exp.SetState(state, s.backSide(), false)
		}
	}
}

// onFirstSide shows the flip state and holds recognition until the user has
// had time to turn the card over.
func (s *scan) onFirstSide() {
	s.mu.Lock()
	s.isBackSide = true
	s.mu.Unlock()

	if s.source != SourceCamera {
		return
	}
	svc := s.host.current()
	if svc == nil {
		return
	}
	svc.PauseRecognition()
	s.exp.SetState(models.StateFlip, true, true)
	time.AfterFunc(s.pause, func() {
		if !s.active() {
			return
		}
		if svc := s.host.current(); svc != nil {
			svc.ResumeRecognition()
		}
	})
}

// active reports whether this is still the newest scan and it has not ended.
func (s *scan) active() bool {
	s.mu.Lock()
	done := s.terminated
	s.mu.Unlock()
	if done {
		return false
	}
	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	return s.host.scanSeq == s.seq
}

func (s *scan) backSide() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBackSide
}

func (s *scan) feedback(code models.FeedbackCode, state models.FeedbackState, key string) {
	s.host.publish(observer.WidgetEvent{
		EventType: observer.Feedback,
		Source:    s.source,
		Feedback: &models.FeedbackMessage{
			Code:    code,
			State:   state,
			Message: s.host.translator.Lookup(key),
		},
	})
}

func (s *scan) terminal(event observer.WidgetEvent) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		logger.WithField("event_type", event.EventType).Warn("Dropping second terminal event")
		return
	}
	s.terminated = true
	s.mu.Unlock()

	event.Source = s.source
	event.ProcessingTime = time.Since(s.start)
	event.Timestamp = time.Now()
	s.host.publish(event)
	s.result <- event
}

// finish runs after the service has released the attempt.
func (s *scan) finish() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()

	s.host.mu.Lock()
	latest := s.host.scanSeq == s.seq
	s.host.mu.Unlock()
	// A superseded scan leaves the overlay to its successor.
	if latest {
		s.exp.ResetState()
		s.exp.SetCameraActive(false)
	}
}

// classify maps a failure status to its error code, feedback code, message key
// and error text.
func classify(status models.RecognitionStatus) (models.Code, models.FeedbackCode, string, string) {
	switch status {
	case models.StatusNoImageFileFound:
		return models.CodeNoImageFileFound, models.FeedbackScanUnsuccessful, i18n.KeyImageNotSupported,
			"No image file was provided"
	case models.StatusNoFirstImageFileFound:
		return models.CodeNoFirstImageFileFound, models.FeedbackScanUnsuccessful, i18n.KeyImageNotSupported,
			"No image file was provided for the first side"
	case models.StatusNoSecondImageFileFound:
		return models.CodeNoSecondImageFileFound, models.FeedbackScanUnsuccessful, i18n.KeyImageNotSupported,
			"No image file was provided for the second side"
	case models.StatusNoSupportForMediaDevices:
		return models.CodeCameraGenericError, models.FeedbackCameraDisabled, i18n.KeyCameraDisabled,
			"Camera capture is not supported on this host"
	case models.StatusCameraNotFound:
		return models.CodeCameraGenericError, models.FeedbackCameraGenericError, i18n.KeyCameraNotFound,
			"No camera was found"
	case models.StatusCameraNotAllowed:
		return models.CodeCameraNotAllowed, models.FeedbackCameraNotAllowed, i18n.KeyCameraNotAllowed,
			"Access to the camera was denied"
	case models.StatusCameraInUse:
		return models.CodeCameraInUse, models.FeedbackCameraInUse, i18n.KeyCameraInUse,
			"The camera is in use by another application"
	case models.StatusUnableToAccessCamera, models.StatusCameraGenericError:
		return models.CodeCameraGenericError, models.FeedbackCameraGenericError, i18n.KeyCameraGenericError,
			"Unable to access the camera"
	}
	return models.CodeGenericScanError, models.FeedbackGenericScanError, i18n.KeyGenericError,
		"There was an error during scan action"
}
