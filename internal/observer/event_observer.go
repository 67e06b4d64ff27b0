package observer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// WidgetEvent is published by the widget host
type WidgetEvent struct {
	EventType       EventType                 `json:"event_type"`
	Timestamp       time.Time                 `json:"timestamp"`
	Source          string                    `json:"source,omitempty"`
	Result          *models.RecognitionResult `json:"result,omitempty"`
	Error           *models.ScanError         `json:"error,omitempty"`
	Feedback        *models.FeedbackMessage   `json:"feedback,omitempty"`
	InitiatedByUser bool                      `json:"initiated_by_user,omitempty"`
	ProcessingTime  time.Duration             `json:"processing_time,omitempty"`
	Metadata        map[string]interface{}    `json:"metadata,omitempty"`
}

// EventType represents the type of widget event
type EventType string

const (
	// FatalError when the widget cannot be used
	FatalError EventType = "fatalError"
	// Ready when the engine is loaded
	Ready EventType = "ready"
	// ScanError when a scan ended without a result
	ScanError EventType = "scanError"
	// ScanSuccess when a scan produced a result
	ScanSuccess EventType = "scanSuccess"
	// Feedback when a message should be shown next to the widget
	Feedback EventType = "feedback"
	// CameraScanStarted when the camera feed is running
	CameraScanStarted EventType = "cameraScanStarted"
	// ImageScanStarted when image processing begins
	ImageScanStarted EventType = "imageScanStarted"
	// ScanAborted when the user ended the scan
	ScanAborted EventType = "scanAborted"
)

// IsTerminal reports whether the event ends a scan.
func (t EventType) IsTerminal() bool {
	return t == ScanError || t == ScanSuccess || t == ScanAborted
}

// Observer defines the interface for event observers
type Observer interface {
	OnEvent(ctx context.Context, event WidgetEvent)
	GetObserverName() string
}

// Subject defines the interface for event publishers
type Subject interface {
	Subscribe(observer Observer)
	Unsubscribe(observer Observer)
	NotifyObservers(ctx context.Context, event WidgetEvent)
}

// LoggingObserver logs widget events
type LoggingObserver struct {
	logger *logrus.Logger
}

// NewLoggingObserver creates a new logging observer
func NewLoggingObserver(logger *logrus.Logger) Observer {
	return &LoggingObserver{
		logger: logger,
	}
}

// OnEvent handles widget events by logging them
func (o *LoggingObserver) OnEvent(ctx context.Context, event WidgetEvent) {
	fields := logrus.Fields{
		"event_type": event.EventType,
		"source":     event.Source,
	}
	if event.ProcessingTime > 0 {
		fields["processing_time"] = event.ProcessingTime
	}
	if event.Error != nil {
		fields["code"] = event.Error.Code
		fields["fatal"] = event.Error.Fatal
	}
	if event.Feedback != nil {
		fields["feedback_code"] = event.Feedback.Code
	}
	if event.Result != nil {
		fields["recognizer"] = event.Result.RecognizerName
	}
	for k, v := range event.Metadata {
		fields[k] = v
	}

	entry := o.logger.WithFields(fields)
	switch event.EventType {
	case FatalError:
		entry.Error("Widget failed")
	case ScanError:
		entry.Warn("Scan unsuccessful")
	case ScanSuccess:
		entry.Info("Scan successful")
	case ScanAborted:
		entry.Info("Scan aborted")
	case Feedback:
		entry.Debug("Feedback shown")
	default:
		entry.Info("Widget event occurred")
	}
}

// GetObserverName returns the observer name
func (o *LoggingObserver) GetObserverName() string {
	return "logging_observer"
}

// EventPublisher implements the Subject interface
type EventPublisher struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher() Subject {
	return &EventPublisher{
		observers: make([]Observer, 0),
	}
}

// Subscribe adds an observer
func (p *EventPublisher) Subscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// Unsubscribe removes an observer
func (p *EventPublisher) Unsubscribe(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, obs := range p.observers {
		if obs.GetObserverName() == observer.GetObserverName() {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			break
		}
	}
}

// NotifyObservers delivers the event to every observer in subscription order.
// Delivery is synchronous so observers see the events of a scan in order.
func (p *EventPublisher) NotifyObservers(ctx context.Context, event WidgetEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	p.mu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.mu.RUnlock()

	for _, observer := range observers {
		notify(ctx, observer, event)
	}
}

func notify(ctx context.Context, obs Observer, event WidgetEvent) {
	defer func() {
		if r := recover(); r != nil {
			// Log panic but don't crash the application
			logrus.WithField("observer", obs.GetObserverName()).
				WithField("panic", r).
				Error("Observer panicked while handling event")
		}
	}()
	obs.OnEvent(ctx, event)
}
