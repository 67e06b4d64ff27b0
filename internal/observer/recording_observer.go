package observer

import (
	"context"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/internal/repository"
)

// RecordingObserver persists terminal widget events
type RecordingObserver struct {
	repo    repository.ScanRepository
	timeout time.Duration
}

// NewRecordingObserver creates an observer that stores every finished scan
func NewRecordingObserver(repo repository.ScanRepository) Observer {
	return &RecordingObserver{repo: repo, timeout: 5 * time.Second}
}

func (o *RecordingObserver) OnEvent(ctx context.Context, event WidgetEvent) {
	if !event.EventType.IsTerminal() {
		return
	}

	record := &repository.ScanRecord{
		Source:          event.Source,
		Outcome:         string(event.EventType),
		InitiatedByUser: event.InitiatedByUser,
		CreatedAt:       event.Timestamp.UTC(),
	}
	if event.Error != nil {
		record.Code = string(event.Error.Code)
		record.RecognizerName = event.Error.RecognizerName
	}
	if event.Result != nil {
		record.RecognizerName = event.Result.RecognizerName
		record.Fields = event.Result.Recognizer.Fields
	}

	// The scan context is usually done by the time its terminal event arrives.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()
	if err := o.repo.SaveScan(saveCtx, record); err != nil {
		logger.WithError(err).WithField("outcome", record.Outcome).Error("Failed to record scan")
	}
}

func (o *RecordingObserver) GetObserverName() string {
	return "recording_observer"
}
