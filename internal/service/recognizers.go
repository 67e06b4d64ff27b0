package service

import (
	"context"
	"fmt"

	"github.com/arbovm/levenshtein"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// CheckRecognizers validates a recognizer list against the supported set.
func (s *scanService) CheckRecognizers(names []string) models.RecognizerCheck {
	if len(names) == 0 {
		return models.RecognizerCheck{OK: false, Message: "There are no provided recognizers!"}
	}
	for _, name := range names {
		if !s.opts.supports(name) {
			msg := fmt.Sprintf("Recognizer %q doesn't exist!", name)
			if suggestion := s.closestRecognizer(name); suggestion != "" {
				msg += fmt.Sprintf(" Did you mean %q?", suggestion)
			}
			return models.RecognizerCheck{OK: false, Message: msg}
		}
	}
	return models.RecognizerCheck{OK: true}
}

// closestRecognizer suggests a supported name within a third of the input length.
func (s *scanService) closestRecognizer(name string) string {
	best, bestDist := "", -1
	for _, candidate := range s.opts.SupportedRecognizers {
		d := levenshtein.Distance(name, candidate)
		if bestDist < 0 || d < bestDist {
			best, bestDist = candidate, d
		}
	}
	limit := len(name) / 3
	if limit < 2 {
		limit = 2
	}
	if bestDist < 0 || bestDist > limit {
		return ""
	}
	return best
}

func (s *scanService) DesiredCameraExperience(recognizers []string) models.CameraExperience {
	return models.CameraExperiencePaymentCard
}

func (s *scanService) ScanFromImageType(recognizers []string) models.ImageRecognitionType {
	for _, name := range recognizers {
		if name == BlinkCardRecognizer {
			return models.ImageRecognitionMultiSide
		}
	}
	return models.ImageRecognitionSingleSide
}

// releaseRecognizers frees every recognizer, each success frame grabber ahead
// of the recognizer it wraps.
func releaseRecognizers(instances []*recognizerInstance) error {
	handles := make([]*engine.Owned[engine.Recognizer], 0, 2*len(instances))
	for _, inst := range instances {
		if inst == nil {
			continue
		}
		handles = append(handles, inst.successFrame, inst.recognizer)
	}
	return engine.ReleaseAll(handles...)
}

// createRecognizers instantiates the named recognizers in order, applies option
// overrides and optionally wraps each in a success frame grabber. On failure every
// handle created so far is released.
func (s *scanService) createRecognizers(ctx context.Context, eng engine.Engine, names []string, options RecognizerOptions, successFrame bool) (instances []*recognizerInstance, err error) {
	if check := s.CheckRecognizers(names); !check.OK {
		return nil, fmt.Errorf("%s", check.Message)
	}

	defer func() {
		if err != nil {
			_ = releaseRecognizers(instances)
			instances = nil
		}
	}()

	for _, name := range names {
		rec, err := eng.CreateRecognizer(ctx, name)
		if err != nil {
			return instances, fmt.Errorf("create recognizer %s: %w", name, err)
		}
		instances = append(instances, &recognizerInstance{name: name, recognizer: engine.Own(rec)})
	}

	if len(options) > 0 {
		for _, inst := range instances {
			if err := applyOptions(ctx, inst, options[inst.name]); err != nil {
				return instances, err
			}
		}
	}

	if successFrame {
		for _, inst := range instances {
			rec, _ := inst.recognizer.Get()
			grabber, err := eng.CreateSuccessFrameGrabber(ctx, rec)
			if err != nil {
				return instances, fmt.Errorf("create success frame grabber for %s: %w", inst.name, err)
			}
			inst.successFrame = engine.Own(grabber)
		}
	}
	return instances, nil
}

// applyOptions overwrites only keys the recognizer already knows and skips the
// update round-trip when nothing matched.
func applyOptions(ctx context.Context, inst *recognizerInstance, overrides engine.Settings) error {
	if len(overrides) == 0 {
		return nil
	}
	rec, ok := inst.recognizer.Get()
	if !ok {
		return engine.ErrReleased
	}
	settings, err := rec.CurrentSettings(ctx)
	if err != nil {
		return fmt.Errorf("read settings for %s: %w", inst.name, err)
	}
	updated := false
	for key, value := range overrides {
		if _, known := settings[key]; known {
			settings[key] = value
			updated = true
		}
	}
	if !updated {
		return nil
	}
	if err := rec.UpdateSettings(ctx, settings); err != nil {
		return fmt.Errorf("update settings for %s: %w", inst.name, err)
	}
	return nil
}

// createRunner attaches the recognizers (or their success frame grabbers) to a
// runner whose metadata callbacks report through the attempt.
func (s *scanService) createRunner(ctx context.Context, eng engine.Engine, a *attempt, instances []*recognizerInstance) (engine.Runner, error) {
	attached := make([]engine.Recognizer, 0, len(instances))
	hasBlinkCard := false
	for _, inst := range instances {
		if grabber, ok := inst.successFrame.Get(); ok {
			attached = append(attached, grabber)
		} else if rec, ok := inst.recognizer.Get(); ok {
			attached = append(attached, rec)
		}
		if inst.name == BlinkCardRecognizer {
			hasBlinkCard = true
		}
	}

	callbacks := engine.MetadataCallbacks{
		OnDetectionFailed: func() {
			a.emitStatus(models.StatusDetectionFailed)
		},
		OnQuadDetection: func(d models.Detection) {
			detection := d
			a.emit(models.ScanEvent{Status: models.StatusDetectionStatusChange, Detection: &detection})
			if status, ok := detectionEventStatus(d.Status); ok {
				a.emitStatus(status)
			}
		},
	}
	if hasBlinkCard {
		callbacks.OnFirstSideResult = func() {
			a.emitStatus(models.StatusOnFirstSideResult)
		}
	}

	runner, err := eng.CreateRunner(ctx, attached, callbacks)
	if err != nil {
		return nil, fmt.Errorf("create recognizer runner: %w", err)
	}
	return runner, nil
}

func detectionEventStatus(status models.RecognitionStatus) (models.RecognitionStatus, bool) {
	switch status {
	case models.StatusDetectionFail,
		models.StatusDetectionSuccess,
		models.StatusDetectionCameraTooHigh,
		models.StatusDetectionFallbackSuccess,
		models.StatusDetectionPartial,
		models.StatusDetectionCameraAtAngle,
		models.StatusDetectionCameraTooNear,
		models.StatusDetectionDocumentTooCloseToEdge:
		return status, true
	}
	return "", false
}

// firstResult queries recognizers in order and returns the first non-empty result.
// Later recognizers are not queried once one succeeds.
func (s *scanService) firstResult(a *attempt, imageCapture bool) (*models.RecognitionResult, string) {
	lastName := ""
	for _, inst := range a.instances() {
		rec, ok := inst.recognizer.Get()
		if !ok {
			continue
		}
		lastName = inst.name
		res, err := rec.Result(a.ctx)
		if err != nil {
			a.log.WithError(err).WithField("recognizer", inst.name).Warn("failed to read recognizer result")
			continue
		}
		if res.IsEmpty() {
			continue
		}
		out := &models.RecognitionResult{
			RecognizerName: inst.name,
			Recognizer:     *res,
			ImageCapture:   imageCapture,
		}
		if grabber, ok := inst.successFrame.Get(); ok {
			frame, err := grabber.Result(a.ctx)
			if err != nil {
				a.log.WithError(err).WithField("recognizer", inst.name).Warn("failed to read success frame")
			} else if !frame.IsEmpty() {
				out.SuccessFrame = frame
			}
		}
		return out, inst.name
	}
	return nil, lastName
}

// emitOutcome emits ScanSuccessful for the first non-empty recognizer, or
// EmptyResultState when none has a result.
func (s *scanService) emitOutcome(a *attempt, state models.ResultState, imageCapture bool) {
	if state.IsEmpty() {
		a.emitEmpty("")
		return
	}
	result, name := s.firstResult(a, imageCapture)
	if result == nil {
		a.emitEmpty(name)
		return
	}
	a.emit(models.ScanEvent{
		Status:          models.StatusScanSuccessful,
		Result:          result,
		RecognizerName:  name,
		InitiatedByUser: a.initiatedByUser.Load(),
	})
}
