package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// Mode is the kind of input a scan attempt consumes.
type Mode string

const (
	ModeVideo       Mode = "video"
	ModeSingleImage Mode = "single_image"
	ModeMultiImage  Mode = "multi_image"
)

type recognizerInstance struct {
	name         string
	recognizer   *engine.Owned[engine.Recognizer]
	successFrame *engine.Owned[engine.Recognizer]
}

// attempt is one scan from Preparing to teardown.
type attempt struct {
	id      string
	gen     uint64
	mode    Mode
	ctx     context.Context
	cancel  context.CancelFunc
	onEvent EventCallback
	log     *logrus.Entry

	emitMu       sync.Mutex
	terminalSent bool

	initiatedByUser atomic.Bool
	terminating     atomic.Bool
	handling        atomic.Bool
	stop            chan struct{}
	stopOnce        sync.Once
	done            chan struct{}

	resMu       sync.Mutex
	recognizers []*recognizerInstance
	runner      *engine.Owned[engine.Runner]
	video       *engine.Owned[engine.VideoCapture]
}

func newAttempt(parent context.Context, gen uint64, mode Mode, onEvent EventCallback) *attempt {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.New().String()
	return &attempt{
		id:      id,
		gen:     gen,
		mode:    mode,
		ctx:     ctx,
		cancel:  cancel,
		onEvent: onEvent,
		log:     logger.WithAttempt(id, gen).WithField("mode", mode),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// emit delivers ev unless a terminal event was already delivered. It reports
// whether the event went out.
func (a *attempt) emit(ev models.ScanEvent) bool {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	if a.terminalSent {
		return false
	}
	if ev.Status.IsTerminal() {
		a.terminalSent = true
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if a.onEvent == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("status", ev.Status).Errorf("event callback panicked: %v", r)
		}
	}()
	a.onEvent(ev)
	return true
}

func (a *attempt) emitStatus(status models.RecognitionStatus) bool {
	return a.emit(models.ScanEvent{Status: status})
}

func (a *attempt) emitEmpty(recognizerName string) bool {
	return a.emit(models.ScanEvent{
		Status:          models.StatusEmptyResultState,
		RecognizerName:  recognizerName,
		InitiatedByUser: a.initiatedByUser.Load(),
	})
}

func (a *attempt) finished() bool {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	return a.terminalSent
}

// requestTermination signals the attempt to tear down. Only the first call closes
// the stop channel; the user flag is sticky once set.
func (a *attempt) requestTermination(initiatedByUser bool) {
	if initiatedByUser {
		a.initiatedByUser.Store(true)
	}
	a.terminating.Store(true)
	a.stopOnce.Do(func() { close(a.stop) })
}

// wait blocks until termination is requested or the caller's context ends.
func (a *attempt) wait() {
	select {
	case <-a.stop:
	case <-a.ctx.Done():
	}
}

func (a *attempt) cancelled() bool {
	return a.terminating.Load() || a.ctx.Err() != nil
}

func (a *attempt) setRecognizers(recs []*recognizerInstance) {
	a.resMu.Lock()
	a.recognizers = recs
	a.resMu.Unlock()
}

func (a *attempt) setRunner(r engine.Runner) {
	a.resMu.Lock()
	a.runner = engine.Own(r)
	a.resMu.Unlock()
}

func (a *attempt) setVideo(v engine.VideoCapture) {
	a.resMu.Lock()
	a.video = engine.Own(v)
	a.resMu.Unlock()
}

func (a *attempt) videoCapture() (engine.VideoCapture, bool) {
	a.resMu.Lock()
	h := a.video
	a.resMu.Unlock()
	return h.Get()
}

func (a *attempt) instances() []*recognizerInstance {
	a.resMu.Lock()
	defer a.resMu.Unlock()
	return a.recognizers
}

// release frees every handle the attempt acquired. The camera feed is released
// after feedDelay so an in-flight frame callback does not touch a freed feed.
func (a *attempt) release(feedDelay time.Duration) {
	a.resMu.Lock()
	video, runner, recs := a.video, a.runner, a.recognizers
	a.resMu.Unlock()

	if v, ok := video.Get(); ok {
		v.Cancel()
		if feedDelay > 0 {
			time.Sleep(feedDelay)
		}
	}
	if err := video.Release(); err != nil {
		a.log.WithError(err).Warn("failed to release video feed")
	}
	if err := runner.Release(); err != nil {
		a.log.WithError(err).Warn("failed to release recognizer runner")
	}
	if err := releaseRecognizers(recs); err != nil {
		a.log.WithError(err).Warn("failed to release recognizers")
	}
}
