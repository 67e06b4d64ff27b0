// Package enginetest provides a scriptable in-memory engine for tests.
package enginetest

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// Loader returns Engine unless Err is set.
type Loader struct {
	mu       sync.Mutex
	Engine   *Engine
	Err      error
	Loads    int
	Licenses []string
}

func (l *Loader) Load(ctx context.Context, licenseKey string, settings engine.LoadSettings) (engine.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Loads++
	l.Licenses = append(l.Licenses, licenseKey)
	if l.Err != nil {
		return nil, l.Err
	}
	if l.Engine == nil {
		l.Engine = New()
	}
	return l.Engine, nil
}

// LastLicense returns the licence key of the most recent Load.
func (l *Loader) LastLicense() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Licenses) == 0 {
		return ""
	}
	return l.Licenses[len(l.Licenses)-1]
}

// Engine records every handle it creates and every call made on them.
type Engine struct {
	mu sync.Mutex

	// Results maps recognizer name to the result it reports; missing names report Empty.
	Results map[string]*models.RecognizerResult
	// Settings maps recognizer name to its initial settings.
	Settings map[string]engine.Settings
	// ProcessStates are returned by successive ProcessImage calls; Valid once exhausted.
	ProcessStates []models.ResultState
	SuccessFrame  image.Image
	Devices       []models.CameraDevice

	CreateRecognizerErr error
	CreateRunnerErr     error
	VideoErr            error
	StartErr            error
	ChangeDeviceErr     error

	// OnVideoStart runs after StartRecognition succeeds.
	OnVideoStart func(v *Video)

	recognizers []*Recognizer
	grabbers    []*Recognizer
	runners     []*Runner
	videos      []*Video
	calls       []string
	deleted     bool
}

func New() *Engine {
	return &Engine{
		Results:  map[string]*models.RecognizerResult{},
		Settings: map[string]engine.Settings{},
	}
}

func (e *Engine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

// Calls returns the ordered log of result queries and lifecycle calls.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *Engine) Recognizers() []*Recognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Recognizer(nil), e.recognizers...)
}

func (e *Engine) Grabbers() []*Recognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Recognizer(nil), e.grabbers...)
}

func (e *Engine) Runners() []*Runner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Runner(nil), e.runners...)
}

func (e *Engine) Videos() []*Video {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Video(nil), e.videos...)
}

func (e *Engine) Deleted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deleted
}

// Leaked reports every handle that was created and never released.
func (e *Engine) Leaked() []string {
	var leaked []string
	for _, r := range e.Recognizers() {
		if r.Releases() == 0 {
			leaked = append(leaked, "recognizer:"+r.name)
		}
	}
	for _, g := range e.Grabbers() {
		if g.Releases() == 0 {
			leaked = append(leaked, "grabber:"+g.name)
		}
	}
	for _, r := range e.Runners() {
		if r.Releases() == 0 {
			leaked = append(leaked, "runner")
		}
	}
	for _, v := range e.Videos() {
		if v.Releases() == 0 {
			leaked = append(leaked, "video")
		}
	}
	return leaked
}

func (e *Engine) CreateRecognizer(ctx context.Context, name string) (engine.Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateRecognizerErr != nil {
		return nil, e.CreateRecognizerErr
	}
	settings := engine.Settings{}
	for k, v := range e.Settings[name] {
		settings[k] = v
	}
	r := &Recognizer{owner: e, name: name, settings: settings}
	e.recognizers = append(e.recognizers, r)
	return r, nil
}

func (e *Engine) CreateSuccessFrameGrabber(ctx context.Context, rec engine.Recognizer) (engine.Recognizer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g := &Recognizer{owner: e, name: rec.Name(), grabber: true, settings: engine.Settings{}}
	e.grabbers = append(e.grabbers, g)
	return g, nil
}

func (e *Engine) CreateRunner(ctx context.Context, recognizers []engine.Recognizer, callbacks engine.MetadataCallbacks) (engine.Runner, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CreateRunnerErr != nil {
		return nil, e.CreateRunnerErr
	}
	r := &Runner{owner: e, Callbacks: callbacks, Attached: recognizers}
	e.runners = append(e.runners, r)
	return r, nil
}

func (e *Engine) CreateVideoCapture(ctx context.Context, runner engine.Runner, cameraFeed, deviceID string) (engine.VideoCapture, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.VideoErr != nil {
		return nil, e.VideoErr
	}
	v := &Video{owner: e, DeviceID: deviceID}
	e.videos = append(e.videos, v)
	return v, nil
}

func (e *Engine) CameraDevices(ctx context.Context) ([]models.CameraDevice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.CameraDevice(nil), e.Devices...), nil
}

func (e *Engine) ProductIntegrationInfo() models.ProductIntegrationInfo {
	return models.ProductIntegrationInfo{Product: "enginetest", Version: "0.0.0"}
}

func (e *Engine) Delete() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleted = true
	return nil
}

func (e *Engine) nextProcessState() models.ResultState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ProcessStates) == 0 {
		return models.ResultValid
	}
	s := e.ProcessStates[0]
	e.ProcessStates = e.ProcessStates[1:]
	return s
}

// Recognizer is a fake recognizer or success-frame grabber.
type Recognizer struct {
	owner    *Engine
	name     string
	grabber  bool
	mu       sync.Mutex
	settings engine.Settings
	updates  []engine.Settings
	releases int
}

func (r *Recognizer) Name() string { return r.name }

func (r *Recognizer) CurrentSettings(ctx context.Context) (engine.Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := engine.Settings{}
	for k, v := range r.settings {
		out[k] = v
	}
	return out, nil
}

func (r *Recognizer) UpdateSettings(ctx context.Context, settings engine.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = settings
	r.updates = append(r.updates, settings)
	return nil
}

// Updates returns every settings object passed to UpdateSettings.
func (r *Recognizer) Updates() []engine.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Settings(nil), r.updates...)
}

func (r *Recognizer) Result(ctx context.Context) (*models.RecognizerResult, error) {
	if r.grabber {
		r.owner.record("frame:" + r.name)
		r.owner.mu.Lock()
		frame := r.owner.SuccessFrame
		r.owner.mu.Unlock()
		if frame == nil {
			return &models.RecognizerResult{State: models.ResultEmpty}, nil
		}
		return &models.RecognizerResult{State: models.ResultValid, Frame: frame}, nil
	}
	r.owner.record("result:" + r.name)
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	if res, ok := r.owner.Results[r.name]; ok && res != nil {
		cp := *res
		return &cp, nil
	}
	return &models.RecognizerResult{State: models.ResultEmpty}, nil
}

func (r *Recognizer) Release() error {
	r.mu.Lock()
	r.releases++
	r.mu.Unlock()
	if r.grabber {
		r.owner.record("release:grabber:" + r.name)
	} else {
		r.owner.record("release:recognizer:" + r.name)
	}
	return nil
}

func (r *Recognizer) Releases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}

// Runner is a fake recognizer runner.
type Runner struct {
	owner     *Engine
	Callbacks engine.MetadataCallbacks
	Attached  []engine.Recognizer
	mu        sync.Mutex
	processed int
	releases  int
	// ReleaseErr is returned by Release.
	ReleaseErr error
}

func (r *Runner) ProcessImage(ctx context.Context, img image.Image) (models.ResultState, error) {
	if img == nil {
		return models.ResultEmpty, errors.New("nil image")
	}
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
	r.owner.record("process")
	return r.owner.nextProcessState(), nil
}

func (r *Runner) Processed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

func (r *Runner) Release() error {
	r.mu.Lock()
	r.releases++
	err := r.ReleaseErr
	r.mu.Unlock()
	r.owner.record("release:runner")
	return err
}

func (r *Runner) Releases() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}

// Video is a fake camera capture driven by Emit.
type Video struct {
	owner    *Engine
	DeviceID string

	mu        sync.Mutex
	onResult  func(models.ResultState)
	timeout   time.Duration
	paused    bool
	cancelled bool
	flipped   bool
	resumes   int
	releases  int
}

func (v *Video) StartRecognition(ctx context.Context, onResult func(models.ResultState), timeout time.Duration) error {
	v.owner.mu.Lock()
	startErr := v.owner.StartErr
	hook := v.owner.OnVideoStart
	v.owner.mu.Unlock()
	if startErr != nil {
		return startErr
	}
	v.mu.Lock()
	v.onResult = onResult
	v.timeout = timeout
	v.mu.Unlock()
	v.owner.record("start")
	if hook != nil {
		hook(v)
	}
	return nil
}

// Emit delivers a recognition state unless the capture is paused or cancelled.
// It reports whether the callback ran.
func (v *Video) Emit(state models.ResultState) bool {
	v.mu.Lock()
	cb := v.onResult
	blocked := v.paused || v.cancelled || cb == nil
	v.mu.Unlock()
	if blocked {
		return false
	}
	cb(state)
	return true
}

func (v *Video) Timeout() time.Duration {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.timeout
}

func (v *Video) Pause() {
	v.mu.Lock()
	v.paused = true
	v.mu.Unlock()
	v.owner.record("pause")
}

func (v *Video) Resume(resetIfNeeded bool) error {
	v.mu.Lock()
	v.paused = false
	v.resumes++
	v.mu.Unlock()
	v.owner.record("resume")
	return nil
}

func (v *Video) Resumes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resumes
}

func (v *Video) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

func (v *Video) Cancel() {
	v.mu.Lock()
	v.cancelled = true
	v.mu.Unlock()
	v.owner.record("cancel")
}

func (v *Video) Cancelled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelled
}

func (v *Video) Flip() error {
	v.mu.Lock()
	v.flipped = !v.flipped
	v.mu.Unlock()
	return nil
}

func (v *Video) IsFlipped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flipped
}

func (v *Video) ChangeDevice(ctx context.Context, device models.CameraDevice) error {
	v.owner.mu.Lock()
	err := v.owner.ChangeDeviceErr
	v.owner.mu.Unlock()
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.DeviceID = device.DeviceID
	v.mu.Unlock()
	return nil
}

func (v *Video) Release() error {
	v.mu.Lock()
	v.releases++
	v.mu.Unlock()
	v.owner.record("release:video")
	return nil
}

func (v *Video) Releases() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.releases
}

// Image returns a small opaque test image.
func Image() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 8, 8))
}
