package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

type fakeSource struct {
	mu      sync.Mutex
	reads   int
	mirrors int
	err     error
	closed  bool
}

func (s *fakeSource) Read(mirror bool) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.reads++
	if mirror {
		s.mirrors++
	}
	return image.NewGray(image.Rect(0, 0, 4, 4)), nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type scriptedRunner struct {
	mu     sync.Mutex
	states []models.ResultState
}

func (r *scriptedRunner) ProcessImage(ctx context.Context, img image.Image) (models.ResultState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return models.ResultEmpty, nil
	}
	s := r.states[0]
	r.states = r.states[1:]
	return s, nil
}

func (r *scriptedRunner) Release() error { return nil }

func openWith(sources map[string]*fakeSource) Options {
	return DefaultOptions().WithFrameInterval(time.Millisecond).WithOpener(func(device string) (FrameSource, error) {
		s, ok := sources[device]
		if !ok {
			return nil, engine.NewVideoCaptureError(engine.ReasonCameraNotFound, device, nil)
		}
		return s, nil
	})
}

func TestOpenSelectsDevice(t *testing.T) {
	sources := map[string]*fakeSource{"0": {}, "1": {}}
	opts := openWith(sources)

	c, err := Open(context.Background(), opts, &scriptedRunner{}, "0", "1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if c.currentDevice() != "1" {
		t.Errorf("device = %q, want the selected device", c.currentDevice())
	}

	_, err = Open(context.Background(), opts, &scriptedRunner{}, "", "")
	if reason, _ := engine.ReasonOf(err); reason != engine.ReasonVideoElementNotProvided {
		t.Errorf("empty feed error = %v", err)
	}

	_, err = Open(context.Background(), opts, &scriptedRunner{}, "9", "")
	if reason, _ := engine.ReasonOf(err); reason != engine.ReasonCameraNotFound {
		t.Errorf("missing device error = %v", err)
	}
}

func TestRecognitionDeliversFinalStatesOnly(t *testing.T) {
	source := &fakeSource{}
	runner := &scriptedRunner{states: []models.ResultState{
		models.ResultEmpty, models.ResultStageValid, models.ResultValid,
	}}
	c, err := Open(context.Background(), openWith(map[string]*fakeSource{"0": source}), runner, "0", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	results := make(chan models.ResultState, 4)
	err = c.StartRecognition(context.Background(), func(s models.ResultState) {
		c.Pause()
		results <- s
	}, 0)
	if err != nil {
		t.Fatalf("StartRecognition() error = %v", err)
	}

	select {
	case got := <-results:
		if got != models.ResultValid {
			t.Fatalf("result = %s, want Valid", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}

	if err := c.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if !source.isClosed() {
		t.Error("feed should be closed on release")
	}
	if err := c.Resume(true); !errors.Is(err, engine.ErrReleased) {
		t.Errorf("Resume after release = %v", err)
	}
}

func TestRecognitionTimeout(t *testing.T) {
	source := &fakeSource{}
	c, _ := Open(context.Background(), openWith(map[string]*fakeSource{"0": source}), &scriptedRunner{}, "0", "")

	var timeouts atomic.Int32
	if err := c.StartRecognition(context.Background(), func(s models.ResultState) {
		if s == models.ResultEmpty {
			timeouts.Add(1)
		}
	}, 20*time.Millisecond); err != nil {
		t.Fatalf("StartRecognition() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := timeouts.Load(); got != 1 {
		t.Fatalf("timeouts = %d, want exactly 1", got)
	}

	if err := c.Resume(true); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := timeouts.Load(); got != 2 {
		t.Errorf("timeouts after reset = %d, want 2", got)
	}
	_ = c.Release()
}

func TestStartFailsWithoutFrames(t *testing.T) {
	source := &fakeSource{err: errors.New("device busy")}
	c, _ := Open(context.Background(), openWith(map[string]*fakeSource{"0": source}), &scriptedRunner{}, "0", "")

	err := c.StartRecognition(context.Background(), func(models.ResultState) {}, 0)
	if reason, _ := engine.ReasonOf(err); reason != engine.ReasonCameraNotReady {
		t.Fatalf("StartRecognition() error = %v", err)
	}
	_ = c.Release()
}

func TestFlipAndChangeDevice(t *testing.T) {
	front, back := &fakeSource{}, &fakeSource{}
	c, _ := Open(context.Background(), openWith(map[string]*fakeSource{"front": front, "back": back}), &scriptedRunner{}, "", "front")

	if err := c.Flip(); err != nil || !c.IsFlipped() {
		t.Fatalf("Flip() = %v, flipped = %v", err, c.IsFlipped())
	}
	if err := c.ChangeDevice(context.Background(), models.CameraDevice{DeviceID: "back"}); err != nil {
		t.Fatalf("ChangeDevice() error = %v", err)
	}
	if !front.isClosed() {
		t.Error("previous feed should be closed")
	}
	if err := c.ChangeDevice(context.Background(), models.CameraDevice{DeviceID: "side"}); err == nil {
		t.Error("expected error for unknown device")
	}

	if err := c.StartRecognition(context.Background(), func(models.ResultState) {}, 0); err != nil {
		t.Fatalf("StartRecognition() error = %v", err)
	}
	_ = c.Release()
	back.mu.Lock()
	defer back.mu.Unlock()
	if back.reads == 0 || back.mirrors != back.reads {
		t.Errorf("reads = %d, mirrored = %d; want every frame mirrored", back.reads, back.mirrors)
	}
}

// gatedSource parks reads on gate while blocking is set and counts reads that
// overlapped a Close.
type gatedSource struct {
	fakeSource
	blocking   atomic.Bool
	entered    chan struct{}
	gate       chan struct{}
	afterClose atomic.Int32
}

func newGatedSource() *gatedSource {
	return &gatedSource{entered: make(chan struct{}, 1), gate: make(chan struct{})}
}

func (s *gatedSource) Read(mirror bool) (image.Image, error) {
	if s.blocking.Load() {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.gate
	}
	if s.isClosed() {
		s.afterClose.Add(1)
		return nil, errors.New("read on closed source")
	}
	return s.fakeSource.Read(mirror)
}

func TestChangeDeviceWaitsForInFlightRead(t *testing.T) {
	front, back := newGatedSource(), &fakeSource{}
	opts := DefaultOptions().WithFrameInterval(time.Millisecond).WithOpener(func(device string) (FrameSource, error) {
		if device == "back" {
			return back, nil
		}
		return front, nil
	})
	c, err := Open(context.Background(), opts, &scriptedRunner{}, "front", "")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := c.StartRecognition(context.Background(), func(models.ResultState) {}, 0); err != nil {
		t.Fatalf("StartRecognition() error = %v", err)
	}

	front.blocking.Store(true)
	select {
	case <-front.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("capture loop never read the front camera")
	}

	changed := make(chan error, 1)
	go func() {
		changed <- c.ChangeDevice(context.Background(), models.CameraDevice{DeviceID: "back"})
	}()

	select {
	case err := <-changed:
		t.Fatalf("ChangeDevice returned during a read: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if front.isClosed() {
		t.Fatal("front camera closed while a frame was being read")
	}

	close(front.gate)
	select {
	case err := <-changed:
		if err != nil {
			t.Fatalf("ChangeDevice() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ChangeDevice never completed")
	}
	if !front.isClosed() {
		t.Error("previous feed should be closed after the switch")
	}

	time.Sleep(20 * time.Millisecond)
	_ = c.Release()
	if n := front.afterClose.Load(); n != 0 {
		t.Errorf("reads on closed front camera = %d, want 0", n)
	}
	back.mu.Lock()
	defer back.mu.Unlock()
	if back.reads == 0 {
		t.Error("capture loop should read the new device after the switch")
	}
}
