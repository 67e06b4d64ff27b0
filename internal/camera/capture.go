// Package camera feeds frames from a local video device to an engine runner.
package camera

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// FrameSource yields camera frames.
type FrameSource interface {
	// Read returns the next frame, mirrored horizontally when mirror is set.
	Read(mirror bool) (image.Image, error)
	Close() error
}

// OpenFunc opens the frame source for a device id or feed.
type OpenFunc func(device string) (FrameSource, error)

// Options tunes the capture loop
type Options struct {
	FrameInterval time.Duration
	Open          OpenFunc
}

// DefaultOptions reads from OpenCV at roughly 10 frames per second
func DefaultOptions() Options {
	return Options{
		FrameInterval: 100 * time.Millisecond,
		Open:          OpenDevice,
	}
}

// WithOpener replaces the frame source constructor
func (o Options) WithOpener(open OpenFunc) Options {
	o.Open = open
	return o
}

// WithFrameInterval sets the delay between processed frames
func (o Options) WithFrameInterval(d time.Duration) Options {
	o.FrameInterval = d
	return o
}

// Capture runs a recognition loop over a FrameSource.
type Capture struct {
	opts   Options
	runner engine.Runner

	// readMu is held across source reads so ChangeDevice never closes a
	// source mid-read.
	readMu sync.Mutex

	mu        sync.Mutex
	source    FrameSource
	device    string
	paused    bool
	cancelled bool
	flipped   bool
	released  bool
	deadline  time.Time
	timeout   time.Duration
	stop      chan struct{}
	done      chan struct{}
}

// Opener returns a function with the signature engines use to create video captures.
func Opener(opts Options) func(ctx context.Context, runner engine.Runner, cameraFeed, deviceID string) (engine.VideoCapture, error) {
	return func(ctx context.Context, runner engine.Runner, cameraFeed, deviceID string) (engine.VideoCapture, error) {
		return Open(ctx, opts, runner, cameraFeed, deviceID)
	}
}

// Open binds runner to the camera named by deviceID, or cameraFeed when no
// device is selected.
func Open(ctx context.Context, opts Options, runner engine.Runner, cameraFeed, deviceID string) (*Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	device := deviceID
	if device == "" {
		device = cameraFeed
	}
	if device == "" {
		return nil, engine.NewVideoCaptureError(engine.ReasonVideoElementNotProvided, "no camera feed selected", nil)
	}
	source, err := opts.Open(device)
	if err != nil {
		return nil, err
	}
	return &Capture{
		opts:   opts,
		runner: runner,
		source: source,
		device: device,
	}, nil
}

// StartRecognition reads the first frame synchronously and then loops on a
// goroutine until cancelled or released.
func (c *Capture) StartRecognition(ctx context.Context, onResult func(models.ResultState), timeout time.Duration) error {
	c.mu.Lock()
	if c.released || c.cancelled {
		c.mu.Unlock()
		return engine.ErrReleased
	}
	if c.stop != nil {
		c.mu.Unlock()
		return fmt.Errorf("recognition already started")
	}
	c.mu.Unlock()

	first, err := c.read()
	if err != nil {
		return engine.NewVideoCaptureError(engine.ReasonCameraNotReady, "camera produced no frames", err)
	}

	c.mu.Lock()
	c.timeout = timeout
	if timeout > 0 {
		c.deadline = time.Now().Add(timeout)
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mu.Unlock()

	go c.loop(ctx, first, onResult, stop, done)
	return nil
}

func (c *Capture) loop(ctx context.Context, frame image.Image, onResult func(models.ResultState), stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.opts.FrameInterval)
	defer ticker.Stop()

	for {
		if frame != nil && c.active() {
			state, err := c.runner.ProcessImage(ctx, frame)
			if err != nil {
				logger.WithError(err).WithField("device", c.currentDevice()).Debug("Frame processing failed")
			} else if final(state) && c.active() {
				onResult(state)
			}
		}
		if c.timedOut() {
			onResult(models.ResultEmpty)
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}

		frame = nil
		if !c.active() {
			continue
		}
		next, err := c.read()
		if err != nil {
			logger.WithError(err).WithField("device", c.currentDevice()).Warn("Camera read failed")
			continue
		}
		frame = next
	}
}

// read takes the next frame from whichever source is current once no other
// read or device change is in progress.
func (c *Capture) read() (image.Image, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.mu.Lock()
	source, flipped := c.source, c.flipped
	c.mu.Unlock()
	return source.Read(flipped)
}

func final(state models.ResultState) bool {
	return !state.IsEmpty() && state != models.ResultStageValid
}

func (c *Capture) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.paused && !c.cancelled && !c.released
}

// timedOut reports the deadline passing once; the deadline is cleared so the
// timeout fires at most once per Resume.
func (c *Capture) timedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.cancelled || c.deadline.IsZero() || time.Now().Before(c.deadline) {
		return false
	}
	c.deadline = time.Time{}
	return true
}

func (c *Capture) currentDevice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *Capture) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

func (c *Capture) Resume(resetIfNeeded bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released || c.cancelled {
		return engine.ErrReleased
	}
	c.paused = false
	if resetIfNeeded && c.timeout > 0 {
		c.deadline = time.Now().Add(c.timeout)
	}
	return nil
}

// Cancel stops recognition; the feed stays open until Release.
func (c *Capture) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	stop := c.stop
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (c *Capture) Flip() error {
	c.mu.Lock()
	c.flipped = !c.flipped
	c.mu.Unlock()
	return nil
}

func (c *Capture) IsFlipped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flipped
}

// ChangeDevice swaps the frame source without restarting recognition.
func (c *Capture) ChangeDevice(ctx context.Context, device models.CameraDevice) error {
	next, err := c.opts.Open(device.DeviceID)
	if err != nil {
		return err
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		next.Close()
		return engine.ErrReleased
	}
	prev := c.source
	c.source = next
	c.device = device.DeviceID
	c.mu.Unlock()
	return prev.Close()
}

// Release stops the loop and closes the feed.
func (c *Capture) Release() error {
	c.Cancel()
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	done, source := c.done, c.source
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	return source.Close()
}
