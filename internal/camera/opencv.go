package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"

	"gocv.io/x/gocv"

	"github.com/anime-shed/card-scanner-go/internal/engine"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

var errSourceClosed = errors.New("camera source closed")

// maxProbedDevices bounds the device indices ListDevices tries.
const maxProbedDevices = 4

type opencvSource struct {
	mu     sync.Mutex
	video  *gocv.VideoCapture
	frame  gocv.Mat
	closed bool
}

// OpenDevice opens a camera by index ("0") or a stream URL or file path.
func OpenDevice(device string) (FrameSource, error) {
	var target interface{} = device
	if idx, err := strconv.Atoi(device); err == nil {
		target = idx
	}
	video, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, engine.NewVideoCaptureError(engine.ReasonCameraNotFound, fmt.Sprintf("open camera %q", device), err)
	}
	if !video.IsOpened() {
		video.Close()
		return nil, engine.NewVideoCaptureError(engine.ReasonCameraInUse, fmt.Sprintf("camera %q could not be opened", device), nil)
	}
	return &opencvSource{video: video, frame: gocv.NewMat()}, nil
}

func (s *opencvSource) Read(mirror bool) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errSourceClosed
	}
	if ok := s.video.Read(&s.frame); !ok || s.frame.Empty() {
		return nil, fmt.Errorf("camera returned no frame")
	}
	src := s.frame
	if mirror {
		flipped := gocv.NewMat()
		defer flipped.Close()
		gocv.Flip(s.frame, &flipped, 1)
		src = flipped
	}
	img, err := src.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

func (s *opencvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.frame.Close()
	return s.video.Close()
}

// ListDevices probes the first camera indices and reports the ones that open.
func ListDevices(ctx context.Context) ([]models.CameraDevice, error) {
	var devices []models.CameraDevice
	for i := 0; i < maxProbedDevices; i++ {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		video, err := gocv.OpenVideoCapture(i)
		if err != nil {
			continue
		}
		if video.IsOpened() {
			devices = append(devices, models.CameraDevice{
				DeviceID:   strconv.Itoa(i),
				PrettyName: fmt.Sprintf("Camera %d", i),
			})
		}
		video.Close()
	}
	return devices, nil
}
