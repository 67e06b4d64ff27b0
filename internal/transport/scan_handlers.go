package transport

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// ImageRefRequest names images held by the configured image source.
type ImageRefRequest struct {
	Ref       string `json:"ref" binding:"required"`
	SecondRef string `json:"second_ref,omitempty"`
}

type DeviceRequest struct {
	DeviceID   string `json:"device_id" binding:"required"`
	PrettyName string `json:"pretty_name,omitempty"`
}

type UIMessageRequest struct {
	State   models.FeedbackState `json:"state" binding:"required"`
	Message string               `json:"message"`
}

// formImage reads an uploaded image. A missing part yields nil so the scan
// reports the missing file itself.
func formImage(c *gin.Context, field string) (*models.ImageFile, error) {
	header, err := c.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewValidationError("invalid multipart form", err)
	}

	f, err := header.Open()
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to open uploaded image", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperrors.NewValidationError("failed to read uploaded image", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return &models.ImageFile{
		Name:        header.Filename,
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}, nil
}

func (h *handler) scanImage(c *gin.Context) {
	file, err := formImage(c, "file")
	if err != nil {
		fail(c, "invalid image upload", err)
		return
	}

	events, err := h.deps.Host.StartImageScan(c.Request.Context(), file)
	if err != nil {
		fail(c, "failed to start image scan", err)
		return
	}
	h.awaitTerminal(c, events)
}

func (h *handler) scanImageMultiSide(c *gin.Context) {
	first, err := formImage(c, "first")
	if err != nil {
		fail(c, "invalid first image upload", err)
		return
	}
	second, err := formImage(c, "second")
	if err != nil {
		fail(c, "invalid second image upload", err)
		return
	}

	events, err := h.deps.Host.StartMultiSideImageScan(c.Request.Context(), first, second)
	if err != nil {
		fail(c, "failed to start multi-side image scan", err)
		return
	}
	h.awaitTerminal(c, events)
}

func (h *handler) scanImageRef(c *gin.Context) {
	var req ImageRefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}

	first, err := h.fetchImage(c, req.Ref)
	if err != nil {
		fail(c, "failed to fetch image", err)
		return
	}

	var events <-chan observer.WidgetEvent
	if req.SecondRef == "" {
		events, err = h.deps.Host.StartImageScan(c.Request.Context(), first)
	} else {
		second, fetchErr := h.fetchImage(c, req.SecondRef)
		if fetchErr != nil {
			fail(c, "failed to fetch second image", fetchErr)
			return
		}
		events, err = h.deps.Host.StartMultiSideImageScan(c.Request.Context(), first, second)
	}
	if err != nil {
		fail(c, "failed to start image scan", err)
		return
	}
	h.awaitTerminal(c, events)
}

func (h *handler) fetchImage(c *gin.Context, ref string) (*models.ImageFile, error) {
	if err := h.deps.Validator.Validate(h.cfg.Storage.Source, ref); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.ImageFetchTimeout)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"ref":    ref,
		"source": h.cfg.Storage.Source,
	}).Debug("Fetching image")

	img, err := h.deps.Images.FetchImage(ctx, ref)
	if err == nil {
		return img, nil
	}
	if _, ok := apperrors.As(err); ok {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, apperrors.NewTimeoutError("Image fetch timeout", err)
	}
	return nil, apperrors.NewNetworkError("Failed to fetch image", err)
}

// awaitTerminal waits for the scan's terminal event and writes it out.
func (h *handler) awaitTerminal(c *gin.Context, events <-chan observer.WidgetEvent) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.RequestTimeout)
	defer cancel()

	select {
	case ev, ok := <-events:
		if !ok {
			respondError(c, http.StatusInternalServerError, "scan ended without a result",
				apperrors.NewInternalError("no terminal event", nil))
			return
		}
		status := http.StatusOK
		if ev.EventType == observer.ScanError {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, ev)
	case <-ctx.Done():
		h.deps.Host.Abort()
		fail(c, "scan did not finish in time", apperrors.NewTimeoutError("scan timed out", ctx.Err()))
	}
}

func (h *handler) scanCamera(c *gin.Context) {
	if _, err := h.deps.Host.StartCameraScan(c.Request.Context()); err != nil {
		fail(c, "failed to start camera scan", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started", "events": "/scan/events"})
}

func (h *handler) stopScan(c *gin.Context) {
	h.deps.Host.Abort()
	c.Status(http.StatusNoContent)
}

func (h *handler) resumeScan(c *gin.Context) {
	h.deps.Host.ResumeRecognition()
	c.Status(http.StatusNoContent)
}

func (h *handler) flipCamera(c *gin.Context) {
	if err := h.deps.Host.FlipCamera(c.Request.Context()); err != nil {
		fail(c, "failed to flip camera", err)
		return
	}
	c.JSON(http.StatusOK, h.overlayState())
}

func (h *handler) cameraDevices(c *gin.Context) {
	devices, err := h.deps.Host.CameraDevices(c.Request.Context())
	if err != nil {
		fail(c, "failed to list cameras", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *handler) changeCameraDevice(c *gin.Context) {
	var req DeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}
	device := models.CameraDevice{DeviceID: req.DeviceID, PrettyName: req.PrettyName}
	if !h.deps.Host.ChangeCameraDevice(c.Request.Context(), device) {
		fail(c, "camera device not changed", apperrors.NewConflictError("no camera scan is running on a switchable feed", nil))
		return
	}
	c.JSON(http.StatusOK, h.overlayState())
}

func (h *handler) overlay(c *gin.Context) {
	if h.deps.Host.Experience() == nil {
		fail(c, "overlay unavailable", apperrors.NewEngineError("widget is not initialized", nil))
		return
	}
	c.JSON(http.StatusOK, h.overlayState())
}

func (h *handler) overlayState() any {
	if exp := h.deps.Host.Experience(); exp != nil {
		return exp.Overlay()
	}
	return gin.H{}
}

func (h *handler) setUIMessage(c *gin.Context) {
	var req UIMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}
	switch req.State {
	case models.FeedbackError, models.FeedbackInfo, models.FeedbackOK:
	default:
		respondError(c, http.StatusBadRequest, "invalid feedback state",
			apperrors.NewValidationError("unknown feedback state", nil))
		return
	}
	h.deps.Host.SetUIMessage(req.State, req.Message)
	c.Status(http.StatusNoContent)
}
