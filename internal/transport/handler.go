package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/anime-shed/card-scanner-go/internal/config"
	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/internal/repository"
	"github.com/anime-shed/card-scanner-go/internal/storage"
	"github.com/anime-shed/card-scanner-go/internal/verification"
	"github.com/anime-shed/card-scanner-go/internal/widget"
	"github.com/anime-shed/card-scanner-go/pkg/validation"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Dependencies are the components served over HTTP.
type Dependencies struct {
	Host         widget.Host
	Images       storage.ImageSource
	Validator    *validation.ReferenceValidator
	Verification verification.Workflow
	Scans        repository.ScanRepository
	Stream       *observer.StreamObserver
	Metrics      http.Handler
}

type handler struct {
	deps Dependencies
	cfg  *config.Config
}

func NewHandler(deps Dependencies, cfg *config.Config) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	h := &handler{deps: deps, cfg: cfg}

	// The event stream is long-lived and carries no request body.
	r.GET("/scan/events", h.streamEvents)
	r.GET("/health", healthCheck)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	api := r.Group("/", requestLogger(), requestSizeLimiter(cfg.MaxRequestBodySize), errorHandler())
	api.GET("/widget", h.widgetStatus)
	api.PUT("/widget/settings", h.updateWidgetSettings)

	scan := api.Group("/scan")
	scan.POST("/image", h.scanImage)
	scan.POST("/image/multi-side", h.scanImageMultiSide)
	scan.POST("/image/ref", h.scanImageRef)
	scan.POST("/camera", h.scanCamera)
	scan.POST("/stop", h.stopScan)
	scan.POST("/resume", h.resumeScan)
	scan.POST("/flip", h.flipCamera)
	scan.GET("/devices", h.cameraDevices)
	scan.PUT("/device", h.changeCameraDevice)
	scan.GET("/overlay", h.overlay)
	scan.PUT("/ui-message", h.setUIMessage)

	verify := api.Group("/verification")
	verify.POST("/begin", h.beginVerification)
	verify.GET("/remaining", h.remainingRetries)
	verify.POST("/retry", h.retryVerification)
	verify.POST("/verify", h.verifyPaymentMethod)
	verify.GET("/qr", h.handoffQR)

	api.GET("/scans", h.listScans)
	api.GET("/scans/:id", h.getScan)

	return r
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": "1.0.0",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handler) widgetStatus(c *gin.Context) {
	resp := gin.H{
		"ready":    h.deps.Host.IsReady(),
		"scanning": h.deps.Host.IsScanning(),
	}
	if h.deps.Host.IsReady() {
		resp["image_recognition_type"] = h.deps.Host.ImageRecognitionType()
		if info, err := h.deps.Host.ProductIntegrationInfo(); err == nil {
			resp["product"] = info
		}
	}
	c.JSON(http.StatusOK, resp)
}

// WidgetSettingsRequest changes the licence and recognition settings of the
// running widget. Empty fields keep their current value.
type WidgetSettingsRequest struct {
	LicenseKey  string   `json:"license_key"`
	Locale      string   `json:"locale"`
	Recognizers []string `json:"recognizers"`
}

// updateWidgetSettings reinitializes the widget with the merged settings. Any
// running scan is aborted first.
func (h *handler) updateWidgetSettings(c *gin.Context) {
	var req WidgetSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, "invalid request body", apperrors.NewValidationError("invalid widget settings", err))
		return
	}

	settings := h.deps.Host.Settings()
	if req.LicenseKey != "" {
		settings.LicenseKey = req.LicenseKey
	}
	if req.Locale != "" {
		settings.Scan.Locale = req.Locale
	}
	if len(req.Recognizers) > 0 {
		settings.Scan.Recognizers = append([]string(nil), req.Recognizers...)
	}

	if err := h.deps.Host.Reinit(c.Request.Context(), settings); err != nil {
		fail(c, "failed to apply widget settings", err)
		return
	}
	logger.WithField("locale", settings.Scan.Locale).Info("Widget reinitialized")
	h.widgetStatus(c)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":             c.Request.Method,
			"path":               c.Request.URL.Path,
			"status":             c.Writer.Status(),
			"ip":                 c.ClientIP(),
			"processing_time_ms": time.Since(start).Milliseconds(),
		}).Debug("Request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last().Err
			respondError(c, determineStatusCode(err), "request processing failed", err)
		}
	}
}

func determineStatusCode(err error) int {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.StatusCode
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, code int, message string, err error) {
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	})
}

// fail responds with the status carried by err.
func fail(c *gin.Context, message string, err error) {
	respondError(c, determineStatusCode(err), message, err)
}
