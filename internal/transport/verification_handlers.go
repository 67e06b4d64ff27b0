package transport

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/observer"
	"github.com/anime-shed/card-scanner-go/internal/repository"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

type BeginRequest struct {
	Code string `json:"code" binding:"required"`
}

type VerifyRequest struct {
	ScanID          string `json:"scan_id" binding:"required"`
	PaymentMethodID string `json:"payment_method_id" binding:"required"`
	ExpectedHolder  string `json:"expected_holder,omitempty"`
}

// userToken reads the bearer token identifying the user.
func userToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func (h *handler) beginVerification(c *gin.Context) {
	var req BeginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}
	token := userToken(c)
	if err := h.deps.Verification.Begin(c.Request.Context(), token, req.Code); err != nil {
		fail(c, "verification not started", err)
		return
	}
	remaining, err := h.deps.Verification.Remaining(c.Request.Context(), token)
	if err != nil {
		fail(c, "failed to load retry budget", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unlocked", "remaining_retries": remaining})
}

func (h *handler) remainingRetries(c *gin.Context) {
	token := userToken(c)
	if token == "" {
		fail(c, "missing user", apperrors.NewUnauthorizedError("user token is required", nil))
		return
	}
	remaining, err := h.deps.Verification.Remaining(c.Request.Context(), token)
	if err != nil {
		fail(c, "failed to load retry budget", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining_retries": remaining})
}

func (h *handler) retryVerification(c *gin.Context) {
	code, err := h.deps.Verification.Retry(c.Request.Context(), userToken(c))
	if err != nil {
		fail(c, "retry refused", err)
		return
	}
	c.JSON(http.StatusOK, code)
}

// verifyPaymentMethod submits the card read by a stored successful scan.
func (h *handler) verifyPaymentMethod(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}

	record, err := h.deps.Scans.GetScan(c.Request.Context(), req.ScanID)
	if errors.Is(err, repository.ErrScanNotFound) {
		fail(c, "unknown scan", apperrors.NewNotFoundError("scan not found", err))
		return
	}
	if err != nil {
		fail(c, "failed to load scan", apperrors.NewInternalError("failed to load scan", err))
		return
	}
	if record.Outcome != string(observer.ScanSuccess) {
		fail(c, "scan cannot be verified", apperrors.NewConflictError("scan did not succeed", nil))
		return
	}

	result := &models.RecognitionResult{
		RecognizerName: record.RecognizerName,
		Recognizer:     models.RecognizerResult{State: models.ResultValid, Fields: record.Fields},
	}
	outcome, err := h.deps.Verification.Verify(c.Request.Context(), userToken(c), req.PaymentMethodID, req.ExpectedHolder, result)
	if err != nil {
		if outcome != nil {
			code := determineStatusCode(err)
			c.AbortWithStatusJSON(code, gin.H{
				"error":   http.StatusText(code),
				"message": err.Error(),
				"outcome": outcome,
			})
			return
		}
		fail(c, "verification failed", err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *handler) handoffQR(c *gin.Context) {
	size, _ := strconv.Atoi(c.DefaultQuery("size", "256"))
	if size > 1024 {
		size = 1024
	}
	png, link, err := h.deps.Verification.HandoffQR(userToken(c), c.Query("payment_id"), c.Query("code"), size)
	if err != nil {
		fail(c, "failed to build hand-off code", err)
		return
	}
	c.Header("X-Handoff-URL", link)
	c.Data(http.StatusOK, "image/png", png)
}

func (h *handler) listScans(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 200 {
		respondError(c, http.StatusBadRequest, "invalid limit",
			apperrors.NewValidationError("limit must be between 1 and 200", err))
		return
	}
	records, err := h.deps.Scans.ListScans(c.Request.Context(), limit)
	if err != nil {
		fail(c, "failed to list scans", apperrors.NewInternalError("failed to list scans", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": records})
}

func (h *handler) getScan(c *gin.Context) {
	record, err := h.deps.Scans.GetScan(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrScanNotFound) {
		fail(c, "unknown scan", apperrors.NewNotFoundError("scan not found", err))
		return
	}
	if err != nil {
		fail(c, "failed to load scan", apperrors.NewInternalError("failed to load scan", err))
		return
	}
	c.JSON(http.StatusOK, record)
}
