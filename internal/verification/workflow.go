package verification

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/skip2/go-qrcode"

	apperrors "github.com/anime-shed/card-scanner-go/internal/errors"
	"github.com/anime-shed/card-scanner-go/internal/logger"
	"github.com/anime-shed/card-scanner-go/internal/repository"
	"github.com/anime-shed/card-scanner-go/pkg/models"
)

// MaxHolderErrorRate is the highest word error rate at which a scanned holder
// name still counts as matching the expected one.
const MaxHolderErrorRate = 0.5

// Outcome reports a finished verification.
type Outcome struct {
	Request         PaymentMethodRequest `json:"request"`
	HolderErrorRate *float64             `json:"holder_error_rate,omitempty"`
	Remaining       int                  `json:"remaining_retries"`
}

// Workflow runs the one-time-code guarded payment method verification.
type Workflow interface {
	// Begin checks the one-time code that unlocks scanning.
	Begin(ctx context.Context, token, code string) error
	// Remaining returns the user's retry budget.
	Remaining(ctx context.Context, token string) (int, error)
	// Verify submits the card from a successful scan.
	Verify(ctx context.Context, token, paymentMethodID, expectedHolder string, result *models.RecognitionResult) (*Outcome, error)
	// Retry spends one unit of the budget and issues a fresh code.
	Retry(ctx context.Context, token string) (*ActionCode, error)
	// HandoffQR renders a PNG QR code that opens the scanning page on a phone.
	HandoffQR(token, paymentMethodID, code string, size int) ([]byte, string, error)
}

type workflow struct {
	client     Client
	retries    repository.RetryRepository
	retryLimit int
	handoffURL string
}

// NewWorkflow creates the verification workflow.
func NewWorkflow(client Client, retries repository.RetryRepository, retryLimit int, handoffURL string) Workflow {
	if retryLimit < 1 {
		retryLimit = 3
	}
	return &workflow{client: client, retries: retries, retryLimit: retryLimit, handoffURL: handoffURL}
}

func (w *workflow) Begin(ctx context.Context, token, code string) error {
	if token == "" {
		return apperrors.NewUnauthorizedError("user token is required", nil)
	}
	if code == "" {
		return apperrors.NewValidationError("one-time code is required", nil)
	}

	ok, err := w.client.ValidateActionCode(ctx, token, ActionPaymentMethodVerification, code)
	if err != nil {
		return apperrors.NewNetworkError("failed to validate one-time code", err)
	}
	if !ok {
		return apperrors.NewUnauthorizedError("one-time code is invalid", nil)
	}
	return nil
}

func (w *workflow) Remaining(ctx context.Context, token string) (int, error) {
	state, err := w.retries.GetRetryState(ctx, token)
	if errors.Is(err, repository.ErrRetryStateNotFound) {
		return w.retryLimit, nil
	}
	if err != nil {
		return 0, apperrors.NewInternalError("failed to load retry budget", err)
	}
	return state.Remaining, nil
}

func (w *workflow) Verify(ctx context.Context, token, paymentMethodID, expectedHolder string, result *models.RecognitionResult) (*Outcome, error) {
	if token == "" {
		return nil, apperrors.NewUnauthorizedError("user token is required", nil)
	}
	req, err := ExtractPaymentMethod(paymentMethodID, result)
	if err != nil {
		return nil, err
	}

	remaining, err := w.Remaining(ctx, token)
	if err != nil {
		return nil, err
	}
	outcome := &Outcome{Request: req, Remaining: remaining}

	if expectedHolder != "" {
		rate := HolderErrorRate(expectedHolder, req.CardHolder)
		outcome.HolderErrorRate = &rate
		if rate > MaxHolderErrorRate {
			return outcome, apperrors.NewValidationError("card holder does not match", nil).
				WithDetails(fmt.Sprintf("word error rate %.2f", rate))
		}
	}

	if err := w.client.VerifyPaymentMethod(ctx, token, req); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode < 500 {
			return outcome, apperrors.NewValidationError("payment method rejected", err)
		}
		return outcome, apperrors.NewNetworkError("payment verification unavailable", err)
	}

	logger.WithField("payment_method_id", paymentMethodID).Info("Payment method verified")
	return outcome, nil
}

func (w *workflow) Retry(ctx context.Context, token string) (*ActionCode, error) {
	if token == "" {
		return nil, apperrors.NewUnauthorizedError("user token is required", nil)
	}
	remaining, err := w.Remaining(ctx, token)
	if err != nil {
		return nil, err
	}
	if remaining <= 0 {
		return nil, apperrors.NewConflictError("retry budget exhausted", nil)
	}
	if err := w.retries.SaveRetryState(ctx, token, remaining-1); err != nil {
		return nil, apperrors.NewInternalError("failed to store retry budget", err)
	}

	code, err := w.client.GetActionCode(ctx, token, ActionPaymentMethodVerification)
	if errors.Is(err, ErrCodeLimitExceeded) {
		return nil, apperrors.NewConflictError("no more codes can be issued", err)
	}
	if err != nil {
		return nil, apperrors.NewNetworkError("failed to issue a new code", err)
	}
	return code, nil
}

func (w *workflow) HandoffQR(token, paymentMethodID, code string, size int) ([]byte, string, error) {
	if w.handoffURL == "" {
		return nil, "", apperrors.NewConfigurationError("hand-off URL is not configured", nil)
	}
	u, err := url.Parse(w.handoffURL)
	if err != nil {
		return nil, "", apperrors.NewConfigurationError("invalid hand-off URL", err)
	}
	q := u.Query()
	q.Set("userToken", token)
	q.Set("paymentID", paymentMethodID)
	q.Set("otp", code)
	u.RawQuery = q.Encode()

	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(u.String(), qrcode.Medium, size)
	if err != nil {
		return nil, "", apperrors.NewInternalError("failed to generate QR code", err)
	}
	return png, u.String(), nil
}
