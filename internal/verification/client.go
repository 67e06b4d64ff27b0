package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ActionPaymentMethodVerification is the one-time code action of this workflow.
const ActionPaymentMethodVerification = "pmVerification"

var (
	// ErrCodeLimitExceeded is returned when the backend refuses to issue another code
	ErrCodeLimitExceeded = errors.New("action code limit exceeded")
)

// Client talks to the payment verification backend.
type Client interface {
	ValidateActionCode(ctx context.Context, token, action, code string) (bool, error)
	GetActionCode(ctx context.Context, token, action string) (*ActionCode, error)
	VerifyPaymentMethod(ctx context.Context, token string, req PaymentMethodRequest) error
}

// ActionCode is a freshly issued one-time code.
type ActionCode struct {
	Code string `json:"code"`
	// ExpiryTime is the lifetime of the code in seconds
	ExpiryTime int `json:"expiryTime"`
}

// PaymentMethodRequest is the card data submitted for verification.
type PaymentMethodRequest struct {
	PaymentMethodID string `json:"paymentMethodId"`
	BIN             string `json:"bin"`
	LastDigits      string `json:"lastDigits"`
	ExpiryYear      int    `json:"expiryYear"`
	ExpiryMonth     int    `json:"expiryMonth"`
	CardHolder      string `json:"cardHolder"`
}

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.StatusCode >= 500 {
		return fmt.Sprintf("server error: status code %d", e.StatusCode)
	}
	return fmt.Sprintf("client error: status code %d", e.StatusCode)
}

type httpClient struct {
	baseURL  string
	client   *http.Client
	attempts int
	backoff  func(attempt int) time.Duration
}

// NewClient creates a backend client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) Client {
	return &httpClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		attempts: 3,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt+1) * 500 * time.Millisecond
		},
	}
}

func (c *httpClient) ValidateActionCode(ctx context.Context, token, action, code string) (bool, error) {
	var out struct {
		Status bool `json:"status"`
	}
	body := map[string]string{"action": action, "code": code}
	if err := c.post(ctx, "/v1/user/validateActionCode", token, body, &out); err != nil {
		return false, err
	}
	return out.Status, nil
}

func (c *httpClient) GetActionCode(ctx context.Context, token, action string) (*ActionCode, error) {
	var out struct {
		ActionCode
		Response struct {
			Err any `json:"err"`
		} `json:"response"`
	}
	if err := c.post(ctx, "/v1/user/getActionCode", token, map[string]string{"action": action}, &out); err != nil {
		return nil, err
	}
	if out.Response.Err != nil && out.Response.Err != false {
		return nil, ErrCodeLimitExceeded
	}
	return &out.ActionCode, nil
}

func (c *httpClient) VerifyPaymentMethod(ctx context.Context, token string, req PaymentMethodRequest) error {
	return c.post(ctx, "/v1/payment/verifyPaymentMethod", token, req, nil)
}

// post sends a JSON request with bearer auth. Server errors and transport
// failures are retried; client errors are not.
func (c *httpClient) post(ctx context.Context, path, token string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		var retryable bool
		retryable, lastErr = c.do(ctx, path, token, payload, out)
		if lastErr == nil {
			return nil
		}
		if !retryable {
			break
		}
		if attempt < c.attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
	}
	return fmt.Errorf("request to %s failed: %w", path, lastErr)
}

func (c *httpClient) do(ctx context.Context, path, token string, payload []byte, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode >= 500, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return false, nil
}
