package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestConstructors(t *testing.T) {
	cause := fmt.Errorf("boom")
	tests := []struct {
		name   string
		err    *AppError
		typ    ErrorType
		status int
	}{
		{"validation", NewValidationError("bad", nil), ErrorTypeValidation, http.StatusBadRequest},
		{"configuration", NewConfigurationError("bad config", nil), ErrorTypeConfiguration, http.StatusBadRequest},
		{"engine", NewEngineError("load failed", cause), ErrorTypeEngine, http.StatusServiceUnavailable},
		{"camera", NewCameraError("no camera", cause), ErrorTypeCamera, http.StatusServiceUnavailable},
		{"network", NewNetworkError("down", cause), ErrorTypeNetwork, http.StatusBadGateway},
		{"timeout", NewTimeoutError("slow", nil), ErrorTypeTimeout, http.StatusGatewayTimeout},
		{"conflict", NewConflictError("busy", nil), ErrorTypeConflict, http.StatusConflict},
		{"not found", NewNotFoundError("missing", nil), ErrorTypeNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Type != tt.typ {
				t.Errorf("Type = %s, want %s", tt.err.Type, tt.typ)
			}
			if GetStatusCode(tt.err) != tt.status {
				t.Errorf("GetStatusCode = %d, want %d", GetStatusCode(tt.err), tt.status)
			}
		})
	}
}

func TestWrappedErrorsAreRecognized(t *testing.T) {
	base := NewEngineError("SDK load failed", fmt.Errorf("invalid license"))
	wrapped := fmt.Errorf("initialize: %w", base)

	if !IsType(wrapped, ErrorTypeEngine) {
		t.Error("expected wrapped error to be recognized as engine error")
	}
	if GetStatusCode(wrapped) != http.StatusServiceUnavailable {
		t.Errorf("unexpected status %d", GetStatusCode(wrapped))
	}
	if GetStatusCode(fmt.Errorf("plain")) != http.StatusInternalServerError {
		t.Error("plain errors should map to 500")
	}
}

func TestWithDetailsCopies(t *testing.T) {
	base := NewValidationError("bad", nil)
	detailed := base.WithDetails("field x")
	if base.Details != "" {
		t.Error("WithDetails must not modify the receiver")
	}
	if detailed.Details != "field x" {
		t.Errorf("Details = %q", detailed.Details)
	}
}
