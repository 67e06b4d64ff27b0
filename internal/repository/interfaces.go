package repository

import (
	"context"
	"time"
)

// ScanRepository stores the outcome of finished scans.
type ScanRepository interface {
	// SaveScan stores a scan record, assigning an ID when it has none
	SaveScan(ctx context.Context, record *ScanRecord) error

	// GetScan retrieves a stored scan record
	GetScan(ctx context.Context, id string) (*ScanRecord, error)

	// ListScans returns the most recent records first
	ListScans(ctx context.Context, limit int) ([]*ScanRecord, error)
}

// RetryRepository persists the verification retry budget per user.
type RetryRepository interface {
	GetRetryState(ctx context.Context, userToken string) (*RetryState, error)
	SaveRetryState(ctx context.Context, userToken string, remaining int) error
}

// ScanRecord is one finished scan as seen by the widget host.
type ScanRecord struct {
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Outcome         string         `json:"outcome"`
	Code            string         `json:"code,omitempty"`
	RecognizerName  string         `json:"recognizer_name,omitempty"`
	InitiatedByUser bool           `json:"initiated_by_user"`
	Fields          map[string]any `json:"fields,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// RetryState is the remaining verification attempts of a user.
type RetryState struct {
	UserKey   string    `json:"user_key"`
	Remaining int       `json:"remaining"`
	UpdatedAt time.Time `json:"updated_at"`
}
