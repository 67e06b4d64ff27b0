package repository

import "errors"

var (
	// ErrScanNotFound indicates no scan record exists for the id
	ErrScanNotFound = errors.New("scan record not found")

	// ErrRetryStateNotFound indicates no retry budget was stored for the user
	ErrRetryStateNotFound = errors.New("retry state not found")

	// ErrRepositoryUnavailable indicates the repository is unavailable
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)
