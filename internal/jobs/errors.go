package jobs

import "errors"

var (
	ErrNotFound            = errors.New("jobs: not found")
	ErrInvalidEvent        = errors.New("jobs: invalid event")
	ErrInvalidCost         = errors.New("jobs: cost must be positive")
	ErrProviderUnavailable = errors.New("jobs: provider unavailable")
	// ErrValidation wraps request schema violations.
	ErrValidation = errors.New("jobs: request validation failed")
)
