package client

import (
	"context"
	"errors"
	"strings"

	"github.com/kjstillabower/weather-dashboard-service/internal/store"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels.
const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryUnavailable ErrorCategory = "unavailable"
	ErrorCategorySeedFailed  ErrorCategory = "seed_failed"
	ErrorCategoryRejected    ErrorCategory = "rejected"
	ErrorCategoryNotFound    ErrorCategory = "not_found"
	ErrorCategoryParsing     ErrorCategory = "parsing"
	ErrorCategoryValidation  ErrorCategory = "validation"
	ErrorCategoryCache       ErrorCategory = "cache"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
// Store sentinels are recognized too, so server-side errors share the same labels.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}
	if errors.Is(err, ErrServiceUnavailable) || errors.Is(err, store.ErrUnavailable) {
		return ErrorCategoryUnavailable
	}
	if errors.Is(err, ErrSeedFailed) {
		return ErrorCategorySeedFailed
	}
	if errors.Is(err, ErrRejected) {
		return ErrorCategoryRejected
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrorCategoryNotFound
	}

	errStr := err.Error()
	if strings.Contains(errStr, "network") || strings.Contains(errStr, "connection") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal") {
		return ErrorCategoryParsing
	}
	if strings.Contains(errStr, "invalid") || strings.Contains(errStr, "validation") {
		return ErrorCategoryValidation
	}
	if strings.Contains(errStr, "cache") {
		return ErrorCategoryCache
	}

	return ErrorCategoryUnknown
}
