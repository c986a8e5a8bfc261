package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meridian-labs/aegis/pkg/contracts"
)

// ErrorCategory classifies executor failures consistently.
type ErrorCategory string

const (
	ErrCatTransient ErrorCategory = "TRANSIENT"
	ErrCatPermanent ErrorCategory = "PERMANENT"
	ErrCatRateLimit ErrorCategory = "RATE_LIMIT"
	ErrCatTimeout   ErrorCategory = "TIMEOUT"
	ErrCatInternal  ErrorCategory = "INTERNAL"
)

// ClassifiedError is an executor failure with taxonomy classification. The
// orchestrator treats every class identically to a validation failure: it
// drives the single allowed escalation.
type ClassifiedError struct {
	Category   ErrorCategory `json:"category"`
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	ExecutorID string        `json:"executor_id"`
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Classify maps a raw executor error to the taxonomy.
func Classify(executorID string, err error) *ClassifiedError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{
			Category: ErrCatTimeout, Code: contracts.ErrCodeExecutorTimeout,
			Message: err.Error(), Retryable: true, ExecutorID: executorID,
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return &ClassifiedError{ErrCatTimeout, contracts.ErrCodeExecutorTimeout, err.Error(), true, executorID}
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return &ClassifiedError{ErrCatRateLimit, "EXECUTOR_RATE_LIMITED", err.Error(), true, executorID}
	case strings.Contains(msg, "temporary"), strings.Contains(msg, "retry"), strings.Contains(msg, "unavailable"):
		return &ClassifiedError{ErrCatTransient, "EXECUTOR_TRANSIENT", err.Error(), true, executorID}
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "unsupported"):
		return &ClassifiedError{ErrCatPermanent, "EXECUTOR_PERMANENT", err.Error(), false, executorID}
	default:
		return &ClassifiedError{ErrCatInternal, contracts.ErrCodeExecutorError, err.Error(), false, executorID}
	}
}
