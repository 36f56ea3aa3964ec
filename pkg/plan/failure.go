package plan

import (
	"context"
	"errors"

	"github.com/meridianhq/meridian/pkg/agents"
	"github.com/meridianhq/meridian/pkg/model"
	"github.com/meridianhq/meridian/pkg/tools"
)

// FailureClass drives the retry policy: timeout and transient failures
// retry up to the step's budget, fatal failures never retry.
type FailureClass string

const (
	FailureTimeout   FailureClass = "timeout"
	FailureTransient FailureClass = "transient"
	FailureFatal     FailureClass = "fatal"
)

// classifyFailure maps step errors onto the retry policy.
func classifyFailure(err error) FailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if errors.Is(err, agents.ErrPoolExhausted) ||
		errors.Is(err, model.ErrRateLimited) ||
		errors.Is(err, model.ErrUnavailable) {
		return FailureTransient
	}
	if errors.Is(err, model.ErrAuth) || errors.Is(err, model.ErrInvalidRequest) {
		return FailureFatal
	}

	var toolErr *tools.Error
	if errors.As(err, &toolErr) {
		switch toolErr.Kind {
		case tools.KindTimeout:
			return FailureTimeout
		case tools.KindUpstreamError, tools.KindProviderError:
			return FailureTransient
		default:
			return FailureFatal
		}
	}

	return FailureFatal
}

// retryable reports whether the class is worth another attempt.
func (c FailureClass) retryable() bool {
	return c == FailureTimeout || c == FailureTransient
}

// status maps the class onto the committed step status.
func (c FailureClass) status() Status {
	if c == FailureTimeout {
		return StatusTimeout
	}
	return StatusFailed
}
