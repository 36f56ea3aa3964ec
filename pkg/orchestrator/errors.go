package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridianhq/meridian/pkg/agents"
	"github.com/meridianhq/meridian/pkg/model"
	"github.com/meridianhq/meridian/pkg/plan"
	"github.com/meridianhq/meridian/pkg/tools"
)

// Code is the user-visible error taxonomy. User-facing errors carry a
// code and a human-readable message, never stack traces.
type Code string

const (
	CodeInvalidInput  Code = "invalidInput"
	CodeInvalidPlan   Code = "invalidPlan"
	CodeTimeout       Code = "timeout"
	CodeCancelled     Code = "cancelled"
	CodeProviderError Code = "providerError"
	CodeUpstreamError Code = "upstreamError"
	CodePoolExhausted Code = "poolExhausted"
	CodeDegraded      Code = "degraded"
	CodeInternal      Code = "internal"
)

// Error is a coded orchestrator failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a coded error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf maps any error to its taxonomy code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr.Code
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, plan.ErrInvalidPlan):
		return CodeInvalidPlan
	case errors.Is(err, agents.ErrPoolExhausted):
		return CodePoolExhausted
	case errors.Is(err, agents.ErrUnknownAgent):
		return CodeInvalidPlan
	case errors.Is(err, model.ErrAuth), errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, model.ErrRateLimited), errors.Is(err, model.ErrUnavailable):
		return CodeProviderError
	}

	var terr *tools.Error
	if errors.As(err, &terr) {
		switch terr.Kind {
		case tools.KindInvalidParams:
			return CodeInvalidInput
		case tools.KindTimeout:
			return CodeTimeout
		case tools.KindProviderError:
			return CodeProviderError
		case tools.KindUpstreamError:
			return CodeUpstreamError
		}
	}

	return CodeInternal
}
