// Package tools implements the schema-validated tool registry.
//
// Every invocation follows the same shape: validate params against the
// declared JSON schema, execute under the declared timeout, classify any
// failure into a typed error kind, and optionally fall back to a declared
// fallback tool. The registry never swallows errors.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SideEffects classifies what a tool touches; recorded for observability
// and consulted by retry policy (write tools are never retried blindly).
type SideEffects string

const (
	SideEffectsNone  SideEffects = "none"
	SideEffectsRead  SideEffects = "read"
	SideEffectsWrite SideEffects = "write"
)

// Descriptor declares a tool. Immutable after registration.
type Descriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// ParameterSchema is a JSON schema document for the params object.
	ParameterSchema json.RawMessage `json:"parameter_schema"`

	TimeoutMS   int         `json:"timeout_ms"`
	Idempotent  bool        `json:"idempotent"`
	SideEffects SideEffects `json:"side_effects"`

	// Fallback names another registered tool invoked when this one times
	// out or errors. Empty means no fallback.
	Fallback string `json:"fallback,omitempty"`
}

// Result is the structured outcome of a successful invocation.
type Result struct {
	ToolName string        `json:"tool_name"`
	Content  string        `json:"content,omitempty"`
	Output   any           `json:"output,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// Fallback is set when the result came from the declared fallback
	// tool rather than the one originally invoked.
	Fallback bool `json:"fallback,omitempty"`
}

// ErrorKind classifies invocation failures.
type ErrorKind string

const (
	KindInvalidParams ErrorKind = "invalid_params"
	KindTimeout       ErrorKind = "timeout"
	KindProviderError ErrorKind = "provider_error"
	KindUpstreamError ErrorKind = "upstream_error"
	KindInternal      ErrorKind = "internal"
)

// Error is the typed failure returned by Invoke.
type Error struct {
	Tool    string
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s: %s: %v", e.Tool, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("tool %s: %s: %s", e.Tool, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed invocation error.
func NewError(tool string, kind ErrorKind, message string, err error) *Error {
	return &Error{Tool: tool, Kind: kind, Message: message, Err: err}
}

// KindOf extracts the error kind, defaulting to internal for untyped errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Tool is a registered capability. Implementations must honor ctx
// cancellation; the registry additionally enforces the declared timeout.
type Tool interface {
	Execute(ctx context.Context, params map[string]any) (Result, error)
}

// ToolFunc adapts a function to the Tool interface.
type ToolFunc func(ctx context.Context, params map[string]any) (Result, error)

func (f ToolFunc) Execute(ctx context.Context, params map[string]any) (Result, error) {
	return f(ctx, params)
}
