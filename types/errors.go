package types

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrDegenerateGeneration = errors.New("degenerate generation")
	ErrFusionInputFailure   = errors.New("fusion input failure")
)

var (
	ErrEmbeddingUnavailable = fmt.Errorf("embedding unavailable: %w", ErrUpstreamUnavailable)
	ErrNamespaceProvision   = fmt.Errorf("namespace provisioning failed: %w", ErrUpstreamUnavailable)
	ErrMissingEmbedding     = fmt.Errorf("missing embedding: %w", ErrValidation)
)

// Error ties an operation to an error kind and its cause.
// errors.Is matches both the kind and anything in the cause chain.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NewError(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return NewError(op, ErrValidation, fmt.Errorf(format, args...))
}

func NotFound(op, format string, args ...any) *Error {
	return NewError(op, ErrNotFound, fmt.Errorf(format, args...))
}

func Upstream(op string, err error) *Error {
	return NewError(op, ErrUpstreamUnavailable, err)
}

// Warning records a best-effort step that failed without failing the operation.
type Warning struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

func NewWarning(op string, err error) Warning {
	return Warning{Op: op, Message: err.Error()}
}
