// Package orcherr defines the typed sentinel errors the orchestrator and
// runtime drivers use to classify failures, so a component at the top of
// the stack (the HTTP layer, the teardown worker) never has to re-derive
// what went wrong from a string.
package orcherr

import (
	"errors"
	"fmt"
)

// Sentinel errors matching the Kinds enumerated in the error-handling design.
var (
	ErrPoolExhausted      = errors.New("resource pool exhausted")
	ErrCleanupBlocked     = errors.New("cleanup blocked by attached resources")
	ErrStaleImage         = errors.New("guest image is stale or missing agent")
	ErrTimeout            = errors.New("operation timed out")
	ErrRuntimeError       = errors.New("runtime driver error")
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	ErrNotSealed          = errors.New("evidence not sealed")
	ErrVerificationFailed = errors.New("evidence verification failed")
	ErrQuotaExceeded      = errors.New("active lab quota exceeded")
	ErrNotFound           = errors.New("lab not found")
	ErrTerminal           = errors.New("lab already in a terminal state")
	ErrInvalidName        = errors.New("resource name failed validation")
)

// Error wraps a sentinel with structured detail so it can be rendered as an
// actionable API error body without a second classification pass.
type Error struct {
	Kind    error
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *Error) Unwrap() error { return e.Kind }

// New builds an *Error wrapping kind with a message and optional detail map.
func New(kind error, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// Wrap attaches kind to an underlying error using the package's %w idiom.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// Is reports whether err ultimately wraps kind.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
