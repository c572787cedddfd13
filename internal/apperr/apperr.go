// Package apperr defines the core's error taxonomy. Components wrap
// underlying errors with a Kind so the adapter layer can map them to
// transport-appropriate status codes without the core knowing about
// transports.
package apperr

import (
	"errors"
	"fmt"
)

// Kind describes why a caller failed, not which Go type failed.
type Kind string

const (
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	AlreadyRunning    Kind = "already_running"
	UpstreamTransient Kind = "upstream_transient"
	UpstreamPermanent Kind = "upstream_permanent"
	Cancelled         Kind = "cancelled"
	InvalidConfig     Kind = "invalid_config"
	Storage           Kind = "storage"
	Internal          Kind = "internal"
)

// Error wraps an underlying error with a Kind and optional context.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New creates an Error of kind with a plain message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, err: errors.New(msg)}
}

// Wrap creates an Error of kind wrapping err. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal if err does not
// carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}
