// Package apperr defines the failure taxonomy shared by the sync components.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure by how the caller is expected to react to it.
type Kind string

const (
	// KindAuth means the credential is missing or expired; the caller must re-authenticate.
	KindAuth Kind = "auth"
	// KindNetwork means the transport failed; the caller may retry manually.
	KindNetwork Kind = "network"
	// KindServer means the backend answered with a non-2xx status.
	KindServer Kind = "server"
	// KindValidation means the action was rejected locally before any network call.
	KindValidation Kind = "validation"
)

var (
	// ErrAuth matches any authentication failure via errors.Is.
	ErrAuth = errors.New("apperr: authentication required")
	// ErrNetwork matches any transport failure via errors.Is.
	ErrNetwork = errors.New("apperr: network failure")
	// ErrServer matches any backend failure via errors.Is.
	ErrServer = errors.New("apperr: server failure")
	// ErrValidation matches any local validation failure via errors.Is.
	ErrValidation = errors.New("apperr: validation failure")
)

// Error is the concrete failure value surfaced to views.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an *Error against the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrNetwork:
		return e.Kind == KindNetwork
	case ErrServer:
		return e.Kind == KindServer
	case ErrValidation:
		return e.Kind == KindValidation
	}
	return false
}

// Auth builds an authentication failure.
func Auth(message string, err error) *Error {
	return &Error{Kind: KindAuth, Status: http.StatusUnauthorized, Message: message, Err: err}
}

// Network wraps a transport failure.
func Network(err error) *Error {
	return &Error{Kind: KindNetwork, Message: "network request failed", Err: err}
}

// Server builds a backend failure for the given status. An empty message gets a generic fallback.
func Server(status int, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("request failed with status %d", status)
	}
	return &Error{Kind: KindServer, Status: status, Message: message}
}

// Validation builds a local validation failure.
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Message: message}
}

// KindOf reports the kind of err, or the empty Kind when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// IsRetryable reports whether a manual retry may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer:
		return true
	default:
		return false
	}
}

// Message returns the user-visible message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}
