// Package autherr defines the identity and credential error taxonomy shared
// by the token codec, the auth service, the middleware chain and the HTTP
// handlers.  Every value is a sentinel: compare with errors.Is, wrap with
// fmt.Errorf("...: %w", err).
package autherr

import (
	"errors"
	"net/http"
)

// Error is a classified auth failure.  Message is safe to return to
// clients; it never carries verification internals.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Message }

func newError(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

var (
	ErrDuplicateEmail          = newError("DUPLICATE_EMAIL", "email already registered", http.StatusBadRequest)
	ErrDuplicateUsername       = newError("DUPLICATE_USERNAME", "username already taken", http.StatusBadRequest)
	ErrInvalidCredentials      = newError("INVALID_CREDENTIALS", "invalid credentials", http.StatusUnauthorized)
	ErrAccountDeactivated      = newError("ACCOUNT_DEACTIVATED", "account is deactivated", http.StatusUnauthorized)
	ErrTokenExpired            = newError("TOKEN_EXPIRED", "token expired", http.StatusUnauthorized)
	ErrTokenInvalid            = newError("TOKEN_INVALID", "invalid token", http.StatusForbidden)
	ErrTokenNotFound           = newError("TOKEN_NOT_FOUND", "invalid refresh token", http.StatusForbidden)
	ErrUserInactive            = newError("USER_INACTIVE", "user not found or inactive", http.StatusUnauthorized)
	ErrUserNotFound            = newError("USER_NOT_FOUND", "user not found", http.StatusNotFound)
	ErrInsufficientPermissions = newError("INSUFFICIENT_PERMISSIONS", "insufficient permissions", http.StatusForbidden)
	ErrAuthenticationRequired  = newError("AUTHENTICATION_REQUIRED", "authentication required", http.StatusUnauthorized)
	ErrValidation              = newError("VALIDATION_FAILED", "invalid request", http.StatusBadRequest)
	ErrSessionNotFound         = newError("SESSION_NOT_FOUND", "no active session", http.StatusUnauthorized)
	ErrPasswordTooLong         = newError("PASSWORD_TOO_LONG", "password must be at most 72 bytes", http.StatusBadRequest)

	// ErrConfig marks a missing or inconsistent signing configuration.  It
	// is fatal at startup and never produced per request by a correctly
	// constructed process.
	ErrConfig = newError("CONFIG_ERROR", "auth configuration error", http.StatusInternalServerError)
)

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Status maps err to its HTTP status; unclassified errors are 500.
func Status(err error) int {
	if ae, ok := As(err); ok {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// Message returns the client-safe message for err.
func Message(err error) string {
	if ae, ok := As(err); ok {
		return ae.Message
	}
	return "internal server error"
}
