// Package httputil holds the JSON envelope and request validation shared
// by handlers and middleware.
package httputil

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-broker/internal/autherr"
	"github.com/iliyamo/auth-broker/internal/logger"
)

// Response is the envelope of every JSON response.
type Response struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// OK writes a success envelope.
func OK(c echo.Context, status int, message string, data any) error {
	return c.JSON(status, Response{Success: true, Message: message, Data: data})
}

// Fail writes a failure envelope with an explicit status.
func Fail(c echo.Context, status int, message string) error {
	return c.JSON(status, Response{Success: false, Message: message})
}

// Error writes err using its taxonomy status and client-safe message.
// Unclassified errors become 500 and are logged with the request path.
func Error(c echo.Context, err error, fallback *slog.Logger) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Message: "request validation failed",
			Errors:  ve.Fields(),
		})
	}
	if ae, ok := autherr.As(err); ok {
		return Fail(c, ae.Status, ae.Message)
	}
	l := logger.FromContext(c.Request().Context())
	if l == slog.Default() && fallback != nil {
		l = fallback
	}
	l.Error("internal error",
		slog.String("error", err.Error()),
		slog.String("method", c.Request().Method),
		slog.String("path", c.Request().URL.Path),
	)
	return Fail(c, http.StatusInternalServerError, autherr.Message(err))
}

// ErrorAs writes err like Error but forces the status of classified
// errors to status.  Endpoints with a fixed failure class (login 401,
// refresh 403) use it; validation and unexpected failures keep theirs.
func ErrorAs(c echo.Context, status int, err error, fallback *slog.Logger) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Error(c, err, fallback)
	}
	if ae, ok := autherr.As(err); ok && ae.Status != http.StatusInternalServerError {
		return Fail(c, status, ae.Message)
	}
	return Error(c, err, fallback)
}
