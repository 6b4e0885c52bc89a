package middleware

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-broker/internal/autherr"
	"github.com/iliyamo/auth-broker/internal/httputil"
	"github.com/iliyamo/auth-broker/internal/metrics"
	"github.com/iliyamo/auth-broker/internal/model"
	"github.com/iliyamo/auth-broker/internal/session"
	"github.com/iliyamo/auth-broker/internal/token"
)

// UserResolver loads the sanitized user for an authenticated id, failing
// with autherr.ErrUserInactive when the user is missing or deactivated.
type UserResolver interface {
	ActiveUser(ctx context.Context, id uint64) (model.SafeUser, error)
}

// Authenticator builds the authentication strategies.  Sessions may be nil,
// in which case the session strategy always fails and Either behaves like
// Bearer.
type Authenticator struct {
	Codec      *token.Codec
	Users      UserResolver
	Sessions   session.Store
	CookieName string
	Metrics    *metrics.Auth
	Log        *slog.Logger
}

// Bearer requires a valid "Authorization: Bearer <token>" header.
func (a *Authenticator) Bearer() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := a.authenticateBearer(c); err != nil {
				return a.reject(c, AuthBearer, err)
			}
			return next(c)
		}
	}
}

// Session requires a live server-side session.
func (a *Authenticator) Session() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := a.authenticateSession(c); err != nil {
				return a.reject(c, AuthSession, err)
			}
			return next(c)
		}
	}
}

// Either tries the session first and falls back to the bearer header.  The
// reported failure is the bearer one.
func (a *Authenticator) Either() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := a.authenticateSession(c); err == nil {
				return next(c)
			} else if !isClassified(err) {
				a.log().Warn("session lookup failed, trying bearer", slog.Any("error", err))
			}
			if err := a.authenticateBearer(c); err != nil {
				return a.reject(c, AuthBearer, err)
			}
			return next(c)
		}
	}
}

func (a *Authenticator) authenticateBearer(c echo.Context) error {
	raw, ok := bearerFromHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if !ok {
		return autherr.ErrAuthenticationRequired
	}
	claims, err := a.Codec.VerifyAccess(raw)
	if err != nil {
		if a.log().Enabled(c.Request().Context(), slog.LevelDebug) {
			a.log().Debug("bearer token rejected",
				slog.Any("claims", a.Codec.DecodeUnsafe(raw)),
				slog.Any("error", err))
		}
		return err
	}
	user, err := a.Users.ActiveUser(c.Request().Context(), claims.UserID)
	if err != nil {
		return err
	}
	setIdentity(c, user, AuthBearer)
	c.Set(keyToken, raw)
	return nil
}

func (a *Authenticator) authenticateSession(c echo.Context) error {
	if a.Sessions == nil {
		return autherr.ErrSessionNotFound
	}
	cookie, err := c.Cookie(a.CookieName)
	if err != nil || cookie.Value == "" {
		return autherr.ErrSessionNotFound
	}
	data, err := a.Sessions.Get(c.Request().Context(), cookie.Value)
	if errors.Is(err, session.ErrNotFound) {
		return autherr.ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	// the session only caches identity; the active flag is re-read so a
	// deactivation takes effect before the session expires
	user, err := a.Users.ActiveUser(c.Request().Context(), data.UserID)
	if err != nil {
		return err
	}
	setIdentity(c, user, AuthSession)
	c.Set(keySessionID, cookie.Value)
	return nil
}

func (a *Authenticator) reject(c echo.Context, strategy AuthType, err error) error {
	a.Metrics.Reject(string(strategy), reason(err))
	return httputil.Error(c, err, a.log())
}

func (a *Authenticator) log() *slog.Logger {
	if a.Log == nil {
		return slog.Default()
	}
	return a.Log
}

func bearerFromHeader(h string) (string, bool) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(h), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func isClassified(err error) bool {
	_, ok := autherr.As(err)
	return ok
}

func reason(err error) string {
	switch {
	case errors.Is(err, autherr.ErrAuthenticationRequired), errors.Is(err, autherr.ErrSessionNotFound):
		return "missing"
	case errors.Is(err, autherr.ErrTokenExpired):
		return "expired"
	case errors.Is(err, autherr.ErrTokenInvalid):
		return "invalid"
	case errors.Is(err, autherr.ErrUserInactive):
		return "inactive"
	case errors.Is(err, autherr.ErrInsufficientPermissions):
		return "forbidden"
	}
	return "error"
}
