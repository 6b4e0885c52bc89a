package middleware

// identity.go holds the per-request authentication result.  Values live in
// the echo.Context, so nothing is shared between requests.

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-broker/internal/model"
)

// AuthType records which strategy authenticated the request.
type AuthType string

const (
	AuthNone    AuthType = "none"
	AuthSession AuthType = "session"
	AuthBearer  AuthType = "jwt"
)

const (
	keyUser      = "auth.user"
	keyAuthType  = "auth.type"
	keyToken     = "auth.token"
	keySessionID = "auth.session_id"
)

func setIdentity(c echo.Context, u model.SafeUser, t AuthType) {
	c.Set(keyUser, u)
	c.Set(keyAuthType, t)
}

// CurrentUser returns the authenticated user, if any.
func CurrentUser(c echo.Context) (model.SafeUser, bool) {
	u, ok := c.Get(keyUser).(model.SafeUser)
	return u, ok
}

// CurrentAuthType returns the strategy that authenticated the request, or
// AuthNone.
func CurrentAuthType(c echo.Context) AuthType {
	if t, ok := c.Get(keyAuthType).(AuthType); ok {
		return t
	}
	return AuthNone
}

// BearerToken returns the raw access token of a bearer-authenticated request.
func BearerToken(c echo.Context) string {
	s, _ := c.Get(keyToken).(string)
	return s
}

// SessionID returns the session id of a session-authenticated request.
func SessionID(c echo.Context) string {
	s, _ := c.Get(keySessionID).(string)
	return s
}

// userKey identifies the caller for rate limiting: the user id when
// authenticated, "anon" otherwise.
func userKey(c echo.Context) string {
	if u, ok := CurrentUser(c); ok {
		return strconv.FormatUint(u.ID, 10)
	}
	return "anon"
}
