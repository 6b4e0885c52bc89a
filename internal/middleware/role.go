package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-broker/internal/autherr"
	"github.com/iliyamo/auth-broker/internal/httputil"
	"github.com/iliyamo/auth-broker/internal/model"
)

// RequireRole lets the request through only when an earlier strategy put
// an identity in the context and its role is one of roles.  No identity is
// 401, a role outside the set is 403.
func RequireRole(roles ...model.Role) echo.MiddlewareFunc {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			u, ok := CurrentUser(c)
			if !ok {
				return httputil.Error(c, autherr.ErrAuthenticationRequired, nil)
			}
			if !allowed[u.Role] {
				return httputil.Error(c, autherr.ErrInsufficientPermissions, nil)
			}
			return next(c)
		}
	}
}
