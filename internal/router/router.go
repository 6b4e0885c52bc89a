// Package router wires handlers and middleware onto an Echo instance.
package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/auth-broker/internal/config"
	"github.com/iliyamo/auth-broker/internal/handler"
	"github.com/iliyamo/auth-broker/internal/httputil"
	"github.com/iliyamo/auth-broker/internal/logger"
	"github.com/iliyamo/auth-broker/internal/middleware"
	"github.com/iliyamo/auth-broker/internal/model"
)

// Handlers is everything the routes need.  RateLimit and Cache may be nil;
// Metrics may be nil to leave /metrics unmounted.
type Handlers struct {
	Auth      *handler.AuthHandler
	Admin     *handler.AdminHandler
	Health    *handler.Health
	Authn     *middleware.Authenticator
	RateLimit *middleware.TokenBucket
	Cache     *middleware.ResponseCache
	Metrics   http.Handler
}

// New builds an Echo instance with recovery, request ids, request logging,
// CORS and the JSON validator installed.
func New(cfg *config.Config, log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = httputil.NewValidator()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(requestLogger(log))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSAllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization},
		AllowCredentials: !allowsAny(cfg.CORSAllowedOrigins),
	}))
	return e
}

// requestLogger attaches a request-scoped logger to the context and emits
// one line per request.
func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	attach := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			l := log.With(slog.String("request_id", rid))
			c.SetRequest(c.Request().WithContext(logger.NewContext(c.Request().Context(), l)))
			return next(c)
		}
	}
	emit := echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency.Round(time.Microsecond)),
				slog.String("remote_ip", v.RemoteIP),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			log.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return emit(attach(next))
	}
}

func allowsAny(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

// RegisterRoutes registers routes that do not require authentication:
// the health probe and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, h Handlers) {
	e.GET("/healthz", h.Health.Handle)
	if h.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.Metrics))
	}
}

// RegisterAuth registers the /auth group.  The whole group is rate
// limited; register, login, logout and refresh-token are public, the rest
// go through one of the authentication strategies.
func RegisterAuth(e *echo.Echo, h Handlers) {
	g := e.Group("/auth", h.RateLimit.Middleware())

	g.POST("/register", h.Auth.Register)
	g.POST("/login", h.Auth.Login)
	g.POST("/logout", h.Auth.Logout)
	g.POST("/refresh-token", h.Auth.Refresh)

	either := h.Authn.Either()
	g.GET("/me", h.Auth.Me, either)
	g.GET("/me/session", h.Auth.Me, h.Authn.Session())
	g.GET("/me/jwt", h.Auth.Me, h.Authn.Bearer())
	g.GET("/profile", h.Auth.Profile, either)
	g.PUT("/profile", h.Auth.UpdateProfile, either)
	g.PUT("/password", h.Auth.ChangePassword, either)

	admin := g.Group("/admin", either, middleware.RequireRole(model.RoleAdmin))
	admin.GET("/users", h.Admin.ListUsers, h.Cache.Middleware())
	admin.PATCH("/users/:id/status", h.Admin.SetStatus)
}
