package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-broker/internal/config"
)

const (
	refreshCookieName = "refreshToken"
	refreshCookiePath = "/auth"
)

// cookieJar writes the HttpOnly cookies.  Neither cookie is readable by
// page scripts; Secure is set in production.
type cookieJar struct {
	secure      bool
	sessionName string
	sessionTTL  time.Duration
}

func newCookieJar(cfg *config.Config) cookieJar {
	return cookieJar{
		secure:      cfg.IsProduction(),
		sessionName: cfg.Session.CookieName,
		sessionTTL:  cfg.Session.TTL,
	}
}

func (j cookieJar) base(name, value, path string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		HttpOnly: true,
		Secure:   j.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (j cookieJar) setRefresh(c echo.Context, token string, expires time.Time) {
	ck := j.base(refreshCookieName, token, refreshCookiePath)
	ck.Expires = expires
	ck.MaxAge = int(time.Until(expires).Seconds())
	c.SetCookie(ck)
}

func (j cookieJar) setSession(c echo.Context, id string) {
	ck := j.base(j.sessionName, id, "/")
	ck.MaxAge = int(j.sessionTTL.Seconds())
	c.SetCookie(ck)
}

func (j cookieJar) clearRefresh(c echo.Context) {
	ck := j.base(refreshCookieName, "", refreshCookiePath)
	ck.MaxAge = -1
	c.SetCookie(ck)
}

func (j cookieJar) clear(c echo.Context) {
	j.clearRefresh(c)
	ck := j.base(j.sessionName, "", "/")
	ck.MaxAge = -1
	c.SetCookie(ck)
}
