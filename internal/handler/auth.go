package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-broker/internal/autherr"
	"github.com/iliyamo/auth-broker/internal/config"
	"github.com/iliyamo/auth-broker/internal/httputil"
	"github.com/iliyamo/auth-broker/internal/middleware"
	"github.com/iliyamo/auth-broker/internal/model"
	"github.com/iliyamo/auth-broker/internal/service"
	"github.com/iliyamo/auth-broker/internal/session"
)

// requestTimeout bounds the store work of one request.
const requestTimeout = 5 * time.Second

// AuthService is the part of service.AuthService the auth endpoints use.
type AuthService interface {
	Register(ctx context.Context, username, email, password string) (service.AuthResult, error)
	Login(ctx context.Context, email, password string) (service.AuthResult, error)
	Logout(ctx context.Context, refreshToken string)
	Refresh(ctx context.Context, refreshToken string) (service.TokenPair, error)
	GetCurrentUser(ctx context.Context, id uint64) (model.SafeUser, error)
	UpdateProfile(ctx context.Context, id uint64, upd model.ProfileUpdate) (model.SafeUser, error)
	ChangePassword(ctx context.Context, id uint64, current, next string) error
}

// AuthHandler bundles dependencies for auth endpoints.  Sessions is nil
// when session mode is disabled or Redis is unavailable.
type AuthHandler struct {
	svc      AuthService
	sessions session.Store
	cookies  cookieJar
	log      *slog.Logger
}

func NewAuthHandler(cfg *config.Config, svc AuthService, sessions session.Store, log *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:      svc,
		sessions: sessions,
		cookies:  newCookieJar(cfg),
		log:      log,
	}
}

// ----- DTOs -----

type registerReq struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=6,max=100"`
}

type loginReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

type profileReq struct {
	Username *string `json:"username" validate:"omitempty,min=3,max=50"`
	Email    *string `json:"email" validate:"omitempty,email,max=255"`
}

type passwordReq struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required,min=6,max=100"`
}

type authData struct {
	User             model.SafeUser `json:"user"`
	AccessToken      string         `json:"accessToken"`
	RefreshToken     string         `json:"refreshToken"`
	AccessExpiresAt  time.Time      `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time      `json:"refreshExpiresAt"`
}

type tokenData struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// bindValid binds and validates the body.  Binding errors are reported as
// autherr.ErrValidation.
func bindValid(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return autherr.ErrValidation
	}
	return c.Validate(dst)
}

// Register creates the user and returns it with a token pair.  Failures
// are 400.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := bindValid(c, &req); err != nil {
		return httputil.ErrorAs(c, http.StatusBadRequest, err, h.log)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.svc.Register(ctx, strings.TrimSpace(req.Username), req.Email, req.Password)
	if err != nil {
		return httputil.ErrorAs(c, http.StatusBadRequest, err, h.log)
	}
	h.establish(c, res)
	return httputil.OK(c, http.StatusCreated, "Registration successful", authDataOf(res))
}

// Login verifies credentials.  Failures are 401.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bindValid(c, &req); err != nil {
		return httputil.ErrorAs(c, http.StatusBadRequest, err, h.log)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	res, err := h.svc.Login(ctx, req.Email, req.Password)
	if err != nil {
		return httputil.ErrorAs(c, http.StatusUnauthorized, err, h.log)
	}
	h.establish(c, res)
	return httputil.OK(c, http.StatusOK, "Login successful", authDataOf(res))
}

// Refresh rotates the refresh token taken from the body or, failing that,
// the refresh cookie.  Failures are 403.
func (h *AuthHandler) Refresh(c echo.Context) error {
	raw := h.refreshTokenOf(c)
	if raw == "" {
		return httputil.Fail(c, http.StatusForbidden, "refresh token required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	pair, err := h.svc.Refresh(ctx, raw)
	if err != nil {
		return httputil.ErrorAs(c, http.StatusForbidden, err, h.log)
	}
	h.cookies.setRefresh(c, pair.RefreshToken, pair.RefreshExpiresAt)
	return httputil.OK(c, http.StatusOK, "Session refreshed", tokenData{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		AccessExpiresAt:  pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

// Logout always succeeds: the refresh record is deleted if it exists, the
// session is destroyed best effort and both cookies are cleared.
func (h *AuthHandler) Logout(c echo.Context) error {
	raw := h.refreshTokenOf(c)

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	h.svc.Logout(ctx, raw)
	if h.sessions != nil {
		if ck, err := c.Cookie(h.cookies.sessionName); err == nil && ck.Value != "" {
			if err := h.sessions.Destroy(ctx, ck.Value); err != nil {
				h.log.Warn("logout: destroy session", slog.Any("error", err))
			}
		}
	}
	h.cookies.clear(c)
	return httputil.OK(c, http.StatusOK, "Logout successful", nil)
}

// Me returns the caller and the strategy that authenticated it.
func (h *AuthHandler) Me(c echo.Context) error {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		return httputil.Error(c, autherr.ErrAuthenticationRequired, h.log)
	}
	return httputil.OK(c, http.StatusOK, "", echo.Map{
		"user":     u,
		"authType": middleware.CurrentAuthType(c),
	})
}

// Profile returns a fresh copy of the caller's record.
func (h *AuthHandler) Profile(c echo.Context) error {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		return httputil.Error(c, autherr.ErrAuthenticationRequired, h.log)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	fresh, err := h.svc.GetCurrentUser(ctx, u.ID)
	if err != nil {
		return httputil.Error(c, err, h.log)
	}
	return httputil.OK(c, http.StatusOK, "", echo.Map{"user": fresh})
}

// UpdateProfile applies a partial username/email change.  Failures other
// than missing authentication are 400.
func (h *AuthHandler) UpdateProfile(c echo.Context) error {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		return httputil.Error(c, autherr.ErrAuthenticationRequired, h.log)
	}
	var req profileReq
	if err := bindValid(c, &req); err != nil {
		return httputil.ErrorAs(c, http.StatusBadRequest, err, h.log)
	}
	if req.Username != nil {
		trimmed := strings.TrimSpace(*req.Username)
		req.Username = &trimmed
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	updated, err := h.svc.UpdateProfile(ctx, u.ID, model.ProfileUpdate{Username: req.Username, Email: req.Email})
	if err != nil {
		return httputil.ErrorAs(c, http.StatusBadRequest, err, h.log)
	}
	h.syncSession(ctx, c, updated)
	return httputil.OK(c, http.StatusOK, "Profile updated", echo.Map{"user": updated})
}

// ChangePassword re-hashes the password and revokes every refresh token.
// The caller's refresh cookie is cleared since it no longer works.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	u, ok := middleware.CurrentUser(c)
	if !ok {
		return httputil.Error(c, autherr.ErrAuthenticationRequired, h.log)
	}
	var req passwordReq
	if err := bindValid(c, &req); err != nil {
		return httputil.ErrorAs(c, http.StatusBadRequest, err, h.log)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	if err := h.svc.ChangePassword(ctx, u.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return httputil.Error(c, err, h.log)
	}
	h.cookies.clearRefresh(c)
	return httputil.OK(c, http.StatusOK, "Password changed", nil)
}

// establish sets the refresh cookie and, when sessions are enabled,
// replaces any existing session with a new one.
func (h *AuthHandler) establish(c echo.Context, res service.AuthResult) {
	h.cookies.setRefresh(c, res.RefreshToken, res.RefreshExpiresAt)
	if h.sessions == nil {
		return
	}
	ctx := c.Request().Context()
	if ck, err := c.Cookie(h.cookies.sessionName); err == nil && ck.Value != "" {
		_ = h.sessions.Destroy(ctx, ck.Value)
	}
	id, err := h.sessions.Create(ctx, session.Data{
		UserID:   res.User.ID,
		Username: res.User.Username,
		Role:     res.User.Role,
	})
	if err != nil {
		h.log.Warn("session not created", slog.Uint64("user_id", res.User.ID), slog.Any("error", err))
		return
	}
	h.cookies.setSession(c, id)
}

// syncSession rewrites the caller's session record after a profile change
// so it carries the new username.  Failures are logged only.
func (h *AuthHandler) syncSession(ctx context.Context, c echo.Context, u model.SafeUser) {
	if h.sessions == nil {
		return
	}
	id := middleware.SessionID(c)
	if id == "" {
		ck, err := c.Cookie(h.cookies.sessionName)
		if err != nil || ck.Value == "" {
			return
		}
		id = ck.Value
	}
	d, err := h.sessions.Get(ctx, id)
	if err != nil || d.UserID != u.ID {
		return
	}
	d.Username = u.Username
	d.Role = u.Role
	if err := h.sessions.Update(ctx, id, d); err != nil {
		h.log.Warn("session not updated", slog.Uint64("user_id", u.ID), slog.Any("error", err))
	}
}

func (h *AuthHandler) refreshTokenOf(c echo.Context) string {
	var req refreshReq
	_ = c.Bind(&req)
	if raw := strings.TrimSpace(req.RefreshToken); raw != "" {
		return raw
	}
	if ck, err := c.Cookie(refreshCookieName); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}

func authDataOf(res service.AuthResult) authData {
	return authData{
		User:             res.User,
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		AccessExpiresAt:  res.AccessExpiresAt,
		RefreshExpiresAt: res.RefreshExpiresAt,
	}
}
