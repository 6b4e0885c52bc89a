package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/auth-broker/internal/httputil"
	"github.com/iliyamo/auth-broker/internal/model"
)

// AdminService is the part of service.AuthService the admin endpoints use.
type AdminService interface {
	ListUsers(ctx context.Context) ([]model.SafeUser, error)
	SetActive(ctx context.Context, id uint64, active bool) (model.SafeUser, error)
}

// Purger drops cached admin listings after a write.
type Purger interface {
	Purge(ctx context.Context) error
}

type AdminHandler struct {
	svc   AdminService
	cache Purger
	log   *slog.Logger
}

func NewAdminHandler(svc AdminService, cache Purger, log *slog.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, cache: cache, log: log}
}

type statusReq struct {
	Active *bool `json:"active" validate:"required"`
}

// ListUsers returns every user without password fields.
func (h *AdminHandler) ListUsers(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	users, err := h.svc.ListUsers(ctx)
	if err != nil {
		return httputil.Error(c, err, h.log)
	}
	return httputil.OK(c, http.StatusOK, "", echo.Map{"users": users})
}

// SetStatus activates or deactivates a user.
func (h *AdminHandler) SetStatus(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return httputil.Fail(c, http.StatusBadRequest, "invalid user id")
	}
	var req statusReq
	if err := bindValid(c, &req); err != nil {
		return httputil.ErrorAs(c, http.StatusBadRequest, err, h.log)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), requestTimeout)
	defer cancel()

	u, err := h.svc.SetActive(ctx, id, *req.Active)
	if err != nil {
		return httputil.Error(c, err, h.log)
	}
	if h.cache != nil {
		if err := h.cache.Purge(ctx); err != nil {
			h.log.Warn("admin cache purge failed", slog.Any("error", err))
		}
	}
	return httputil.OK(c, http.StatusOK, "User status updated", echo.Map{"user": u})
}

