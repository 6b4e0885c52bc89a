package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health reports process liveness plus the state of registered
// dependencies (MySQL, Redis).  Any failing check turns the response into
// a 503.
type Health struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

func NewHealth() *Health {
	return &Health{checkers: map[string]Checker{}}
}

func (h *Health) Register(name string, check Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = check
}

func (h *Health) Handle(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "up"
	checks := make(map[string]checkResult, len(h.checkers))
	for name, check := range h.checkers {
		if err := check(ctx); err != nil {
			status = "down"
			checks[name] = checkResult{Status: "down", Error: err.Error()}
			continue
		}
		checks[name] = checkResult{Status: "up"}
	}
	code := http.StatusOK
	if status != "up" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, echo.Map{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}
