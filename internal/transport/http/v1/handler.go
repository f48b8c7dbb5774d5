// Package v1 provides the public HTTP handlers for the repricer.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/priceops/repricer/internal/domain"
	"github.com/priceops/repricer/internal/pricing"
	"github.com/priceops/repricer/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Rule API
	e.POST("/v1/rules", h.CreateRule)
	e.GET("/v1/rules", h.ListRules)
	e.GET("/v1/rules/:rule_id", h.GetRule)
	e.POST("/v1/rules/:rule_id/runs", h.CreateRun)

	// Run API
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/queue", h.QueueRun)
	e.POST("/v1/runs/:run_id/retry", h.RetryRun)
	e.POST("/v1/runs/:run_id/rollback", h.RollbackRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.GET("/v1/runs/:run_id/progress", h.GetProgress)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// actor identifies the caller for the audit trail.
func actor(c echo.Context) string {
	if a := c.Request().Header.Get("X-Actor"); a != "" {
		return a
	}
	return "operator"
}

// errorJSON maps domain errors to HTTP status codes.
func errorJSON(c echo.Context, err error) error {
	var vErr *pricing.ValidationError
	var tErr *domain.TransitionError
	var bErr *service.QueueBlockedError

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.As(err, &vErr):
		code = http.StatusBadRequest
	case errors.As(err, &tErr):
		code = http.StatusConflict
	case errors.As(err, &bErr):
		code = http.StatusUnprocessableEntity
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}
