package v1

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/priceops/repricer/internal/domain"
)

// ListRuns handles GET /v1/runs?status=&limit=&offset=.
func (h *Handler) ListRuns(c echo.Context) error {
	status := domain.RunStatus(c.QueryParam("status"))

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	runs, err := h.service.ListRuns(c.Request().Context(), status, limit, offset)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /v1/runs/:run_id. Returns the run with its targets and
// audit history.
func (h *Handler) GetRun(c echo.Context) error {
	detail, err := h.service.GetRunDetail(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// QueueRun handles POST /v1/runs/:run_id/queue. On success the apply phase
// starts in the background; the caller polls progress.
func (h *Handler) QueueRun(c echo.Context) error {
	runID := c.Param("run_id")
	who := actor(c)

	if err := h.service.QueueRun(c.Request().Context(), runID, who); err != nil {
		return errorJSON(c, err)
	}

	go func() {
		if err := h.service.ApplyRun(context.Background(), runID, who); err != nil {
			log.Printf("ERROR: run %s failed to apply: %v", runID, err)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(domain.RunStatusQueued),
	})
}

// RetryRun handles POST /v1/runs/:run_id/retry. Only failed targets are
// re-pushed; applied targets are never touched.
func (h *Handler) RetryRun(c echo.Context) error {
	retried, err := h.service.RetryFailed(c.Request().Context(), c.Param("run_id"), actor(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"run_id":        c.Param("run_id"),
		"retried_count": retried,
	})
}

// RollbackRun handles POST /v1/runs/:run_id/rollback.
func (h *Handler) RollbackRun(c echo.Context) error {
	result, err := h.service.RollbackRun(c.Request().Context(), c.Param("run_id"), actor(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CancelRun handles POST /v1/runs/:run_id/cancel. A queued run cancels
// immediately; an applying run reports CANCELLING until the batch drains.
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.service.CancelRun(c.Request().Context(), runID, actor(c)); err != nil {
		return errorJSON(c, err)
	}

	detail, err := h.service.GetRunDetail(c.Request().Context(), runID)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"run_id": runID,
		"status": string(detail.Run.Status),
	})
}

// GetProgress handles GET /v1/runs/:run_id/progress.
func (h *Handler) GetProgress(c echo.Context) error {
	progress, err := h.service.GetProgress(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, progress)
}
