package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// CreateRuleRequest is the request body for creating a rule.
type CreateRuleRequest struct {
	Name         string          `json:"name"`
	Transform    json.RawMessage `json:"transform"`
	SelectorExpr string          `json:"selector_expr"`
}

// CreateRule handles POST /v1/rules.
func (h *Handler) CreateRule(c echo.Context) error {
	var req CreateRuleRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	rule, err := h.service.CreateRule(c.Request().Context(), req.Name, req.Transform, req.SelectorExpr)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, rule)
}

// GetRule handles GET /v1/rules/:rule_id.
func (h *Handler) GetRule(c echo.Context) error {
	rule, err := h.service.GetRule(c.Request().Context(), c.Param("rule_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, rule)
}

// ListRules handles GET /v1/rules.
func (h *Handler) ListRules(c echo.Context) error {
	rules, err := h.service.ListRules(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"rules": rules,
		"count": len(rules),
	})
}

// CreateRunRequest is the request body for materializing a run. ScheduledFor
// is optional; when set the scheduler queues the run at that time.
type CreateRunRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
}

// CreateRun handles POST /v1/rules/:rule_id/runs.
func (h *Handler) CreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	run, err := h.service.CreateRun(c.Request().Context(), c.Param("rule_id"), req.ScheduledFor, actor(c))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}
