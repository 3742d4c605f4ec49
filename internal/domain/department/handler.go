package department

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/middleware"
)

type Handler struct {
	svc     *Service
	limiter *middleware.RateLimiter
}

func NewHandler(svc *Service, limiter *middleware.RateLimiter) *Handler {
	return &Handler{svc: svc, limiter: limiter}
}

func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	mw = append(mw[:len(mw):len(mw)], middleware.RateLimit(h.limiter, middleware.ClassData))
	api.POST("/department", h.Count, mw...)
	api.POST("/department/metrics", h.Metrics, mw...)
}

type departmentRequest struct {
	Department string `json:"department"`
}

func (h *Handler) Count(c echo.Context) error {
	var req departmentRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	c.Set(middleware.AuditDepartmentKey, req.Department)
	count, err := h.svc.Count(c.Request().Context(), req.Department)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, count)
}

func (h *Handler) Metrics(c echo.Context) error {
	var req departmentRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	c.Set(middleware.AuditDepartmentKey, req.Department)
	m, err := h.svc.Metrics(c.Request().Context(), req.Department)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, m)
}
