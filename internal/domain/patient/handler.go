package patient

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

// RegisterRoutes adds the patient routes to api with mw in front of each.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	mw = append(mw[:len(mw):len(mw)], middleware.RateLimit(h.limiter, middleware.ClassData))
	api.POST("/patient", h.Lookup, mw...)
	api.GET("/patient", h.Get, mw...)
}

type lookupRequest struct {
	PatientID string `json:"patientId"`
}

func (h *Handler) Lookup(c echo.Context) error {
	var req lookupRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	return h.respond(c, req.PatientID)
}

func (h *Handler) Get(c echo.Context) error {
	return h.respond(c, c.QueryParam("patientId"))
}

func (h *Handler) respond(c echo.Context, patientID string) error {
	c.Set(middleware.AuditPatientKey, patientID)
	result, err := h.svc.Get(c.Request().Context(), patientID)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, result)
}
