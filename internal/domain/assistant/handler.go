package assistant

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/middleware"
)

// FallbackReply is shown to the user whenever the model cannot answer.
const FallbackReply = "I'm sorry, I'm having trouble answering right now. Please try again in a moment."

type Handler struct {
	svc     *Service
	limiter *middleware.RateLimiter
	logger  zerolog.Logger
}

func NewHandler(svc *Service, limiter *middleware.RateLimiter, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, limiter: limiter, logger: logger.With().Str("component", "assistant").Logger()}
}

// RegisterRoutes adds the assistant routes to api. mw runs ahead of the
// rate limiter on each route.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	mw = append(mw[:len(mw):len(mw)], middleware.RateLimit(h.limiter, middleware.ClassAI))
	api.POST("/chat", h.Chat, mw...)
	api.POST("/ai-insights", h.Insights, mw...)
}

// Chat answers with a canned apology instead of an error when the model
// fails. Malformed requests and requests whose context has ended get an
// error status.
func (h *Handler) Chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	if err := req.Validate(); err != nil {
		return err
	}

	ctx := c.Request().Context()
	reply, err := h.svc.Chat(ctx, &req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().
			Err(err).
			Str("kind", string(apperr.KindOf(err))).
			Str("request_id", rid).
			Msg("chat generation failed")
		return c.JSON(http.StatusOK, map[string]interface{}{
			"reply": FallbackReply,
			"error": true,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"reply": reply})
}

func (h *Handler) Insights(c echo.Context) error {
	var req InsightRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	c.Set(middleware.AuditPatientKey, req.PatientID)
	insight, err := h.svc.Insight(c.Request().Context(), &req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, insight)
}
