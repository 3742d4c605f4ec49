package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/middleware"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginHandler serves /api/auth/login and /api/auth/logout.
type LoginHandler struct {
	sessions     *SessionManager
	limiter      *middleware.RateLimiter
	secureCookie bool
}

// NewLoginHandler creates the handler. secureCookie sets the Secure flag on
// the session cookie and should be true in production.
func NewLoginHandler(sessions *SessionManager, limiter *middleware.RateLimiter, secureCookie bool) *LoginHandler {
	return &LoginHandler{sessions: sessions, limiter: limiter, secureCookie: secureCookie}
}

func (h *LoginHandler) RegisterRoutes(api *echo.Group) {
	api.POST("/auth/login", h.Login, middleware.RateLimit(h.limiter, middleware.ClassAuth))
	api.GET("/auth/login", h.Status, middleware.RateLimit(h.limiter, middleware.ClassGeneral))
	api.POST("/auth/logout", h.Logout, middleware.RateLimit(h.limiter, middleware.ClassGeneral))
}

func (h *LoginHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return apperr.Validation("username and password are required")
	}

	sess, err := h.sessions.Login(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		return err
	}

	c.SetCookie(h.cookie(sess.ID, int(SessionTTL.Seconds())))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"user":    sess.Username,
	})
}

// Status reports whether the caller's session cookie names a live session.
func (h *LoginHandler) Status(c echo.Context) error {
	cookie, err := c.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return c.JSON(http.StatusOK, map[string]interface{}{"authenticated": false})
	}
	sess, err := h.sessions.Verify(c.Request().Context(), cookie.Value)
	if err != nil {
		return err
	}
	if sess == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"authenticated": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"user":          sess.Username,
	})
}

func (h *LoginHandler) Logout(c echo.Context) error {
	if cookie, err := c.Cookie(SessionCookieName); err == nil {
		h.sessions.Logout(c.Request().Context(), cookie.Value)
	}
	c.SetCookie(h.cookie("", -1))
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true})
}

func (h *LoginHandler) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	}
}
