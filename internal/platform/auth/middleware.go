package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/ehr/portal/internal/platform/apperr"
)

// SessionUserKey is the echo context key holding the authenticated username.
const SessionUserKey = "session_user"

// RequireSessionCookie rejects requests to protected paths that carry no
// session cookie. It only checks presence; RequireSession validates it.
func RequireSessionCookie(protected ProtectedPrefixes) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !protected.Match(c.Request().URL.Path) {
				return next(c)
			}
			cookie, err := c.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				return apperr.Authentication("authentication required", nil)
			}
			return next(c)
		}
	}
}

// RequireSession resolves the session cookie and stores the username in the
// context. Missing, unknown and expired sessions get 401.
func RequireSession(sessions *SessionManager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cookie, err := c.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				return apperr.Authentication("authentication required", nil)
			}
			sess, err := sessions.Verify(c.Request().Context(), cookie.Value)
			if err != nil {
				return err
			}
			if sess == nil {
				return apperr.Authentication("session expired or invalid", nil)
			}
			c.Set(SessionUserKey, sess.Username)
			return next(c)
		}
	}
}

// UserFromContext returns the username set by RequireSession.
func UserFromContext(c echo.Context) string {
	user, _ := c.Get(SessionUserKey).(string)
	return user
}
