package middleware

import (
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/apperr"
)

// maxHeaderValueSize is the maximum allowed size for any single header value.
const maxHeaderValueSize = 8192

var (
	// Query language injection shapes. Logged only; literals are escaped
	// where queries are built.
	queryPatterns = regexp.MustCompile(`(?i)('\s*(OR|AND)\s|'\s*\)|\bLIMIT\s+\d|\bFROM\s+\w+__c\b)`)

	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|on\w+\s*=)`)
)

// Sanitize rejects requests whose path, headers or query string carry
// traversal sequences, null bytes, header injection or script payloads.
// Suspicious query language fragments in parameters are logged and let
// through.
func Sanitize(logger zerolog.Logger) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "sanitize").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			rawPath := req.URL.RawPath
			if rawPath == "" {
				rawPath = path
			}

			if containsPathTraversal(path) || containsPathTraversal(rawPath) {
				return apperr.Validation("path traversal detected")
			}
			if containsNullByte(path) || containsNullByte(rawPath) {
				return apperr.Validation("null byte in path")
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return apperr.Validation("header %s exceeds maximum size", name)
					}
					if strings.ContainsAny(v, "\r\n") {
						return apperr.Validation("header injection detected: %s", name)
					}
				}
			}

			for key, values := range req.URL.Query() {
				if containsNullByte(key) || scriptPatterns.MatchString(key) {
					return apperr.Validation("invalid query parameter name")
				}
				for _, v := range values {
					if containsNullByte(v) {
						return apperr.Validation("null byte in query parameter %s", key)
					}
					if scriptPatterns.MatchString(v) {
						return apperr.Validation("script content in query parameter %s", key)
					}
					if queryPatterns.MatchString(v) {
						logger.Warn().
							Str("param", key).
							Str("path", path).
							Str("remote_ip", c.RealIP()).
							Msg("query language fragment in parameter")
					}
				}
			}

			return next(c)
		}
	}
}

// containsPathTraversal checks for ".." in raw and percent-encoded forms.
func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}
