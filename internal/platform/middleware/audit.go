package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/apperr"
)

// Context keys handlers use to name the record a request touched.
const (
	AuditPatientKey    = "audit_patient_id"
	AuditDepartmentKey = "audit_department"
)

// AccessEntry describes one request against patient facing data: who asked,
// for what, from where and how it ended.
type AccessEntry struct {
	User       string
	Resource   string
	Action     string
	PatientID  string
	Department string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// auditedResources maps the first path segment under /api/ to the action
// recorded for it. Routes not listed are not audited.
var auditedResources = map[string]string{
	"patient":       "query",
	"department":    "query",
	"chat":          "generate",
	"ai-insights":   "generate",
	"tableau-image": "render",
}

// Audit emits a phi_access log entry after every request to a patient data
// route, including rejected ones.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	logger = logger.With().Str("component", "audit").Logger()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			resource, action, ok := auditedResource(req.URL.Path)
			if !ok {
				return next(c)
			}

			err := next(c)

			entry := AccessEntry{
				Resource:   resource,
				Action:     action,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       req.URL.Path,
				Method:     req.Method,
				StatusCode: c.Response().Status,
				Timestamp:  time.Now().UTC(),
			}
			entry.User, _ = c.Get("session_user").(string)
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.PatientID, _ = c.Get(AuditPatientKey).(string)
			entry.Department, _ = c.Get(AuditDepartmentKey).(string)
			if err != nil {
				entry.StatusCode = errorStatus(err)
			}

			evt := logger.Info()
			if entry.User == "" {
				evt = logger.Warn()
			}
			evt.
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user", entry.User).
				Str("resource", entry.Resource).
				Str("action", entry.Action).
				Str("patient_id", entry.PatientID).
				Str("department", entry.Department).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.StatusCode).
				Bool("failed", err != nil).
				Time("at", entry.Timestamp).
				Msg("phi_access")

			return err
		}
	}
}

// auditedResource returns the resource and action for an audited path.
//
//   - /api/patient             -> patient, query
//   - /api/department/metrics  -> department, query
//   - /api/auth/login          -> not audited
func auditedResource(path string) (string, string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return "", "", false
	}
	resource, _, _ := strings.Cut(rest, "/")
	action, ok := auditedResources[resource]
	return resource, action, ok
}

// errorStatus is the status the error handler will write for err.
func errorStatus(err error) int {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Status()
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
