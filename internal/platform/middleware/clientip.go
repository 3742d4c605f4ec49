package middleware

import (
	"net/http"
	"strings"
)

// UnknownClient is the identifier used when a request carries neither
// X-Forwarded-For nor X-Real-IP. All such clients share one bucket.
const UnknownClient = "unknown"

// ClientIdentifier derives the rate limit key for a request: the first entry
// of X-Forwarded-For, then X-Real-IP, then UnknownClient. The socket address
// is deliberately not consulted; behind the portal's proxy it is always the
// proxy itself.
func ClientIdentifier(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return UnknownClient
}
