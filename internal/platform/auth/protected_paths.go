package auth

import "strings"

// ProtectedPrefixes lists URL path prefixes that require a session cookie.
type ProtectedPrefixes []string

// DefaultProtectedPrefixes covers every data and assistant endpoint. The
// login endpoints, health checks and metrics stay public.
var DefaultProtectedPrefixes = ProtectedPrefixes{
	"/api/patient",
	"/api/department",
	"/api/chat",
	"/api/ai-insights",
	"/api/tableau-image",
}

// Match reports whether path equals a prefix or continues it with a new
// segment, so "/api/patients" does not match "/api/patient".
func (p ProtectedPrefixes) Match(path string) bool {
	for _, prefix := range p {
		if path == prefix {
			return true
		}
		if strings.HasPrefix(path, prefix) && path[len(prefix)] == '/' {
			return true
		}
	}
	return false
}
