package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// SessionCookieName is the cookie carrying the opaque session id.
	SessionCookieName = "session"
	// SessionTTL is the lifetime of a session and of its cookie.
	SessionTTL = 24 * time.Hour
)

// Session is a logged-in portal user. The ID is an opaque, unguessable token;
// it is the only thing the browser ever sees.
type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionStore persists sessions. Get returns (nil, nil) for unknown ids and
// may return expired sessions; expiry is enforced by SessionManager.
type SessionStore interface {
	Save(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// ExpiredSessionSweeper is implemented by stores that need periodic removal
// of expired sessions (stores with native TTLs do not).
type ExpiredSessionSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// NewSessionID returns 256 bits of crypto/rand entropy, base64url encoded.
func NewSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
