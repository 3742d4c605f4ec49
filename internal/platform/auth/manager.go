package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/telemetry"
)

// Credentials is the single configured portal account.
type Credentials struct {
	Username string
	Password string
}

// SessionManager issues, verifies and revokes portal sessions.
type SessionManager struct {
	store   SessionStore
	creds   Credentials
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewSessionManager(store SessionStore, creds Credentials, logger zerolog.Logger, metrics *telemetry.Metrics) *SessionManager {
	return &SessionManager{
		store:   store,
		creds:   creds,
		ttl:     SessionTTL,
		logger:  logger.With().Str("component", "sessions").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Login checks the submitted credentials against the configured account and
// stores a fresh session on success. A portal without configured credentials
// rejects every login with a configuration error.
func (m *SessionManager) Login(ctx context.Context, username, password string) (*Session, error) {
	if m.creds.Username == "" || m.creds.Password == "" {
		m.metrics.LoginAttempt("misconfigured")
		return nil, apperr.Configuration("portal login credentials are not configured", nil)
	}

	if !constantTimeEqual(username, m.creds.Username) || !constantTimeEqual(password, m.creds.Password) {
		m.metrics.LoginAttempt("rejected")
		m.logger.Warn().Str("username", username).Msg("login rejected")
		return nil, apperr.Authentication("invalid credentials", nil)
	}

	id, err := NewSessionID()
	if err != nil {
		return nil, err
	}
	now := m.now()
	sess := &Session{
		ID:        id,
		Username:  username,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	m.metrics.LoginAttempt("accepted")
	m.metrics.SessionStarted()
	m.logger.Info().Str("username", username).Msg("login accepted")
	return sess, nil
}

// Verify returns the live session for id, or nil when the id is unknown or
// expired. Expired sessions are deleted on sight.
func (m *SessionManager) Verify(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, nil
	}
	sess, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if sess == nil {
		return nil, nil
	}
	if sess.Expired(m.now()) {
		if err := m.store.Delete(ctx, id); err != nil {
			m.logger.Warn().Err(err).Msg("failed to delete expired session")
		} else {
			m.metrics.SessionEnded()
		}
		return nil, nil
	}
	return sess, nil
}

// Logout deletes the session. Failures are logged and swallowed so the
// caller can always clear the cookie.
func (m *SessionManager) Logout(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if err := m.store.Delete(ctx, id); err != nil {
		m.logger.Warn().Err(err).Msg("failed to delete session on logout")
		return
	}
	m.metrics.SessionEnded()
}

// Sweep removes expired sessions from stores that need it.
func (m *SessionManager) Sweep(ctx context.Context) (int, error) {
	sweeper, ok := m.store.(ExpiredSessionSweeper)
	if !ok {
		return 0, nil
	}
	n, err := sweeper.DeleteExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		m.metrics.SessionEnded()
	}
	return n, nil
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (m *SessionManager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	if _, ok := m.store.(ExpiredSessionSweeper); !ok {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.Sweep(ctx)
			if err != nil {
				m.logger.Warn().Err(err).Msg("session sweep failed")
				continue
			}
			if n > 0 {
				m.logger.Debug().Int("removed", n).Msg("expired sessions swept")
			}
		}
	}
}

// constantTimeEqual compares digests so the comparison time depends on
// neither the content nor the length of the inputs.
func constantTimeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
