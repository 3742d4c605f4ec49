package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/telemetry"
)

// LimitClass names a fixed rate limit policy.
type LimitClass string

const (
	ClassAuth    LimitClass = "auth"
	ClassData    LimitClass = "data"
	ClassAI      LimitClass = "ai"
	ClassGeneral LimitClass = "general"
)

// RatePolicy is a sliding-window budget: at most Max admitted requests in any
// trailing Window.
type RatePolicy struct {
	Window time.Duration
	Max    int
}

// RatePolicies is the fixed policy table. It is not configurable per call.
var RatePolicies = map[LimitClass]RatePolicy{
	ClassAuth:    {Window: 15 * time.Minute, Max: 5},
	ClassData:    {Window: time.Minute, Max: 30},
	ClassAI:      {Window: time.Minute, Max: 10},
	ClassGeneral: {Window: time.Minute, Max: 60},
}

// PolicyFor returns the policy for class, falling back to general.
func PolicyFor(class LimitClass) RatePolicy {
	if p, ok := RatePolicies[class]; ok {
		return p
	}
	return RatePolicies[ClassGeneral]
}

// WindowResult is what a WindowStore reports for one hit.
type WindowResult struct {
	Admitted bool
	// Count is the number of admitted requests inside the window after
	// this hit was (or was not) recorded.
	Count int
	// Oldest is the timestamp of the oldest admitted request still inside
	// the window; zero when the window is empty.
	Oldest time.Time
}

// WindowStore is the backing store for sliding-window counting. Hit must
// atomically prune entries older than now-window, and record now only if
// fewer than max entries remain. Rejected hits are not recorded.
type WindowStore interface {
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (WindowResult, error)
}

// RateLimitResult is the outcome of a rate limit check.
type RateLimitResult struct {
	Admitted  bool      `json:"admitted"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset"`
}

// RateLimiter admits or rejects requests per (class, client identifier).
// A RateLimiter without a store fails open.
type RateLimiter struct {
	store   WindowStore
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewRateLimiter creates a limiter over store. A nil store disables
// enforcement: every check is admitted with zero limit and remaining.
func NewRateLimiter(store WindowStore, logger zerolog.Logger, metrics *telemetry.Metrics) *RateLimiter {
	return &RateLimiter{
		store:   store,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Enforcing reports whether a backing store is configured.
func (rl *RateLimiter) Enforcing() bool {
	return rl.store != nil
}

// Check records a hit for identifier under class and reports whether it is
// admitted. Store failures fail open.
func (rl *RateLimiter) Check(ctx context.Context, class LimitClass, identifier string) RateLimitResult {
	if rl.store == nil {
		return RateLimitResult{Admitted: true}
	}

	policy := PolicyFor(class)
	now := rl.now()
	key := string(class) + ":" + identifier

	res, err := rl.store.Hit(ctx, key, now, policy.Window, policy.Max)
	if err != nil {
		rl.logger.Warn().Err(err).Str("class", string(class)).Msg("rate limit store unavailable, admitting request")
		return RateLimitResult{Admitted: true}
	}

	resetAt := now.Add(policy.Window)
	if !res.Oldest.IsZero() {
		resetAt = res.Oldest.Add(policy.Window)
	}
	remaining := policy.Max - res.Count
	if remaining < 0 {
		remaining = 0
	}

	return RateLimitResult{
		Admitted:  res.Admitted,
		Limit:     policy.Max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// RateLimit returns middleware gating the route under class. Rejected
// requests get 429 with X-RateLimit-* and Retry-After headers and the same
// metadata in the JSON body.
func RateLimit(rl *RateLimiter, class LimitClass) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res := rl.Check(c.Request().Context(), class, ClientIdentifier(c.Request()))
			if res.Limit == 0 {
				return next(c)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", res.ResetAt.UTC().Format(time.RFC3339))

			if !res.Admitted {
				rl.metrics.RateLimited(string(class))
				retryAfter := int(math.Ceil(res.ResetAt.Sub(rl.now()).Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":     "rate limit exceeded",
					"limit":     res.Limit,
					"remaining": res.Remaining,
					"reset":     res.ResetAt.UTC().Format(time.RFC3339),
				})
			}
			return next(c)
		}
	}
}
