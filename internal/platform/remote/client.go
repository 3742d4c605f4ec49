// Package remote is the portal's client for the hospital CRM: its query
// and REST endpoints, the generative model API and rendered dashboard
// assets. One Client owns one access token for the whole process.
package remote

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/telemetry"
)

const (
	// LeaseFraction of the provider's lease is trusted locally so refresh
	// always happens before the provider expires the token.
	LeaseFraction = 0.75

	// maxResponseBytes caps a response body. Larger bodies fail the call
	// rather than being cut short.
	maxResponseBytes = 32 << 20
)

type Config struct {
	AuthFlow       string
	ClientID       string
	ClientSecret   string
	TokenURL       string
	Username       string
	PrivateKeyFile string
	// PrivateKey takes precedence over PrivateKeyFile.
	PrivateKey *rsa.PrivateKey
	Audience   string

	APIVersion string
	ModelsURL  string
	Model      string
	AssetPath  string

	TokenLease   time.Duration
	Timeout      time.Duration
	TokenTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = "v62.0"
	}
	if c.TokenLease <= 0 {
		c.TokenLease = 2 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.TokenTimeout <= 0 {
		c.TokenTimeout = 10 * time.Second
	}
	c.ModelsURL = strings.TrimRight(c.ModelsURL, "/")
}

// accessToken is the cached credential. It is replaced, never mutated.
type accessToken struct {
	value     string
	instance  string
	issuedAt  time.Time
	expiresAt time.Time
}

type Client struct {
	cfg        Config
	source     tokenSource
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
	maxBody    int64

	mu    sync.RWMutex
	token *accessToken
	auth  singleflight.Group
}

// NewClient builds the client. It performs no network I/O; the first
// operation authenticates.
func NewClient(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Client {
	cfg.applyDefaults()
	httpClient := &http.Client{}
	logger = logger.With().Str("component", "remote").Logger()

	return &Client{
		cfg:        cfg,
		source:     newTokenSource(cfg, httpClient),
		httpClient: httpClient,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().
					Str("circuit_breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		maxBody: maxResponseBytes,
	}
}

// Authenticate forces a token fetch, discarding any cached token.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
	_, err := c.ensureToken(ctx)
	return err
}

// validToken returns the cached token if it has not reached its local expiry.
func (c *Client) validToken() *accessToken {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != nil && c.now().Before(c.token.expiresAt) {
		return c.token
	}
	return nil
}

// ensureToken returns a usable token, fetching one if needed. Concurrent
// callers share a single in-flight fetch and its outcome.
func (c *Client) ensureToken(ctx context.Context) (*accessToken, error) {
	if tok := c.validToken(); tok != nil {
		return tok, nil
	}

	ch := c.auth.DoChan("token", func() (interface{}, error) {
		if tok := c.validToken(); tok != nil {
			return tok, nil
		}
		// The fetch is shared, so one caller's cancellation must not fail the rest.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.TokenTimeout)
		defer cancel()
		return c.fetchToken(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*accessToken), nil
	}
}

func (c *Client) fetchToken(ctx context.Context) (*accessToken, error) {
	start := c.now()
	g, err := c.source.fetch(ctx)
	if err != nil {
		if apperr.Is(err, apperr.KindConfiguration) {
			c.metrics.RemoteAuth("misconfigured")
			return nil, err
		}
		c.metrics.RemoteAuth("error")
		c.logger.Error().Err(err).Str("flow", c.source.flow()).Msg("remote authentication failed")
		return nil, apperr.Remote("remote authentication failed", &AuthenticationError{Flow: c.source.flow(), Err: err})
	}
	if g.InstanceURL == "" {
		c.metrics.RemoteAuth("error")
		return nil, apperr.Remote("remote authentication failed", &AuthenticationError{
			Flow: c.source.flow(),
			Err:  errors.New("token response has no instance_url"),
		})
	}

	lease := c.cfg.TokenLease
	if !g.Expiry.IsZero() {
		if provider := g.Expiry.Sub(start); provider > 0 && provider < lease {
			lease = provider
		}
	}
	tok := &accessToken{
		value:     g.AccessToken,
		instance:  strings.TrimRight(g.InstanceURL, "/"),
		issuedAt:  start,
		expiresAt: start.Add(time.Duration(float64(lease) * LeaseFraction)),
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	c.metrics.RemoteAuth("ok")
	c.logger.Info().
		Str("flow", c.source.flow()).
		Time("expires_at", tok.expiresAt).
		Msg("remote access token acquired")
	return tok, nil
}

// invalidate drops the cached token, but only if it is still the one the
// caller used; a concurrent refresh may already have replaced it.
func (c *Client) invalidate(used *accessToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == used {
		c.token = nil
	}
}

// requestBuilder creates the outbound request for a given token.
type requestBuilder func(ctx context.Context, tok *accessToken) (*http.Request, error)

type response struct {
	status int
	header http.Header
	body   []byte
}

// do runs an authenticated call. A 401 discards the token, re-authenticates
// and retries exactly once; a second 401 is returned to the caller.
func (c *Client) do(ctx context.Context, op string, build requestBuilder) (*response, error) {
	start := c.now()
	resp, err := c.attempt(ctx, op, build)
	if err == nil && resp.status == http.StatusUnauthorized {
		c.logger.Info().Str("op", op).Msg("remote rejected token, re-authenticating")
		resp, err = c.attempt(ctx, op, build)
	}
	elapsed := c.now().Sub(start)

	if err != nil {
		c.metrics.ObserveRemoteCall(op, outcomeOf(err), elapsed)
		return nil, err
	}
	if resp.status < 200 || resp.status >= 300 {
		c.metrics.ObserveRemoteCall(op, "rejected", elapsed)
		rerr := newRemoteError(op, &http.Response{StatusCode: resp.status}, resp.body)
		c.logger.Error().
			Str("op", op).
			Int("status", rerr.Status).
			Str("body", rerr.Body).
			Msg("remote call failed")
		return nil, apperr.Remote("remote "+op+" failed", rerr)
	}
	c.metrics.ObserveRemoteCall(op, "ok", elapsed)
	return resp, nil
}

// attempt performs one authenticated round trip. A 401 response invalidates
// the token used before returning.
func (c *Client) attempt(ctx context.Context, op string, build requestBuilder) (*response, error) {
	tok, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := build(callCtx, tok)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.value)

	out, err := c.breaker.Execute(func() (interface{}, error) {
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if int64(len(body)) > c.maxBody {
			return nil, fmt.Errorf("read response: body exceeds %d bytes", c.maxBody)
		}
		resp := &response{status: httpResp.StatusCode, header: httpResp.Header, body: body}
		if resp.status >= 500 {
			// Count server faults against the breaker but keep the response.
			return resp, newRemoteError(op, httpResp, body)
		}
		return resp, nil
	})

	var rerr *RemoteError
	switch {
	case errors.As(err, &rerr):
		return out.(*response), nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, apperr.Remote("remote service unavailable", err)
	case err != nil:
		c.logger.Error().Err(err).Str("op", op).Msg("remote transport error")
		return nil, apperr.Remote("remote "+op+" failed", err)
	}

	resp := out.(*response)
	if resp.status == http.StatusUnauthorized {
		c.invalidate(tok)
	}
	return resp, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case apperr.Is(err, apperr.KindConfiguration):
		return "misconfigured"
	}
	var aerr *AuthenticationError
	if errors.As(err, &aerr) {
		return "auth_failed"
	}
	return "error"
}

func newJSONRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
