package remote

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ehr/portal/internal/platform/apperr"
)

const (
	FlowClientCredentials = "client_credentials"
	FlowJWTBearer         = "jwt_bearer"

	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime  = 3 * time.Minute
)

// grant is what a token source hands back to the client.
type grant struct {
	AccessToken string
	InstanceURL string
	// Expiry is the provider's stated expiry, zero when the provider did not
	// send one.
	Expiry time.Time
}

type tokenSource interface {
	fetch(ctx context.Context) (*grant, error)
	flow() string
}

// newTokenSource picks the grant flow from cfg. Incomplete configuration
// yields a source that fails with a configuration error on first use, so the
// portal can start and serve logins without remote credentials.
func newTokenSource(cfg Config, httpClient *http.Client) tokenSource {
	switch cfg.AuthFlow {
	case "", FlowClientCredentials:
		if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.TokenURL == "" {
			return misconfigured{name: FlowClientCredentials, reason: "REMOTE_CLIENT_ID, REMOTE_CLIENT_SECRET and REMOTE_TOKEN_URL are required"}
		}
		return &clientCredentialsSource{
			cfg: clientcredentials.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				TokenURL:     cfg.TokenURL,
				AuthStyle:    oauth2.AuthStyleInParams,
			},
			httpClient: httpClient,
		}
	case FlowJWTBearer:
		if cfg.ClientID == "" || cfg.Username == "" || cfg.TokenURL == "" {
			return misconfigured{name: FlowJWTBearer, reason: "REMOTE_CLIENT_ID, REMOTE_USERNAME and REMOTE_TOKEN_URL are required"}
		}
		key := cfg.PrivateKey
		if key == nil {
			if cfg.PrivateKeyFile == "" {
				return misconfigured{name: FlowJWTBearer, reason: "REMOTE_PRIVATE_KEY_FILE is required"}
			}
			var err error
			key, err = loadPrivateKey(cfg.PrivateKeyFile)
			if err != nil {
				return misconfigured{name: FlowJWTBearer, reason: err.Error()}
			}
		}
		audience := cfg.Audience
		if audience == "" {
			audience = audienceFromTokenURL(cfg.TokenURL)
		}
		return &jwtBearerSource{
			clientID:   cfg.ClientID,
			username:   cfg.Username,
			audience:   audience,
			tokenURL:   cfg.TokenURL,
			key:        key,
			httpClient: httpClient,
			now:        time.Now,
		}
	default:
		return misconfigured{name: cfg.AuthFlow, reason: fmt.Sprintf("unknown REMOTE_AUTH_FLOW %q", cfg.AuthFlow)}
	}
}

type misconfigured struct {
	name   string
	reason string
}

func (m misconfigured) flow() string { return m.name }

func (m misconfigured) fetch(context.Context) (*grant, error) {
	return nil, apperr.Configuration("remote service credentials are not configured", errors.New(m.reason))
}

// clientCredentialsSource runs the OAuth2 client credentials grant.
type clientCredentialsSource struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
}

func (s *clientCredentialsSource) flow() string { return FlowClientCredentials }

func (s *clientCredentialsSource) fetch(ctx context.Context) (*grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	tok, err := s.cfg.Token(ctx)
	if err != nil {
		return nil, err
	}
	instance, _ := tok.Extra("instance_url").(string)
	return &grant{AccessToken: tok.AccessToken, InstanceURL: instance, Expiry: tok.Expiry}, nil
}

// jwtBearerSource signs an RS256 assertion and exchanges it for a token.
type jwtBearerSource struct {
	clientID   string
	username   string
	audience   string
	tokenURL   string
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time
}

func (s *jwtBearerSource) flow() string { return FlowJWTBearer }

func (s *jwtBearerSource) assertion() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.clientID,
		Subject:   s.username,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}
	return signed, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	InstanceURL      string `json:"instance_url"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *jwtBearerSource) fetch(ctx context.Context) (*grant, error) {
	assertion, err := s.assertion()
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"grant_type": {jwtBearerGrantType},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("token endpoint returned %d with unparseable body", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || tr.AccessToken == "" {
		if tr.Error != "" {
			return nil, fmt.Errorf("token endpoint returned %d: %s: %s", resp.StatusCode, tr.Error, tr.ErrorDescription)
		}
		return nil, fmt.Errorf("token endpoint returned %d without an access token", resp.StatusCode)
	}

	g := &grant{AccessToken: tr.AccessToken, InstanceURL: tr.InstanceURL}
	if tr.ExpiresIn > 0 {
		g.Expiry = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return g, nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// audienceFromTokenURL returns the scheme and host of the token endpoint,
// which is the audience identity providers expect by default.
func audienceFromTokenURL(tokenURL string) string {
	u, err := url.Parse(tokenURL)
	if err != nil || u.Host == "" {
		return tokenURL
	}
	return u.Scheme + "://" + u.Host
}
