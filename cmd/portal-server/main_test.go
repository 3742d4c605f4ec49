package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/domain/patient"
	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/platform/remote"
)

func TestRemoteConfig_MapsEveryField(t *testing.T) {
	cfg := &config.Config{
		RemoteAuthFlow:       "jwt_bearer",
		RemoteClientID:       "client",
		RemoteClientSecret:   "secret",
		RemoteTokenURL:       "https://login.example.com/services/oauth2/token",
		RemoteUsername:       "integration@example.com",
		RemotePrivateKeyFile: "/run/secrets/key.pem",
		RemoteAudience:       "https://login.example.com",
		RemoteAPIVersion:     "v61.0",
		RemoteModelsURL:      "https://models.example.com",
		RemoteModel:          "gpt",
		RemoteAssetPath:      "/services/apexrest/asset",
		RemoteTokenLease:     time.Hour,
		RemoteTimeout:        5 * time.Second,
		RemoteTokenTimeout:   2 * time.Second,
	}
	got := remoteConfig(cfg)

	checks := []struct {
		name, got, want string
	}{
		{"AuthFlow", got.AuthFlow, cfg.RemoteAuthFlow},
		{"ClientID", got.ClientID, cfg.RemoteClientID},
		{"ClientSecret", got.ClientSecret, cfg.RemoteClientSecret},
		{"TokenURL", got.TokenURL, cfg.RemoteTokenURL},
		{"Username", got.Username, cfg.RemoteUsername},
		{"PrivateKeyFile", got.PrivateKeyFile, cfg.RemotePrivateKeyFile},
		{"Audience", got.Audience, cfg.RemoteAudience},
		{"APIVersion", got.APIVersion, cfg.RemoteAPIVersion},
		{"ModelsURL", got.ModelsURL, cfg.RemoteModelsURL},
		{"Model", got.Model, cfg.RemoteModel},
		{"AssetPath", got.AssetPath, cfg.RemoteAssetPath},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if got.TokenLease != time.Hour || got.Timeout != 5*time.Second || got.TokenTimeout != 2*time.Second {
		t.Errorf("durations not mapped: %+v", got)
	}
}

func TestNeedsRedis(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want bool
	}{
		{"nothing", config.Config{RateLimitStore: "memory", SessionStore: "memory"}, false},
		{"auto with url", config.Config{RateLimitStore: "auto", RedisURL: "redis://localhost:6379", SessionStore: "memory"}, true},
		{"auto without url", config.Config{RateLimitStore: "auto", SessionStore: "memory"}, false},
		{"sessions only", config.Config{RateLimitStore: "none", SessionStore: "redis", RedisURL: "redis://x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsRedis(&tt.cfg); got != tt.want {
				t.Errorf("needsRedis() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWindowStoreFor(t *testing.T) {
	store, mem, err := windowStoreFor("memory", nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*middleware.MemoryWindowStore); !ok || mem == nil {
		t.Errorf("memory: expected *MemoryWindowStore, got %T", store)
	}

	store, mem, err = windowStoreFor("none", nil)
	if err != nil || store != nil || mem != nil {
		t.Errorf("none: expected nil store, got %T, %v", store, err)
	}

	if _, _, err := windowStoreFor("redis", nil); err == nil {
		t.Error("redis without client: expected error")
	}
	if _, _, err := windowStoreFor("carrier-pigeon", nil); err == nil {
		t.Error("unknown kind: expected error")
	}
}

func TestSessionStoreFor(t *testing.T) {
	ctx := context.Background()

	store, err := sessionStoreFor(ctx, "memory", nil, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := store.(*auth.InMemorySessionStore); !ok {
		t.Errorf("memory: expected *InMemorySessionStore, got %T", store)
	}

	if _, err := sessionStoreFor(ctx, "redis", nil, nil); err == nil {
		t.Error("redis without client: expected error")
	}
	if _, err := sessionStoreFor(ctx, "postgres", nil, nil); err == nil {
		t.Error("postgres without pool: expected error")
	}
	if _, err := sessionStoreFor(ctx, "cookie", nil, nil); err == nil {
		t.Error("unknown kind: expected error")
	}
}

func TestRegisterAPI_Routing(t *testing.T) {
	logger := zerolog.Nop()
	sessions := auth.NewSessionManager(auth.NewInMemorySessionStore(), auth.Credentials{Username: "demo", Password: "s3cret"}, logger, nil)
	limiter := middleware.NewRateLimiter(nil, logger, nil)
	client := remote.NewClient(remote.Config{}, logger, nil)

	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)
	registerAPI(e, auth.NewLoginHandler(sessions, limiter, false), sessions,
		patient.NewHandler(patient.NewService(client), limiter),
	)

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/does-not-exist", http.StatusNotFound},
		{http.MethodPost, "/api/admin/users", http.StatusNotFound},
		{http.MethodGet, "/api", http.StatusNotFound},
		{http.MethodGet, "/api/patient", http.StatusUnauthorized},
		{http.MethodGet, "/api/auth/login", http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d", tt.method, tt.path, tt.want, rec.Code)
		}
	}
}
