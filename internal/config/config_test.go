package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("REDIS_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.RemoteTokenLease != 2*time.Hour {
		t.Errorf("expected default token lease 2h, got %v", cfg.RemoteTokenLease)
	}
	if cfg.RemoteTimeout != 30*time.Second {
		t.Errorf("expected default remote timeout 30s, got %v", cfg.RemoteTimeout)
	}
	if cfg.SessionStore != "memory" {
		t.Errorf("expected default session store memory, got %s", cfg.SessionStore)
	}
	if cfg.RemoteAuthFlow != "client_credentials" {
		t.Errorf("expected client_credentials flow, got %s", cfg.RemoteAuthFlow)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("PORTAL_USERNAME", "demo")
	t.Setenv("REMOTE_TOKEN_LEASE", "90m")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9100" {
		t.Errorf("expected port 9100, got %s", cfg.Port)
	}
	if cfg.PortalUsername != "demo" {
		t.Errorf("expected username demo, got %s", cfg.PortalUsername)
	}
	if cfg.RemoteTokenLease != 90*time.Minute {
		t.Errorf("expected 90m lease, got %v", cfg.RemoteTokenLease)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("unexpected CORS origins: %#v", cfg.CORSOrigins)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true")
	}
}

func TestConfig_ResolvedRateLimitStore(t *testing.T) {
	c := &Config{RateLimitStore: "auto"}
	if got := c.ResolvedRateLimitStore(); got != "none" {
		t.Errorf("expected none without redis, got %s", got)
	}
	c.RedisURL = "redis://localhost:6379/0"
	if got := c.ResolvedRateLimitStore(); got != "redis" {
		t.Errorf("expected redis, got %s", got)
	}
	c.RateLimitStore = "memory"
	if got := c.ResolvedRateLimitStore(); got != "memory" {
		t.Errorf("expected memory, got %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		RemoteAuthFlow:     "client_credentials",
		RateLimitStore:     "auto",
		SessionStore:       "memory",
		RemoteTokenLease:   2 * time.Hour,
		RemoteTimeout:      30 * time.Second,
		RemoteTokenTimeout: 10 * time.Second,
		RemoteAssetPath:    "/services/apexrest/tableau/asset",
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	c := validConfig()
	c.RemoteAuthFlow = "password"
	if err := c.Validate(); err == nil {
		t.Error("expected error for unknown auth flow")
	}

	c = validConfig()
	c.SessionStore = "postgres"
	if err := c.Validate(); err == nil {
		t.Error("expected error for postgres sessions without DATABASE_URL")
	}

	c = validConfig()
	c.RateLimitStore = "redis"
	if err := c.Validate(); err == nil {
		t.Error("expected error for redis rate limiting without REDIS_URL")
	}

	c = validConfig()
	c.DepartmentCapacity = "ICU=abc"
	if err := c.Validate(); err == nil {
		t.Error("expected error for invalid capacity")
	}
}

func TestConfig_RemoteConfigured(t *testing.T) {
	c := &Config{RemoteAuthFlow: "client_credentials", RemoteClientID: "id", RemoteTokenURL: "https://login.test/token"}
	if c.RemoteConfigured() {
		t.Error("expected false without client secret")
	}
	c.RemoteClientSecret = "s"
	if !c.RemoteConfigured() {
		t.Error("expected true with client credentials")
	}

	c.RemoteAuthFlow = "jwt_bearer"
	if c.RemoteConfigured() {
		t.Error("expected false for jwt_bearer without key file")
	}
	c.RemoteUsername = "api@hospital.test"
	c.RemotePrivateKeyFile = "/etc/portal/key.pem"
	if !c.RemoteConfigured() {
		t.Error("expected true for complete jwt_bearer config")
	}
}

func TestConfig_DepartmentCapacities(t *testing.T) {
	c := &Config{DepartmentCapacity: "ICU=20, Emergency = 45"}
	caps, err := c.DepartmentCapacities()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caps["ICU"] != 20 || caps["Emergency"] != 45 {
		t.Errorf("unexpected capacities: %#v", caps)
	}
}
