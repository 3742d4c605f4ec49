package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/portal/internal/platform/apperr"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	HospitalName string `mapstructure:"HOSPITAL_NAME"`

	PortalUsername string `mapstructure:"PORTAL_USERNAME"`
	PortalPassword string `mapstructure:"PORTAL_PASSWORD"`

	RemoteAuthFlow       string        `mapstructure:"REMOTE_AUTH_FLOW"`
	RemoteClientID       string        `mapstructure:"REMOTE_CLIENT_ID"`
	RemoteClientSecret   string        `mapstructure:"REMOTE_CLIENT_SECRET"`
	RemoteTokenURL       string        `mapstructure:"REMOTE_TOKEN_URL"`
	RemoteUsername       string        `mapstructure:"REMOTE_USERNAME"`
	RemotePrivateKeyFile string        `mapstructure:"REMOTE_PRIVATE_KEY_FILE"`
	RemoteAudience       string        `mapstructure:"REMOTE_AUDIENCE"`
	RemoteAPIVersion     string        `mapstructure:"REMOTE_API_VERSION"`
	RemoteModelsURL      string        `mapstructure:"REMOTE_MODELS_URL"`
	RemoteModel          string        `mapstructure:"REMOTE_MODEL"`
	RemoteAssetPath      string        `mapstructure:"REMOTE_ASSET_PATH"`
	RemoteTokenLease     time.Duration `mapstructure:"REMOTE_TOKEN_LEASE"`
	RemoteTimeout        time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	RemoteTokenTimeout   time.Duration `mapstructure:"REMOTE_TOKEN_TIMEOUT"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	RateLimitStore string `mapstructure:"RATE_LIMIT_STORE"`

	SessionStore         string        `mapstructure:"SESSION_STORE"`
	SessionSweepInterval time.Duration `mapstructure:"SESSION_SWEEP_INTERVAL"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`

	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	DepartmentCapacity string        `mapstructure:"DEPARTMENT_CAPACITY"`
}

var envKeys = []string{
	"PORT", "ENV", "HOSPITAL_NAME",
	"PORTAL_USERNAME", "PORTAL_PASSWORD",
	"REMOTE_AUTH_FLOW", "REMOTE_CLIENT_ID", "REMOTE_CLIENT_SECRET", "REMOTE_TOKEN_URL",
	"REMOTE_USERNAME", "REMOTE_PRIVATE_KEY_FILE", "REMOTE_AUDIENCE", "REMOTE_API_VERSION",
	"REMOTE_MODELS_URL", "REMOTE_MODEL", "REMOTE_ASSET_PATH", "REMOTE_TOKEN_LEASE",
	"REMOTE_TIMEOUT", "REMOTE_TOKEN_TIMEOUT",
	"REDIS_URL", "RATE_LIMIT_STORE",
	"SESSION_STORE", "SESSION_SWEEP_INTERVAL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT", "DEPARTMENT_CAPACITY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("REMOTE_AUTH_FLOW", "client_credentials")
	v.SetDefault("REMOTE_API_VERSION", "v62.0")
	v.SetDefault("REMOTE_MODELS_URL", "https://api.salesforce.com/einstein/platform/v1")
	v.SetDefault("REMOTE_MODEL", "sfdc_ai__DefaultGPT4Omni")
	v.SetDefault("REMOTE_ASSET_PATH", "/services/apexrest/tableau/asset")
	v.SetDefault("REMOTE_TOKEN_LEASE", "2h")
	v.SetDefault("REMOTE_TIMEOUT", "30s")
	v.SetDefault("REMOTE_TOKEN_TIMEOUT", "10s")
	v.SetDefault("RATE_LIMIT_STORE", "auto")
	v.SetDefault("SESSION_STORE", "memory")
	v.SetDefault("SESSION_SWEEP_INTERVAL", "10m")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedRateLimitStore returns the effective rate limit backend. "auto"
// selects redis when REDIS_URL is set and "none" otherwise.
func (c *Config) ResolvedRateLimitStore() string {
	if c.RateLimitStore == "" || c.RateLimitStore == "auto" {
		if c.RedisURL != "" {
			return "redis"
		}
		return "none"
	}
	return c.RateLimitStore
}

// RemoteConfigured reports whether enough remote credentials are present to
// attempt authentication with the configured flow.
func (c *Config) RemoteConfigured() bool {
	if c.RemoteClientID == "" || c.RemoteTokenURL == "" {
		return false
	}
	if c.RemoteAuthFlow == "jwt_bearer" {
		return c.RemoteUsername != "" && c.RemotePrivateKeyFile != ""
	}
	return c.RemoteClientSecret != ""
}

// DepartmentCapacities parses DEPARTMENT_CAPACITY ("Name=beds,Name=beds").
func (c *Config) DepartmentCapacities() (map[string]int, error) {
	out := make(map[string]int)
	if strings.TrimSpace(c.DepartmentCapacity) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.DepartmentCapacity, ",") {
		name, beds, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("DEPARTMENT_CAPACITY entry %q is not Name=beds", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(beds))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("DEPARTMENT_CAPACITY entry %q has invalid bed count", pair)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

// Validate checks that the configuration is internally consistent. Missing
// login or remote credentials are not fatal here; they surface as
// configuration errors on first use so the rest of the portal stays up.
func (c *Config) Validate() error {
	switch c.RemoteAuthFlow {
	case "client_credentials", "jwt_bearer":
	default:
		return apperr.Configuration(fmt.Sprintf("REMOTE_AUTH_FLOW must be \"client_credentials\" or \"jwt_bearer\", got %q", c.RemoteAuthFlow), nil)
	}

	switch c.ResolvedRateLimitStore() {
	case "none", "memory":
	case "redis":
		if c.RedisURL == "" {
			return apperr.Configuration("REDIS_URL is required when RATE_LIMIT_STORE is \"redis\"", nil)
		}
	default:
		return apperr.Configuration(fmt.Sprintf("RATE_LIMIT_STORE must be auto, redis, memory or none, got %q", c.RateLimitStore), nil)
	}

	switch c.SessionStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return apperr.Configuration("REDIS_URL is required when SESSION_STORE is \"redis\"", nil)
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return apperr.Configuration("DATABASE_URL is required when SESSION_STORE is \"postgres\"", nil)
		}
	default:
		return apperr.Configuration(fmt.Sprintf("SESSION_STORE must be memory, redis or postgres, got %q", c.SessionStore), nil)
	}

	if c.RemoteTokenLease <= 0 {
		return apperr.Configuration("REMOTE_TOKEN_LEASE must be positive", nil)
	}
	if c.RemoteTimeout <= 0 || c.RemoteTokenTimeout <= 0 {
		return apperr.Configuration("REMOTE_TIMEOUT and REMOTE_TOKEN_TIMEOUT must be positive", nil)
	}
	if !strings.HasPrefix(c.RemoteAssetPath, "/") {
		return apperr.Configuration("REMOTE_ASSET_PATH must start with /", nil)
	}

	if _, err := c.DepartmentCapacities(); err != nil {
		return apperr.Configuration("invalid DEPARTMENT_CAPACITY", err)
	}
	return nil
}
