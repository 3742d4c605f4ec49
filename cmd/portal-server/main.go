package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/portal/internal/config"
	"github.com/ehr/portal/internal/domain/assistant"
	"github.com/ehr/portal/internal/domain/dashboard"
	"github.com/ehr/portal/internal/domain/department"
	"github.com/ehr/portal/internal/domain/patient"
	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/db"
	"github.com/ehr/portal/internal/platform/middleware"
	"github.com/ehr/portal/internal/platform/remote"
	"github.com/ehr/portal/internal/platform/telemetry"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal-server",
		Short: "Hospital portal API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(checkRemoteCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the portal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func checkRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-remote",
		Short: "Authenticate against the CRM and run a sample query",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			statement, _ := cmd.Flags().GetString("query")

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RemoteTimeout+cfg.RemoteTokenTimeout)
			defer cancel()

			client := remote.NewClient(remoteConfig(cfg), logger, nil)
			if err := client.Authenticate(ctx); err != nil {
				return fmt.Errorf("authenticate: %w", err)
			}
			fmt.Println("Authentication succeeded.")

			if statement == "" {
				return nil
			}
			result, err := client.Query(ctx, statement)
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().String("query", "SELECT Id FROM Patient__c LIMIT 1", "Query to run after authenticating (empty to skip)")
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// remoteConfig maps the flat environment settings onto the CRM client config.
func remoteConfig(cfg *config.Config) remote.Config {
	return remote.Config{
		AuthFlow:       cfg.RemoteAuthFlow,
		ClientID:       cfg.RemoteClientID,
		ClientSecret:   cfg.RemoteClientSecret,
		TokenURL:       cfg.RemoteTokenURL,
		Username:       cfg.RemoteUsername,
		PrivateKeyFile: cfg.RemotePrivateKeyFile,
		Audience:       cfg.RemoteAudience,
		APIVersion:     cfg.RemoteAPIVersion,
		ModelsURL:      cfg.RemoteModelsURL,
		Model:          cfg.RemoteModel,
		AssetPath:      cfg.RemoteAssetPath,
		TokenLease:     cfg.RemoteTokenLease,
		Timeout:        cfg.RemoteTimeout,
		TokenTimeout:   cfg.RemoteTokenTimeout,
	}
}

func needsRedis(cfg *config.Config) bool {
	return cfg.ResolvedRateLimitStore() == "redis" || cfg.SessionStore == "redis"
}

// windowStoreFor returns the rate limit backend. A nil store makes the
// limiter fail open.
func windowStoreFor(kind string, rdb redis.Scripter) (middleware.WindowStore, *middleware.MemoryWindowStore, error) {
	switch kind {
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("redis rate limit store requires a redis client")
		}
		return middleware.NewRedisWindowStore(rdb), nil, nil
	case "memory":
		mem := middleware.NewMemoryWindowStore()
		return mem, mem, nil
	case "none":
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown rate limit store %q", kind)
}

func sessionStoreFor(ctx context.Context, kind string, rdb redis.Cmdable, pool *pgxpool.Pool) (auth.SessionStore, error) {
	switch kind {
	case "memory":
		return auth.NewInMemorySessionStore(), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis session store requires a redis client")
		}
		return auth.NewRedisSessionStore(rdb), nil
	case "postgres":
		if pool == nil {
			return nil, errors.New("postgres session store requires a database pool")
		}
		store := auth.NewPGSessionStoreFromPool(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown session store %q", kind)
}

// sessionRoutes is implemented by the domain handlers that need a session.
type sessionRoutes interface {
	RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc)
}

// registerAPI mounts the /api routes. The session check is attached to each
// protected route, so paths no route handles still get 404.
func registerAPI(e *echo.Echo, login *auth.LoginHandler, sessions *auth.SessionManager, protected ...sessionRoutes) {
	api := e.Group("/api")
	login.RegisterRoutes(api)

	requireSession := auth.RequireSession(sessions)
	for _, r := range protected {
		r.RegisterRoutes(api, requireSession)
	}
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.PortalUsername == "" || cfg.PortalPassword == "" {
		logger.Warn().Str("kind", string(apperr.KindConfiguration)).Msg("portal credentials not configured, logins will fail")
	}
	if !cfg.RemoteConfigured() {
		logger.Warn().Str("kind", string(apperr.KindConfiguration)).Msg("remote credentials incomplete, CRM calls will fail")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	metrics := telemetry.New()
	health := map[string]db.Pinger{}

	// Redis
	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb, err = db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		health["redis"] = db.RedisPinger(rdb)
		logger.Info().Msg("connected to redis")
	}

	// Database
	var pool *pgxpool.Pool
	if cfg.SessionStore == "postgres" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		health["postgres"] = pool
		logger.Info().Msg("connected to database")
	}

	// Rate limiting
	var scripter redis.Scripter
	if rdb != nil {
		scripter = rdb
	}
	windows, memWindows, err := windowStoreFor(cfg.ResolvedRateLimitStore(), scripter)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build rate limit store")
	}
	if windows == nil {
		logger.Warn().Msg("rate limiting disabled, requests are not throttled")
	}
	if memWindows != nil {
		go memWindows.RunSweeper(ctx, time.Minute)
	}
	limiter := middleware.NewRateLimiter(windows, logger, metrics)

	// Sessions
	var cmdable redis.Cmdable
	if rdb != nil {
		cmdable = rdb
	}
	store, err := sessionStoreFor(ctx, cfg.SessionStore, cmdable, pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build session store")
	}
	sessions := auth.NewSessionManager(store, auth.Credentials{
		Username: cfg.PortalUsername,
		Password: cfg.PortalPassword,
	}, logger, metrics)
	go sessions.RunSweeper(ctx, cfg.SessionSweepInterval)

	// CRM client and domain services
	client := remote.NewClient(remoteConfig(cfg), logger, metrics)
	capacities, err := cfg.DepartmentCapacities()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid department capacities")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderXRequestID},
		AllowCredentials: true,
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.Audit(logger))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(auth.RequireSessionCookie(auth.DefaultProtectedPrefixes))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, health))
	e.GET("/metrics", metrics.Handler())

	// API routes
	registerAPI(e, auth.NewLoginHandler(sessions, limiter, cfg.IsProduction()), sessions,
		patient.NewHandler(patient.NewService(client), limiter),
		department.NewHandler(department.NewService(client, department.NewCapacities(capacities)), limiter),
		assistant.NewHandler(assistant.NewService(client, cfg.HospitalName), limiter, logger),
		dashboard.NewHandler(client, limiter),
	)

	// Start
	addr := ":" + cfg.Port
	logger.Info().
		Str("addr", addr).
		Str("env", cfg.Env).
		Str("rate_limit_store", cfg.ResolvedRateLimitStore()).
		Str("session_store", cfg.SessionStore).
		Msg("starting portal server")

	go func() {
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
