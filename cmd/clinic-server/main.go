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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/polyclinic/clinic/internal/config"
	"github.com/polyclinic/clinic/internal/domain/clinical"
	"github.com/polyclinic/clinic/internal/domain/membership"
	"github.com/polyclinic/clinic/internal/domain/payment"
	"github.com/polyclinic/clinic/internal/domain/queue"
	"github.com/polyclinic/clinic/internal/platform/auth"
	"github.com/polyclinic/clinic/internal/platform/db"
	"github.com/polyclinic/clinic/internal/platform/events"
	"github.com/polyclinic/clinic/internal/platform/metrics"
	"github.com/polyclinic/clinic/internal/platform/middleware"
	"github.com/polyclinic/clinic/internal/platform/tenancy"
	"github.com/polyclinic/clinic/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Multi-tenant clinic queue API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(provisionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the clinic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func provisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision database schemas",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "shared",
		Short: "Create the shared schema and its tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProvisioner(cmd.Context(), func(ctx context.Context, p *db.Provisioner) error {
				if err := p.EnsureShared(ctx); err != nil {
					return err
				}
				fmt.Printf("Shared schema %q is up to date.\n", p.SharedSchema())
				return nil
			})
		},
	})

	tenantCmd := &cobra.Command{
		Use:   "tenant",
		Short: "Create a tenant schema and its tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("slug")
			slug, err := db.NormalizeTenantSlug(raw)
			if err != nil {
				return err
			}
			return withProvisioner(cmd.Context(), func(ctx context.Context, p *db.Provisioner) error {
				if err := p.EnsureShared(ctx); err != nil {
					return err
				}
				if err := p.Ensure(ctx, slug); err != nil {
					return err
				}
				fmt.Printf("Tenant schema %s is up to date.\n", db.SchemaName(slug))
				return nil
			})
		},
	}
	tenantCmd.Flags().String("slug", "", "Tenant slug (lowercase letters, digits, underscore)")
	_ = tenantCmd.MarkFlagRequired("slug")
	cmd.AddCommand(tenantCmd)

	return cmd
}

func withProvisioner(ctx context.Context, fn func(context.Context, *db.Provisioner) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewProvisioner(pool, cfg.SharedSchema, newLogger(cfg.Env)))
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Logger
	logger := newLogger(cfg.Env)

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	provisioner := db.NewProvisioner(pool, cfg.SharedSchema, logger)
	if err := provisioner.EnsureShared(ctx); err != nil {
		return fmt.Errorf("provision shared schema: %w", err)
	}

	registry := db.NewRegistry(db.TenantPoolOpener{
		DatabaseURL:  cfg.DatabaseURL,
		SharedSchema: cfg.SharedSchema,
		MaxConns:     cfg.TenantDBMaxConns,
	}, provisioner, db.RegistryConfig{
		HealthCheckInterval: cfg.TenantHealthCheckInterval,
	}, logger)
	defer func() {
		if err := registry.CloseAll(); err != nil {
			logger.Error().Err(err).Msg("failed to close tenant handles")
		}
	}()

	// Queue events reach displays connected here directly, or through redis
	// when configured so that every process sees every change.
	serverCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()

	hub := websocket.NewHub(logger)
	var publisher events.Publisher = hub
	if cfg.RedisURL != "" {
		rp, err := events.NewRedisPublisher(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer rp.Close()
		if err := rp.Relay(serverCtx, hub); err != nil {
			return err
		}
		publisher = rp
		logger.Info().Msg("queue events published to redis")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", tenancy.HeaderName},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool, registry))
	e.GET("/metrics", metrics.Handler())

	// API group: auth, then tenant resolution, then rate limiting per tenant
	apiV1 := e.Group("/api/v1")
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(tenancy.Middleware(tenancy.NewResolver(registry), logger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Domains
	queueSvc := queue.NewService(
		queue.NewRepoPG(cfg.SharedSchema),
		membership.NewRepoPG(cfg.SharedSchema),
		clinical.NewWriterPG(cfg.SharedSchema),
		queue.NewAllocator(cfg.SequenceLockTimeout, logger),
		publisher,
		queue.DuplicatePolicy(cfg.DuplicateBookingPolicy),
		logger,
	)
	queue.NewHandler(queueSvc).WithLive(hub).RegisterRoutes(apiV1)

	paymentSvc := payment.NewService(payment.NewRepoPG(), queueSvc, cfg.PaymentWebhookSecret, logger)
	payment.NewHandler(paymentSvc).RegisterRoutes(apiV1)

	logPoolStats(logger, pool)

	// Graceful shutdown
	serveErr := startServer(e, ":"+cfg.Port, logger)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if err := awaitStop(quit, serveErr); err != nil {
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// startServer serves e on addr in the background. A failure to serve is
// sent on the returned channel.
func startServer(e *echo.Echo, addr string, logger zerolog.Logger) <-chan error {
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	return serveErr
}

// awaitStop blocks until a shutdown signal arrives or the server fails.
func awaitStop(quit <-chan os.Signal, serveErr <-chan error) error {
	select {
	case <-quit:
		return nil
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	}
}

func logPoolStats(logger zerolog.Logger, pool *pgxpool.Pool) {
	s := db.GetPoolStats(pool)
	logger.Info().
		Int32("max_conns", s.MaxConns).
		Int32("total_conns", s.TotalConns).
		Msg("shared pool ready")
}
