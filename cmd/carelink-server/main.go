package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carelink/carelink/internal/config"
	"github.com/carelink/carelink/internal/domain/careplan"
	"github.com/carelink/carelink/internal/domain/identity"
	"github.com/carelink/carelink/internal/domain/visit"
	"github.com/carelink/carelink/internal/platform/auth"
	"github.com/carelink/carelink/internal/platform/clock"
	"github.com/carelink/carelink/internal/platform/db"
	"github.com/carelink/carelink/internal/platform/events"
	"github.com/carelink/carelink/internal/platform/hipaa"
	"github.com/carelink/carelink/internal/platform/metrics"
	"github.com/carelink/carelink/internal/platform/middleware"
	"github.com/carelink/carelink/internal/platform/store"
	"github.com/carelink/carelink/internal/platform/store/memstore"
)

// devActorID identifies the fallback administrator used by unauthenticated
// requests in development.
var devActorID = uuid.MustParse("00000000-0000-4000-8000-000000000001")

func main() {
	rootCmd := &cobra.Command{
		Use:   "carelink-server",
		Short: "Home-care visit lifecycle API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(eventsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, cmd *cobra.Command) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, dir), pool.Close, nil
}

// eventsCmd prints lifecycle events from the configured Redis channel, one
// JSON document per line.
func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect visit lifecycle events",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "tail",
		Short: "Follow published lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required to tail events")
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client, err := events.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				return err
			}
			defer client.Close()

			sub := events.NewRedisPublisher(client, cfg.EventsChannel, logger, nil)
			ch, err := sub.Subscribe(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for e := range ch {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	e, cleanup, err := buildServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise server")
	}
	defer cleanup()

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("backend", cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

type storage interface {
	store.DB
	db.Pinger
}

// backend is the storage selected by STORE_BACKEND.
type backend struct {
	db    storage
	sink  hipaa.Sink
	stats func() *db.PoolStats
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return &backend{
			db:    memstore.New(memstore.UniqueKey{Table: identity.Table.Name, Columns: []string{"email"}}),
			sink:  hipaa.NewMemorySink(),
			close: func() {},
		}, nil
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")
	return &backend{
		db:    db.NewStore(pool),
		sink:  hipaa.NewPGSink(pool),
		stats: func() *db.PoolStats { return db.GetPoolStats(pool) },
		close: pool.Close,
	}, nil
}

func openPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Collectors) (events.Publisher, *redis.Client, error) {
	if cfg.RedisURL == "" {
		logger.Info().Msg("REDIS_URL not set; lifecycle events are not published")
		return events.Nop, nil, nil
	}
	client, err := events.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return events.NewRedisPublisher(client, cfg.EventsChannel, logger, m), client, nil
}

// buildServer wires storage, the audit trail, services and routes. The
// returned cleanup releases connections.
func buildServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*echo.Echo, func(), error) {
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := be.close

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	cipher, err := hipaa.NewFieldCipher(cfg.PHIEncryptionKey, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	pub, redisClient, err := openPublisher(ctx, cfg, logger, m)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if redisClient != nil {
		closeStore := cleanup
		cleanup = func() {
			_ = redisClient.Close()
			closeStore()
		}
	}

	clk := clock.System{}
	trail := hipaa.NewTrail(be.sink, logger, clk, m)

	// Services
	identitySvc := identity.NewService(be.db, trail, clk)
	carePlanSvc := careplan.NewService(be.db, identitySvc.Repository(), trail, clk)
	visitSvc := visit.NewService(visit.Deps{
		DB:              be.db,
		Users:           identitySvc.Repository(),
		CarePlans:       carePlanSvc.Repository(),
		Audit:           trail,
		Events:          pub,
		Metrics:         m,
		Cipher:          cipher,
		Clock:           clk,
		Logger:          logger,
		DefaultDuration: time.Duration(cfg.DefaultVisitMinutes) * time.Minute,
	})

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "X-Request-ID", auth.HeaderActorID, auth.HeaderActorRole},
		ExposeHeaders: []string{"ETag", "Last-Modified"},
	}))
	e.Use(echomw.BodyLimit("1M"))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(be.db, cfg.StoreBackend, be.stats))
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.Handler(reg))
	}

	// API group: authentication, request metadata for the audit trail, then
	// per-actor rate limiting.
	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		logger.Warn().Msg("development auth enabled; X-Actor-Id and X-Actor-Role headers are trusted")
		apiV1.Use(auth.DevAuthMiddleware(auth.Actor{ID: devActorID, Role: auth.RoleAdmin}))
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	apiV1.Use(middleware.AuditContext())

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.ActorRateLimit(rateLimitCfg))

	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	careplan.NewHandler(carePlanSvc).RegisterRoutes(apiV1)
	visit.NewHandler(visitSvc).RegisterRoutes(apiV1)
	hipaa.NewHandler(trail).RegisterRoutes(apiV1)

	return e, cleanup, nil
}
