package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mercadodasophia-design/eprontu-sub000/internal/config"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/domain/waitlist"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/auth"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/db"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/envelope"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/metrics"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/middleware"
	"github.com/mercadodasophia-design/eprontu-sub000/internal/platform/refdata"
	"github.com/mercadodasophia-design/eprontu-sub000/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fila-server",
		Short: "Clinical waiting list regulation API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recomputeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the waiting list API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, _, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func recomputeCmd() *cobra.Command {
	var queueType, specialty, unit string
	cmd := &cobra.Command{
		Use:   "recompute",
		Short: "Recompute scores, positions and estimated waits",
		Long: "Recompute every active queue group, optionally limited to a queue type, " +
			"specialty or unit. Safe to run while the server is up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags(queueType, specialty, unit)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, cfg, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg)
			svc := newService(pool, cfg, logger, nil)
			n, err := svc.RecomputeAll(ctx, scope)
			if err != nil {
				return fmt.Errorf("recompute failed: %w", err)
			}
			fmt.Printf("Recomputed %d entr(y/ies).\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueType, "type", "", "Queue type (consultation, exam, surgery)")
	cmd.Flags().StringVar(&specialty, "specialty", "", "Specialty id")
	cmd.Flags().StringVar(&unit, "unit", "", "Unit id")
	return cmd
}

// scopeFromFlags builds a recompute scope from optional command line values.
func scopeFromFlags(queueType, specialty, unit string) (waitlist.Filter, error) {
	var f waitlist.Filter
	if queueType != "" {
		t := waitlist.QueueType(queueType)
		if !t.Valid() {
			return f, fmt.Errorf("invalid --type %q: must be consultation, exam or surgery", queueType)
		}
		f.Type = &t
	}
	if specialty != "" {
		id, err := uuid.Parse(specialty)
		if err != nil {
			return f, fmt.Errorf("invalid --specialty: %w", err)
		}
		f.SpecialtyID = &id
	}
	if unit != "" {
		id, err := uuid.Parse(unit)
		if err != nil {
			return f, fmt.Errorf("invalid --unit: %w", err)
		}
		f.UnitID = &id
	}
	return f, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context) (*pgxpool.Pool, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		LockTimeout: cfg.DBLockTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return pool, cfg, nil
}

func newService(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger, m *metrics.WaitlistMetrics) *waitlist.Service {
	labels := refdata.NewCachedResolver(refdata.NewPGLookup(pool), cfg.LabelCacheTTL)
	return waitlist.NewService(
		waitlist.NewEntryRepoPG(pool),
		waitlist.NewQueueRepoPG(pool),
		waitlist.NewMovementRepoPG(pool),
		waitlist.NewPGGroupLocker(pool),
		waitlist.WithLabelResolver(labels),
		waitlist.WithMetrics(m),
		waitlist.WithLogger(logger.With().Str("component", "waitlist").Logger()),
	)
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		LockTimeout: cfg.DBLockTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	wm, err := metrics.NewWaitlistMetrics(registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	// Envelope
	codec, err := envelope.NewCodecFromHex(cfg.EnvelopeKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create envelope codec")
	}

	e := newEcho(cfg, logger)

	// Health and metrics stay outside the envelope and auth.
	e.GET("/health", db.HealthHandler(pool, version))
	if cfg.MetricsEnabled {
		e.GET("/metrics", metrics.Handler(registry))
	} else {
		e.GET("/metrics", metrics.NoopHandler())
	}

	apiV1 := e.Group("/api/v1", authMiddleware(cfg), middleware.RateLimit(rateLimitConfig(cfg)))
	apiV1.Use(envelope.Middleware(envelope.MiddlewareConfig{
		Codec:     codec,
		Required:  cfg.EnvelopeRequired,
		OnFailure: wm.RecordEnvelopeFailure,
	}))

	svc := newService(pool, cfg, logger, wm)
	waitlist.NewHandler(svc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
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

// newEcho builds the server with the global middleware chain.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, waitlist.IdempotencyKeyHeader},
	}))
	return e
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		return auth.DevAuthMiddleware()
	}
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jc)
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}
	if rl.RequestsPerSecond <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	return rl
}
