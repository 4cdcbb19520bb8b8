package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pickmylab/dispatch/internal/config"
	"github.com/pickmylab/dispatch/internal/domain/dispatch"
	"github.com/pickmylab/dispatch/internal/platform/auth"
	"github.com/pickmylab/dispatch/internal/platform/db"
	"github.com/pickmylab/dispatch/internal/platform/middleware"
	"github.com/pickmylab/dispatch/internal/platform/notification"
	"github.com/pickmylab/dispatch/internal/platform/telemetry"
	"github.com/pickmylab/dispatch/internal/platform/webhook"
	"github.com/pickmylab/dispatch/internal/platform/websocket"
	"github.com/pickmylab/dispatch/internal/platform/worker"
	"github.com/pickmylab/dispatch/migrations"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "dispatch-server",
		Short: "PickMyLab phlebotomist dispatch service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatch API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process notification tasks and run the scheduled auto-assign sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one auto-assign pass over unassigned home bookings",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			return runSweep(cmd.Context(), actor)
		},
	}
	cmd.Flags().String("actor", worker.SweepActor, "Recorded as assigned_by on bookings the pass assigns")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), schema, dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) to schema %s.\n", count, schema)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), schema, dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{upCmd, statusCmd} {
		c.Flags().String("schema", "public", "Target schema for migrations")
		c.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
		cmd.AddCommand(c)
	}
	return cmd
}

func withMigrator(ctx context.Context, schema, dir string, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrationsFS(dir), schema))
}

func migrationsFS(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.ServiceName).Logger()
}

// stores bundles the repositories selected by STORE. pool is nil for the
// in-memory store.
type stores struct {
	agents   dispatch.AgentRepository
	bookings dispatch.BookingRepository
	pool     *pgxpool.Pool
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return &stores{agents: dispatch.NewAgentRepoMemory(), bookings: dispatch.NewBookingRepoMemory()}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")
	return &stores{
		agents:   dispatch.NewAgentRepoPG(pool),
		bookings: dispatch.NewBookingRepoPG(pool),
		pool:     pool,
	}, nil
}

func serviceOptions(cfg *config.Config, st *stores, notifier dispatch.Notifier, logger zerolog.Logger) dispatch.Options {
	opts := dispatch.Options{
		Notifier:         notifier,
		Logger:           logger,
		CandidateLimit:   cfg.AutoAssignCandidates,
		SweepBatch:       cfg.AutoAssignBatch,
		SweepConcurrency: cfg.AutoAssignConcurrency,
	}
	if pool := st.pool; pool != nil {
		opts.Atomic = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		}
	}
	return opts
}

// newNotifier queues assignment notices to the worker when REDIS_ADDR is set
// and delivers them in-process otherwise. The returned func closes the queue
// client.
func newNotifier(cfg *config.Config, agents dispatch.AgentRepository, hooks *webhook.Manager, sms *notification.Manager, logger zerolog.Logger) (dispatch.Notifier, func()) {
	if cfg.RedisAddr == "" {
		return inlineNotifier(&worker.Handlers{
			Agents:   agents,
			Notifier: sms,
			Webhooks: hooks,
			Logger:   logger,
		}), func() {}
	}
	client := asynq.NewClient(worker.Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
	}.RedisOpt())
	logger.Info().Str("redis", cfg.RedisAddr).Msg("assignment notifications queued to worker")
	return worker.NewQueueNotifier(client), func() { _ = client.Close() }
}

// newWebhooks returns nil when no WEBHOOK_URLS are configured.
func newWebhooks(cfg *config.Config) (*webhook.Manager, error) {
	eps, err := webhook.EndpointsFromURLs(cfg.WebhookURLs, cfg.WebhookSecret)
	if err != nil || len(eps) == 0 {
		return nil, err
	}
	return webhook.NewManager(webhook.NewMemoryStore(eps...)), nil
}

// inlineNotifier delivers assignment notices in-process through the task
// handler when no Redis queue is configured.
func inlineNotifier(h *worker.Handlers) dispatch.Notifier {
	return dispatch.NotifierFunc(func(ctx context.Context, evt dispatch.AssignmentEvent) error {
		task, err := worker.NewAssignmentNotifyTask(evt)
		if err != nil {
			return err
		}
		return h.HandleAssignmentNotify(ctx, task)
	})
}

// fanout calls every notifier and joins their errors.
func fanout(notifiers ...dispatch.Notifier) dispatch.Notifier {
	return dispatch.NotifierFunc(func(ctx context.Context, evt dispatch.AssignmentEvent) error {
		var errs []error
		for _, n := range notifiers {
			if err := n.NotifyAssignment(ctx, evt); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// newServer builds the echo instance with the full middleware chain and all
// routes. pinger may be nil when no database is in use.
func newServer(cfg *config.Config, svc *dispatch.Service, hub *websocket.Hub, pinger db.Pinger, tel *telemetry.Provider, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tel.Middleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(15 * time.Second))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.Store,
		})
	})
	if pinger != nil {
		e.GET("/health/db", db.HealthHandler(pinger))
	}
	e.GET("/metrics", tel.MetricsHandler())

	// Auth middleware
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg), middleware.Audit(logger))
	dispatch.NewHandler(svc).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	return e
}

func loadConfig(validate func(*config.Config) error) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := validate(cfg); err != nil {
		return nil, logger, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logger, nil
}

func runServer() error {
	cfg, logger, err := loadConfig((*config.Config).Validate)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	hooks, err := newWebhooks(cfg)
	if err != nil {
		return fmt.Errorf("configure webhooks: %w", err)
	}

	sms := notification.NewManager(notification.NewLogSender(logger), nil, logger)
	notifier, closeNotifier := newNotifier(cfg, st.agents, hooks, sms, logger)
	defer closeNotifier()

	hub := websocket.NewHub(logger)
	svc := dispatch.NewService(st.agents, st.bookings, serviceOptions(cfg, st, fanout(notifier, hub), logger))

	var pinger db.Pinger
	if st.pool != nil {
		pinger = st.pool
	}
	e := newServer(cfg, svc, hub, pinger, tel, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	svc.WaitNotifications()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWorker() error {
	cfg, logger, err := loadConfig((*config.Config).ValidateWorker)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	hooks, err := newWebhooks(cfg)
	if err != nil {
		return fmt.Errorf("configure webhooks: %w", err)
	}

	wcfg := worker.Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Concurrency:   cfg.AutoAssignConcurrency * 2,
		SweepSpec:     cfg.AutoAssignInterval,
	}
	client := asynq.NewClient(wcfg.RedisOpt())
	defer client.Close()

	// Sweep assignments fan their notices back through the queue.
	svc := dispatch.NewService(st.agents, st.bookings, serviceOptions(cfg, st, worker.NewQueueNotifier(client), logger))
	defer svc.WaitNotifications()

	handlers := &worker.Handlers{
		Sweeper:  svc,
		Agents:   st.agents,
		Notifier: notification.NewManager(notification.NewLogSender(logger), nil, logger),
		Webhooks: hooks,
		Logger:   logger,
	}
	return worker.Run(ctx, wcfg, worker.NewServeMux(handlers), logger)
}

func runSweep(ctx context.Context, actor string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, logger, err := loadConfig((*config.Config).Validate)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	hooks, err := newWebhooks(cfg)
	if err != nil {
		return fmt.Errorf("configure webhooks: %w", err)
	}
	sms := notification.NewManager(notification.NewLogSender(logger), nil, logger)
	notifier, closeNotifier := newNotifier(cfg, st.agents, hooks, sms, logger)
	defer closeNotifier()

	res, err := sweepOnce(ctx, cfg, st, notifier, actor, logger)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}

// sweepOnce runs one auto-assign pass and waits for its assignment notices.
func sweepOnce(ctx context.Context, cfg *config.Config, st *stores, notifier dispatch.Notifier, actor string, logger zerolog.Logger) (*dispatch.SweepResult, error) {
	svc := dispatch.NewService(st.agents, st.bookings, serviceOptions(cfg, st, notifier, logger))
	defer svc.WaitNotifications()
	return svc.AutoAssignPending(ctx, actor)
}
