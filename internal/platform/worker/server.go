package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Config holds the Redis connection and scheduling settings.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
	// SweepSpec is a cron spec or "@every <duration>". Empty disables the
	// scheduled sweep.
	SweepSpec string
}

func (c Config) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// Run processes tasks and schedules sweeps until ctx is cancelled.
func Run(ctx context.Context, cfg Config, mux *asynq.ServeMux, logger zerolog.Logger) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	log := &asynqLogger{logger: logger.With().Str("component", "worker").Logger()}

	srv := asynq.NewServer(cfg.RedisOpt(), asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueNotifications: 3,
			QueueSweeps:        1,
		},
		Logger:          log,
		ShutdownTimeout: 20 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, t *asynq.Task, err error) {
			log.logger.Error().Err(err).Str("task", t.Type()).Msg("task failed")
		}),
	})
	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	defer srv.Shutdown()

	if cfg.SweepSpec != "" {
		task, err := NewSweepTask(SweepActor, sweepInterval(cfg.SweepSpec))
		if err != nil {
			return err
		}
		scheduler := asynq.NewScheduler(cfg.RedisOpt(), &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   log,
		})
		entryID, err := scheduler.Register(cfg.SweepSpec, task)
		if err != nil {
			return fmt.Errorf("register sweep %q: %w", cfg.SweepSpec, err)
		}
		if err := scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer scheduler.Shutdown()
		log.logger.Info().Str("entry_id", entryID).Str("spec", cfg.SweepSpec).Msg("auto-assign sweep scheduled")
	}

	<-ctx.Done()
	log.logger.Info().Msg("worker shutting down")
	return nil
}

// sweepInterval extracts the period from an "@every" spec so the task can be
// made unique for that long. Cron expressions return 0.
func sweepInterval(spec string) time.Duration {
	rest, ok := strings.CutPrefix(spec, "@every ")
	if !ok {
		return 0
	}
	d, err := time.ParseDuration(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return d
}

// asynqLogger adapts zerolog to asynq.Logger.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
