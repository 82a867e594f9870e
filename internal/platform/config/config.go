// Package config assembles process configuration from the environment,
// the same GetEnv/GetEnvAsInt-style convention the teacher uses, widened
// to the typed envutil helpers.
package config

import (
	"fmt"
	"time"

	"github.com/geoflux/coremachine/internal/platform/envutil"
)

type Config struct {
	Env string // "development" or "production", controls logger mode

	PostgresDSN string
	RedisAddr   string
	RedisDB     int

	JobsQueue  string
	TasksQueue string

	WorkerConcurrency int
	HandlerTimeout    time.Duration
	VisibilityTimeout time.Duration

	QTimeout              time.Duration // orphaned-queued threshold
	PTimeout              time.Duration // stale-processing threshold
	MaxTaskRetries        int
	StuckQueuedAge        time.Duration
	AncientProcessingAge  time.Duration
	JanitorCronSpec       string

	MetricsAddr string
}

func Load() Config {
	return Config{
		Env: envutil.String("ENV", "development"),

		PostgresDSN: envutil.String("POSTGRES_DSN", "postgres://localhost:5432/coremachine?sslmode=disable"),
		RedisAddr:   envutil.String("REDIS_ADDR", "localhost:6379"),
		RedisDB:     envutil.Int("REDIS_DB", 0),

		JobsQueue:  envutil.String("JOBS_QUEUE", "coremachine:jobs"),
		TasksQueue: envutil.String("TASKS_QUEUE", "coremachine:tasks"),

		WorkerConcurrency: envutil.Int("WORKER_CONCURRENCY", 4),
		HandlerTimeout:    envutil.Duration("HANDLER_TIMEOUT", 30*time.Minute),
		VisibilityTimeout: envutil.Duration("VISIBILITY_TIMEOUT", 2*time.Minute),

		QTimeout:             envutil.Duration("Q_TIMEOUT", 10*time.Minute),
		PTimeout:             envutil.Duration("P_TIMEOUT", 30*time.Minute),
		MaxTaskRetries:       envutil.Int("MAX_TASK_RETRIES", 3),
		StuckQueuedAge:       envutil.Duration("STUCK_QUEUED_AGE", 1*time.Hour),
		AncientProcessingAge: envutil.Duration("ANCIENT_PROCESSING_AGE", 24*time.Hour),
		JanitorCronSpec:      envutil.String("JANITOR_CRON_SPEC", "*/30 * * * * *"),

		MetricsAddr: envutil.String("METRICS_ADDR", ":9090"),
	}
}

func (c Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("config: POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR is required")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be >= 1")
	}
	return nil
}
