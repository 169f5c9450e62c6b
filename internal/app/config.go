package app

import (
	"os"
	"time"

	"github.com/vidforge/vidforge-backend/internal/platform/envutil"
)

// Config is the process-level tuning surface. Store connection settings live
// in db.LoadConfig; everything here shapes the loops layered on top of it.
type Config struct {
	Port    string
	LogMode string

	WorkerID         string
	Queues           []string
	QueueConcurrency int64
	QueueBatchSize   int
	PollInterval     time.Duration
	JobTimeout       time.Duration
	StallCheck       time.Duration

	BackoffStrategy string
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	QueueSoftLimit  int64

	StatsInterval time.Duration

	WebhookDeliveryTimeout time.Duration
	WebhookMaxRetries      int
	WebhookDisableAfter    int
	WebhookPollInterval    time.Duration
	WebhookConcurrency     int64

	RedisAddr    string
	RedisChannel string
}

func LoadConfig() Config {
	workerID := envutil.String("WORKER_ID", "")
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		workerID = host
	}

	return Config{
		Port:    envutil.String("PORT", "8080"),
		LogMode: envutil.String("LOG_MODE", "development"),

		WorkerID:         workerID,
		Queues:           envutil.List("QUEUES"),
		QueueConcurrency: envutil.Int64("QUEUE_CONCURRENCY", 4),
		QueueBatchSize:   envutil.Int("QUEUE_BATCH_SIZE", 8),
		PollInterval:     envutil.DurationMS("POLL_INTERVAL_MS", time.Second),
		JobTimeout:       envutil.DurationMS("JOB_TIMEOUT_MS", 5*time.Minute),
		StallCheck:       envutil.DurationMS("STALL_CHECK_MS", 30*time.Second),

		BackoffStrategy: envutil.String("BACKOFF_STRATEGY", "exponential"),
		BaseDelay:       envutil.DurationMS("BASE_DELAY_MS", time.Second),
		MaxDelay:        envutil.DurationMS("MAX_DELAY_MS", 5*time.Minute),
		MaxAttempts:     envutil.Int("MAX_ATTEMPTS", 5),
		QueueSoftLimit:  envutil.Int64("QUEUE_SOFT_LIMIT", 0),

		StatsInterval: envutil.DurationMS("STATS_INTERVAL_MS", time.Minute),

		WebhookDeliveryTimeout: envutil.DurationMS("WEBHOOK_DELIVERY_TIMEOUT_MS", 10*time.Second),
		WebhookMaxRetries:      envutil.Int("WEBHOOK_DELIVERY_MAX_RETRIES", 5),
		WebhookDisableAfter:    envutil.Int("WEBHOOK_DISABLE_AFTER_FAILURES", 20),
		WebhookPollInterval:    envutil.DurationMS("WEBHOOK_POLL_INTERVAL_MS", time.Second),
		WebhookConcurrency:     envutil.Int64("WEBHOOK_CONCURRENCY", 4),

		RedisAddr:    envutil.String("REDIS_ADDR", ""),
		RedisChannel: envutil.String("REDIS_CHANNEL", "events"),
	}
}
