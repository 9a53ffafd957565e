package worker

import (
	"fmt"
	"log/slog"
	"time"

	"drip-engine/internal/infra/cache"
	"drip-engine/internal/infra/dedup"
	"drip-engine/internal/infra/queue"
	"drip-engine/internal/infra/throttle"
	"drip-engine/internal/pkg/config"
	"drip-engine/internal/resilience/retry"
	"drip-engine/internal/usecase/delivery"
)

// WorkerConfig holds the configuration of the delivery worker.
//
// Configuration sources:
//   - Environment variables (loaded via LoadConfigFromEnv)
//   - Default values (provided by DefaultConfig)
//
// Every field has a default and a validation rule, so the worker starts
// with a usable configuration even when the environment is wrong.
//
// Example usage:
//
//	metrics := NewWorkerMetrics(nil)
//	cfg, _ := LoadConfigFromEnv(logger, metrics)
//	q := queue.New(redisClient, cfg.QueueConfig())
type WorkerConfig struct {
	// Concurrency is the number of jobs processed in parallel.
	// Range: 1-50
	// Default: 5
	Concurrency int

	// JobTimeout bounds a single delivery attempt.
	// Range: 1s-10m
	// Default: 30s
	JobTimeout time.Duration

	// MaxAttempts is how many failed attempts a job gets before it is
	// moved to the failed set.
	// Range: 1-20
	// Default: 5
	MaxAttempts int

	// BackoffBase is the delay after the first failed attempt; later
	// attempts double it.
	// Range: 100ms-10m
	// Default: 5s
	BackoffBase time.Duration

	// StallGrace is added to JobTimeout to form an active job's lease.
	// Range: 1s-10m
	// Default: 30s
	StallGrace time.Duration

	// MaxStalls is how many expired leases a job survives.
	// Range: 0-10
	// Default: 1
	MaxStalls int

	// FailedRetention and FailedKeep bound the failed set.
	// Default: 168h and 1000
	FailedRetention time.Duration
	FailedKeep      int

	// MinMessageDelay is the floor for the delay between chained messages.
	// Minimum: 60s
	// Default: 60s
	MinMessageDelay time.Duration

	// Cooldown is applied to a channel that reports overload without a
	// retry hint.
	// Minimum: 120s
	// Default: 120s
	Cooldown time.Duration

	// NotReadyDelay is the retry delay when a channel is not ready.
	// Range: 1s-1h
	// Default: 30s
	NotReadyDelay time.Duration

	// OpsPort serves health, metrics and queue inspection.
	// Range: 1024-65535
	// Default: 9091
	OpsPort int

	// MaintenanceSchedule is the cron expression for stall sweeps and
	// failed-set purges.
	// Default: "*/5 * * * *"
	MaintenanceSchedule string

	// Timezone is the IANA name the maintenance schedule runs in.
	// Default: "UTC"
	Timezone string

	// Cache TTLs for campaign status, message lists, campaigns and
	// channel credentials.
	StatusTTL     time.Duration
	MessagesTTL   time.Duration
	CampaignTTL   time.Duration
	CredentialTTL time.Duration

	// DedupLockTTL bounds an in-flight send lock; DedupSentTTL is how long
	// a delivered fingerprint is remembered.
	DedupLockTTL time.Duration
	DedupSentTTL time.Duration
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() WorkerConfig {
	ttls := cache.DefaultTTLs()
	dd := dedup.DefaultConfig()
	return WorkerConfig{
		Concurrency:         5,
		JobTimeout:          30 * time.Second,
		MaxAttempts:         5,
		BackoffBase:         5 * time.Second,
		StallGrace:          30 * time.Second,
		MaxStalls:           1,
		FailedRetention:     7 * 24 * time.Hour,
		FailedKeep:          1000,
		MinMessageDelay:     delivery.MinInterMessageDelay,
		Cooldown:            throttle.MinCooldown,
		NotReadyDelay:       30 * time.Second,
		OpsPort:             9091,
		MaintenanceSchedule: "*/5 * * * *",
		Timezone:            "UTC",
		StatusTTL:           ttls.CampaignStatus,
		MessagesTTL:         ttls.Messages,
		CampaignTTL:         ttls.Campaign,
		CredentialTTL:       ttls.Credential,
		DedupLockTTL:        dd.LockTTL,
		DedupSentTTL:        dd.SentTTL,
	}
}

func minDuration(floor time.Duration) func(time.Duration) error {
	return func(d time.Duration) error {
		if d < floor {
			return fmt.Errorf("must be at least %v, got %v", floor, d)
		}
		return nil
	}
}

func durationRange(min, max time.Duration) func(time.Duration) error {
	return func(d time.Duration) error { return config.ValidateDuration(d, min, max) }
}

func intRange(min, max int) func(int) error {
	return func(v int) error { return config.ValidateIntRange(v, min, max) }
}

// Validate checks every field and returns all problems at once.
func (c *WorkerConfig) Validate() error {
	var errs []error
	check := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	check("concurrency", intRange(1, 50)(c.Concurrency))
	check("job timeout", durationRange(time.Second, 10*time.Minute)(c.JobTimeout))
	check("max attempts", intRange(1, 20)(c.MaxAttempts))
	check("backoff base", durationRange(100*time.Millisecond, 10*time.Minute)(c.BackoffBase))
	check("stall grace", durationRange(time.Second, 10*time.Minute)(c.StallGrace))
	check("max stalls", intRange(0, 10)(c.MaxStalls))
	check("failed retention", config.ValidatePositiveDuration(c.FailedRetention))
	check("failed keep", intRange(1, 1_000_000)(c.FailedKeep))
	check("min message delay", minDuration(delivery.MinInterMessageDelay)(c.MinMessageDelay))
	check("cooldown", minDuration(throttle.MinCooldown)(c.Cooldown))
	check("not ready delay", durationRange(time.Second, time.Hour)(c.NotReadyDelay))
	check("ops port", intRange(1024, 65535)(c.OpsPort))
	check("maintenance schedule", config.ValidateCronSchedule(c.MaintenanceSchedule))
	check("timezone", config.ValidateTimezone(c.Timezone))
	for name, d := range map[string]time.Duration{
		"status ttl":     c.StatusTTL,
		"messages ttl":   c.MessagesTTL,
		"campaign ttl":   c.CampaignTTL,
		"credential ttl": c.CredentialTTL,
		"dedup lock ttl": c.DedupLockTTL,
		"dedup sent ttl": c.DedupSentTTL,
	} {
		check(name, config.ValidatePositiveDuration(d))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs)
	}
	return nil
}

// LoadConfigFromEnv loads the worker configuration with the fail-open
// strategy: an invalid variable keeps its default, logs a warning and
// bumps the fallback metrics. The returned error is always nil.
//
// Environment variables:
//   - WORKER_CONCURRENCY, JOB_TIMEOUT, JOB_MAX_ATTEMPTS, JOB_BACKOFF_BASE
//   - STALL_GRACE, MAX_STALLS, FAILED_RETENTION, FAILED_KEEP
//   - MIN_MESSAGE_DELAY, CHANNEL_COOLDOWN, NOT_READY_DELAY
//   - WORKER_OPS_PORT, MAINTENANCE_SCHEDULE, WORKER_TIMEZONE
//   - CACHE_STATUS_TTL, CACHE_MESSAGES_TTL, CACHE_CAMPAIGN_TTL, CACHE_CREDENTIAL_TTL
//   - DEDUP_LOCK_TTL, DEDUP_SENT_TTL
func LoadConfigFromEnv(logger *slog.Logger, metrics *WorkerMetrics) (*WorkerConfig, error) {
	cfg := DefaultConfig()
	fallbackApplied := false

	apply := func(field string, result config.ConfigLoadResult) config.ConfigLoadResult {
		if metrics.Apply(field, result, func(warning string) {
			logger.Warn("Configuration fallback applied",
				slog.String("field", field),
				slog.String("warning", warning))
		}) {
			fallbackApplied = true
		}
		return result
	}
	loadInt := func(field, key string, def int, validate func(int) error) int {
		return apply(field, config.LoadEnvInt(key, def, validate)).Value.(int)
	}
	loadDuration := func(field, key string, def time.Duration, validate func(time.Duration) error) time.Duration {
		return apply(field, config.LoadEnvDuration(key, def, validate)).Value.(time.Duration)
	}
	loadString := func(field, key, def string, validate func(string) error) string {
		return apply(field, config.LoadEnvWithFallback(key, def, validate)).Value.(string)
	}

	cfg.Concurrency = loadInt("concurrency", "WORKER_CONCURRENCY", cfg.Concurrency, intRange(1, 50))
	cfg.JobTimeout = loadDuration("job_timeout", "JOB_TIMEOUT", cfg.JobTimeout, durationRange(time.Second, 10*time.Minute))
	cfg.MaxAttempts = loadInt("max_attempts", "JOB_MAX_ATTEMPTS", cfg.MaxAttempts, intRange(1, 20))
	cfg.BackoffBase = loadDuration("backoff_base", "JOB_BACKOFF_BASE", cfg.BackoffBase, durationRange(100*time.Millisecond, 10*time.Minute))
	cfg.StallGrace = loadDuration("stall_grace", "STALL_GRACE", cfg.StallGrace, durationRange(time.Second, 10*time.Minute))
	cfg.MaxStalls = loadInt("max_stalls", "MAX_STALLS", cfg.MaxStalls, intRange(0, 10))
	cfg.FailedRetention = loadDuration("failed_retention", "FAILED_RETENTION", cfg.FailedRetention, config.ValidatePositiveDuration)
	cfg.FailedKeep = loadInt("failed_keep", "FAILED_KEEP", cfg.FailedKeep, intRange(1, 1_000_000))
	cfg.MinMessageDelay = loadDuration("min_message_delay", "MIN_MESSAGE_DELAY", cfg.MinMessageDelay, minDuration(delivery.MinInterMessageDelay))
	cfg.Cooldown = loadDuration("cooldown", "CHANNEL_COOLDOWN", cfg.Cooldown, minDuration(throttle.MinCooldown))
	cfg.NotReadyDelay = loadDuration("not_ready_delay", "NOT_READY_DELAY", cfg.NotReadyDelay, durationRange(time.Second, time.Hour))
	cfg.OpsPort = loadInt("ops_port", "WORKER_OPS_PORT", cfg.OpsPort, intRange(1024, 65535))
	cfg.MaintenanceSchedule = loadString("maintenance_schedule", "MAINTENANCE_SCHEDULE", cfg.MaintenanceSchedule, config.ValidateCronSchedule)
	cfg.Timezone = loadString("timezone", "WORKER_TIMEZONE", cfg.Timezone, config.ValidateTimezone)
	cfg.StatusTTL = loadDuration("status_ttl", "CACHE_STATUS_TTL", cfg.StatusTTL, config.ValidatePositiveDuration)
	cfg.MessagesTTL = loadDuration("messages_ttl", "CACHE_MESSAGES_TTL", cfg.MessagesTTL, config.ValidatePositiveDuration)
	cfg.CampaignTTL = loadDuration("campaign_ttl", "CACHE_CAMPAIGN_TTL", cfg.CampaignTTL, config.ValidatePositiveDuration)
	cfg.CredentialTTL = loadDuration("credential_ttl", "CACHE_CREDENTIAL_TTL", cfg.CredentialTTL, config.ValidatePositiveDuration)
	cfg.DedupLockTTL = loadDuration("dedup_lock_ttl", "DEDUP_LOCK_TTL", cfg.DedupLockTTL, config.ValidatePositiveDuration)
	cfg.DedupSentTTL = loadDuration("dedup_sent_ttl", "DEDUP_SENT_TTL", cfg.DedupSentTTL, config.ValidatePositiveDuration)

	metrics.SetFallbackActive("", fallbackApplied)
	metrics.RecordLoadTimestamp()
	return &cfg, nil
}

// QueueConfig maps the worker settings onto the queue.
func (c *WorkerConfig) QueueConfig() queue.Config {
	backoff := retry.JobConfig()
	backoff.MaxAttempts = c.MaxAttempts
	backoff.InitialDelay = c.BackoffBase
	return queue.Config{
		DefaultMaxAttempts: c.MaxAttempts,
		DefaultTimeout:     c.JobTimeout,
		Backoff:            backoff,
		StallGrace:         c.StallGrace,
		MaxStalls:          c.MaxStalls,
		FailedRetention:    c.FailedRetention,
		FailedKeep:         c.FailedKeep,
	}
}

// ProcessorConfig maps the worker settings onto the delivery processor.
func (c *WorkerConfig) ProcessorConfig() delivery.Config {
	cfg := delivery.DefaultConfig()
	cfg.MinDelay = c.MinMessageDelay
	cfg.Cooldown = c.Cooldown
	cfg.NotReadyDelay = c.NotReadyDelay
	return cfg
}

// CacheTTLs maps the worker settings onto the read-through cache.
func (c *WorkerConfig) CacheTTLs() cache.TTLs {
	return cache.TTLs{
		Credential:     c.CredentialTTL,
		Messages:       c.MessagesTTL,
		CampaignStatus: c.StatusTTL,
		Campaign:       c.CampaignTTL,
	}
}

// DedupConfig maps the worker settings onto the dedup guard. A waiter on a
// busy fingerprint waits up to the lock TTL but gives up within half the
// job timeout, leaving the rest of the attempt to defer the job.
func (c *WorkerConfig) DedupConfig() dedup.Config {
	cfg := dedup.DefaultConfig()
	cfg.LockTTL = c.DedupLockTTL
	cfg.SentTTL = c.DedupSentTTL
	cfg.LockWait = min(c.DedupLockTTL, c.JobTimeout/2)
	return cfg
}
