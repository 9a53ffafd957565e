package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"drip-engine/internal/domain/entity"
	"drip-engine/internal/infra/cache"
	"drip-engine/internal/infra/channel"
	"drip-engine/internal/infra/dedup"
	"drip-engine/internal/infra/queue"
	"drip-engine/internal/infra/storage"
	"drip-engine/internal/infra/throttle"
	workerPkg "drip-engine/internal/infra/worker"
	"drip-engine/internal/observability/logging"
	"drip-engine/internal/observability/tracing"
	"drip-engine/internal/pkg/config"
	"drip-engine/internal/resilience/retry"
	"drip-engine/internal/usecase/delivery"
	"drip-engine/pkg/ratelimit"
)

func main() {
	_ = godotenv.Load()

	logger := logging.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracer := tracing.InitTracer(sampleRatioFromEnv(logger))
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Error("failed to flush traces", slog.Any("error", err))
		}
	}()

	// Load worker configuration (fail-open strategy)
	workerMetrics := workerPkg.NewWorkerMetrics(nil)
	cfg, err := workerPkg.LoadConfigFromEnv(logger, workerMetrics)
	if err != nil {
		return fmt.Errorf("load worker configuration: %w", err)
	}
	logger.Info("worker configuration loaded",
		slog.Int("concurrency", cfg.Concurrency),
		slog.Duration("job_timeout", cfg.JobTimeout),
		slog.Int("max_attempts", cfg.MaxAttempts),
		slog.Duration("min_message_delay", cfg.MinMessageDelay),
		slog.String("maintenance_schedule", cfg.MaintenanceSchedule),
		slog.Int("ops_port", cfg.OpsPort))

	stores, err := storage.Open(ctx, storage.OptionsFromEnv(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Error("failed to close store", slog.Any("error", err))
		}
	}()

	redisCfg, warnings := cache.RedisConfigFromEnv()
	for _, w := range warnings {
		logger.Warn("configuration fallback applied", slog.String("warning", w))
	}
	rdb, err := cache.ConnectRedis(ctx, redisCfg, retry.ConnectConfig())
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	q := queue.New(rdb, cfg.QueueConfig())

	readThrough := cache.NewReadThrough(
		cache.NewRedisStore(rdb, "cache:"),
		stores.Campaigns,
		stores.Channels,
		cfg.CacheTTLs(),
		cache.NewMetrics(nil),
	)
	if err := stores.InvalidateSeeded(ctx, readThrough); err != nil {
		return fmt.Errorf("invalidate seeded cache: %w", err)
	}

	throttleMetrics := throttle.NewMetrics(nil)
	cooldown := throttle.NewCooldown(cache.NewRedisStore(rdb, "throttle:"), throttle.MinCooldown, throttleMetrics)
	limiter := ratelimit.NewLimiter(
		ratelimit.NewRedisRateLimitStore(rdb, "budget:"),
		ratelimit.NewPrometheusMetrics(nil),
		&ratelimit.SystemClock{},
	)
	gate := throttle.NewGate(cooldown, throttleMetrics)

	sender := newSender(logger)

	proc := delivery.NewProcessor(delivery.Deps{
		Cache:       readThrough,
		Subscribers: stores.Subscribers,
		Contacts:    stores.Contacts,
		Logs:        stores.Logs,
		Cooldown:    cooldown,
		Budget:      throttle.NewBudget(limiter, throttleMetrics),
		Dedup:       dedup.NewGuard(cache.NewRedisStore(rdb, "dedup:"), cfg.DedupConfig()),
		Sender:      sender,
		Metrics:     delivery.NewMetrics(nil),
	}, cfg.ProcessorConfig())
	sched := delivery.NewScheduler(q, delivery.SchedulerConfig{
		MaxAttempts: cfg.MaxAttempts,
		Timeout:     cfg.JobTimeout,
	})
	driver := delivery.NewDriver(proc, sched)

	// Maintenance: stall sweeps, failed-set purges and depth sampling
	maintenance := workerPkg.NewMaintenance(q, workerMetrics, logger)
	scheduler, err := maintenance.Schedule(ctx, cfg)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
		logger.Info("maintenance scheduler stopped")
	}()

	health := workerPkg.NewHealthServer(logger)
	health.AddCheck("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	health.AddCheck("store", stores.Ping)

	ops := workerPkg.NewOpsRouter(workerPkg.OpsDeps{
		Health:    health,
		Queue:     q,
		Cooldowns: cooldown,
		Breakers:  sender.BreakerOpen,
		Cache:     readThrough,
		Logger:    logger,
	})
	opsErr := make(chan error, 1)
	go func() {
		err := workerPkg.Serve(ctx, fmt.Sprintf(":%d", cfg.OpsPort), ops, logger)
		if !errors.Is(err, http.ErrServerClosed) {
			cancel()
		}
		opsErr <- err
	}()

	health.SetReady(true)
	logger.Info("worker started", slog.Int("concurrency", cfg.Concurrency))

	consumeErr := q.Consume(ctx, cfg.Concurrency, driver.Handle,
		queue.WithGate(gate),
		queue.WithObserver(workerMetrics),
	)
	health.SetReady(false)
	cancel()

	if err := <-opsErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return consumeErr
}

// newSender registers every transport behind one per-channel guard.
func newSender(logger *slog.Logger) *channel.Guard {
	timeout := config.LoadEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second, config.ValidatePositiveDuration)
	warnFallback(logger, timeout)

	registry := channel.NewRegistry()
	registry.Register(entity.ChannelWebhook, channel.NewWebhookSender(channel.WebhookConfig{
		Timeout: timeout.Value.(time.Duration),
	}))
	registry.Register(entity.ChannelTwilio, channel.NewTwilioSender())
	registry.Register(entity.ChannelLog, channel.NewLogSender())

	guardCfg := channel.DefaultGuardConfig()
	rps := config.LoadEnvWithFallback("CHANNEL_RPS", "5", validateRate)
	warnFallback(logger, rps)
	guardCfg.RequestsPerSecond, _ = strconv.ParseFloat(rps.Value.(string), 64)
	return channel.NewGuard(registry, guardCfg)
}

func sampleRatioFromEnv(logger *slog.Logger) float64 {
	ratio := config.LoadEnvWithFallback("TRACE_SAMPLE_RATIO", "0.1", validateRatio)
	warnFallback(logger, ratio)
	v, _ := strconv.ParseFloat(ratio.Value.(string), 64)
	return v
}

func validateRate(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("must be non-negative, got %v", v)
	}
	return nil
}

func validateRatio(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("must be between 0 and 1, got %v", v)
	}
	return nil
}

func warnFallback(logger *slog.Logger, result config.ConfigLoadResult) {
	for _, w := range result.Warnings {
		logger.Warn("configuration fallback applied", slog.String("warning", w))
	}
}
