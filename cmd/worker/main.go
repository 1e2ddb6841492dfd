package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/wekeza-labs/backend-duka/internal/config"
	"github.com/wekeza-labs/backend-duka/internal/daraja"
	"github.com/wekeza-labs/backend-duka/internal/events"
	"github.com/wekeza-labs/backend-duka/internal/intent"
	"github.com/wekeza-labs/backend-duka/internal/ledger"
	"github.com/wekeza-labs/backend-duka/internal/lock"
	"github.com/wekeza-labs/backend-duka/internal/obs"
	"github.com/wekeza-labs/backend-duka/internal/queue"
	"github.com/wekeza-labs/backend-duka/internal/recon"
	"github.com/wekeza-labs/backend-duka/internal/resilience"
	"github.com/wekeza-labs/backend-duka/internal/schedule"
	"github.com/wekeza-labs/backend-duka/internal/store"
)

const (
	taskIntentSweep  = "intent.timeout_sweep"
	taskOverdueSweep = "schedule.overdue_sweep"
	taskReconDaily   = "recon.daily"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "duka")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, queries := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	bus := &events.Bus{Store: queries}

	gateway := &daraja.Client{
		ConsumerKey:    cfg.DarajaConsumerKey,
		ConsumerSecret: cfg.DarajaConsumerSecret,
		ShortCode:      cfg.DarajaShortCode,
		Passkey:        cfg.DarajaPasskey,
		BaseURL:        cfg.DarajaBaseURL,
		CallbackURL:    cfg.DarajaCallbackURL,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Timeout: cfg.OutboundTimeout},
			Breaker:     resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor),
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitterPercent,
			Timeout:     cfg.OutboundTimeout,
		},
	}

	intentSvc := &intent.Service{
		Q:       queries,
		Gateway: gateway,
		Events:  bus,
		Log:     logger,
		Timeout: cfg.IntentTimeout,
	}
	scheduleSvc := &schedule.Service{
		Q:       queries,
		Locker:  lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL: cfg.ScheduleLockTTL,
		Fees:    schedule.LateFeePolicy{Flat: cfg.LateFeeFlat, RateBPS: cfg.LateFeeRateBPS},
		Events:  bus,
		Log:     logger,
	}
	ledgerSvc := &ledger.Service{Q: queries, Schedules: scheduleSvc, Events: bus, Log: logger}
	sweeper := &intent.Sweeper{Service: intentSvc, Q: queries, Settlements: ledgerSvc}
	reconSvc := &recon.Service{Q: queries, Events: bus, Log: logger}

	enqueuer := queue.Enqueuer{
		R:           redisClient,
		Prefix:      cfg.QueueRedisPrefix,
		DedupTTL:    cfg.IdempotencyTTL,
		MaxAttempts: cfg.QueueMaxAttempts,
	}
	queueStore := queue.NewStore(pool)

	newWorker := func(kind string, handler func(context.Context, queue.Task) error) queue.Worker {
		return queue.Worker{
			R:                 redisClient,
			Prefix:            cfg.QueueRedisPrefix,
			Kind:              kind,
			Concurrency:       cfg.QueueConcurrency,
			VisibilityTimeout: cfg.QueueVisibilityTimeout,
			RetryBase:         cfg.QueueBackoffBase,
			RetryJitter:       cfg.QueueBackoffJitter,
			Store:             queueStore,
			HeartbeatInterval: cfg.WorkerHeartbeatInterval,
			SoftDeadline:      cfg.WorkerJobSoftDeadline,
			Logger:            &logger,
			Handler:           handler,
		}
	}

	workers := []queue.Worker{
		newWorker(taskIntentSweep, func(jobCtx context.Context, _ queue.Task) error {
			n, err := sweeper.Sweep(jobCtx, time.Now().UTC())
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info().Int("resolved", n).Msg("timeout sweep resolved intents")
			}
			return nil
		}),
		newWorker(taskOverdueSweep, func(jobCtx context.Context, _ queue.Task) error {
			n, err := scheduleSvc.RecomputeOverdue(jobCtx, time.Now().UTC())
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info().Int("marked", n).Msg("overdue sweep marked dues")
			}
			return nil
		}),
		newWorker(taskReconDaily, func(jobCtx context.Context, _ queue.Task) error {
			to := time.Now().UTC().Truncate(24 * time.Hour)
			from := to.Add(-24 * time.Hour)
			report, discrepancies, err := reconSvc.Summarize(jobCtx, from, to)
			if err != nil {
				return err
			}
			logger.Info().
				Str("report_id", store.UUIDString(report.ID)).
				Int("discrepancies", len(discrepancies)).
				Msg("daily reconciliation report drafted")
			return nil
		}),
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w queue.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("kind", w.Kind).Msg("worker stopped with error")
			}
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runScheduler(ctx, cfg, enqueuer, logger)
	}()

	logger.Info().Msg("worker starting")
	wg.Wait()
	logger.Info().Msg("worker shutdown complete")
}

// runScheduler periodically enqueues the recurring sweeps. Idempotency keys
// are derived from the tick window so overlapping worker replicas enqueue
// each window once.
func runScheduler(ctx context.Context, cfg *config.Config, enqueuer queue.Enqueuer, logger zerolog.Logger) {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			window := now.UTC().Truncate(interval).Format(time.RFC3339)
			for _, kind := range []string{taskIntentSweep, taskOverdueSweep} {
				err := enqueuer.Enqueue(ctx, queue.Task{
					Kind:           kind,
					Payload:        []byte(`{}`),
					IdempotencyKey: window,
				})
				if err != nil {
					logger.Error().Err(err).Str("kind", kind).Msg("enqueue sweep")
				}
			}
			day := now.UTC().Format("2006-01-02")
			err := enqueuer.Enqueue(ctx, queue.Task{
				Kind:           taskReconDaily,
				Payload:        []byte(`{}`),
				IdempotencyKey: day,
			})
			if err != nil {
				logger.Error().Err(err).Msg("enqueue daily reconciliation")
			}
		}
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, *store.Queries) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "duka-worker"
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool, store.New(pool)
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
