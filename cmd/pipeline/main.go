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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/circuitbreaker"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/client"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/config"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/dedup"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/fetcher"
	httphandler "github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/http"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/lifecycle"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/processor"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/queue"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/scheduler"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/secrets"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/sink"
)

// depthQueue is a queue backend that can feed the depth gauges.
type depthQueue interface {
	queue.Queue
	Depth() (pending, inFlight, deadLettered int, err error)
}

func main() {
	logger, err := observability.NewLogger("weather-pipeline")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secretStore := secrets.NewFileStore(cfg.SecretsPath)

	var redisClient *redis.Client
	if cfg.QueueBackend == "redis" || cfg.DedupBackend == "redis" || cfg.TimeseriesBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = redisClient.Close() }()
	}

	var dedupStore dedup.Store
	switch cfg.DedupBackend {
	case "memcached":
		mc := dedup.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		defer func() { _ = mc.Close() }()
		if err := mc.Ping(); err != nil {
			logger.Warn("Memcached unreachable at startup", zap.String("addrs", cfg.MemcachedAddrs), zap.Error(err))
		}
		dedupStore = mc
	case "redis":
		dedupStore = dedup.NewRedisStore(redisClient, cfg.RedisKeyPrefix)
	default:
		dedupStore = dedup.NewMemoryStore(nil)
	}
	logger.Info("Dedup backend selected", zap.String("backend", cfg.DedupBackend))

	queueCfg := queue.Config{
		VisibilityTimeout:   cfg.QueueVisibilityTimeout,
		Retention:           cfg.QueueRetention,
		DeadLetterRetention: cfg.QueueDeadLetterRetention,
		MaxReceiveCount:     cfg.QueueMaxReceiveCount,
		DedupWindow:         cfg.QueueDedupWindow,
	}
	var q depthQueue
	switch cfg.QueueBackend {
	case "redis":
		rq := queue.NewRedisQueue(redisClient, cfg.RedisKeyPrefix, queueCfg, dedupStore, nil, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rq.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Fatal("redis queue", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		q = rq
	default:
		q = queue.NewMemoryQueue(queueCfg, dedupStore, nil, logger)
	}
	observability.RegisterQueueGauges(q.Depth)
	logger.Info("Queue backend selected",
		zap.String("backend", cfg.QueueBackend),
		zap.Duration("visibility_timeout", cfg.QueueVisibilityTimeout),
		zap.Int("max_receive_count", cfg.QueueMaxReceiveCount),
	)

	weatherClient := client.NewOpenWeatherClient(
		cfg.WeatherAPIURL,
		cfg.WeatherAPITimeout,
		client.RetryConfig{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay},
		client.NewBreaker(circuitbreaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			Timeout:          cfg.BreakerOpenTimeout,
			Logger:           logger,
		}),
	)
	location := client.Location{
		ID:        cfg.LocationID,
		Name:      cfg.LocationName,
		Lat:       cfg.LocationLat,
		Lon:       cfg.LocationLon,
		HasCoords: cfg.LocationHasCoords,
	}
	checkAPIKey(ctx, weatherClient, secretStore, location, logger)

	var notifier sink.Notifier
	if cfg.NotificationEnabled {
		notifier = sink.NewDiscordNotifier(secretStore, sink.DiscordConfig{
			Username:      cfg.NotificationUsername,
			Timeout:       cfg.NotificationTimeout,
			RatePerMinute: cfg.NotificationRatePerMinute,
			Burst:         cfg.NotificationBurst,
		}, circuitbreaker.New(circuitbreaker.Config{
			Component:        sink.NameNotification,
			FailureThreshold: cfg.BreakerFailureThreshold,
			Timeout:          cfg.BreakerOpenTimeout,
			Logger:           logger,
		}), logger)
	}

	var store sink.TimeseriesStore
	if cfg.TimeseriesEnabled {
		ts, err := newTimeseries(ctx, cfg, redisClient)
		if err != nil {
			logger.Fatal("timeseries sink", zap.String("backend", cfg.TimeseriesBackend), zap.Error(err))
		}
		store = sink.WithBreaker(ts, circuitbreaker.New(circuitbreaker.Config{
			Component:        sink.NameTimeseries,
			FailureThreshold: cfg.BreakerFailureThreshold,
			Timeout:          cfg.BreakerOpenTimeout,
			Logger:           logger,
		}))
	}
	logger.Info("Sinks configured",
		zap.Bool("notification", cfg.NotificationEnabled),
		zap.Bool("timeseries", cfg.TimeseriesEnabled),
		zap.String("timeseries_backend", cfg.TimeseriesBackend),
	)

	f := fetcher.New(weatherClient, q, secretStore, fetcher.Config{
		Location:             location,
		InvocationTimeout:    cfg.FetchInvocationTimeout,
		EnqueueRetryAttempts: cfg.EnqueueRetryAttempts,
		EnqueueRetryDelay:    cfg.EnqueueRetryDelay,
	}, logger)
	sched := scheduler.New(f, scheduler.Config{
		Interval:   cfg.FetchInterval,
		Cron:       cfg.FetchCron,
		RunOnStart: cfg.FetchRunOnStart,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	proc := processor.New(q, notifier, store, processor.Config{
		Workers:           cfg.ProcessorWorkers,
		PollInterval:      cfg.ProcessorPollInterval,
		InvocationTimeout: cfg.ProcessorInvocationTimeout,
		BackoffBase:       cfg.ProcessorRetryBackoffBase,
		BackoffMax:        cfg.ProcessorRetryBackoffMax,
		MaxReceiveCount:   cfg.QueueMaxReceiveCount,
	}, logger)
	// Workers get their own context: on shutdown they finish the message in hand before exiting.
	procCtx, procCancel := context.WithCancel(context.Background())
	defer procCancel()
	procDone := make(chan struct{})
	go func() {
		proc.Run(procCtx)
		close(procDone)
	}()

	handler := httphandler.NewHandler(q, sched, cfg.AdminManualTrigger, httphandler.HealthConfig{
		Window:              cfg.HealthWindow,
		FailureThresholdPct: cfg.HealthFailureThresholdPct,
		MinSamples:          cfg.HealthMinSamples,
	}, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      httphandler.NewRouter(handler, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.FetchInvocationTimeout + 10*time.Second,
	}
	go func() {
		logger.Info("Admin server starting", zap.String("addr", srv.Addr), zap.Bool("manual_trigger", cfg.AdminManualTrigger))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("Graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	select {
	case <-procDone:
	case <-shutdownCtx.Done():
		logger.Warn("Processor did not drain before shutdown timeout; in-flight messages will be redelivered")
		procCancel()
		<-procDone
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("Admin requests still in flight", zap.Int64("remaining", httphandler.InFlightCount()), zap.Error(err))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry flush: %v\n", err)
	}
	logger.Info("Shutdown complete")
}

func newTimeseries(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (sink.TimeseriesStore, error) {
	retention := sink.Retention{
		Raw:        cfg.TimeseriesRawRetention,
		Rollup:     cfg.TimeseriesRollupRetention,
		Resolution: cfg.TimeseriesRollupResolution,
	}
	switch cfg.TimeseriesBackend {
	case "redis":
		return sink.NewRedisTimeseries(redisClient, cfg.RedisKeyPrefix, retention, nil), nil
	case "dynamodb":
		db, err := sink.NewDynamoClient(ctx, cfg.DynamoDBRegion, cfg.DynamoDBEndpoint)
		if err != nil {
			return nil, err
		}
		return sink.NewDynamoTimeseries(db, cfg.DynamoDBTable, retention, nil), nil
	default:
		return sink.NewMemoryTimeseries(retention, nil), nil
	}
}

// checkAPIKey warns at startup when the weather API key is missing or rejected. Fetch cycles
// re-resolve the key, so a fix does not need a restart.
func checkAPIKey(ctx context.Context, c *client.OpenWeatherClient, store secrets.Store, loc client.Location, logger *zap.Logger) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	key, err := store.Get(checkCtx, secrets.WeatherAPIKey)
	if err == nil {
		err = c.ValidateAPIKey(checkCtx, loc, key)
	}
	if err != nil {
		logger.Warn("Weather API key check failed",
			zap.String("error_category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return
	}
	logger.Info("Weather API key validated", zap.String("location", loc.Name))
}
