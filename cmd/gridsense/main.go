package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/savegress/gridsense/internal/anomaly"
	"github.com/savegress/gridsense/internal/api"
	"github.com/savegress/gridsense/internal/automation"
	"github.com/savegress/gridsense/internal/buffer"
	"github.com/savegress/gridsense/internal/cache"
	"github.com/savegress/gridsense/internal/config"
	"github.com/savegress/gridsense/internal/forecast"
	"github.com/savegress/gridsense/internal/gateway"
	"github.com/savegress/gridsense/internal/logger"
	"github.com/savegress/gridsense/internal/mqtt"
	"github.com/savegress/gridsense/internal/realtime"
	"github.com/savegress/gridsense/internal/repository"
	"github.com/savegress/gridsense/internal/timeseries"
)

func main() {
	cfg := loadConfig()

	log, err := logger.New(cfg.Log.Level, cfg.Server.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting gridsense",
		zap.Int("port", cfg.Server.Port),
		zap.String("environment", cfg.Server.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optional Postgres persistence. Without it the service runs purely
	// in memory and rules do not survive restarts.
	var (
		pool        *pgxpool.Pool
		readingRepo repository.ReadingStore
		ruleRepo    repository.RuleStore
		eventRepo   *repository.EventRepository
	)
	if cfg.Database.URL != "" {
		pool, err = openDatabase(ctx, cfg)
		if err != nil {
			log.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			log.Fatal("failed to apply database schema", zap.Error(err))
		}
		readingRepo = repository.NewReadingRepository(pool)
		ruleRepo = repository.NewRuleRepository(pool)
		eventRepo = repository.NewEventRepository(pool)
	} else {
		log.Warn("no database configured, running without persistence")
	}

	// Optional Redis for the latest-value cache and the analytics queue.
	var (
		rdb      *redis.Client
		hotCache *cache.Client
	)
	if cfg.Redis.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal("invalid redis url", zap.Error(err))
		}
		rdb = redis.NewClient(redisOpts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at startup", zap.Error(err))
		}
		defer rdb.Close()
		hotCache = cache.New(rdb)
	} else {
		log.Warn("no redis configured, running without cache and analytics queue")
	}

	store := timeseries.NewStore()
	streamBuffer := buffer.New(cfg.Store.BufferSize)

	detector := anomaly.NewDetector()
	if cfg.Anomaly.ZScoreThreshold > 0 {
		detector.ZScoreThreshold = cfg.Anomaly.ZScoreThreshold
	}
	if cfg.Anomaly.IQRMultiplier > 0 {
		detector.IQRMultiplier = cfg.Anomaly.IQRMultiplier
	}
	if cfg.Anomaly.WindowSize > 0 {
		detector.WindowSize = cfg.Anomaly.WindowSize
	}

	forecaster := forecast.NewForecaster()
	if cfg.Forecast.SmoothingAlpha > 0 {
		forecaster.SmoothingAlpha = cfg.Forecast.SmoothingAlpha
	}

	mqttClient, err := mqtt.NewClient(mqtt.Options{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      byte(cfg.MQTT.QoS),
	}, log)
	if err != nil {
		log.Fatal("failed to connect to mqtt broker", zap.Error(err))
	}
	defer mqttClient.Disconnect()

	dispatcher := automation.NewDispatcher(mqttClient, &automation.LogNotifier{Logger: log}, log)

	var (
		recorder   automation.EventRecorder
		eventStore repository.EventStore
	)
	if eventRepo != nil {
		recorder = eventRepo
		eventStore = eventRepo
	}
	engine := automation.NewEngine(dispatcher, recorder, &zapAudit{logger: log}, log)
	if ruleRepo != nil {
		if err := restoreRules(ctx, engine, ruleRepo, log); err != nil {
			log.Fatal("failed to restore automation rules", zap.Error(err))
		}
	}
	scheduler := automation.NewScheduler(dispatcher, log)

	hub := realtime.NewHub(log)
	go hub.Run()

	monitor := anomaly.NewMonitor(store, detector, hub, log)
	go monitor.Run(ctx)

	registry := prometheus.NewRegistry()
	metrics := gateway.NewMetrics(registry)

	sinks := []gateway.Sink{
		&gateway.StoreSink{Store: store, Buffer: streamBuffer},
	}
	if hotCache != nil {
		sinks = append(sinks,
			&gateway.CacheSink{Cache: hotCache},
			&gateway.QueueSink{Cache: hotCache},
		)
	}
	sinks = append(sinks,
		&gateway.BroadcastSink{Hub: hub},
		&gateway.AutomationSink{Engine: engine, Hub: hub},
	)
	gw := gateway.New(sinks, gateway.NewRateLimiter(cfg.Ingest.DeviceRatePerSecond), metrics, log)

	if err := mqttClient.ConsumeTelemetry(ctx, gw); err != nil {
		log.Fatal("failed to subscribe to telemetry", zap.Error(err))
	}

	go runEngineTicks(ctx, engine)
	go runLimiterSweep(ctx, gw)
	go scheduler.Run(ctx)
	go runRetention(ctx, cfg, store, readingRepo, log)
	go runFlush(ctx, cfg, store, readingRepo, log)

	health := map[string]func() bool{
		"mqtt": mqttClient.Connected,
	}
	if pool != nil {
		health["database"] = func() bool { return pool.Ping(ctx) == nil }
	}
	if rdb != nil {
		health["redis"] = func() bool { return rdb.Ping(ctx).Err() == nil }
	}

	server := api.NewServer(api.Deps{
		Store:      store,
		Buffer:     streamBuffer,
		Detector:   detector,
		Forecaster: forecaster,
		Engine:     engine,
		Scheduler:  scheduler,
		Rules:      ruleRepo,
		Events:     eventStore,
		Hub:        hub,
		Registry:   registry,
		Health:     health,
		Logger:     log,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("gridsense api listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gridsense")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}

	// Final write-behind flush so the in-memory log is not lost.
	if readingRepo != nil {
		if err := readingRepo.InsertBatch(shutdownCtx, store.Snapshot()); err != nil {
			log.Warn("final flush failed", zap.Error(err))
		}
	}

	hub.Stop()
	log.Info("gridsense stopped")
}

func loadConfig() *config.Config {
	if path := os.Getenv("GRIDSENSE_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config from %s: %v, using environment\n", path, err)
			return config.LoadFromEnv()
		}
		return cfg
	}
	return config.LoadFromEnv()
}

func openDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	}
	if cfg.Database.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.Database.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func restoreRules(ctx context.Context, engine *automation.Engine, rules repository.RuleStore, log *zap.Logger) error {
	persisted, err := rules.List(ctx, "")
	if err != nil {
		return err
	}
	for _, rule := range persisted {
		if err := engine.Restore(rule); err != nil {
			log.Warn("skipping rule that no longer compiles",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
		}
	}
	log.Info("restored automation rules", zap.Int("count", len(persisted)))
	return nil
}

// runEngineTicks drives schedule triggers that fire on wall-clock time
// rather than on readings.
func runEngineTicks(ctx context.Context, engine *automation.Engine) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			engine.Tick(ctx, now)
		}
	}
}

// runLimiterSweep bounds the rate limiter's per-device state to devices
// that sent recently.
func runLimiterSweep(ctx context.Context, gw *gateway.Gateway) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gw.SweepLimiter()
		}
	}
}

func runRetention(ctx context.Context, cfg *config.Config, store *timeseries.Store, readings repository.ReadingStore, log *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dropped := store.ApplyRetention(cfg.Store.RetentionDays)
			if dropped > 0 {
				log.Info("retention pass", zap.Int("dropped", dropped))
			}
			if readings != nil {
				cutoff := time.Now().AddDate(0, 0, -cfg.Store.RetentionDays)
				deleted, err := readings.DeleteBefore(ctx, cutoff)
				if err != nil {
					log.Warn("database retention failed", zap.Error(err))
				} else if deleted > 0 {
					log.Info("database retention pass", zap.Int64("deleted", deleted))
				}
			}
		}
	}
}

// runFlush periodically persists recent records. Duplicate inserts are
// dropped by the batch writer, so the overlap window only costs a few
// no-op rows. Records arriving later than one full interval are still
// covered by the shutdown flush.
func runFlush(ctx context.Context, cfg *config.Config, store *timeseries.Store, readings repository.ReadingStore, log *zap.Logger) {
	if readings == nil {
		return
	}
	interval := cfg.Store.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * interval)
			var batch []timeseries.Record
			for _, rec := range store.Snapshot() {
				if rec.Timestamp.After(cutoff) {
					batch = append(batch, rec)
				}
			}
			if len(batch) == 0 {
				continue
			}
			if err := readings.InsertBatch(ctx, batch); err != nil {
				log.Warn("write-behind flush failed", zap.Error(err))
			}
		}
	}
}

// zapAudit writes rule mutations to the structured log as the audit
// trail.
type zapAudit struct {
	logger *zap.Logger
}

func (a *zapAudit) Log(_ context.Context, actor, action, target string, outcome error) {
	fields := []zap.Field{
		zap.String("actor", actor),
		zap.String("action", action),
		zap.String("target", target),
	}
	if outcome != nil {
		fields = append(fields, zap.Error(outcome))
	}
	a.logger.Info("audit", fields...)
}
