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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Faraday-AI/Faraday-AI-sub007/internal/breaker"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/cache"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/config"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/coordination"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/filter"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/health"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/metrics"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/model"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/queue"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/ratelimit"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/service"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/shard"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/store"
	"github.com/Faraday-AI/Faraday-AI-sub007/internal/writethrough"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		hostname, _ := os.Hostname()
		instanceID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}

	logger.Info("Configuration loaded",
		zap.String("instance_id", instanceID),
		zap.Int("shard_groups", len(cfg.Shard.Groups)),
		zap.Int("health_port", cfg.Server.HealthPort))

	// Durable store
	durable, err := store.NewPostgresStore(store.PostgresOptions{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		MaxConns: cfg.Database.MaxConnections,
		MinConns: cfg.Database.MinConnections,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer durable.Close()

	// Shared Redis: coordination, locks, and the priority queue
	sharedKV, err := store.NewRedisStore(store.RedisOptions{
		Addr:         fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer sharedKV.Close()

	// Shard endpoints
	shards, err := buildShards(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect shard endpoints", zap.Error(err))
	}

	rebalanceGate := coordination.NewLock(sharedKV, "notify:lock:rebalance",
		cfg.Coordination.LeaseTTL, cfg.Coordination.LockRetryBase, cfg.Coordination.LockRetryMax)

	router := shard.NewRouter(shards, shard.Options{
		OperationTimeout:    cfg.Shard.OperationTimeout,
		HealthCheckInterval: cfg.Shard.HealthCheckInterval,
		RebalanceInterval:   cfg.Shard.Rebalance.Interval,
		RebalanceLoadRatio:  cfg.Shard.Rebalance.LoadRatio,
		MoveFraction:        cfg.Shard.Rebalance.MoveFraction,
		MaxKeysPerPass:      cfg.Shard.Rebalance.MaxKeysPerPass,
		MigrationDelay:      cfg.Shard.Rebalance.MigrationDelay,
	}, rebalanceGate, logger)

	// Local cache tier and membership filters. The router backs the
	// warming loader so related keys are pulled from the shards.
	localCache := cache.NewLocalCache(cache.Options{
		MaxEntries:           cfg.Cache.MaxEntries,
		DefaultTTL:           cfg.Cache.DefaultTTL,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		AccessWindow:         cfg.Cache.AccessWindow,
		HotAccessRate:        cfg.Cache.HotAccessRate,
	}, router.Read, logger)
	filters := filter.NewPair(cfg.Filter.ExpectedItems, cfg.Filter.FalsePositiveRate)

	// Cross-instance coordination. The applier closes over the
	// write-through tier created right after it.
	var tier *writethrough.Manager
	coordinator := coordination.New(sharedKV, instanceID, coordination.Options{
		ElectionInterval: cfg.Coordination.ElectionInterval,
		LeaseTTL:         cfg.Coordination.LeaseTTL,
		ChangeSetTTL:     cfg.Coordination.ChangeSetTTL,
	}, func(update model.CacheUpdate) {
		if tier != nil {
			tier.ApplyRemote(context.Background(), update)
		}
	}, logger)

	tier = writethrough.New(localCache, filters, router, durable, coordinator, writethrough.Options{
		CacheTTL:           cfg.Cache.DefaultTTL,
		BatchSize:          cfg.WriteThrough.BatchSize,
		FlushInterval:      cfg.WriteThrough.FlushInterval,
		MaxRetries:         cfg.WriteThrough.MaxRetries,
		FilterSyncInterval: cfg.Filter.SyncInterval,
	}, logger)

	// Adaptive admission control
	admission := ratelimit.New(cfg.Admission.Profiles, ratelimit.Options{
		AdjustInterval: cfg.Admission.AdjustInterval,
		LoadInterval:   cfg.Admission.LoadInterval,
		SampleWindow:   cfg.Admission.SampleWindow,
	}, ratelimit.SystemLoad, logger)

	// Metrics
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
	}

	// Priority queue with dead-letter capture
	deadLetter := func(ctx context.Context, record *model.NotificationRecord, attempts int, reason string) error {
		payload, _ := record.Encode()
		letters := []model.DeadLetter{{
			RecordID: record.ID,
			Payload:  payload,
			Reason:   reason,
			Attempts: attempts,
			FailedAt: time.Now(),
		}}
		if err := durable.InsertDeadLetters(ctx, letters); err != nil {
			return err
		}
		if collector != nil {
			collector.DeadLetters.Inc()
		}
		return durable.AppendEvent(ctx, &model.Event{
			Type:      "notification.dead_letter",
			Data:      map[string]interface{}{"record_id": record.ID, "reason": reason},
			Timestamp: time.Now(),
			Version:   1,
		})
	}
	q := queue.New(sharedKV, queue.Options{
		RecordTTL:   cfg.Queue.RecordTTL,
		MaxAttempts: cfg.Queue.MaxAttempts,
		DecayFactor: cfg.Queue.DecayFactor,
	}, deadLetter, logger)

	svc := service.New(q, tier, admission, coordinator, durable, collector, service.Options{
		BatchSize: cfg.Queue.BatchSize,
		PollWait:  cfg.Queue.PollWait,
		CacheTTL:  cfg.Cache.DefaultTTL,
	}, logger)

	// Start background loops
	router.Start()
	coordinator.Start()
	admission.Start()
	tier.Start()
	svc.Start()

	// Seed the filters from peers before serving reads
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		tier.SyncFilters(ctx)
		cancel()
	}

	stopGauges := make(chan struct{})
	if collector != nil {
		go emitShardGauges(router, collector, stopGauges)
	}

	// HTTP servers: health always, metrics when enabled
	healthCheck := health.NewHealthCheck(map[string]health.Probe{
		"redis":    sharedKV.Ping,
		"postgres": durable.Ping,
	}, logger)
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler: healthCheck.Router(),
	}
	go func() {
		logger.Info("Health server starting", zap.String("addr", healthServer.Addr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server failed", zap.Error(err))
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metricsMux,
		}
		go func() {
			logger.Info("Metrics server starting", zap.String("addr", metricsServer.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Notification hub started", zap.String("instance_id", instanceID))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	close(stopGauges)
	svc.Stop()
	admission.Stop()
	coordinator.Stop()
	router.Stop()
	tier.Stop(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", zap.Error(err))
		}
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health server shutdown failed", zap.Error(err))
	}

	closeShards(shards, logger)
	logger.Info("Shutdown complete")
}

// buildShards connects every configured shard endpoint. Without
// explicit groups the shared Redis instance serves as the single shard.
func buildShards(cfg *config.Config, logger *zap.Logger) ([]*shard.Shard, error) {
	groups := cfg.Shard.Groups
	if len(groups) == 0 {
		groups = []config.ShardGroup{{
			Primary: config.ShardEndpoint{
				Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB + 1,
			},
		}}
	}

	newEndpoint := func(name string, ep config.ShardEndpoint) (*shard.Endpoint, error) {
		kv, err := store.NewRedisStore(store.RedisOptions{
			Addr:         ep.Addr,
			Password:     ep.Password,
			DB:           ep.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", name, err)
		}
		return &shard.Endpoint{
			Name:  name,
			Store: kv,
			Breaker: breaker.New(name,
				cfg.Shard.Breaker.FailureThreshold,
				cfg.Shard.Breaker.ResetTimeout,
				cfg.Shard.Breaker.RequiredSuccesses,
				logger),
		}, nil
	}

	shards := make([]*shard.Shard, 0, len(groups))
	for i, group := range groups {
		primary, err := newEndpoint(fmt.Sprintf("shard-%d-primary", i), group.Primary)
		if err != nil {
			return nil, err
		}
		s := &shard.Shard{ID: i, Primary: primary}
		for j, replica := range group.Replicas {
			ep, err := newEndpoint(fmt.Sprintf("shard-%d-replica-%d", i, j), replica)
			if err != nil {
				return nil, err
			}
			s.Replicas = append(s.Replicas, ep)
		}
		shards = append(shards, s)
	}
	return shards, nil
}

func closeShards(shards []*shard.Shard, logger *zap.Logger) {
	for _, s := range shards {
		if err := s.Primary.Store.Close(); err != nil {
			logger.Warn("Failed to close shard endpoint", zap.Error(err))
		}
		for _, replica := range s.Replicas {
			if err := replica.Store.Close(); err != nil {
				logger.Warn("Failed to close shard endpoint", zap.Error(err))
			}
		}
	}
}

// emitShardGauges pushes breaker states and shard load scores until
// stopped
func emitShardGauges(router *shard.Router, collector *metrics.Collector, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, snap := range router.BreakerSnapshots() {
				var state float64
				switch snap.State {
				case breaker.StateHalfOpen:
					state = 1
				case breaker.StateOpen:
					state = 2
				}
				collector.BreakerState.WithLabelValues(snap.Name).Set(state)
			}
			for i, load := range router.LoadScores() {
				collector.ShardLoad.WithLabelValues(fmt.Sprintf("%d", i)).Set(load)
			}
			for i, rate := range router.ErrorRates() {
				collector.ShardErrorRate.WithLabelValues(fmt.Sprintf("%d", i)).Set(rate)
			}
		}
	}
}

// initLogger initializes the zap logger from config
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
