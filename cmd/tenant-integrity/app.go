package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"wisefido-tenant-integrity/internal/config"
	"wisefido-tenant-integrity/internal/database"
	"wisefido-tenant-integrity/internal/datastore"
	"wisefido-tenant-integrity/internal/graph"
	"wisefido-tenant-integrity/internal/lock"
	"wisefido-tenant-integrity/internal/logger"
	"wisefido-tenant-integrity/internal/metrics"
	"wisefido-tenant-integrity/internal/report"
	"wisefido-tenant-integrity/internal/repository"
	"wisefido-tenant-integrity/internal/retry"
	"wisefido-tenant-integrity/internal/service"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// app 一次命令执行所需的依赖
type app struct {
	maint       *service.Maintenance
	sink        report.Sink
	metrics     *metrics.Metrics
	metricsFile string
	logger      *zap.Logger
	closers     []func() error
}

// appBuilder 测试中替换为内存实现
type appBuilder func(ctx context.Context) (*app, error)

// graphLoader 只加载依赖图（plan 不需要数据库）
type graphLoader func() (*graph.Graph, error)

// close 写出指标并释放连接
func (a *app) close() {
	if a.metricsFile != "" {
		if err := a.metrics.WriteTextfile(a.metricsFile); err != nil {
			a.logger.Error("Failed to write metrics", zap.Error(err))
		}
	}
	if err := a.sink.Close(); err != nil {
		a.logger.Warn("Failed to close report sink", zap.Error(err))
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "tenant-integrity")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		sink:        report.NopSink{},
		metrics:     metrics.New(),
		metricsFile: cfg.Maintenance.MetricsTextfile,
		logger:      log,
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	g, err := graphFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return database.Close(db) })

	directory, err := newDirectory(cfg, db, log)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	redisClient := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		c, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return nil, err
		}
		rdb = c
		a.closers = append(a.closers, c.Close)
		return c, nil
	}

	var locker lock.KeyedLocker = lock.NewLocalLocker()
	if cfg.Maintenance.SeedLock == "redis" {
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		locker = lock.NewRedisLocker(c, "tenant-integrity:lock:", 30*time.Second, log)
	}

	switch cfg.Maintenance.ReportSink {
	case "redis":
		c, err := redisClient()
		if err != nil {
			return nil, err
		}
		a.sink = report.NewRedisStreamSink(c, cfg.Maintenance.ReportStream, log)
	case "mqtt":
		s, err := report.NewMQTTSink(&cfg.MQTT, log)
		if err != nil {
			return nil, err
		}
		a.sink = s
	}

	a.maint, err = service.NewMaintenance(service.Options{
		Graph:     g,
		Store:     datastore.NewPostgresStore(db, log),
		Directory: directory,
		Locker:    locker,
		Retry: retry.Config{
			MaxAttempts:    cfg.Maintenance.MaxAttempts,
			InitialBackoff: cfg.Maintenance.InitialBackoff,
			MaxBackoff:     cfg.Maintenance.MaxBackoff,
			BackoffFactor:  2.0,
			JitterFactor:   0.2,
			CallTimeout:    cfg.Maintenance.CallTimeout,
		},
		Concurrency:  cfg.Maintenance.Concurrency,
		SeedDefaults: cfg.Maintenance.SeedDefaults,
		Metrics:      a.metrics,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func loadGraph() (*graph.Graph, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return graphFromConfig(cfg)
}

func graphFromConfig(cfg *config.Config) (*graph.Graph, error) {
	if cfg.Maintenance.GraphFile == "" {
		return graph.Default(), nil
	}
	return graph.Load(cfg.Maintenance.GraphFile)
}

func newDirectory(cfg *config.Config, db *sql.DB, log *zap.Logger) (repository.TenantDirectory, error) {
	switch cfg.Directory.Mode {
	case "postgres":
		return repository.NewPostgresTenantDirectory(db), nil
	case "http":
		return repository.NewHTTPTenantDirectory(cfg.Directory.BaseURL, cfg.Directory.Token, cfg.Directory.Timeout, log), nil
	}
	return nil, fmt.Errorf("unsupported tenant directory %q", cfg.Directory.Mode)
}
