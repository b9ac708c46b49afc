package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"buildhook/dispatcher"
	"buildhook/gateway"
	"buildhook/metrics"
	"buildhook/resolver"
	"buildhook/shared/config"
	"buildhook/shared/kafka"
	"buildhook/shared/logging"
	"buildhook/storage"
)

// app holds the components shared by serve and replay.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics

	store      storage.Store
	rdb        *redis.Client
	producer   *kafka.Producer
	queue      dispatcher.Queue
	resolver   *resolver.Resolver
	dispatcher *dispatcher.Dispatcher
	gateway    *gateway.Gateway

	closers []func()
}

func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New(prometheus.NewRegistry())}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openQueue(); err != nil {
		a.Close()
		return nil, err
	}

	a.resolver = resolver.New(a.store, log)
	a.dispatcher = dispatcher.New(a.store, a.queue, dispatcher.StaticLimits{
		Default:  cfg.Limits.DefaultConcurrentBuilds,
		Accounts: cfg.Limits.Accounts,
	}, a.metrics, log)
	a.gateway = gateway.New(a.store, a.resolver, a.dispatcher, a.metrics, log)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "redis":
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Storage.Redis.Addr,
			Password: a.cfg.Storage.Redis.Password,
			DB:       a.cfg.Storage.Redis.DB,
		})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			_ = a.rdb.Close()
			return fmt.Errorf("connect to redis at %s: %w", a.cfg.Storage.Redis.Addr, err)
		}
		a.store = storage.NewRedisStore(a.rdb)
		a.log.Info("✅ Redis connection verified", zap.String("addr", a.cfg.Storage.Redis.Addr))
	case "sql":
		s, err := storage.OpenSQL(a.cfg.Storage.SQL.Dialect, a.cfg.Storage.SQL.DSN)
		if err != nil {
			return fmt.Errorf("open %s database: %w", a.cfg.Storage.SQL.Dialect, err)
		}
		a.store = s
		a.log.Info("✅ Database ready", zap.String("dialect", a.cfg.Storage.SQL.Dialect))
	default:
		a.store = storage.NewMemoryStore()
		a.log.Warn("⚠️ Using in-memory storage, state is lost on restart")
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })
	return nil
}

func (a *app) openQueue() error {
	switch a.cfg.Queue.Driver {
	case "redis":
		a.queue = dispatcher.NewRedisQueue(a.rdb, a.cfg.Queue.Key, a.log)
	case "kafka":
		producer, err := a.kafkaProducer()
		if err != nil {
			return err
		}
		consumer, err := kafka.NewConsumer(a.cfg.Kafka.Brokers, a.cfg.Kafka.GroupID, a.log)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		a.closers = append(a.closers, consumer.Close)
		a.queue = dispatcher.NewKafkaQueue(producer, consumer)
	default:
		a.queue = dispatcher.NewChannelQueue(a.cfg.Queue.Buffer, a.log)
	}
	a.log.Info("✅ Build queue ready", zap.String("driver", a.cfg.Queue.Driver))
	return nil
}

// kafkaProducer is shared by the job queue and the event relay.
func (a *app) kafkaProducer() (*kafka.Producer, error) {
	if a.producer != nil {
		return a.producer, nil
	}
	if a.cfg.Kafka.Brokers == "" {
		return nil, errors.New("kafka.brokers is not configured")
	}
	p, err := kafka.NewProducer(a.cfg.Kafka.Brokers, a.metrics, a.log)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	a.producer = p
	a.closers = append(a.closers, p.Close)
	a.log.Info("✅ Kafka producer created", zap.String("brokers", a.cfg.Kafka.Brokers))
	return p, nil
}

// syncProjects upserts the registry seed file into the store. Entries that
// fail validation are logged and skipped.
func (a *app) syncProjects(ctx context.Context) error {
	path := a.cfg.Projects.File
	if path == "" {
		return nil
	}
	entries, err := config.LoadProjects(path)
	if err != nil {
		return fmt.Errorf("load projects: %w", err)
	}

	n := 0
	for _, e := range entries {
		p, s, err := e.Model()
		if err != nil {
			a.log.Error("❌ Invalid project entry", zap.String("project_id", e.ID), zap.Error(err))
			continue
		}
		if err := a.store.SaveProject(ctx, p); err != nil {
			return fmt.Errorf("save project %s: %w", p.ID, err)
		}
		if err := a.store.SaveSettings(ctx, s); err != nil {
			return fmt.Errorf("save settings for %s: %w", p.ID, err)
		}
		n++
	}
	a.log.Info("📚 Project registry synced", zap.String("file", path), zap.Int("projects", n))
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
