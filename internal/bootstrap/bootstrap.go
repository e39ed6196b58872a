// Package bootstrap wires configuration into the clients and scheduler
// components shared by the service binaries.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/agent"
	"github.com/cuongbtq/research-scheduler/internal/config"
	"github.com/cuongbtq/research-scheduler/internal/scheduler"
	"github.com/cuongbtq/research-scheduler/internal/scheduler/storage"
	"github.com/cuongbtq/research-scheduler/shared/logger"
	"github.com/cuongbtq/research-scheduler/shared/postgresql"
	"github.com/cuongbtq/research-scheduler/shared/rabbitmq"
	"github.com/cuongbtq/research-scheduler/shared/redis"
)

// Storage is the job store together with the client behind its backend
type Storage struct {
	Store *storage.Store

	release     func() error
	healthCheck func(ctx context.Context) error
}

// Close releases the store and any client it opened
func (s *Storage) Close() error {
	if err := s.Store.Close(); err != nil {
		return err
	}
	if s.release != nil {
		return s.release()
	}
	return nil
}

// HealthCheck pings the database or Redis server behind the store
func (s *Storage) HealthCheck(ctx context.Context) error {
	if s.healthCheck == nil {
		return nil
	}
	return s.healthCheck(ctx)
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// OpenStore opens the configured record backend and wraps it in a Store
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Storage, error) {
	var (
		backend storage.Backend
		s       Storage
	)

	switch cfg.Storage.Backend {
	case config.BackendFile:
		fb, err := storage.NewFileBackend(cfg.Storage.Dir, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open file storage: %w", err)
		}
		backend = fb

	case config.BackendPostgres:
		client, err := InitPostgreSQL(&cfg.Database, log)
		if err != nil {
			return nil, err
		}
		pb := storage.NewPostgresBackend(client.GetDB(), log)
		if err := pb.EnsureSchema(ctx); err != nil {
			client.Close()
			return nil, err
		}
		backend = pb
		s.release = client.Close
		s.healthCheck = client.HealthCheck

	case config.BackendRedis:
		client, err := InitRedis(&cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		backend = storage.NewRedisBackend(client.GetClient(), cfg.Storage.KeyPrefix, log)
		s.release = client.Close
		s.healthCheck = client.HealthCheck

	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}

	log.Info("Job storage ready",
		slog.String("backend", cfg.Storage.Backend),
		slog.Int("cache_size", cfg.Storage.CacheSize),
	)

	s.Store = storage.NewStore(backend, cfg.Storage.CacheSize, log)
	return &s, nil
}

// InitPostgreSQL initializes the PostgreSQL database client
func InitPostgreSQL(cfg *config.DatabaseConfig, log *slog.Logger) (*postgresql.Client, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectRetries:  cfg.ConnectRetries,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return client, nil
}

// InitRedis initializes the Redis client
func InitRedis(cfg *config.RedisConfig, log *slog.Logger) (*redis.Client, error) {
	client, err := redis.NewClient(&redis.Config{
		Address:      cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}
	return client, nil
}

// RabbitMQConfig maps the rabbitmq section onto the client configuration
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetter.Exchange,
		DeadLetterQueue:    cfg.DeadLetter.Queue,
		EventsExchange:     cfg.EventsExchange,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
	}
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	client, err := rabbitmq.NewClient(RabbitMQConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	return client, nil
}

// EventPublisher returns an AMQP publisher when a client with an events
// exchange is available, otherwise a publisher that drops events
func EventPublisher(client *rabbitmq.Client, cfg *config.RabbitMQConfig, log *slog.Logger) scheduler.EventPublisher {
	if client == nil || cfg.EventsExchange == "" {
		return scheduler.NoopPublisher{}
	}
	return scheduler.NewAMQPPublisher(client, log.With(slog.String("component", "events")))
}

// NewRunner builds the background runner from the scheduler and agent sections
func NewRunner(cfg *config.Config, store *storage.Store, events scheduler.EventPublisher, log *slog.Logger) *scheduler.Runner {
	agents := agent.NewFactory(cfg.Agent.FactoryConfig(), log.With(slog.String("component", "agents")))
	return scheduler.NewRunner(store, agents, events, cfg.Scheduler.RunnerConfig(), log)
}
