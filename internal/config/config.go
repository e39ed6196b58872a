package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuongbtq/research-scheduler/internal/agent"
	"github.com/cuongbtq/research-scheduler/internal/scheduler"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Storage backends
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agent     AgentConfig     `yaml:"agent"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// StorageConfig selects the record backend behind the job store
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	CacheSize int    `yaml:"cache_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectRetries  uint64        `yaml:"connect_retries"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Enabled        bool             `yaml:"enabled"`
	Host           string           `yaml:"host"`
	Port           int              `yaml:"port"`
	User           string           `yaml:"user"`
	Password       string           `yaml:"password"`
	VHost          string           `yaml:"vhost"`
	Exchange       ExchangeConfig   `yaml:"exchange"`
	Queue          QueueConfig      `yaml:"queue"`
	RoutingKey     string           `yaml:"routing_key"`
	DeadLetter     DeadLetterConfig `yaml:"dead_letter"`
	EventsExchange string           `yaml:"events_exchange"`
	Connection     ConnectionConfig `yaml:"connection"`
	Publish        PublishConfig    `yaml:"publish"`
	Consumer       ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// DeadLetterConfig names the exchange and queue rejected intake messages go to
type DeadLetterConfig struct {
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// SchedulerConfig holds the queue, executor and lifecycle settings
type SchedulerConfig struct {
	MaxConcurrentJobs      int           `yaml:"max_concurrent_jobs"`
	CancelTimeout          time.Duration `yaml:"cancel_timeout"`
	MaxQueueSize           int           `yaml:"max_queue_size"`
	DispatchBatchSize      int           `yaml:"dispatch_batch_size"`
	CheckInterval          time.Duration `yaml:"check_interval"`
	StartRetries           int           `yaml:"start_retries"`
	StartRetryBaseDelay    time.Duration `yaml:"start_retry_base_delay"`
	StartRetryMaxDelay     time.Duration `yaml:"start_retry_max_delay"`
	DefaultJobDuration     time.Duration `yaml:"default_job_duration"`
	MaxExecutionTime       time.Duration `yaml:"max_execution_time"`
	TimeoutCheckInterval   time.Duration `yaml:"timeout_check_interval"`
	StaleCleanupInterval   time.Duration `yaml:"stale_cleanup_interval"`
	StaleTrackingTTL       time.Duration `yaml:"stale_tracking_ttl"`
	RetentionWindow        time.Duration `yaml:"retention_window"`
	RetentionCheckInterval time.Duration `yaml:"retention_check_interval"`
	LockCleanupInterval    time.Duration `yaml:"lock_cleanup_interval"`
	RecoverOnStart         bool          `yaml:"recover_on_start"`
}

// AgentConfig selects the agent jobs run against
type AgentConfig struct {
	DefaultType string          `yaml:"default_type"`
	StepDelay   time.Duration   `yaml:"step_delay"`
	HTTP        AgentHTTPConfig `yaml:"http"`
}

// AgentHTTPConfig configures the remote research endpoint
type AgentHTTPConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WorkerConfig holds intake worker settings
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
	RequeueDelay    time.Duration `yaml:"requeue_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns a configuration that runs locally with the file backend and
// the simulated agent
func Default() *Config {
	sc := scheduler.DefaultConfig()

	return &Config{
		App: AppConfig{
			Name:        "research-scheduler",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Backend:   BackendFile,
			Dir:       "data",
			CacheSize: 1000,
			KeyPrefix: "research",
		},
		Database: DatabaseConfig{
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectRetries:  5,
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{
			Port:  5672,
			VHost: "/",
			Exchange: ExchangeConfig{
				Name:    "research_exchange",
				Type:    "direct",
				Durable: true,
			},
			Queue: QueueConfig{
				Name:    "research_requests",
				Durable: true,
			},
			RoutingKey: "research.request",
			DeadLetter: DeadLetterConfig{
				Exchange: "research_dlx",
				Queue:    "research_requests_dlq",
			},
			EventsExchange: "research_events",
			Connection: ConnectionConfig{
				RetryAttempts:     5,
				RetryInterval:     2 * time.Second,
				Heartbeat:         10 * time.Second,
				ConnectionTimeout: 30 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts: 3,
				RetryInterval: 500 * time.Millisecond,
			},
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs:      sc.Executor.MaxConcurrentJobs,
			CancelTimeout:          sc.Executor.CancelTimeout,
			MaxQueueSize:           sc.Queue.MaxQueueSize,
			DispatchBatchSize:      sc.Queue.DispatchBatchSize,
			CheckInterval:          sc.Queue.CheckInterval,
			StartRetries:           sc.Queue.StartRetry.MaxRetries,
			StartRetryBaseDelay:    sc.Queue.StartRetry.BaseDelay,
			StartRetryMaxDelay:     sc.Queue.StartRetry.MaxDelay,
			DefaultJobDuration:     sc.Queue.DefaultJobDuration,
			MaxExecutionTime:       sc.Lifecycle.MaxExecutionTime,
			TimeoutCheckInterval:   sc.Lifecycle.TimeoutCheckInterval,
			StaleCleanupInterval:   sc.Lifecycle.StaleCleanupInterval,
			StaleTrackingTTL:       sc.Lifecycle.StaleTrackingTTL,
			RetentionWindow:        sc.RetentionWindow,
			RetentionCheckInterval: sc.RetentionCheckInterval,
			LockCleanupInterval:    sc.LockCleanupInterval,
			RecoverOnStart:         sc.RecoverOnStart,
		},
		Agent: AgentConfig{
			DefaultType: agent.TypeSimulated,
			StepDelay:   time.Second,
			HTTP: AgentHTTPConfig{
				Timeout: 5 * time.Minute,
			},
		},
		Worker: WorkerConfig{
			Concurrency:     4,
			SubmitTimeout:   10 * time.Second,
			RequeueDelay:    time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and overlays it on Default
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.Scheduler.validate(); err != nil {
		return err
	}

	switch c.Agent.DefaultType {
	case agent.TypeSimulated:
	case agent.TypeHTTP:
		if c.Agent.HTTP.Endpoint == "" {
			return fmt.Errorf("agent http endpoint is required for the http agent")
		}
	default:
		return fmt.Errorf("unknown agent type: %q", c.Agent.DefaultType)
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the intake worker needs on top of Validate
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if !c.RabbitMQ.Enabled {
		return fmt.Errorf("rabbitmq must be enabled for the worker service")
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.CacheSize < 0 {
		return fmt.Errorf("storage cache_size must not be negative")
	}

	switch c.Storage.Backend {
	case BackendFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage dir is required for the file backend")
		}
	case BackendPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	return nil
}

func (s *SchedulerConfig) validate() error {
	if s.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("scheduler max_concurrent_jobs must be greater than 0")
	}

	if s.MaxQueueSize <= 0 {
		return fmt.Errorf("scheduler max_queue_size must be greater than 0")
	}

	if s.CheckInterval <= 0 {
		return fmt.Errorf("scheduler check_interval must be greater than 0")
	}

	if s.MaxExecutionTime <= 0 {
		return fmt.Errorf("scheduler max_execution_time must be greater than 0")
	}

	if s.TimeoutCheckInterval <= 0 {
		return fmt.Errorf("scheduler timeout_check_interval must be greater than 0")
	}

	return nil
}

// RunnerConfig converts the scheduler section into the runner's configuration
func (s *SchedulerConfig) RunnerConfig() scheduler.Config {
	return scheduler.Config{
		Executor: scheduler.ExecutorConfig{
			MaxConcurrentJobs: s.MaxConcurrentJobs,
			CancelTimeout:     s.CancelTimeout,
		},
		Queue: scheduler.QueueConfig{
			MaxQueueSize:      s.MaxQueueSize,
			DispatchBatchSize: s.DispatchBatchSize,
			CheckInterval:     s.CheckInterval,
			StartRetry: scheduler.RetryPolicy{
				MaxRetries: s.StartRetries,
				BaseDelay:  s.StartRetryBaseDelay,
				MaxDelay:   s.StartRetryMaxDelay,
			},
			DefaultJobDuration: s.DefaultJobDuration,
		},
		Lifecycle: scheduler.LifecycleConfig{
			MaxExecutionTime:     s.MaxExecutionTime,
			TimeoutCheckInterval: s.TimeoutCheckInterval,
			StaleCleanupInterval: s.StaleCleanupInterval,
			StaleTrackingTTL:     s.StaleTrackingTTL,
		},
		RetentionWindow:        s.RetentionWindow,
		RetentionCheckInterval: s.RetentionCheckInterval,
		LockCleanupInterval:    s.LockCleanupInterval,
		RecoverOnStart:         s.RecoverOnStart,
	}
}

// FactoryConfig converts the agent section into the agent factory's configuration
func (a *AgentConfig) FactoryConfig() agent.Config {
	return agent.Config{
		DefaultType: a.DefaultType,
		StepDelay:   a.StepDelay,
		HTTP: agent.HTTPConfig{
			Endpoint: a.HTTP.Endpoint,
			APIKey:   a.HTTP.APIKey,
			Timeout:  a.HTTP.Timeout,
		},
	}
}
