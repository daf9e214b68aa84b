package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Backend drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSMTP     = "smtp"
	DriverLog      = "log"
)

// Config represents the complete application configuration
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	Worker    WorkerConfig    `yaml:"worker"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// DatabaseConfig holds job store connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RedisConfig holds the Redis connection shared by the queue and the limiter
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RabbitMQConfig holds the failure-event broker configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration. The queue is optional.
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
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
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Timeout           time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	TimeFormat   string `yaml:"time_format"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	// Embedded runs the pool inside the API process
	Embedded     bool          `yaml:"embedded"`
	WorkerID     string        `yaml:"worker_id"`
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// PacingDelay and DispatchRate are disabled by negative values
	PacingDelay     time.Duration `yaml:"pacing_delay"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	DispatchRate    float64       `yaml:"dispatch_rate"`
	DispatchBurst   int           `yaml:"dispatch_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DispatchConfig selects the dispatch queue backend
type DispatchConfig struct {
	Driver        string `yaml:"driver"`
	KeyPrefix     string `yaml:"key_prefix"`
	MaxInFlight   int    `yaml:"max_in_flight"`
	FailureBuffer int    `yaml:"failure_buffer"`
	// FailedRetention bounds how long exhausted entries stay inspectable;
	// negative keeps them forever
	FailedRetention time.Duration `yaml:"failed_retention"`
}

// RateLimitConfig selects the hourly limiter backend
type RateLimitConfig struct {
	Driver    string `yaml:"driver"`
	HourlyCap int64  `yaml:"hourly_cap"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MailerConfig selects the mail transport
type MailerConfig struct {
	Driver string `yaml:"driver"`
	// Domain is used for Message-IDs by the log mailer
	Domain string     `yaml:"domain"`
	SMTP   SMTPConfig `yaml:"smtp"`
	DKIM   DKIMConfig `yaml:"dkim"`
}

// SMTPConfig holds the relay settings
type SMTPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	From               string        `yaml:"from"`
	FromName           string        `yaml:"from_name"`
	HeloName           string        `yaml:"helo_name"`
	RequireTLS         bool          `yaml:"require_tls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`
}

// DKIMConfig enables signing when Selector and KeyPath are set
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyPath  string `yaml:"key_path"`
}

// RecoveryConfig holds the orphan sweeper settings
type RecoveryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Schedule          string        `yaml:"schedule"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	Grace             time.Duration `yaml:"grace"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.Driver == DriverPostgres {
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "email.failed"
	}
	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 5
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = time.Second
	}
	if c.Worker.PacingDelay == 0 {
		c.Worker.PacingDelay = 2 * time.Second
	}
	if c.Worker.SendTimeout == 0 {
		c.Worker.SendTimeout = 30 * time.Second
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Worker.BackoffBase == 0 {
		c.Worker.BackoffBase = time.Second
	}
	if c.Worker.DispatchRate == 0 {
		c.Worker.DispatchRate = 10
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}

	if c.Dispatch.Driver == "" {
		c.Dispatch.Driver = DriverMemory
	}
	if c.Dispatch.KeyPrefix == "" {
		c.Dispatch.KeyPrefix = "dispatch:email:"
	}

	if c.RateLimit.Driver == "" {
		c.RateLimit.Driver = c.Dispatch.Driver
	}
	if c.RateLimit.HourlyCap == 0 {
		c.RateLimit.HourlyCap = 20
	}
	if c.RateLimit.KeyPrefix == "" {
		c.RateLimit.KeyPrefix = "ratelimit:email:"
	}

	if c.Mailer.Driver == "" {
		c.Mailer.Driver = DriverLog
	}
	if c.Mailer.SMTP.Port == 0 {
		c.Mailer.SMTP.Port = 587
	}
	if c.Mailer.SMTP.DialTimeout == 0 {
		c.Mailer.SMTP.DialTimeout = 10 * time.Second
	}

	if c.Recovery.Schedule == "" {
		c.Recovery.Schedule = "@every 5m"
	}
	if c.Recovery.VisibilityTimeout == 0 {
		c.Recovery.VisibilityTimeout = 5 * time.Minute
	}
	if c.Recovery.Grace == 0 {
		c.Recovery.Grace = time.Minute
	}
}

// UsesRedis reports whether any backend needs the Redis connection
func (c *Config) UsesRedis() bool {
	return c.Dispatch.Driver == DriverRedis || c.RateLimit.Driver == DriverRedis
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}

	// A process-local queue is only drained by a pool in the same process
	if c.Dispatch.Driver == DriverMemory && !c.Worker.Embedded {
		return fmt.Errorf("dispatch driver %q requires worker.embedded", DriverMemory)
	}

	if c.Worker.Embedded {
		return c.validateWorker()
	}
	return nil
}

// ValidateWorkerConfig checks the settings the standalone worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateBackends(); err != nil {
		return err
	}

	if c.Dispatch.Driver != DriverRedis {
		return fmt.Errorf("standalone worker requires dispatch driver %q", DriverRedis)
	}
	if c.RateLimit.Driver != DriverRedis {
		return fmt.Errorf("standalone worker requires ratelimit driver %q", DriverRedis)
	}

	return c.validateWorker()
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateBackends() error {
	switch c.Dispatch.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unsupported dispatch driver: %q", c.Dispatch.Driver)
	}

	switch c.RateLimit.Driver {
	case DriverMemory, DriverRedis:
	default:
		return fmt.Errorf("unsupported ratelimit driver: %q", c.RateLimit.Driver)
	}
	if c.RateLimit.HourlyCap <= 0 {
		return fmt.Errorf("ratelimit hourly_cap must be greater than 0")
	}

	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}
		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}
		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxAttempts <= 0 {
		return fmt.Errorf("worker max_attempts must be greater than 0")
	}

	if c.Worker.SendTimeout <= 0 {
		return fmt.Errorf("worker send_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	// An entry still being paced or sent must not look stale to the sweeper
	if c.Recovery.Enabled {
		busy := max(c.Worker.PacingDelay, 0) + c.Worker.SendTimeout
		if c.Recovery.VisibilityTimeout <= busy {
			return fmt.Errorf("recovery visibility_timeout (%s) must exceed worker pacing_delay + send_timeout (%s)",
				c.Recovery.VisibilityTimeout, busy)
		}
	}

	switch c.Mailer.Driver {
	case DriverLog:
	case DriverSMTP:
		if c.Mailer.SMTP.Host == "" {
			return fmt.Errorf("mailer smtp host is required")
		}
		if c.Mailer.SMTP.Port < MinPort || c.Mailer.SMTP.Port > MaxPort {
			return fmt.Errorf("invalid mailer smtp port: %d (must be between %d and %d)", c.Mailer.SMTP.Port, MinPort, MaxPort)
		}
		if c.Mailer.SMTP.From == "" {
			return fmt.Errorf("mailer smtp from is required")
		}
	default:
		return fmt.Errorf("unsupported mailer driver: %q", c.Mailer.Driver)
	}

	return nil
}
