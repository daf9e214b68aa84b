// Package bootstrap builds the scheduler's components from configuration.
// Both binaries share it: the API service for the submit path (and the
// embedded pool), the worker service for the pool alone.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/config"
	"github.com/cuongbtq/mail-scheduler/internal/dispatch"
	"github.com/cuongbtq/mail-scheduler/internal/mailer"
	"github.com/cuongbtq/mail-scheduler/internal/ratelimit"
	"github.com/cuongbtq/mail-scheduler/internal/scheduler"
	"github.com/cuongbtq/mail-scheduler/internal/storage"
	"github.com/cuongbtq/mail-scheduler/shared/database"
	"github.com/cuongbtq/mail-scheduler/shared/logger"
	"github.com/cuongbtq/mail-scheduler/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/mail-scheduler/shared/redis"
)

// Runtime holds the connections and shared components of one process
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	DB      *database.Client
	Redis   *sharedredis.Client
	Store   *storage.Storage
	Queue   dispatch.Queue
	Limiter ratelimit.Limiter
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   timeFormat,
	})
}

// Open connects the database (running migrations) and, when a backend
// needs it, Redis, then builds the queue and the limiter
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Logger: log}

	db, err := InitDatabase(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	rt.DB = db

	rt.Store = storage.NewStorage(db.GetDB(), log)
	if err := rt.Store.Migrate(ctx); err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if cfg.UsesRedis() {
		rdb, err := InitRedis(ctx, &cfg.Redis, log)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		rt.Redis = rdb
	}

	rt.Queue = rt.newQueue()
	rt.Limiter = rt.newLimiter()

	log.Info("Runtime initialized",
		slog.String("database", cfg.Database.Driver),
		slog.String("dispatch", cfg.Dispatch.Driver),
		slog.String("ratelimit", cfg.RateLimit.Driver),
		slog.Int64("hourly_cap", cfg.RateLimit.HourlyCap),
	)
	return rt, nil
}

// InitDatabase initializes the job store database client
func InitDatabase(cfg *config.DatabaseConfig, log *slog.Logger) (*database.Client, error) {
	return database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, log)
}

// InitRedis initializes the Redis client shared by the queue and the limiter
func InitRedis(ctx context.Context, cfg *config.RedisConfig, log *slog.Logger) (*sharedredis.Client, error) {
	return sharedredis.NewClient(ctx, &sharedredis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, log)
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
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
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, log)
}

// InitMailer builds the configured mail transport
func InitMailer(cfg *config.MailerConfig, log *slog.Logger) (mailer.Mailer, error) {
	switch cfg.Driver {
	case config.DriverLog, "":
		return mailer.NewLogMailer(log, cfg.Domain), nil
	case config.DriverSMTP:
		signer, err := mailer.NewSigner(mailer.DKIMConfig{
			Domain:   cfg.DKIM.Domain,
			Selector: cfg.DKIM.Selector,
			KeyPath:  cfg.DKIM.KeyPath,
		})
		if err != nil {
			return nil, err
		}
		return mailer.NewSMTPMailer(mailer.SMTPConfig{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			From:               cfg.SMTP.From,
			FromName:           cfg.SMTP.FromName,
			HeloName:           cfg.SMTP.HeloName,
			RequireTLS:         cfg.SMTP.RequireTLS,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			DialTimeout:        cfg.SMTP.DialTimeout,
		}, signer, log)
	default:
		return nil, fmt.Errorf("unsupported mailer driver: %q", cfg.Driver)
	}
}

func (rt *Runtime) newQueue() dispatch.Queue {
	opts := dispatch.Options{
		MaxInFlight:     rt.Config.Dispatch.MaxInFlight,
		FailureBuffer:   rt.Config.Dispatch.FailureBuffer,
		FailedRetention: rt.Config.Dispatch.FailedRetention,
		Logger:          rt.Logger,
	}
	if rt.Config.Dispatch.Driver == config.DriverRedis {
		return dispatch.NewRedisQueue(rt.Redis.GetClient(), rt.Config.Dispatch.KeyPrefix, opts)
	}
	return dispatch.NewMemoryQueue(opts)
}

func (rt *Runtime) newLimiter() ratelimit.Limiter {
	opts := ratelimit.Options{
		Cap:    int(rt.Config.RateLimit.HourlyCap),
		Logger: rt.Logger,
	}
	if rt.Config.RateLimit.Driver == config.DriverRedis {
		return ratelimit.NewRedisLimiter(rt.Redis.GetClient(), rt.Config.RateLimit.KeyPrefix, opts)
	}
	return ratelimit.NewMemoryLimiter(opts)
}

// NewScheduler builds the submit path over the runtime's store and queue
func (rt *Runtime) NewScheduler() *scheduler.Scheduler {
	return scheduler.NewScheduler(&scheduler.Config{
		Logger: rt.Logger,
		Store:  rt.Store,
		Queue:  rt.Queue,
	})
}

// HealthCheck pings every backing connection
func (rt *Runtime) HealthCheck(ctx context.Context) error {
	if err := rt.DB.HealthCheck(ctx); err != nil {
		return err
	}
	if rt.Redis != nil {
		if err := rt.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
	}
	return nil
}

// Close closes every connection the runtime opened
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}
