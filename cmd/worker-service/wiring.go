package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/cuongbtq/jobworker/internal/config"
	"github.com/cuongbtq/jobworker/internal/worker/broker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/internal/worker/ledger"
	"github.com/cuongbtq/jobworker/internal/worker/notify"
	"github.com/cuongbtq/jobworker/internal/worker/registry"
	"github.com/cuongbtq/jobworker/internal/worker/storage"
	"github.com/cuongbtq/jobworker/shared/postgresql"
	"github.com/cuongbtq/jobworker/shared/rabbitmq"
)

// initRegistry builds the handler registry. A nil registry with a nil error
// means there is nothing to serve.
func initRegistry(sets []registry.HandlerSet, template string) (*registry.Registry, error) {
	reg, err := registry.Build(sets, template)
	if errors.Is(err, domain.ErrNoHandlerSets) || errors.Is(err, domain.ErrNoHandlers) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build handler registry: %w", err)
	}
	return reg, nil
}

// initLedger opens the run ledger. The postgres client is returned so the
// caller can close it and check it from /health.
func initLedger(cfg *config.Config, logger *slog.Logger) (ledger.Ledger, *postgresql.Client, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerMemory:
		logger.Warn("Using in-memory run ledger, records are lost on exit")
		return ledger.NewMemory(), nil, nil

	case config.LedgerPostgres:
		dbClient, err := initPostgreSQL(&cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Database connection established")

		if cfg.Database.AutoMigrate {
			if err := dbClient.Migrate(); err != nil {
				dbClient.Close()
				return nil, nil, err
			}
		}
		return storage.NewLedger(dbClient.GetDB(), logger), dbClient, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
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
		ConnectTimeout:  cfg.ConnectTimeout,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initDialer builds the broker dialer for the configured driver. Nothing is
// dialed here; each worker connects on its own.
func initDialer(cfg *config.Config, logger *slog.Logger) (broker.Dialer, error) {
	reserveTimeout := cfg.Worker.ReserveTimeout

	switch cfg.Broker.Driver {
	case config.BrokerBeanstalk:
		bc := cfg.Broker.Beanstalk
		return broker.NewBeanstalkDialer(&broker.BeanstalkConfig{
			Host:           bc.Host,
			Port:           bc.Port,
			ReserveTimeout: reserveTimeout,
			ReleaseDelay:   bc.ReleaseDelay,
			DialTimeout:    bc.DialTimeout,
		}, logger), nil

	case config.BrokerRabbitMQ:
		rc := cfg.Broker.RabbitMQ
		return broker.NewRabbitMQDialer(&rabbitmq.Config{
			Host:              rc.Host,
			Port:              rc.Port,
			User:              rc.User,
			Password:          rc.Password,
			VHost:             rc.VHost,
			ExchangeName:      rc.Exchange.Name,
			ExchangeType:      rc.Exchange.Type,
			ExchangeDurable:   rc.Exchange.Durable,
			QueueDurable:      rc.QueueDurable,
			PrefetchCount:     rc.PrefetchCount,
			Heartbeat:         rc.Heartbeat,
			ConnectionTimeout: rc.ConnectionTimeout,
		}, reserveTimeout, logger), nil

	case config.BrokerRedis:
		rc := cfg.Broker.Redis
		return broker.NewRedisDialer(&broker.RedisConfig{
			Addr:           rc.Addr,
			Password:       rc.Password,
			DB:             rc.DB,
			Prefix:         rc.Prefix,
			PollInterval:   rc.PollInterval,
			ReserveTimeout: reserveTimeout,
			DialTimeout:    rc.DialTimeout,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Broker.Driver)
	}
}

// initNotifier combines the enabled operator channels
func initNotifier(cfg *config.NotifyConfig) (notify.Notifier, error) {
	var sinks notify.Multi

	if cfg.Email.Enabled {
		email, err := notify.NewEmailNotifier(notify.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			From:     cfg.Email.From,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			TLS:      cfg.Email.TLS,
			To:       cfg.Email.To,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure email notifier: %w", err)
		}
		sinks = append(sinks, email)
	}

	if cfg.Slack.Enabled {
		slack, err := notify.NewSlackNotifier(notify.SlackConfig{
			WebhookURL: cfg.Slack.WebhookURL,
			Channel:    cfg.Slack.Channel,
			Username:   cfg.Slack.Username,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.Slack.RetryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure slack notifier: %w", err)
		}
		sinks = append(sinks, slack)
	}

	var n notify.Notifier
	switch len(sinks) {
	case 0:
		return notify.Nop{}, nil
	case 1:
		n = sinks[0]
	default:
		n = sinks
	}

	if cfg.RateLimit > 0 {
		n = notify.NewThrottled(n, cfg.RateLimit, cfg.Burst)
	}
	return n, nil
}

// brokerAddr is used in log lines only
func brokerAddr(cfg *config.Config) string {
	switch cfg.Broker.Driver {
	case config.BrokerBeanstalk:
		return net.JoinHostPort(cfg.Broker.Beanstalk.Host, strconv.Itoa(cfg.Broker.Beanstalk.Port))
	case config.BrokerRabbitMQ:
		return net.JoinHostPort(cfg.Broker.RabbitMQ.Host, strconv.Itoa(cfg.Broker.RabbitMQ.Port))
	case config.BrokerRedis:
		return cfg.Broker.Redis.Addr
	default:
		return ""
	}
}
