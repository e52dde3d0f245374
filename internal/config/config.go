package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvPrefix prefixes every environment override, e.g. JOBWORKER_DB_HOST
	EnvPrefix = "JOBWORKER_"
)

// Ledger drivers
const (
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"
)

// Broker drivers
const (
	BrokerBeanstalk = "beanstalk"
	BrokerRabbitMQ  = "rabbitmq"
	BrokerRedis     = "redis"
)

// Config represents the complete worker service configuration
type Config struct {
	App      AppConfig      `yaml:"app" envPrefix:"APP_"`
	Logging  LoggingConfig  `yaml:"logging" envPrefix:"LOG_"`
	Database DatabaseConfig `yaml:"database" envPrefix:"DB_"`
	Ledger   LedgerConfig   `yaml:"ledger" envPrefix:"LEDGER_"`
	Broker   BrokerConfig   `yaml:"broker" envPrefix:"BROKER_"`
	Worker   WorkerConfig   `yaml:"worker" envPrefix:"WORKER_"`
	Notify   NotifyConfig   `yaml:"notify" envPrefix:"NOTIFY_"`
	Status   StatusConfig   `yaml:"status" envPrefix:"STATUS_"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name" env:"NAME"`
	Version     string `yaml:"version" env:"VERSION"`
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level" env:"LEVEL"`
	Format       string `yaml:"format" env:"FORMAT"`
	Output       string `yaml:"output" env:"OUTPUT"`
	EnableCaller bool   `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"NAME"`
	SSLMode         string        `yaml:"sslmode" env:"SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// LedgerConfig selects where run records are kept
type LedgerConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
}

// BrokerConfig selects and configures the queue broker
type BrokerConfig struct {
	Driver    string          `yaml:"driver" env:"DRIVER"`
	Beanstalk BeanstalkConfig `yaml:"beanstalk" envPrefix:"BEANSTALK_"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq" envPrefix:"RABBITMQ_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
}

// BeanstalkConfig holds beanstalkd connection settings
type BeanstalkConfig struct {
	Host         string        `yaml:"host" env:"HOST"`
	Port         int           `yaml:"port" env:"PORT"`
	ReleaseDelay time.Duration `yaml:"release_delay" env:"RELEASE_DELAY"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host              string         `yaml:"host" env:"HOST"`
	Port              int            `yaml:"port" env:"PORT"`
	User              string         `yaml:"user" env:"USER"`
	Password          string         `yaml:"password" env:"PASSWORD"`
	VHost             string         `yaml:"vhost" env:"VHOST"`
	Exchange          ExchangeConfig `yaml:"exchange" envPrefix:"EXCHANGE_"`
	QueueDurable      bool           `yaml:"queue_durable" env:"QUEUE_DURABLE"`
	PrefetchCount     int            `yaml:"prefetch_count" env:"PREFETCH_COUNT"`
	Heartbeat         time.Duration  `yaml:"heartbeat" env:"HEARTBEAT"`
	ConnectionTimeout time.Duration  `yaml:"connection_timeout" env:"CONNECTION_TIMEOUT"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name" env:"NAME"`
	Type    string `yaml:"type" env:"TYPE"`
	Durable bool   `yaml:"durable" env:"DURABLE"`
}

// RedisConfig holds Redis list broker settings
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	Prefix       string        `yaml:"prefix" env:"PREFIX"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Name             string        `yaml:"name" env:"NAME"`
	Count            int           `yaml:"count" env:"COUNT"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff" env:"RECONNECT_BACKOFF"`
	ReserveTimeout   time.Duration `yaml:"reserve_timeout" env:"RESERVE_TIMEOUT"`
	JobNameTemplate  string        `yaml:"job_name_template" env:"JOB_NAME_TEMPLATE"`
	HandlerSets      []string      `yaml:"handler_sets" env:"HANDLER_SETS"`
}

// NotifyConfig holds operator notification settings
type NotifyConfig struct {
	Email     EmailConfig   `yaml:"email" envPrefix:"EMAIL_"`
	Slack     SlackConfig   `yaml:"slack" envPrefix:"SLACK_"`
	RateLimit float64       `yaml:"rate_limit" env:"RATE_LIMIT"` // notifications per second, 0 disables throttling
	Burst     int           `yaml:"burst" env:"BURST"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// EmailConfig holds SMTP settings for failure mails
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled" env:"ENABLED"`
	Host     string   `yaml:"host" env:"HOST"`
	Port     int      `yaml:"port" env:"PORT"`
	From     string   `yaml:"from" env:"FROM"`
	Username string   `yaml:"username" env:"USERNAME"`
	Password string   `yaml:"password" env:"PASSWORD"`
	TLS      bool     `yaml:"tls" env:"TLS"`
	To       []string `yaml:"to" env:"TO"`
}

// SlackConfig holds the Slack webhook settings
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	WebhookURL string `yaml:"webhook_url" env:"WEBHOOK_URL"`
	Channel    string `yaml:"channel" env:"CHANNEL"`
	Username   string `yaml:"username" env:"USERNAME"`
	RetryLimit int    `yaml:"retry_limit" env:"RETRY_LIMIT"`
}

// StatusConfig holds the status HTTP server settings
type StatusConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	Port    int  `yaml:"port" env:"PORT"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:        "jobworker",
			Version:     "dev",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Database:        "jobworker",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectTimeout:  5 * time.Second,
		},
		Ledger: LedgerConfig{Driver: LedgerPostgres},
		Broker: BrokerConfig{
			Driver: BrokerBeanstalk,
			Beanstalk: BeanstalkConfig{
				Host:        "localhost",
				Port:        11300,
				DialTimeout: 5 * time.Second,
			},
			RabbitMQ: RabbitMQConfig{
				Host:     "localhost",
				Port:     5672,
				User:     "guest",
				Password: "guest",
				VHost:    "/",
				Exchange: ExchangeConfig{
					Name:    "jobs",
					Type:    "direct",
					Durable: true,
				},
				QueueDurable:      true,
				PrefetchCount:     1,
				Heartbeat:         10 * time.Second,
				ConnectionTimeout: 5 * time.Second,
			},
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				Prefix:       "jobs",
				PollInterval: 100 * time.Millisecond,
				DialTimeout:  5 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Name:             "worker",
			Count:            1,
			ReconnectBackoff: 2 * time.Second,
			ReserveTimeout:   5 * time.Second,
			JobNameTemplate:  "{app}.{job}",
		},
		Notify: NotifyConfig{
			Email: EmailConfig{Port: 587, TLS: true},
			Slack: SlackConfig{
				Username:   "jobworker",
				RetryLimit: 3,
			},
			RateLimit: 1,
			Burst:     5,
			Timeout:   30 * time.Second,
		},
		Status: StatusConfig{Port: 9090},
	}
}

// Load reads the configuration file on top of Default and then applies
// JOBWORKER_* environment overrides. An empty path skips the file.
func Load(configPath string) (*Config, error) {
	config := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Worker.Count < 1 {
		errs = append(errs, fmt.Errorf("worker count must be at least 1, got %d", c.Worker.Count))
	}
	if c.Worker.ReconnectBackoff <= 0 {
		errs = append(errs, fmt.Errorf("worker reconnect_backoff must be greater than 0"))
	}
	if c.Worker.ReserveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("worker reserve_timeout must be greater than 0"))
	}
	if c.Worker.JobNameTemplate != "" && !strings.Contains(c.Worker.JobNameTemplate, "{job}") {
		errs = append(errs, fmt.Errorf("worker job_name_template %q must contain {job}", c.Worker.JobNameTemplate))
	}

	switch c.Ledger.Driver {
	case LedgerMemory:
	case LedgerPostgres:
		errs = append(errs, c.Database.validate()...)
	default:
		errs = append(errs, fmt.Errorf("unknown ledger driver %q (want %s or %s)", c.Ledger.Driver, LedgerPostgres, LedgerMemory))
	}

	switch c.Broker.Driver {
	case BrokerBeanstalk:
		if c.Broker.Beanstalk.Host == "" {
			errs = append(errs, fmt.Errorf("beanstalk host is required"))
		}
		errs = appendPortErr(errs, "beanstalk", c.Broker.Beanstalk.Port)
	case BrokerRabbitMQ:
		if c.Broker.RabbitMQ.Host == "" {
			errs = append(errs, fmt.Errorf("rabbitmq host is required"))
		}
		errs = appendPortErr(errs, "rabbitmq", c.Broker.RabbitMQ.Port)
		if c.Broker.RabbitMQ.Exchange.Name == "" {
			errs = append(errs, fmt.Errorf("rabbitmq exchange name is required"))
		}
	case BrokerRedis:
		if c.Broker.Redis.Addr == "" {
			errs = append(errs, fmt.Errorf("redis addr is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown broker driver %q (want %s, %s or %s)", c.Broker.Driver, BrokerBeanstalk, BrokerRabbitMQ, BrokerRedis))
	}

	if c.Notify.Email.Enabled {
		if c.Notify.Email.Host == "" {
			errs = append(errs, fmt.Errorf("notify email host is required"))
		}
		if len(c.Notify.Email.To) == 0 {
			errs = append(errs, fmt.Errorf("notify email needs at least one recipient"))
		}
	}
	if c.Notify.Slack.Enabled && c.Notify.Slack.WebhookURL == "" {
		errs = append(errs, fmt.Errorf("notify slack webhook_url is required"))
	}
	if c.Notify.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("notify rate_limit must not be negative"))
	}

	if c.Status.Enabled {
		errs = appendPortErr(errs, "status", c.Status.Port)
	}

	return errors.Join(errs...)
}

func (d *DatabaseConfig) validate() []error {
	var errs []error
	if d.Host == "" {
		errs = append(errs, fmt.Errorf("database host is required"))
	}
	errs = appendPortErr(errs, "database", d.Port)
	if d.Database == "" {
		errs = append(errs, fmt.Errorf("database name is required"))
	}
	return errs
}

func appendPortErr(errs []error, what string, port int) []error {
	if port < MinPort || port > MaxPort {
		return append(errs, fmt.Errorf("invalid %s port: %d (must be between %d and %d)", what, port, MinPort, MaxPort))
	}
	return errs
}
