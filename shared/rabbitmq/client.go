package rabbitmq

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	ExchangeName      string
	ExchangeType      string
	ExchangeDurable   bool
	QueueDurable      bool
	PrefetchCount     int
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// URL renders the amqp:// connection string
func (c *Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.VHost,
	}
	return u.String()
}

// DeadLetterExchange is where poisoned messages are routed
func (c *Config) DeadLetterExchange() string {
	return c.ExchangeName + ".buried"
}

// BuriedQueue is the queue holding poisoned messages of one tube
func BuriedQueue(name string) string {
	return name + ".buried"
}

// QueueArgs returns the declaration arguments of a tube queue
func (c *Config) QueueArgs(name string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    c.DeadLetterExchange(),
		"x-dead-letter-routing-key": name,
	}
}

// Client represents a RabbitMQ client bound to one channel
type Client struct {
	config    *Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	logger    *slog.Logger
	closeChan chan *amqp.Error
}

// Dial opens a connection and channel and declares the exchanges.
// It makes a single attempt; callers own the retry policy.
func Dial(config *Config, logger *slog.Logger) (*Client, error) {
	amqpConfig := amqp.Config{
		Heartbeat: config.Heartbeat,
		Locale:    "en_US",
	}
	if config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(config.ConnectionTimeout)
	}

	logger.Debug("Connecting to RabbitMQ",
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
	)

	conn, err := amqp.DialConfig(config.URL(), amqpConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	c := &Client{
		config:  config,
		conn:    conn,
		channel: channel,
		logger:  logger,
	}

	if err := c.setup(); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to setup exchanges: %w", err)
	}

	// Monitor channel
	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)

	logger.Info("RabbitMQ client initialized",
		slog.String("exchange", config.ExchangeName),
		slog.Int("prefetch_count", config.PrefetchCount),
	)

	return c, nil
}

// setup declares the work and dead-letter exchanges and sets QoS
func (c *Client) setup() error {
	for _, name := range []string{c.config.ExchangeName, c.config.DeadLetterExchange()} {
		err := c.channel.ExchangeDeclare(
			name,                     // name
			c.config.ExchangeType,    // type
			c.config.ExchangeDurable, // durable
			false,                    // auto-deleted
			false,                    // internal
			false,                    // no-wait
			nil,                      // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}

	// global: one unacknowledged message across every consumer on the channel
	if err := c.channel.Qos(c.config.PrefetchCount, 0, true); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	return nil
}

// DeclareTube declares the queue for one job name and its buried queue
func (c *Client) DeclareTube(name string) error {
	_, err := c.channel.QueueDeclare(
		name,                  // name
		c.config.QueueDurable, // durable
		false,                 // auto-delete
		false,                 // exclusive
		false,                 // no-wait
		c.config.QueueArgs(name),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	if err := c.channel.QueueBind(name, name, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}

	buried := BuriedQueue(name)
	if _, err := c.channel.QueueDeclare(buried, c.config.QueueDurable, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", buried, err)
	}

	if err := c.channel.QueueBind(buried, name, c.config.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", buried, err)
	}

	return nil
}

// Consume starts consuming messages from a queue
func (c *Client) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	messages, err := c.channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Debug("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
	)

	return messages, nil
}

// NotifyClose is signalled when the channel or connection goes away
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.closeChan
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Debug("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}

	return nil
}
