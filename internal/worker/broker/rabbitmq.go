package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/shared/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQDialer opens sessions on a RabbitMQ exchange. Each job name is a
// durable queue bound with routing key = name; poisoned messages are
// dead-lettered to <exchange>.buried.
type RabbitMQDialer struct {
	config         *rabbitmq.Config
	reserveTimeout time.Duration
	logger         *slog.Logger
}

// NewRabbitMQDialer creates a new RabbitMQDialer
func NewRabbitMQDialer(config *rabbitmq.Config, reserveTimeout time.Duration, logger *slog.Logger) *RabbitMQDialer {
	return &RabbitMQDialer{config: config, reserveTimeout: reserveTimeout, logger: logger}
}

// Connect dials the server
func (d *RabbitMQDialer) Connect(_ context.Context) (Session, error) {
	client, err := rabbitmq.Dial(d.config, d.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConnect, err)
	}

	return &rabbitSession{
		client:         client,
		reserveTimeout: d.reserveTimeout,
		consumerTag:    "jobworker-" + uuid.NewString(),
		deliveries:     make(chan taggedDelivery),
		done:           make(chan struct{}),
	}, nil
}

type taggedDelivery struct {
	queue    string
	delivery amqp.Delivery
}

type rabbitSession struct {
	client         *rabbitmq.Client
	reserveTimeout time.Duration
	consumerTag    string
	deliveries     chan taggedDelivery
	done           chan struct{}
	closeOnce      sync.Once
	subscribed     bool
}

// Subscribe declares one queue per name and fans their deliveries in.
func (s *rabbitSession) Subscribe(_ context.Context, names []string) error {
	if len(names) == 0 {
		return errors.New("no queues to consume")
	}

	for _, name := range names {
		if err := s.client.DeclareTube(name); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)
		}

		src, err := s.client.Consume(name, s.consumerTag+"-"+name)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrConnectionLost, err)
		}

		go s.forward(name, src)
	}

	s.subscribed = true
	return nil
}

func (s *rabbitSession) forward(queue string, src <-chan amqp.Delivery) {
	for d := range src {
		select {
		case s.deliveries <- taggedDelivery{queue: queue, delivery: d}:
		case <-s.done:
			return
		}
	}
}

func (s *rabbitSession) Reserve(ctx context.Context) (*domain.QueueItem, error) {
	if !s.subscribed {
		return nil, errors.New("reserve before subscribe")
	}

	timer := time.NewTimer(s.reserveTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case amqpErr, ok := <-s.client.NotifyClose():
		if !ok || amqpErr == nil {
			return nil, fmt.Errorf("%w: rabbitmq channel closed", domain.ErrConnectionLost)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrConnectionLost, amqpErr)
	case td := <-s.deliveries:
		id := td.delivery.MessageId
		if id == "" {
			id = domain.FormatItemID(td.delivery.DeliveryTag)
		}
		return &domain.QueueItem{
			ID:      id,
			Name:    td.queue,
			Body:    td.delivery.Body,
			Receipt: td.delivery,
		}, nil
	}
}

func (s *rabbitSession) Acknowledge(_ context.Context, item *domain.QueueItem) error {
	d, err := deliveryOf(item)
	if err != nil {
		return err
	}
	return settleAMQP("ack", d.Ack(false))
}

func (s *rabbitSession) Requeue(_ context.Context, item *domain.QueueItem) error {
	d, err := deliveryOf(item)
	if err != nil {
		return err
	}
	return settleAMQP("nack", d.Nack(false, true))
}

// Poison rejects without requeue so the queue dead-letters the message.
func (s *rabbitSession) Poison(_ context.Context, item *domain.QueueItem) error {
	d, err := deliveryOf(item)
	if err != nil {
		return err
	}
	return settleAMQP("reject", d.Nack(false, false))
}

func (s *rabbitSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.client.Close()
}

func deliveryOf(item *domain.QueueItem) (amqp.Delivery, error) {
	d, ok := item.Receipt.(amqp.Delivery)
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("item %s was not reserved from rabbitmq", item.ID)
	}
	return d, nil
}

func settleAMQP(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("%w: rabbitmq %s: %w", domain.ErrConnectionLost, op, err)
	}
	return fmt.Errorf("rabbitmq %s: %w", op, err)
}
