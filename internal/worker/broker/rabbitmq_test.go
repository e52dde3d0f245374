package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/shared/logger"
	"github.com/cuongbtq/jobworker/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ackRecorder stands in for the amqp channel behind a delivery
type ackRecorder struct {
	acked    []uint64
	requeued []uint64
	rejected []uint64
	err      error
}

func (a *ackRecorder) Ack(tag uint64, _ bool) error {
	a.acked = append(a.acked, tag)
	return a.err
}

func (a *ackRecorder) Nack(tag uint64, _ bool, requeue bool) error {
	if requeue {
		a.requeued = append(a.requeued, tag)
	} else {
		a.rejected = append(a.rejected, tag)
	}
	return a.err
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

// newTestRabbitSession wires a session to in-memory delivery channels
func newTestRabbitSession(queues map[string]chan amqp.Delivery) *rabbitSession {
	s := &rabbitSession{
		client:         &rabbitmq.Client{},
		reserveTimeout: 50 * time.Millisecond,
		deliveries:     make(chan taggedDelivery),
		done:           make(chan struct{}),
		subscribed:     true,
	}
	for name, src := range queues {
		go s.forward(name, src)
	}
	return s
}

func TestRabbitSession_ReserveFromAnyQueue(t *testing.T) {
	acks := &ackRecorder{}
	charge := make(chan amqp.Delivery, 1)
	refund := make(chan amqp.Delivery, 1)
	s := newTestRabbitSession(map[string]chan amqp.Delivery{
		"billing.chargeCard": charge,
		"billing.refund":     refund,
	})
	defer s.Close()

	refund <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 9, Body: []byte(`{"id": 1}`)}

	item, err := s.Reserve(context.Background())
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "billing.refund", item.Name)
	assert.Equal(t, "9", item.ID, "delivery tag is used when the message has no id")
	assert.Equal(t, []byte(`{"id": 1}`), item.Body)

	charge <- amqp.Delivery{Acknowledger: acks, DeliveryTag: 10, MessageId: "msg-1"}
	item, err = s.Reserve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "msg-1", item.ID)
	assert.Equal(t, "billing.chargeCard", item.Name)
}

func TestRabbitSession_ReserveTimeout(t *testing.T) {
	s := newTestRabbitSession(map[string]chan amqp.Delivery{"billing.chargeCard": make(chan amqp.Delivery)})
	defer s.Close()

	item, err := s.Reserve(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, item)
}

func TestRabbitSession_ReserveBeforeSubscribe(t *testing.T) {
	s := newTestRabbitSession(nil)
	s.subscribed = false

	_, err := s.Reserve(context.Background())
	assert.Error(t, err)
}

func TestRabbitSession_Settlement(t *testing.T) {
	tests := []struct {
		name   string
		settle func(s *rabbitSession, item *domain.QueueItem) error
		check  func(t *testing.T, a *ackRecorder)
	}{
		{
			name:   "acknowledge acks",
			settle: func(s *rabbitSession, item *domain.QueueItem) error { return s.Acknowledge(context.Background(), item) },
			check:  func(t *testing.T, a *ackRecorder) { assert.Equal(t, []uint64{7}, a.acked) },
		},
		{
			name:   "requeue nacks with requeue",
			settle: func(s *rabbitSession, item *domain.QueueItem) error { return s.Requeue(context.Background(), item) },
			check:  func(t *testing.T, a *ackRecorder) { assert.Equal(t, []uint64{7}, a.requeued) },
		},
		{
			name:   "poison nacks without requeue",
			settle: func(s *rabbitSession, item *domain.QueueItem) error { return s.Poison(context.Background(), item) },
			check:  func(t *testing.T, a *ackRecorder) { assert.Equal(t, []uint64{7}, a.rejected) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acks := &ackRecorder{}
			s := newTestRabbitSession(nil)
			item := &domain.QueueItem{ID: "7", Receipt: amqp.Delivery{Acknowledger: acks, DeliveryTag: 7}}

			require.NoError(t, tt.settle(s, item))
			tt.check(t, acks)
		})
	}
}

func TestRabbitSession_SettleErrors(t *testing.T) {
	s := newTestRabbitSession(nil)

	t.Run("closed channel is a lost connection", func(t *testing.T) {
		acks := &ackRecorder{err: amqp.ErrClosed}
		item := &domain.QueueItem{ID: "1", Receipt: amqp.Delivery{Acknowledger: acks, DeliveryTag: 1}}

		err := s.Acknowledge(context.Background(), item)
		assert.ErrorIs(t, err, domain.ErrConnectionLost)
	})

	t.Run("other failures are not", func(t *testing.T) {
		acks := &ackRecorder{err: errors.New("precondition failed")}
		item := &domain.QueueItem{ID: "1", Receipt: amqp.Delivery{Acknowledger: acks, DeliveryTag: 1}}

		err := s.Poison(context.Background(), item)
		require.Error(t, err)
		assert.NotErrorIs(t, err, domain.ErrConnectionLost)
	})

	t.Run("foreign receipt", func(t *testing.T) {
		err := s.Acknowledge(context.Background(), &domain.QueueItem{ID: "1", Receipt: "beanstalk"})
		assert.Error(t, err)
	})
}

func TestRabbitMQDialer_ConnectFailure(t *testing.T) {
	d := NewRabbitMQDialer(&rabbitmq.Config{
		Host:              "127.0.0.1",
		Port:              1,
		User:              "guest",
		Password:          "guest",
		VHost:             "/",
		ExchangeName:      "jobs",
		ExchangeType:      "direct",
		ConnectionTimeout: 200 * time.Millisecond,
	}, time.Second, logger.NewDiscard())

	_, err := d.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnect)
}
