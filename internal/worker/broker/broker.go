// Package broker adapts message brokers to the reserve/ack/requeue/poison
// session the worker consumes from.
package broker

import (
	"context"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// Dialer opens broker sessions. Every worker owns its own session.
type Dialer interface {
	Connect(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Session, error)

// Connect calls f.
func (f DialerFunc) Connect(ctx context.Context) (Session, error) { return f(ctx) }

// Session is one live connection to the broker.
//
// Transport failures are reported wrapped in domain.ErrConnectionLost.
// Acknowledge, Requeue and Poison report domain.ErrItemGone when the
// reservation no longer exists.
type Session interface {
	// Subscribe restricts reservations to the given queue names.
	Subscribe(ctx context.Context, names []string) error
	// Reserve blocks for the next item. It returns (nil, nil) when the
	// reserve timeout elapses without an item.
	Reserve(ctx context.Context) (*domain.QueueItem, error)
	// Acknowledge removes a successfully processed item.
	Acknowledge(ctx context.Context, item *domain.QueueItem) error
	// Requeue returns an item to its queue for another consumer.
	Requeue(ctx context.Context, item *domain.QueueItem) error
	// Poison moves an item out of normal delivery.
	Poison(ctx context.Context, item *domain.QueueItem) error
	// Close releases the connection.
	Close() error
}
