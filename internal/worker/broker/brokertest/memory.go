// Package brokertest provides an in-process broker for worker tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/broker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// Stats counts items of one queue name by state.
type Stats struct {
	Ready    int
	Reserved int
	Buried   int
	Deleted  int
	Requeued int
}

type memItem struct {
	id   string
	name string
	body []byte
}

// Broker is a beanstalkd-like broker held in memory. Sessions created by
// Connect share its queues.
type Broker struct {
	mu             sync.Mutex
	seq            uint64
	epoch          int
	ready          map[string][]*memItem
	reserved       map[string]*memItem
	buried         map[string][]*memItem
	stats          map[string]*Stats
	wake           chan struct{}
	failConnects   int
	connects       int
	reserveTimeout time.Duration
}

// New creates an empty broker. reserveTimeout bounds each Reserve call.
func New(reserveTimeout time.Duration) *Broker {
	return &Broker{
		ready:          make(map[string][]*memItem),
		reserved:       make(map[string]*memItem),
		buried:         make(map[string][]*memItem),
		stats:          make(map[string]*Stats),
		wake:           make(chan struct{}),
		reserveTimeout: reserveTimeout,
	}
}

// Put appends an item to name and returns its id.
func (b *Broker) Put(name string, body []byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	item := &memItem{id: domain.FormatItemID(b.seq), name: name, body: body}
	b.ready[name] = append(b.ready[name], item)
	b.statsFor(name).Ready++
	b.broadcast()
	return item.id
}

// FailConnects makes the next n Connect calls fail.
func (b *Broker) FailConnects(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failConnects = n
}

// Connects reports how many Connect calls were made.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// DropSessions makes every open session report a lost connection.
// Items they had reserved go back to their queues.
func (b *Broker) DropSessions() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.epoch++
	for id, item := range b.reserved {
		delete(b.reserved, id)
		b.ready[item.name] = append([]*memItem{item}, b.ready[item.name]...)
		st := b.statsFor(item.name)
		st.Reserved--
		st.Ready++
	}
	b.broadcast()
}

// Stats returns the counters of name.
func (b *Broker) Stats(name string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.statsFor(name)
}

// Buried returns the bodies poisoned on name.
func (b *Broker) Buried(name string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, 0, len(b.buried[name]))
	for _, item := range b.buried[name] {
		out = append(out, item.body)
	}
	return out
}

// Connect opens a session.
func (b *Broker) Connect(_ context.Context) (broker.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.connects++
	if b.failConnects > 0 {
		b.failConnects--
		return nil, fmt.Errorf("%w: connection refused", domain.ErrConnect)
	}
	return &session{broker: b, epoch: b.epoch}, nil
}

func (b *Broker) statsFor(name string) *Stats {
	st, ok := b.stats[name]
	if !ok {
		st = &Stats{}
		b.stats[name] = st
	}
	return st
}

func (b *Broker) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}

type session struct {
	broker *Broker
	epoch  int
	names  []string
	closed bool
}

func (s *session) Subscribe(_ context.Context, names []string) error {
	if len(names) == 0 {
		return errors.New("no queues to watch")
	}
	s.names = append([]string(nil), names...)
	return nil
}

func (s *session) Reserve(ctx context.Context) (*domain.QueueItem, error) {
	if len(s.names) == 0 {
		return nil, errors.New("reserve before subscribe")
	}

	timer := time.NewTimer(s.broker.reserveTimeout)
	defer timer.Stop()

	for {
		item, wake, err := s.tryReserve()
		if item != nil || err != nil {
			return item, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
		}
	}
}

func (s *session) tryReserve() (*domain.QueueItem, <-chan struct{}, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return nil, nil, err
	}

	for _, name := range s.names {
		queue := b.ready[name]
		if len(queue) == 0 {
			continue
		}

		item := queue[0]
		b.ready[name] = queue[1:]
		b.reserved[item.id] = item

		st := b.statsFor(name)
		st.Ready--
		st.Reserved++

		return &domain.QueueItem{ID: item.id, Name: item.name, Body: item.body, Receipt: item}, nil, nil
	}
	return nil, b.wake, nil
}

func (s *session) Acknowledge(_ context.Context, item *domain.QueueItem) error {
	return s.settle(item, func(b *Broker, it *memItem, st *Stats) {
		st.Deleted++
	})
}

func (s *session) Requeue(_ context.Context, item *domain.QueueItem) error {
	return s.settle(item, func(b *Broker, it *memItem, st *Stats) {
		b.ready[it.name] = append(b.ready[it.name], it)
		st.Ready++
		st.Requeued++
		b.broadcast()
	})
}

func (s *session) Poison(_ context.Context, item *domain.QueueItem) error {
	return s.settle(item, func(b *Broker, it *memItem, st *Stats) {
		b.buried[it.name] = append(b.buried[it.name], it)
		st.Buried++
	})
}

func (s *session) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.closed = true
	return nil
}

func (s *session) settle(item *domain.QueueItem, apply func(b *Broker, it *memItem, st *Stats)) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := s.checkLocked(); err != nil {
		return err
	}

	it, ok := b.reserved[item.ID]
	if !ok {
		return fmt.Errorf("%w: item %s", domain.ErrItemGone, item.ID)
	}
	delete(b.reserved, item.ID)

	st := b.statsFor(it.name)
	st.Reserved--
	apply(b, it, st)
	return nil
}

func (s *session) checkLocked() error {
	if s.closed {
		return fmt.Errorf("%w: session closed", domain.ErrConnectionLost)
	}
	if s.epoch != s.broker.epoch {
		return fmt.Errorf("%w: session dropped", domain.ErrConnectionLost)
	}
	return nil
}

var _ broker.Dialer = (*Broker)(nil)
