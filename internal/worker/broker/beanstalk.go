package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/beanstalkd/go-beanstalk"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// DefaultBeanstalkPriority is used when a job's priority cannot be read back
const DefaultBeanstalkPriority uint32 = 1024

// BeanstalkConfig holds beanstalkd connection settings
type BeanstalkConfig struct {
	Host           string
	Port           int
	ReserveTimeout time.Duration // how long one reserve-with-timeout may block
	ReleaseDelay   time.Duration // delay applied when requeueing
	DialTimeout    time.Duration
}

// BeanstalkDialer opens sessions against a beanstalkd server
type BeanstalkDialer struct {
	config *BeanstalkConfig
	logger *slog.Logger
}

// NewBeanstalkDialer creates a new BeanstalkDialer
func NewBeanstalkDialer(config *BeanstalkConfig, logger *slog.Logger) *BeanstalkDialer {
	return &BeanstalkDialer{config: config, logger: logger}
}

// Addr returns host:port of the server
func (d *BeanstalkDialer) Addr() string {
	return net.JoinHostPort(d.config.Host, strconv.Itoa(d.config.Port))
}

// Connect dials the server
func (d *BeanstalkDialer) Connect(ctx context.Context) (Session, error) {
	dialer := net.Dialer{Timeout: d.config.DialTimeout}

	nc, err := dialer.DialContext(ctx, "tcp", d.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: beanstalkd %s: %w", domain.ErrConnect, d.Addr(), err)
	}

	d.logger.Debug("Connected to beanstalkd", slog.String("addr", d.Addr()))

	return &beanstalkSession{
		conn:   beanstalk.NewConn(nc),
		config: d.config,
		logger: d.logger,
	}, nil
}

// beanstalkReceipt is the broker-side handle of a reserved job
type beanstalkReceipt struct {
	id  uint64
	pri uint32
}

type beanstalkSession struct {
	conn   *beanstalk.Conn
	tubes  *beanstalk.TubeSet
	config *BeanstalkConfig
	logger *slog.Logger
}

// Subscribe watches names. The default tube is ignored on the first reserve.
func (s *beanstalkSession) Subscribe(_ context.Context, names []string) error {
	if len(names) == 0 {
		return errors.New("no tubes to watch")
	}
	s.tubes = beanstalk.NewTubeSet(s.conn, names...)
	return nil
}

func (s *beanstalkSession) Reserve(ctx context.Context) (*domain.QueueItem, error) {
	if s.tubes == nil {
		return nil, errors.New("reserve before subscribe")
	}

	// closing the connection is the only way to interrupt a blocking reserve;
	// beanstalkd releases whatever the connection held
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	id, body, err := s.tubes.Reserve(s.config.ReserveTimeout)
	interrupted := !stop()

	if interrupted {
		return nil, ctx.Err()
	}
	if err != nil {
		if isBeanstalkErr(err, beanstalk.ErrTimeout) || isBeanstalkErr(err, beanstalk.ErrDeadline) {
			return nil, nil
		}
		return nil, s.lost("reserve", err)
	}

	stats, err := s.conn.StatsJob(id)
	if err != nil {
		if isBeanstalkErr(err, beanstalk.ErrNotFound) {
			return nil, nil
		}
		return nil, s.lost("stats-job", err)
	}

	pri, err := parsePriority(stats)
	if err != nil {
		s.logger.Warn("Unreadable job priority, using default",
			slog.Uint64("item_id", id),
			slog.Any("default", DefaultBeanstalkPriority),
			slog.String("error", err.Error()),
		)
	}

	return &domain.QueueItem{
		ID:      domain.FormatItemID(id),
		Name:    stats["tube"],
		Body:    body,
		Receipt: beanstalkReceipt{id: id, pri: pri},
	}, nil
}

// parsePriority reads the pri field of stats-job. Release and bury reuse it,
// so a bad value falls back to DefaultBeanstalkPriority instead of 0.
func parsePriority(stats map[string]string) (uint32, error) {
	raw, ok := stats["pri"]
	if !ok {
		return DefaultBeanstalkPriority, errors.New("stats-job has no pri field")
	}
	pri, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return DefaultBeanstalkPriority, fmt.Errorf("invalid pri %q: %w", raw, err)
	}
	return uint32(pri), nil
}

func (s *beanstalkSession) Acknowledge(_ context.Context, item *domain.QueueItem) error {
	r, err := receiptOf(item)
	if err != nil {
		return err
	}
	return s.settle("delete", item, s.conn.Delete(r.id))
}

func (s *beanstalkSession) Requeue(_ context.Context, item *domain.QueueItem) error {
	r, err := receiptOf(item)
	if err != nil {
		return err
	}
	return s.settle("release", item, s.conn.Release(r.id, r.pri, s.config.ReleaseDelay))
}

func (s *beanstalkSession) Poison(_ context.Context, item *domain.QueueItem) error {
	r, err := receiptOf(item)
	if err != nil {
		return err
	}
	return s.settle("bury", item, s.conn.Bury(r.id, r.pri))
}

func (s *beanstalkSession) Close() error {
	return s.conn.Close()
}

func (s *beanstalkSession) settle(op string, item *domain.QueueItem, err error) error {
	if err == nil {
		return nil
	}
	if isBeanstalkErr(err, beanstalk.ErrNotFound) {
		return fmt.Errorf("%w: %s job %s", domain.ErrItemGone, op, item.ID)
	}
	return s.lost(op, err)
}

func (s *beanstalkSession) lost(op string, err error) error {
	return fmt.Errorf("%w: beanstalkd %s: %w", domain.ErrConnectionLost, op, err)
}

func receiptOf(item *domain.QueueItem) (beanstalkReceipt, error) {
	r, ok := item.Receipt.(beanstalkReceipt)
	if !ok {
		return beanstalkReceipt{}, fmt.Errorf("item %s was not reserved from beanstalkd", item.ID)
	}
	return r, nil
}

func isBeanstalkErr(err, target error) bool {
	var connErr beanstalk.ConnError
	if errors.As(err, &connErr) {
		return connErr.Err == target
	}
	return false
}
