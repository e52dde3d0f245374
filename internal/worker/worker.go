package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/broker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/internal/worker/ledger"
	"github.com/cuongbtq/jobworker/internal/worker/notify"
	"github.com/cuongbtq/jobworker/internal/worker/registry"
)

// DefaultReconnectBackoff is the pause between broker connection attempts
const DefaultReconnectBackoff = 2 * time.Second

// State is the position of a worker in its connection loop
type State int32

// Worker states
const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReserving
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReserving:
		return "reserving"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config holds worker configuration
type Config struct {
	Name             string
	Logger           *slog.Logger
	Dialer           broker.Dialer
	Registry         *registry.Registry
	Ledger           ledger.Ledger
	Notifier         notify.Notifier
	ReconnectBackoff time.Duration
	NotifyTimeout    time.Duration
	Metrics          *Metrics
}

// Stats is a point-in-time view of one worker
type Stats struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	CurrentJob string `json:"current_job,omitempty"`
	Processed  int64  `json:"processed"`
	Failed     int64  `json:"failed"`
	Requeued   int64  `json:"requeued"`
	Reconnects int64  `json:"reconnects"`
}

// Worker owns one broker session and processes reserved items one at a time
type Worker struct {
	name          string
	logger        *slog.Logger
	dialer        broker.Dialer
	registry      *registry.Registry
	ledger        ledger.Ledger
	notifier      notify.Notifier
	backoff       time.Duration
	notifyTimeout time.Duration
	metrics       *Metrics
	pid           int

	state      atomic.Int32
	processed  atomic.Int64
	failed     atomic.Int64
	requeued   atomic.Int64
	reconnects atomic.Int64

	mu         sync.Mutex
	currentJob string

	// overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	backoff := cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 30 * time.Second
	}

	return &Worker{
		name:          cfg.Name,
		logger:        logger.With(slog.String("worker_name", cfg.Name)),
		dialer:        cfg.Dialer,
		registry:      cfg.Registry,
		ledger:        cfg.Ledger,
		notifier:      notifier,
		backoff:       backoff,
		notifyTimeout: notifyTimeout,
		metrics:       cfg.Metrics,
		pid:           os.Getpid(),
		sleep:         sleepContext,
		now:           time.Now,
	}
}

// Name returns the worker name
func (w *Worker) Name() string {
	return w.name
}

// State returns the current loop state
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Stats returns a snapshot of the worker counters
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	current := w.currentJob
	w.mu.Unlock()

	return Stats{
		Name:       w.name,
		State:      w.State().String(),
		CurrentJob: current,
		Processed:  w.processed.Load(),
		Failed:     w.failed.Load(),
		Requeued:   w.requeued.Load(),
		Reconnects: w.reconnects.Load(),
	}
}

// Run connects, subscribes and processes items until ctx is canceled.
// Broker failures never end the loop; they trigger a reconnect after the
// backoff. Run returns nil on interrupt and an error only for failures that
// a reconnect cannot fix.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started",
		slog.Int("pid", w.pid),
		slog.Int("job_count", w.registry.Len()),
	)
	defer w.setState(StateStopped)

	for {
		w.setState(StateDisconnected)
		if ctx.Err() != nil {
			w.logger.Info("Worker stopping - context canceled")
			return nil
		}

		err := w.serve(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Worker stopping - context canceled")
			return nil
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrConnect) && !errors.Is(err, domain.ErrConnectionLost) {
			return fmt.Errorf("worker %s: %w", w.name, err)
		}

		w.reconnects.Add(1)
		w.metrics.observeReconnect()
		w.logger.Info("Broker connection error",
			slog.String("error", err.Error()),
			slog.Duration("retry_after", w.backoff),
		)

		w.setState(StateDisconnected)
		if err := w.sleep(ctx, w.backoff); err != nil {
			w.logger.Info("Worker stopping - context canceled")
			return nil
		}
		w.logger.Info("Retrying broker connection...")
	}
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Worker) setCurrentJob(name string) {
	w.mu.Lock()
	w.currentJob = name
	w.mu.Unlock()
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
