package worker

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Pool supervises N workers that share one immutable registry
type Pool struct {
	workers []*Worker
	logger  *slog.Logger
}

// NewPool builds count workers from cfg. Worker names are cfg.Name with the
// worker index appended. A count below 1 yields a single worker.
func NewPool(count int, cfg Config) *Pool {
	if count < 1 {
		count = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := make([]*Worker, 0, count)
	for i := range count {
		wc := cfg
		wc.Name = fmt.Sprintf("%s-%d", cfg.Name, i)
		workers = append(workers, NewWorker(&wc))
	}

	return &Pool{workers: workers, logger: logger}
}

// Workers returns the supervised workers
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Run blocks until every worker has returned. A single worker runs inline.
// Canceling ctx interrupts all workers; each finishes its in-flight job
// first. If one worker fails fatally the others are interrupted too.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.workers) == 1 {
		return p.workers[0].Run(ctx)
	}

	p.logger.Info("Spawning worker pool",
		slog.Int("worker_count", len(p.workers)),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	err := g.Wait()

	p.logger.Info("Worker pool stopped",
		slog.Int("worker_count", len(p.workers)),
	)
	return err
}

// Snapshot returns the stats of every worker
func (p *Pool) Snapshot() []Stats {
	out := make([]Stats, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Stats())
	}
	return out
}
