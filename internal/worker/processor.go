package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/jobworker/internal/worker/broker"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/internal/worker/jobctx"
	"github.com/cuongbtq/jobworker/internal/worker/notify"
	"github.com/cuongbtq/jobworker/internal/worker/sandbox"
)

// finalizeAttempts bounds the writes of one terminal record
const finalizeAttempts = 3

// dispatch runs one reserved item to completion. It only returns an error
// when the broker session is unusable.
func (w *Worker) dispatch(ctx context.Context, session broker.Session, item *domain.QueueItem) error {
	logger := w.logger.With(
		slog.String("job_name", item.Name),
		slog.String("item_id", item.ID),
	)

	handler, ok := w.registry.Lookup(item.Name)
	if !ok {
		// Not ours: release it for a worker that knows the name
		logger.Debug("No handler registered for job, releasing item")
		w.requeued.Add(1)
		w.metrics.observeRequeue(item.Name)
		return w.settle(ctx, logger, "requeue", session.Requeue, item)
	}

	// An interrupt must not abandon a job that already started
	jobCtx := context.WithoutCancel(ctx)

	w.setCurrentJob(item.Name)
	defer w.setCurrentJob("")

	logger.Debug("Calling job", slog.String("arg", string(item.Body)))

	run := domain.NewJobRun(item, w.pid, w.name, w.now())
	if err := w.ledger.Create(jobCtx, run); err != nil {
		logger.Error("Failed to create job run, releasing item",
			slog.Duration("retry_after", w.backoff),
			slog.String("error", err.Error()),
		)
		w.requeued.Add(1)
		w.metrics.observeRequeue(item.Name)
		if err := w.settle(jobCtx, logger, "requeue", session.Requeue, item); err != nil {
			return err
		}
		// ledger outages back off like broker outages but keep the session;
		// an interrupt cuts the pause short and serve observes it
		_ = w.sleep(ctx, w.backoff)
		return nil
	}
	logger = logger.With(slog.String("run_id", run.ID))

	job := jobctx.New(run, w.ledger)
	out := sandbox.Execute(jobCtx, job, handler, item.Body)

	if err := w.ledger.RecordMetadataUpdate(jobCtx, run.ID, domain.MetaDurationMS, out.Duration.Milliseconds()); err != nil {
		logger.Warn("Failed to record job duration", slog.String("error", err.Error()))
	}
	if err := run.Finish(out, w.now()); err != nil {
		logger.Error("Failed to finish job run", slog.String("error", err.Error()))
	}
	w.finalize(jobCtx, logger, run)

	w.metrics.observeRun(item.Name, string(run.Status), out.Duration)

	if out.Success {
		w.processed.Add(1)
		logger.Info("Job completed successfully", slog.Duration("duration", out.Duration))
		return w.settle(jobCtx, logger, "acknowledge", session.Acknowledge, item)
	}

	w.failed.Add(1)
	subject := notify.FailureSubject(item.Name, item.Body, out.Err)
	logger.Error(subject)
	logger.Debug("Job failure trace", slog.String("trace", out.ExceptionTrace))

	settleErr := w.settle(jobCtx, logger, "poison", session.Poison, item)
	w.notifyFailure(jobCtx, logger, subject, out.ExceptionTrace)
	return settleErr
}

// finalize writes the terminal record, retrying transient ledger failures
// with the worker backoff before the item is settled.
func (w *Worker) finalize(ctx context.Context, logger *slog.Logger, run *domain.JobRun) {
	for attempt := 1; ; attempt++ {
		err := w.ledger.Finalize(ctx, run)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrRunNotFound) || attempt >= finalizeAttempts {
			logger.Error("Failed to finalize job run",
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			return
		}

		logger.Warn("Failed to finalize job run, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", w.backoff),
			slog.String("error", err.Error()),
		)
		if err := w.sleep(ctx, w.backoff); err != nil {
			logger.Error("Failed to finalize job run", slog.String("error", err.Error()))
			return
		}
	}
}

// settle applies a broker settlement. A vanished reservation is logged and
// ignored; transport failures are returned to force a reconnect.
func (w *Worker) settle(ctx context.Context, logger *slog.Logger, op string, fn func(context.Context, *domain.QueueItem) error, item *domain.QueueItem) error {
	err := fn(ctx, item)
	if err == nil {
		return nil
	}

	if errors.Is(err, domain.ErrConnectionLost) {
		logger.Warn("Failed to settle item, connection lost",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Warn("Failed to settle item",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return nil
}

// notifyFailure alerts the operator. Its failure never affects the run record.
func (w *Worker) notifyFailure(ctx context.Context, logger *slog.Logger, subject, body string) {
	ctx, cancel := context.WithTimeout(ctx, w.notifyTimeout)
	defer cancel()

	if err := w.notifier.Notify(ctx, subject, body); err != nil {
		logger.Warn("Failed to notify operator",
			slog.String("error", err.Error()),
		)
	}
}
