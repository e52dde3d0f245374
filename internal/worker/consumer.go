package worker

import (
	"context"
	"log/slog"
)

// serve runs one broker session: connect, subscribe, then reserve and
// dispatch until the session fails or ctx is canceled.
func (w *Worker) serve(ctx context.Context) error {
	w.setState(StateConnecting)

	session, err := w.dialer.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			w.logger.Debug("Failed to close broker session",
				slog.String("error", closeErr.Error()),
			)
		}
	}()

	// Watch exactly the registered names; the broker's default channel is excluded
	if err := session.Subscribe(ctx, w.registry.Names()); err != nil {
		return err
	}
	w.setState(StateSubscribed)

	w.logger.Debug("Broker connection established, waiting for jobs",
		slog.Any("jobs", w.registry.Names()),
	)

	for {
		if ctx.Err() != nil {
			return nil
		}

		w.setState(StateReserving)
		item, err := session.Reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if item == nil {
			// reserve timeout; loop to observe interrupts
			continue
		}

		w.setState(StateDispatching)
		if err := w.dispatch(ctx, session, item); err != nil {
			return err
		}
	}
}
