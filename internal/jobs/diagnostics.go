package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuongbtq/jobworker/internal/worker/jobctx"
	"github.com/cuongbtq/jobworker/internal/worker/registry"
)

// DiagnosticsApp is the owning unit of the diagnostics handler set
const DiagnosticsApp = "diagnostics"

// maxSleep caps diagnostics.sleep so a bad payload cannot park a worker
const maxSleep = 10 * time.Minute

// ErrDiagnosticFailure is returned by diagnostics.fail
var ErrDiagnosticFailure = errors.New("diagnostic failure requested")

// Diagnostics returns handlers for checking a deployment end to end:
// echo, fail, annotate and sleep.
func Diagnostics() registry.HandlerSet {
	return registry.HandlerSet{
		App: DiagnosticsApp,
		Jobs: []registry.Job{
			{Name: "echo", Handler: echo},
			{Name: "fail", Handler: fail},
			{Name: "annotate", Handler: annotate},
			{Name: "sleep", Handler: sleep},
		},
	}
}

// echo copies the payload to stdout.
func echo(ctx context.Context, payload []byte) error {
	jobctx.Printf(ctx, "%s\n", payload)
	jobctx.Logger(ctx).Info("Echoed payload", slog.Int("bytes", len(payload)))
	return nil
}

// fail always fails with the payload as the reason.
func fail(ctx context.Context, payload []byte) error {
	reason := strings.TrimSpace(string(payload))
	if reason == "" {
		reason = "no reason given"
	}
	jobctx.Printf(ctx, "failing on request: %s\n", reason)
	return errors.Wrapf(ErrDiagnosticFailure, "%s", reason)
}

// annotate writes every key of a JSON object payload into the run metadata.
func annotate(ctx context.Context, payload []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return errors.Wrap(err, "annotate payload must be a JSON object")
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := jobctx.SetMetadata(ctx, k, fields[k]); err != nil {
			return errors.Wrapf(err, "set metadata %q", k)
		}
	}
	jobctx.Printf(ctx, "recorded %d metadata keys\n", len(keys))
	return nil
}

// sleep waits for the duration in the payload ("1.5s", "200ms").
func sleep(ctx context.Context, payload []byte) error {
	d, err := time.ParseDuration(strings.TrimSpace(string(payload)))
	if err != nil {
		return errors.Wrap(err, "sleep payload must be a duration")
	}
	if d < 0 || d > maxSleep {
		return errors.Newf("sleep duration %s out of range [0, %s]", d, maxSleep)
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "sleep interrupted")
	}
	jobctx.Printf(ctx, "slept %s\n", d)
	return nil
}
