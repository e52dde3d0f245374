// Package jobctx carries the job currently executing on a worker. The worker
// scopes it to a single dispatch by attaching it to the handler's context, so
// two workers never observe each other's job and nothing outlives the call.
package jobctx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// MetadataRecorder persists one metadata key of a run immediately.
type MetadataRecorder interface {
	RecordMetadataUpdate(ctx context.Context, runID, key string, value any) error
}

// Job is the execution-scoped view of a run that handlers can reach through
// their context.
type Job struct {
	mu       sync.Mutex
	run      *domain.JobRun
	recorder MetadataRecorder
	stdout   *lockedBuffer
	stderr   *lockedBuffer
	logger   *slog.Logger
}

type ctxKey struct{}

// New wraps run with fresh output buffers.
func New(run *domain.JobRun, recorder MetadataRecorder) *Job {
	j := &Job{
		run:      run,
		recorder: recorder,
		stdout:   &lockedBuffer{},
		stderr:   &lockedBuffer{},
	}
	j.logger = slog.New(slog.NewTextHandler(j.stderr, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With(slog.String("job_name", run.Name), slog.String("run_id", run.ID))
	return j
}

// WithJob returns a child context carrying j.
func WithJob(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, ctxKey{}, j)
}

// FromContext returns the job attached to ctx, or nil outside a dispatch.
func FromContext(ctx context.Context) *Job {
	j, _ := ctx.Value(ctxKey{}).(*Job)
	return j
}

// RunID returns the ledger handle of the run.
func (j *Job) RunID() string { return j.run.ID }

// Name returns the job name the item was reserved under.
func (j *Job) Name() string { return j.run.Name }

// Parameter returns the raw payload as text.
func (j *Job) Parameter() string { return j.run.Parameter }

// ItemID returns the broker id of the reserved item.
func (j *Job) ItemID() string { return j.run.ItemID }

// Metadata returns a copy of the metadata written so far.
func (j *Job) Metadata() map[string]any {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make(map[string]any, len(j.run.Metadata))
	for k, v := range j.run.Metadata {
		out[k] = v
	}
	return out
}

// SetMetadata stores key on the run and persists it before returning.
func (j *Job) SetMetadata(ctx context.Context, key string, value any) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.recorder != nil {
		if err := j.recorder.RecordMetadataUpdate(ctx, j.run.ID, key, value); err != nil {
			return fmt.Errorf("failed to persist metadata %q: %w", key, err)
		}
	}
	if j.run.Metadata == nil {
		j.run.Metadata = map[string]any{}
	}
	j.run.Metadata[key] = value
	return nil
}

// Stdout is the job-local standard output.
func (j *Job) Stdout() io.Writer { return j.stdout }

// Stderr is the job-local standard error.
func (j *Job) Stderr() io.Writer { return j.stderr }

// Logger writes structured lines into the job's stderr.
func (j *Job) Logger() *slog.Logger { return j.logger }

// CapturedStdout returns everything written to Stdout so far.
func (j *Job) CapturedStdout() string { return j.stdout.String() }

// CapturedStderr returns everything written to Stderr so far.
func (j *Job) CapturedStderr() string { return j.stderr.String() }

// Stdout returns the current job's stdout, or io.Discard outside a dispatch.
func Stdout(ctx context.Context) io.Writer {
	if j := FromContext(ctx); j != nil {
		return j.Stdout()
	}
	return io.Discard
}

// Stderr returns the current job's stderr, or io.Discard outside a dispatch.
func Stderr(ctx context.Context) io.Writer {
	if j := FromContext(ctx); j != nil {
		return j.Stderr()
	}
	return io.Discard
}

// Printf writes to the current job's stdout.
func Printf(ctx context.Context, format string, args ...any) {
	fmt.Fprintf(Stdout(ctx), format, args...)
}

// Logger returns the current job's logger, or slog.Default outside a dispatch.
func Logger(ctx context.Context) *slog.Logger {
	if j := FromContext(ctx); j != nil {
		return j.Logger()
	}
	return slog.Default()
}

// SetMetadata writes key on the current job.
func SetMetadata(ctx context.Context, key string, value any) error {
	j := FromContext(ctx)
	if j == nil {
		return domain.ErrNoCurrentJob
	}
	return j.SetMetadata(ctx, key, value)
}

// lockedBuffer lets handler goroutines share one capture buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
