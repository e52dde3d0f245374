package sandbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/cuongbtq/jobworker/internal/worker/jobctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type InsufficientFundsError struct {
	Amount int
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("InsufficientFunds: cannot charge %d", e.Amount)
}

func newJob() *jobctx.Job {
	run := domain.NewJobRun(&domain.QueueItem{ID: "1", Name: "billing.chargeCard", Body: []byte(`{"amount": 500}`)}, 1, "w-0", time.Now())
	run.ID = "run-1"
	return jobctx.New(run, nil)
}

func TestExecute_Success(t *testing.T) {
	job := newJob()

	out := Execute(context.Background(), job, func(ctx context.Context, payload []byte) error {
		jobctx.Printf(ctx, "charging %s\n", payload)
		return nil
	}, []byte(`{"amount": 500}`))

	assert.True(t, out.Success)
	assert.NoError(t, out.Err)
	assert.Empty(t, out.ExceptionTrace)
	assert.Equal(t, "charging {\"amount\": 500}\n", out.Stdout)
	assert.Empty(t, out.Stderr)
}

func TestExecute_ErrorIsContained(t *testing.T) {
	job := newJob()

	out := Execute(context.Background(), job, func(ctx context.Context, payload []byte) error {
		fmt.Fprintln(jobctx.Stderr(ctx), "about to fail")
		return errors.Wrap(&InsufficientFundsError{Amount: 500}, "charge card")
	}, nil)

	require.False(t, out.Success)
	require.Error(t, out.Err)
	assert.Contains(t, out.ExceptionTrace, "InsufficientFunds")
	assert.Contains(t, out.ExceptionTrace, "*sandbox.InsufficientFundsError")
	assert.Contains(t, out.ExceptionTrace, "sandbox_test.go", "cockroachdb stack is rendered")
	assert.Equal(t, "about to fail\n", out.Stderr)
}

func TestExecute_PanicIsContained(t *testing.T) {
	job := newJob()

	var out domain.Outcome
	require.NotPanics(t, func() {
		out = Execute(context.Background(), job, func(ctx context.Context, payload []byte) error {
			jobctx.Printf(ctx, "before panic\n")
			panic("nil map write")
		}, nil)
	})

	assert.False(t, out.Success)
	assert.Contains(t, out.Err.Error(), "nil map write")
	assert.Contains(t, out.ExceptionTrace, "panic: nil map write")
	assert.Contains(t, out.ExceptionTrace, "goroutine")
	assert.Equal(t, "before panic\n", out.Stdout, "output written before the panic is kept")
}

func TestExecute_CurrentJobScopedToCall(t *testing.T) {
	job := newJob()
	ctx := context.Background()

	var seen *jobctx.Job
	Execute(ctx, job, func(ctx context.Context, payload []byte) error {
		seen = jobctx.FromContext(ctx)
		return nil
	}, nil)

	assert.Same(t, job, seen)
	assert.Nil(t, jobctx.FromContext(ctx), "caller context never carries the job")
}

func TestExecute_SequentialRunsDoNotLeakOutput(t *testing.T) {
	handler := func(ctx context.Context, payload []byte) error {
		jobctx.Printf(ctx, "run %s\n", payload)
		return nil
	}

	first := Execute(context.Background(), newJob(), handler, []byte("1"))
	second := Execute(context.Background(), newJob(), handler, []byte("2"))

	assert.Equal(t, first.Success, second.Success)
	assert.Equal(t, "run 1\n", first.Stdout)
	assert.Equal(t, "run 2\n", second.Stdout)
	assert.NotContains(t, second.Stdout, "run 1")
}

func TestFormatTrace(t *testing.T) {
	assert.Empty(t, FormatTrace(nil))

	trace := FormatTrace(fmt.Errorf("wrapped: %w", &InsufficientFundsError{Amount: 1}))
	assert.Contains(t, trace, "*sandbox.InsufficientFundsError: wrapped: InsufficientFunds: cannot charge 1")
}
