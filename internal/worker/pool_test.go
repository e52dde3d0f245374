package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/broker"
	"github.com/cuongbtq/jobworker/internal/worker/jobctx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_WorkerCount(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		expected []string
	}{
		{name: "zero becomes one", count: 0, expected: []string{"pool-0"}},
		{name: "negative becomes one", count: -3, expected: []string{"pool-0"}},
		{name: "three workers", count: 3, expected: []string{"pool-0", "pool-1", "pool-2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			cfg := h.config(chargeCardRegistry(t, func(context.Context, []byte) error { return nil }))
			cfg.Name = "pool"

			pool := NewPool(tt.count, *cfg)

			names := make([]string, 0, len(pool.Workers()))
			for _, w := range pool.Workers() {
				names = append(names, w.Name())
			}
			assert.Equal(t, tt.expected, names)
			assert.Len(t, pool.Snapshot(), len(tt.expected))
		})
	}
}

func TestPool_RunsJobsConcurrently(t *testing.T) {
	const workers = 3

	h := newHarness()
	for _, body := range []string{"a", "b", "c"} {
		h.broker.Put("billing.chargeCard", []byte(body))
	}

	// every handler waits until all three are running at once
	var barrier sync.WaitGroup
	barrier.Add(workers)
	reg := chargeCardRegistry(t, func(ctx context.Context, payload []byte) error {
		jobctx.Printf(ctx, "%s", payload)
		barrier.Done()

		waited := make(chan struct{})
		go func() {
			barrier.Wait()
			close(waited)
		}()
		select {
		case <-waited:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("handlers did not run concurrently")
		}
	})

	cfg := h.config(reg)
	cfg.Name = "pool"
	pool := NewPool(workers, *cfg)

	runUntil(t, pool.Run, func() bool { return h.broker.Stats("billing.chargeCard").Deleted == workers })

	runs := h.ledger.Runs()
	require.Len(t, runs, workers)

	seenWorkers := map[string]bool{}
	for _, run := range runs {
		assert.Equal(t, run.Parameter, run.Stdout.String, "stdout is isolated per run")
		seenWorkers[run.WorkerName] = true
	}
	assert.Len(t, seenWorkers, workers)

	var processed int64
	for _, s := range pool.Snapshot() {
		assert.Equal(t, StateStopped.String(), s.State)
		processed += s.Processed
	}
	assert.Equal(t, int64(workers), processed)
}

func TestPool_SingleWorkerRunsInline(t *testing.T) {
	h := newHarness()
	h.broker.Put("billing.chargeCard", []byte("x"))

	cfg := h.config(chargeCardRegistry(t, func(context.Context, []byte) error { return nil }))
	pool := NewPool(1, *cfg)

	runUntil(t, pool.Run, func() bool { return h.broker.Stats("billing.chargeCard").Deleted == 1 })
	assert.Equal(t, int64(1), pool.Snapshot()[0].Processed)
}

func TestPool_FatalWorkerErrorStopsPool(t *testing.T) {
	h := newHarness()
	cfg := h.config(chargeCardRegistry(t, func(context.Context, []byte) error { return nil }))
	cfg.Name = "pool"

	var mu sync.Mutex
	calls := 0
	cfg.Dialer = broker.DialerFunc(func(ctx context.Context) (broker.Session, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()

		if first {
			return nil, errors.New("invalid broker configuration")
		}
		return h.broker.Connect(ctx)
	})

	pool := NewPool(2, *cfg)

	done := make(chan error, 1)
	go func() { done <- pool.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid broker configuration")
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after a fatal worker error")
	}
}

func TestPool_Metrics(t *testing.T) {
	h := newHarness()
	h.broker.Put("billing.chargeCard", []byte("ok"))
	h.broker.Put("billing.chargeCard", []byte("fail"))

	reg := chargeCardRegistry(t, func(_ context.Context, payload []byte) error {
		if string(payload) == "fail" {
			return errors.New("declined")
		}
		return nil
	})

	promReg := prometheus.NewRegistry()
	cfg := h.config(reg)
	cfg.Metrics = NewMetrics(promReg)

	pool := NewPool(1, *cfg)
	runUntil(t, pool.Run, func() bool {
		st := h.broker.Stats("billing.chargeCard")
		return st.Deleted == 1 && st.Buried == 1
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.runs.WithLabelValues("billing.chargeCard", "done")))
	assert.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.runs.WithLabelValues("billing.chargeCard", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(cfg.Metrics.duration))
}
