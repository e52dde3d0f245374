// Package ledger defines the run ledger contract and an in-memory
// implementation used by tests and by deployments without a database.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/google/uuid"
)

// Ledger persists JobRun records.
type Ledger interface {
	// Create inserts a running record and assigns run.ID.
	Create(ctx context.Context, run *domain.JobRun) error
	// Finalize writes the terminal fields of run. Metadata is never written
	// here, so keys recorded during execution survive.
	Finalize(ctx context.Context, run *domain.JobRun) error
	// RecordMetadataUpdate persists a single metadata key immediately.
	RecordMetadataUpdate(ctx context.Context, runID, key string, value any) error
	// Get loads a run by id.
	Get(ctx context.Context, runID string) (*domain.JobRun, error)
}

// Memory is a Ledger backed by a map.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]*domain.JobRun
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*domain.JobRun)}
}

// Create stores a copy of run under a fresh id.
func (m *Memory) Create(_ context.Context, run *domain.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("failed to create job run: duplicate id %s", run.ID)
	}

	stored := run.Clone()
	stored.Metadata = map[string]any{}
	m.runs[run.ID] = stored
	return nil
}

// Finalize copies the terminal fields of run onto the stored record.
func (m *Memory) Finalize(_ context.Context, run *domain.JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[run.ID]
	if !ok || stored.Status != domain.StatusRunning {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, run.ID)
	}

	stored.Status = run.Status
	stored.Success = run.Success
	stored.TimeFinished = run.TimeFinished
	stored.Stdout = run.Stdout
	stored.Stderr = run.Stderr
	stored.Exception = run.Exception
	return nil
}

// RecordMetadataUpdate sets key on the stored record.
func (m *Memory) RecordMetadataUpdate(_ context.Context, runID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	stored.Metadata[key] = value
	return nil
}

// Get returns a copy of the stored record.
func (m *Memory) Get(_ context.Context, runID string) (*domain.JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return stored.Clone(), nil
}

// Runs returns copies of every record ordered by start time.
func (m *Memory) Runs() []*domain.JobRun {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.JobRun, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeStarted.Equal(out[j].TimeStarted) {
			return out[i].ID < out[j].ID
		}
		return out[i].TimeStarted.Before(out[j].TimeStarted)
	})
	return out
}

var _ Ledger = (*Memory)(nil)
