package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/jmoiron/sqlx"
)

// Ledger stores job runs in the job_runs table
type Ledger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewLedger creates a new Ledger instance
func NewLedger(db *sqlx.DB, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
	}
}

// runRow adds the raw metadata column to the domain record
type runRow struct {
	domain.JobRun
	MetadataJSON []byte `db:"metadata"`
}

// textColumn makes arbitrary bytes storable in a TEXT column, which rejects
// NUL and invalid UTF-8.
func textColumn(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
}

func nullTextColumn(s null.String) null.String {
	if !s.Valid {
		return s
	}
	return null.StringFrom(textColumn(s.String))
}

// Create inserts a running record and assigns its id
func (l *Ledger) Create(ctx context.Context, run *domain.JobRun) error {
	query := `
		INSERT INTO job_runs (id, name, parameter, item_id, pid, worker_name, status, time_started, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}'::jsonb)
	`

	id := run.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := l.db.ExecContext(ctx, query,
		id,
		run.Name,
		textColumn(run.Parameter),
		run.ItemID,
		run.PID,
		run.WorkerName,
		domain.StatusRunning,
		run.TimeStarted,
	)
	if err != nil {
		return fmt.Errorf("failed to create job run: %w", err)
	}

	run.ID = id

	l.logger.Debug("Job run created",
		slog.String("run_id", id),
		slog.String("job_name", run.Name),
		slog.String("item_id", run.ItemID),
	)

	return nil
}

// Finalize writes the terminal columns of a running record.
// The metadata column is left untouched.
func (l *Ledger) Finalize(ctx context.Context, run *domain.JobRun) error {
	query := `
		UPDATE job_runs
		SET status = $1,
		    success = $2,
		    time_finished = $3,
		    stdout = $4,
		    stderr = $5,
		    exception = $6
		WHERE id = $7
		  AND status = $8
	`

	result, err := l.db.ExecContext(ctx, query,
		run.Status,
		run.Success,
		run.TimeFinished,
		nullTextColumn(run.Stdout),
		nullTextColumn(run.Stderr),
		nullTextColumn(run.Exception),
		run.ID,
		domain.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize job run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		l.logger.Warn("Job run finalize - no rows affected (run missing or already final)",
			slog.String("run_id", run.ID),
		)
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, run.ID)
	}

	l.logger.Debug("Job run finalized",
		slog.String("run_id", run.ID),
		slog.String("status", string(run.Status)),
	)

	return nil
}

// RecordMetadataUpdate patches one key of the metadata column
func (l *Ledger) RecordMetadataUpdate(ctx context.Context, runID, key string, value any) error {
	query := `
		UPDATE job_runs
		SET metadata = jsonb_set(COALESCE(metadata, '{}'::jsonb), ARRAY[$1::text], $2::jsonb, true)
		WHERE id = $3
	`

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata value: %w", err)
	}

	result, err := l.db.ExecContext(ctx, query, key, string(valueJSON), runID)
	if err != nil {
		return fmt.Errorf("failed to update job run metadata: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}

	return nil
}

// Get retrieves a job run by its id
func (l *Ledger) Get(ctx context.Context, runID string) (*domain.JobRun, error) {
	query := `
		SELECT id, name, parameter, item_id, pid, worker_name, status, success,
		       time_started, time_finished, stdout, stderr, exception, metadata
		FROM job_runs
		WHERE id = $1
	`

	var row runRow
	if err := l.db.GetContext(ctx, &row, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to get job run: %w", err)
	}

	run := row.JobRun
	run.Metadata = map[string]any{}
	if len(row.MetadataJSON) > 0 {
		if err := json.Unmarshal(row.MetadataJSON, &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job run metadata: %w", err)
		}
	}

	return &run, nil
}
