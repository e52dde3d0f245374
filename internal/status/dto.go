package status

import (
	"time"

	"github.com/cuongbtq/jobworker/internal/worker/domain"
)

// RunDTO is the JSON shape of one ledger record
type RunDTO struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Parameter    string         `json:"parameter"`
	ItemID       string         `json:"item_id"`
	PID          int            `json:"pid"`
	WorkerName   string         `json:"worker_name"`
	Status       string         `json:"status"`
	Success      *bool          `json:"success"`
	TimeStarted  string         `json:"time_started"`
	TimeFinished *string        `json:"time_finished"`
	Stdout       *string        `json:"stdout"`
	Stderr       *string        `json:"stderr"`
	Exception    *string        `json:"exception"`
	Metadata     map[string]any `json:"metadata"`
}

// NewRunDTO converts a record, keeping unset columns as JSON null.
func NewRunDTO(run *domain.JobRun) RunDTO {
	dto := RunDTO{
		ID:          run.ID,
		Name:        run.Name,
		Parameter:   run.Parameter,
		ItemID:      run.ItemID,
		PID:         run.PID,
		WorkerName:  run.WorkerName,
		Status:      string(run.Status),
		Success:     run.Success.Ptr(),
		TimeStarted: run.TimeStarted.UTC().Format(time.RFC3339Nano),
		Stdout:      run.Stdout.Ptr(),
		Stderr:      run.Stderr.Ptr(),
		Exception:   run.Exception.Ptr(),
		Metadata:    run.Metadata,
	}
	if run.TimeFinished.Valid {
		finished := run.TimeFinished.Time.UTC().Format(time.RFC3339Nano)
		dto.TimeFinished = &finished
	}
	if dto.Metadata == nil {
		dto.Metadata = map[string]any{}
	}
	return dto
}
