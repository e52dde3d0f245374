package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/guregu/null/v6"
)

// QueueItem is a job reserved from the broker
type QueueItem struct {
	ID      string // broker-assigned id, rendered as text
	Name    string // tube / queue the item was reserved from
	Body    []byte
	Receipt any // broker-specific handle used by the session that reserved the item
}

// JobRun records one execution attempt of a reserved queue item
type JobRun struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Parameter    string         `db:"parameter"`
	ItemID       string         `db:"item_id"`
	PID          int            `db:"pid"`
	WorkerName   string         `db:"worker_name"`
	Status       Status         `db:"status"`
	Success      null.Bool      `db:"success"`
	TimeStarted  time.Time      `db:"time_started"`
	TimeFinished null.Time      `db:"time_finished"`
	Stdout       null.String    `db:"stdout"`
	Stderr       null.String    `db:"stderr"`
	Exception    null.String    `db:"exception"`
	Metadata     map[string]any `db:"-"`
}

// Outcome is what the execution sandbox hands back after running a handler
type Outcome struct {
	Success        bool
	Stdout         string
	Stderr         string
	ExceptionTrace string // empty when Success
	Err            error
	Duration       time.Duration
}

// NewJobRun builds a running record for a freshly reserved item.
func NewJobRun(item *QueueItem, pid int, workerName string, startedAt time.Time) *JobRun {
	return &JobRun{
		Name:        item.Name,
		Parameter:   string(item.Body),
		ItemID:      item.ID,
		PID:         pid,
		WorkerName:  workerName,
		Status:      StatusRunning,
		TimeStarted: startedAt,
		Metadata:    map[string]any{},
	}
}

// Finish moves a running record to its terminal state. It refuses to run
// twice so a record never transitions backward.
func (r *JobRun) Finish(out Outcome, finishedAt time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: run %s is %s", ErrRunFinalized, r.ID, r.Status)
	}

	r.TimeFinished = null.TimeFrom(finishedAt)
	r.Stdout = null.StringFrom(out.Stdout)
	r.Stderr = null.StringFrom(out.Stderr)
	r.Success = null.BoolFrom(out.Success)

	if out.Success {
		r.Status = StatusDone
		r.Exception = null.String{}
		return nil
	}

	r.Status = StatusError
	r.Exception = null.StringFrom(out.ExceptionTrace)
	return nil
}

// Duration returns the wall time of a finished run, zero while running.
func (r *JobRun) Duration() time.Duration {
	if !r.TimeFinished.Valid {
		return 0
	}
	return r.TimeFinished.Time.Sub(r.TimeStarted)
}

// Clone returns a deep copy, metadata included.
func (r *JobRun) Clone() *JobRun {
	cp := *r
	cp.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// FormatItemID renders numeric broker ids.
func FormatItemID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
