package domain

import "errors"

var (
	// ErrConnect is returned when a broker session cannot be established
	ErrConnect = errors.New("broker connect failed")

	// ErrConnectionLost wraps every transport failure on an established broker session
	ErrConnectionLost = errors.New("broker connection lost")

	// ErrItemGone is returned when the broker no longer knows a reserved item (lease expired)
	ErrItemGone = errors.New("queue item no longer reserved")

	// ErrNoHandlerSets is returned when no handler set is configured
	ErrNoHandlerSets = errors.New("no handler sets found")

	// ErrNoHandlers is returned when the configured handler sets contain no jobs
	ErrNoHandlers = errors.New("no jobs found")

	// ErrRunNotFound is returned when a run cannot be found in the ledger
	ErrRunNotFound = errors.New("job run not found")

	// ErrRunFinalized is returned when a terminal run is mutated again
	ErrRunFinalized = errors.New("job run already finalized")

	// ErrNoCurrentJob is returned by ambient accessors called outside a dispatch
	ErrNoCurrentJob = errors.New("no job is executing in this context")
)
