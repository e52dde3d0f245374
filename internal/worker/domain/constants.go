package domain

// Status is the lifecycle state of a JobRun.
type Status string

// Job run status constants
const (
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusError   Status = "error"
	StatusDone    Status = "done"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// MetaDurationMS is the metadata key the worker records handler wall time under.
const MetaDurationMS = "duration_ms"
