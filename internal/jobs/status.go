package jobs

// Status represents the lifecycle state of a job.
//
// Lifecycle:
//
//	pending → running → completed
//	                  ↘ failed (→ pending again while retries remain)
//	pending/running → cancelling → cancelled
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelling Status = "cancelling"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further automatic transition occurs
// from this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known job statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelling, StatusCancelled:
		return true
	default:
		return false
	}
}
