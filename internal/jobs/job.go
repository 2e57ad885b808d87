package jobs

import (
	"encoding/json"
	"time"
)

// Job kind constants. Only training jobs exist today; the column is
// kept so other kinds (predict, backtest) can be added without a
// schema change.
const (
	KindTrain = "train"
)

// Default retry settings applied when a create request omits them.
const (
	DefaultMaxRetries        = 3
	DefaultBaseRetryDelaySec = 5
)

// Job is one requested unit of remote computation, tracked end-to-end
// from the pending row created by the API service to a terminal state
// written by the worker service. The jobs table is the single source
// of truth; everything the worker observes is persisted back to it.
type Job struct {
	// ID is the store-assigned row id.
	ID int64 `db:"id" json:"id"`

	// CorrelationID is the externally visible id shared with the
	// remote executor and used to key streamed events.
	CorrelationID string `db:"correlation_id" json:"correlation_id"`

	// OwnerID identifies the user who requested the job.
	OwnerID string `db:"owner_id" json:"owner_id"`

	// Kind is the job type (currently always "train").
	Kind string `db:"kind" json:"kind"`

	// Priority orders claiming: higher is served first, creation time
	// breaks ties oldest-first.
	Priority int `db:"priority" json:"priority"`

	Status Status `db:"status" json:"status"`

	// Progress is 0-100 and never decreases over the job's lifetime.
	Progress int `db:"progress" json:"progress"`

	// Retries counts attempts so far; never exceeds MaxRetries.
	Retries    int `db:"retries" json:"retries"`
	MaxRetries int `db:"max_retries" json:"max_retries"`

	// BaseRetryDelaySec is the backoff base in seconds for the retry
	// delay formula.
	BaseRetryDelaySec int `db:"base_retry_delay" json:"base_retry_delay"`

	// Config is the training configuration JSON submitted to the
	// remote executor.
	Config string `db:"config" json:"config"`

	// RemoteTaskID is the handle returned by the remote executor on
	// submit; polls and cancels reference it.
	RemoteTaskID string `db:"remote_task_id" json:"remote_task_id,omitempty"`

	// Result holds the opaque result payload once completed.
	Result json.RawMessage `db:"result" json:"result,omitempty"`

	// Error holds the human-readable cause of the most recent terminal
	// or retry-triggering failure.
	Error string `db:"error" json:"error,omitempty"`

	// Logs accumulates human-readable progress lines, including lines
	// relayed from the remote executor.
	Logs string `db:"logs" json:"logs,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// IsFinished reports whether the job reached a terminal state.
func (j *Job) IsFinished() bool {
	return j.Status.IsTerminal()
}

// CanRetry reports whether another attempt is allowed.
func (j *Job) CanRetry() bool {
	return j.Retries < j.MaxRetries
}

// BaseRetryDelay returns the backoff base as a duration.
func (j *Job) BaseRetryDelay() time.Duration {
	return time.Duration(j.BaseRetryDelaySec) * time.Second
}
