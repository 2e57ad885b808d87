package jobs

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a conditional status
	// transition finds the row no longer in the expected state
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in expected status")

	// ErrMaxRetriesExceeded is returned when a job has exceeded its retry limit
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrNotCancellable is returned when cancellation is requested for
	// a job already in a terminal state
	ErrNotCancellable = errors.New("job is not in a cancellable state")
)

// TransportError wraps failures to communicate with the remote
// executor, as opposed to failures the executor reports about the job
// itself. The worker offers both to the retry policy but keeps them
// apart in logs and error messages.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError wraps err as a transport failure.
func NewTransportError(err error) error {
	return &TransportError{Err: err}
}
