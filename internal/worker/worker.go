package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/internal/remote"
	"github.com/quantlab/trainhub/internal/retry"
)

// JobStore is the slice of the job store the worker needs.
type JobStore interface {
	ClaimPending(ctx context.Context, limit int) ([]jobs.Job, error)
	Get(ctx context.Context, id int64) (*jobs.Job, error)
	SetRemoteTask(ctx context.Context, id int64, remoteTaskID string) error
	UpdateProgress(ctx context.Context, id int64, progress int) error
	AppendLog(ctx context.Context, id int64, line string) error
	Complete(ctx context.Context, id int64, result json.RawMessage) error
	Fail(ctx context.Context, id int64, errMsg string) error
	MarkCancelled(ctx context.Context, id int64) error
	MarkForRetry(ctx context.Context, id int64) error
}

// Executor is the remote training executor surface the worker drives.
type Executor interface {
	Submit(ctx context.Context, job *jobs.Job) (string, error)
	Poll(ctx context.Context, remoteTaskID string) (*remote.TaskStatus, error)
	FetchResult(ctx context.Context, remoteTaskID string) (json.RawMessage, error)
	Cancel(ctx context.Context, remoteTaskID string) bool
	HealthCheck(ctx context.Context) bool
	Listen(ctx context.Context, remoteTaskID string, fn func(remote.PushEvent))
}

// EventPublisher forwards lifecycle events to interested processes.
type EventPublisher interface {
	Publish(ctx context.Context, event jobs.Event)
}

// RetryPolicy decides whether a failed attempt gets another run and
// how long to back off before it.
type RetryPolicy interface {
	Decide(retries, maxRetries int, base time.Duration) retry.Decision
}

// Config holds worker configuration
type Config struct {
	Logger    *slog.Logger
	Store     JobStore
	Remote    Executor
	Publisher EventPublisher
	Policy    RetryPolicy

	// ClaimBatch caps jobs in flight at once.
	ClaimBatch int

	// IdleInterval is the sleep between claim sweeps when no job is
	// available or all slots are busy.
	IdleInterval time.Duration

	// PollInterval is the fallback status poll cadence per running job.
	PollInterval time.Duration

	// CancelTimeout bounds the remote cancel request during teardown
	// of a cancelled job.
	CancelTimeout time.Duration
}

// Worker claims pending jobs from the store, drives them on the remote
// executor, and records every observed transition back to the store.
type Worker struct {
	logger    *slog.Logger
	store     JobStore
	remote    Executor
	publisher EventPublisher
	policy    RetryPolicy

	claimBatch    int
	idleInterval  time.Duration
	pollInterval  time.Duration
	cancelTimeout time.Duration

	slots    chan struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	claimBatch := cfg.ClaimBatch
	if claimBatch <= 0 {
		claimBatch = 4
	}
	idleInterval := cfg.IdleInterval
	if idleInterval <= 0 {
		idleInterval = 5 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	cancelTimeout := cfg.CancelTimeout
	if cancelTimeout <= 0 {
		cancelTimeout = 30 * time.Second
	}
	policy := cfg.Policy
	if policy == nil {
		policy = retry.New()
	}

	return &Worker{
		logger:        cfg.Logger,
		store:         cfg.Store,
		remote:        cfg.Remote,
		publisher:     cfg.Publisher,
		policy:        policy,
		claimBatch:    claimBatch,
		idleInterval:  idleInterval,
		pollInterval:  pollInterval,
		cancelTimeout: cancelTimeout,
		slots:         make(chan struct{}, claimBatch),
		stopChan:      make(chan struct{}),
	}
}

// Start begins claiming and processing jobs. The executor health check
// is advisory: an unreachable executor at boot only logs a warning,
// submission failures later go through the normal retry path.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("claim_batch", w.claimBatch),
		slog.Duration("idle_interval", w.idleInterval),
		slog.Duration("poll_interval", w.pollInterval),
	)

	if !w.remote.HealthCheck(ctx) {
		w.logger.Warn("Remote executor health check failed, starting anyway")
	}

	w.wg.Add(1)
	go w.claimLoop(ctx)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// claimLoop sweeps the store for pending jobs and runs each claimed
// job in its own goroutine, bounded by the slot pool.
func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		free := cap(w.slots) - len(w.slots)
		if free == 0 {
			w.idle(ctx)
			continue
		}

		claimed, err := w.store.ClaimPending(ctx, free)
		if err != nil {
			w.logger.Error("Failed to claim pending jobs",
				slog.Any("error", err),
			)
			w.idle(ctx)
			continue
		}

		if len(claimed) == 0 {
			w.idle(ctx)
			continue
		}

		for i := range claimed {
			job := claimed[i]
			w.slots <- struct{}{}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				defer func() { <-w.slots }()
				w.runJob(ctx, &job)
			}()
		}
	}
}

func (w *Worker) idle(ctx context.Context) {
	select {
	case <-w.stopChan:
	case <-ctx.Done():
	case <-time.After(w.idleInterval):
	}
}

// runJob drives one claimed job to a terminal state. A panic in the
// job path marks the job failed instead of taking down the process.
func (w *Worker) runJob(ctx context.Context, job *jobs.Job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job processing panicked",
				slog.Int64("job_id", job.ID),
				slog.Any("panic", r),
			)
			if err := w.store.Fail(ctx, job.ID, fmt.Sprintf("internal error: %v", r)); err != nil {
				w.logger.Error("Failed to mark panicked job failed",
					slog.Int64("job_id", job.ID),
					slog.Any("error", err),
				)
			}
		}
	}()

	w.logger.Info("Processing job",
		slog.Int64("job_id", job.ID),
		slog.String("correlation_id", job.CorrelationID),
		slog.String("kind", job.Kind),
		slog.Int("retries", job.Retries),
	)

	run := newJobRun(w, job)
	run.publishStatus(ctx, jobs.StatusRunning, "")

	remoteTaskID, err := w.remote.Submit(ctx, job)
	if err != nil {
		w.logger.Error("Failed to submit job to remote executor",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		w.failJob(ctx, run, fmt.Sprintf("submit failed: %s", err.Error()))
		return
	}

	if err := w.store.SetRemoteTask(ctx, job.ID, remoteTaskID); err != nil {
		w.logger.Error("Failed to record remote task id",
			slog.Int64("job_id", job.ID),
			slog.String("remote_task_id", remoteTaskID),
			slog.Any("error", err),
		)
		w.failJob(ctx, run, fmt.Sprintf("failed to record remote task id: %s", err.Error()))
		return
	}

	w.logger.Info("Job submitted to remote executor",
		slog.Int64("job_id", job.ID),
		slog.String("remote_task_id", remoteTaskID),
	)

	w.monitor(ctx, run, remoteTaskID)
}

// jobRun carries per-run bookkeeping for one claimed job: the event
// sequence counter, last seen progress and how many remote log lines
// were already persisted.
type jobRun struct {
	worker *Worker
	job    *jobs.Job

	seq          atomic.Int64
	lastProgress atomic.Int64
	logCount     int
}

func newJobRun(w *Worker, job *jobs.Job) *jobRun {
	run := &jobRun{worker: w, job: job}
	run.lastProgress.Store(int64(job.Progress))
	return run
}

func (r *jobRun) publish(ctx context.Context, event jobs.Event) {
	event.JobID = r.job.ID
	event.CorrelationID = r.job.CorrelationID
	event.Seq = r.seq.Add(1)
	event.Timestamp = time.Now().UTC()
	r.worker.publisher.Publish(ctx, event)
}

func (r *jobRun) publishStatus(ctx context.Context, status jobs.Status, message string) {
	r.publish(ctx, jobs.Event{
		Type:     jobs.EventStatus,
		Status:   status,
		Progress: int(r.lastProgress.Load()),
		Message:  message,
	})
}

func (r *jobRun) publishProgress(ctx context.Context, progress int) {
	r.publish(ctx, jobs.Event{
		Type:     jobs.EventProgress,
		Status:   jobs.StatusRunning,
		Progress: progress,
	})
}

func (r *jobRun) publishLog(ctx context.Context, line string) {
	r.publish(ctx, jobs.Event{
		Type:    jobs.EventLog,
		Status:  jobs.StatusRunning,
		Message: line,
	})
}
