package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/internal/remote"
)

// monitor follows a submitted job until it reaches a terminal state.
// Push events from the executor's WebSocket channel give low-latency
// updates; the poll ticker is the durable fallback that also notices
// cancellation requests written by the API.
func (w *Worker) monitor(ctx context.Context, run *jobRun, remoteTaskID string) {
	pushCtx, stopPush := context.WithCancel(ctx)
	defer stopPush()

	pushes := make(chan remote.PushEvent, 16)
	go w.remote.Listen(pushCtx, remoteTaskID, func(event remote.PushEvent) {
		select {
		case pushes <- event:
		case <-pushCtx.Done():
		}
	})

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var lastSeq int64

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Stopping job monitor, job stays running in store",
				slog.Int64("job_id", run.job.ID),
			)
			return

		case <-ctx.Done():
			return

		case event := <-pushes:
			// Out-of-order pushes are dropped. Executors that omit
			// seq fall back to progress comparison.
			if event.Seq > 0 {
				if event.Seq <= lastSeq {
					continue
				}
				lastSeq = event.Seq
			} else if event.Progress > 0 && int64(event.Progress) <= run.lastProgress.Load() && event.Message == "" && !isTerminalState(event.Status) {
				continue
			}

			w.applyPush(ctx, run, remoteTaskID, event)

			if isTerminalState(event.Status) {
				w.finish(ctx, run, remoteTaskID, event.Status, event.Error)
				return
			}

		case <-ticker.C:
			if w.checkCancel(ctx, run, remoteTaskID) {
				return
			}

			status, err := w.remote.Poll(ctx, remoteTaskID)
			if err != nil {
				var statusErr *remote.StatusError
				if errors.As(err, &statusErr) && statusErr.Code == 404 {
					// The executor no longer knows the handle, likely
					// a restart. The run cannot be recovered; a retry
					// resubmits and gets a fresh handle.
					w.logger.Warn("Remote task handle unknown to executor",
						slog.Int64("job_id", run.job.ID),
						slog.String("remote_task_id", remoteTaskID),
					)
					w.failJob(ctx, run, "remote task lost by executor")
					return
				}
				w.logger.Warn("Failed to poll remote task",
					slog.Int64("job_id", run.job.ID),
					slog.String("remote_task_id", remoteTaskID),
					slog.Any("error", err),
				)
				continue
			}

			w.applyPoll(ctx, run, status)

			if status.Terminal() {
				w.finish(ctx, run, remoteTaskID, status.State, status.Error)
				return
			}
		}
	}
}

// applyPush persists a streamed update.
func (w *Worker) applyPush(ctx context.Context, run *jobRun, remoteTaskID string, event remote.PushEvent) {
	if int64(event.Progress) > run.lastProgress.Load() {
		run.lastProgress.Store(int64(event.Progress))
		if err := w.store.UpdateProgress(ctx, run.job.ID, event.Progress); err != nil {
			w.logger.Warn("Failed to persist progress",
				slog.Int64("job_id", run.job.ID),
				slog.Any("error", err),
			)
		}
		run.publishProgress(ctx, event.Progress)
	}

	if event.Message != "" {
		if err := w.store.AppendLog(ctx, run.job.ID, event.Message); err != nil {
			w.logger.Warn("Failed to append job log",
				slog.Int64("job_id", run.job.ID),
				slog.Any("error", err),
			)
		}
		run.publishLog(ctx, event.Message)
	}
}

// applyPoll persists a polled status snapshot. Remote logs arrive as
// the full list so far; only lines past logCount are new.
func (w *Worker) applyPoll(ctx context.Context, run *jobRun, status *remote.TaskStatus) {
	if int64(status.Progress) > run.lastProgress.Load() {
		run.lastProgress.Store(int64(status.Progress))
		if err := w.store.UpdateProgress(ctx, run.job.ID, status.Progress); err != nil {
			w.logger.Warn("Failed to persist progress",
				slog.Int64("job_id", run.job.ID),
				slog.Any("error", err),
			)
		}
		run.publishProgress(ctx, status.Progress)
	}

	for ; run.logCount < len(status.Logs); run.logCount++ {
		line := status.Logs[run.logCount]
		if err := w.store.AppendLog(ctx, run.job.ID, line); err != nil {
			w.logger.Warn("Failed to append job log",
				slog.Int64("job_id", run.job.ID),
				slog.Any("error", err),
			)
		}
		run.publishLog(ctx, line)
	}
}

// checkCancel re-reads the job row and, when a cancel was requested,
// tears the remote task down and settles the row. Reports whether the
// monitor should stop.
func (w *Worker) checkCancel(ctx context.Context, run *jobRun, remoteTaskID string) bool {
	current, err := w.store.Get(ctx, run.job.ID)
	if err != nil {
		w.logger.Warn("Failed to re-read job during monitoring",
			slog.Int64("job_id", run.job.ID),
			slog.Any("error", err),
		)
		return false
	}

	if current.Status != jobs.StatusCancelling {
		return false
	}

	w.logger.Info("Cancel requested, stopping remote task",
		slog.Int64("job_id", run.job.ID),
		slog.String("remote_task_id", remoteTaskID),
	)

	cancelCtx, cancel := context.WithTimeout(ctx, w.cancelTimeout)
	defer cancel()

	if !w.remote.Cancel(cancelCtx, remoteTaskID) {
		w.logger.Warn("Remote cancel request failed, marking cancelled anyway",
			slog.Int64("job_id", run.job.ID),
			slog.String("remote_task_id", remoteTaskID),
		)
	}

	if err := w.store.MarkCancelled(ctx, run.job.ID); err != nil {
		// The job may have finished naturally between the read and
		// the update, in which case the natural terminal state stands.
		w.logger.Warn("Failed to mark job cancelled",
			slog.Int64("job_id", run.job.ID),
			slog.Any("error", err),
		)
		return true
	}

	run.publishStatus(ctx, jobs.StatusCancelled, "cancelled by request")
	return true
}

// finish settles a job whose remote task reached a terminal state.
func (w *Worker) finish(ctx context.Context, run *jobRun, remoteTaskID, state, remoteErr string) {
	switch state {
	case remote.StateSuccess:
		result, err := w.remote.FetchResult(ctx, remoteTaskID)
		if err != nil {
			w.logger.Error("Failed to fetch result for finished task",
				slog.Int64("job_id", run.job.ID),
				slog.String("remote_task_id", remoteTaskID),
				slog.Any("error", err),
			)
			w.failJob(ctx, run, fmt.Sprintf("result fetch failed: %s", err.Error()))
			return
		}

		if err := w.store.Complete(ctx, run.job.ID, result); err != nil {
			w.logger.Error("Failed to mark job completed",
				slog.Int64("job_id", run.job.ID),
				slog.Any("error", err),
			)
			return
		}

		w.logger.Info("Job completed",
			slog.Int64("job_id", run.job.ID),
			slog.String("correlation_id", run.job.CorrelationID),
		)
		run.lastProgress.Store(100)
		run.publishStatus(ctx, jobs.StatusCompleted, "")

	case remote.StateCancelled:
		if err := w.store.MarkCancelled(ctx, run.job.ID); err != nil {
			// No local cancel request, the executor dropped the task
			// on its own. Treat it like any other remote failure.
			w.failJob(ctx, run, "remote task cancelled by executor")
			return
		}
		run.publishStatus(ctx, jobs.StatusCancelled, "cancelled by request")

	default:
		if remoteErr == "" {
			remoteErr = "remote task failed"
		}
		w.failJob(ctx, run, remoteErr)
	}
}

// failJob records a failure and walks the retry ladder: the row is
// marked failed immediately, then flipped back to pending after the
// backoff delay when attempts remain. The terminal failed event is
// only published once retries are exhausted, so watching clients stay
// subscribed across retries.
func (w *Worker) failJob(ctx context.Context, run *jobRun, errMsg string) {
	attempt := run.job.Retries + 1
	decision := w.policy.Decide(run.job.Retries, run.job.MaxRetries, run.job.BaseRetryDelay())

	if !decision.Retry {
		finalMsg := fmt.Sprintf("failed after %d attempts: %s", attempt, errMsg)
		if err := w.store.Fail(ctx, run.job.ID, finalMsg); err != nil {
			w.logger.Error("Failed to mark job failed",
				slog.Int64("job_id", run.job.ID),
				slog.Any("error", err),
			)
			return
		}
		w.logger.Warn("Job failed permanently",
			slog.Int64("job_id", run.job.ID),
			slog.String("correlation_id", run.job.CorrelationID),
			slog.Int("attempts", attempt),
			slog.String("error", errMsg),
		)
		run.publish(ctx, jobs.Event{
			Type:   jobs.EventStatus,
			Status: jobs.StatusFailed,
			Error:  finalMsg,
		})
		return
	}

	if err := w.store.Fail(ctx, run.job.ID, errMsg); err != nil {
		w.logger.Error("Failed to mark job failed",
			slog.Int64("job_id", run.job.ID),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("Job failed, retry scheduled",
		slog.Int64("job_id", run.job.ID),
		slog.Int("retries", run.job.Retries),
		slog.Int("max_retries", run.job.MaxRetries),
		slog.Duration("delay", decision.Delay),
		slog.String("error", errMsg),
	)
	// A status=failed event would end client subscriptions, so the
	// retry notice goes out as a log line instead.
	run.publish(ctx, jobs.Event{
		Type:    jobs.EventLog,
		Status:  jobs.StatusFailed,
		Message: fmt.Sprintf("attempt %d failed, retrying in %s: %s", attempt, decision.Delay.Round(time.Second), errMsg),
	})

	// The wait runs detached so the claim slot frees for other jobs
	// while this one sits out its backoff.
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		select {
		case <-w.stopChan:
			// Requeue immediately instead of stranding a failed row
			// that still has budget. The remote attempt already ended,
			// so the next worker cannot double-run it.
			w.requeue(run)
			return
		case <-ctx.Done():
			w.requeue(run)
			return
		case <-time.After(decision.Delay):
		}

		if err := w.store.MarkForRetry(ctx, run.job.ID); err != nil {
			if errors.Is(err, jobs.ErrMaxRetriesExceeded) {
				w.logger.Warn("Retry rejected by store",
					slog.Int64("job_id", run.job.ID),
				)
				return
			}
			w.logger.Error("Failed to requeue job for retry",
				slog.Int64("job_id", run.job.ID),
				slog.Any("error", err),
			)
			return
		}

		run.publishStatus(ctx, jobs.StatusPending, "requeued for retry")
	}()
}

// requeue flips a failed job back to pending without waiting out the
// backoff, used when the worker is shutting down mid-wait. The run's
// context may already be cancelled, so the write gets its own.
func (w *Worker) requeue(run *jobRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.store.MarkForRetry(ctx, run.job.ID); err != nil {
		if errors.Is(err, jobs.ErrMaxRetriesExceeded) {
			return
		}
		w.logger.Error("Failed to requeue job during shutdown",
			slog.Int64("job_id", run.job.ID),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("Requeued waiting retry for another worker",
		slog.Int64("job_id", run.job.ID),
	)
	run.publishStatus(ctx, jobs.StatusPending, "requeued for retry")
}

func isTerminalState(state string) bool {
	switch state {
	case remote.StateSuccess, remote.StateFailed, remote.StateCancelled:
		return true
	default:
		return false
	}
}
