package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/quantlab/trainhub/internal/api/dto"
	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/internal/store"
)

// CreateJob handles POST /api/v1/jobs
// Creates a new training job for the worker to pick up
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	kind := req.Kind
	if kind == "" {
		kind = jobs.KindTrain
	}

	maxRetries := jobs.DefaultMaxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "max_retries must not be negative",
			})
			return
		}
		maxRetries = *req.MaxRetries
	}

	baseRetryDelay := jobs.DefaultBaseRetryDelaySec
	if req.BaseRetryDelay != nil {
		if *req.BaseRetryDelay <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "base_retry_delay must be positive",
			})
			return
		}
		baseRetryDelay = *req.BaseRetryDelay
	}

	job := jobs.Job{
		CorrelationID:     uuid.New().String(),
		OwnerID:           req.OwnerID,
		Kind:              kind,
		Priority:          req.Priority,
		Status:            jobs.StatusPending,
		MaxRetries:        maxRetries,
		BaseRetryDelaySec: baseRetryDelay,
		Config:            string(req.Config),
	}

	if err := h.store.Create(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	h.logger.Info("Job created",
		slog.Int64("job_id", job.ID),
		slog.String("correlation_id", job.CorrelationID),
		slog.String("kind", job.Kind),
		slog.Int("priority", job.Priority),
	)

	c.JSON(http.StatusCreated, toJobDTO(&job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	job, ok := h.lookupJob(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !jobs.Status(req.Status).IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := store.Filter{
		OwnerID:  req.OwnerID,
		Kind:     req.Kind,
		Status:   jobs.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	result, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(result) > req.PageSize
	if hasMore {
		result = result[:req.PageSize]
	}

	listed := make([]dto.JobDTO, len(result))
	for i := range result {
		listed[i] = toJobDTO(&result[i])
	}

	var nextCursor string
	if hasMore {
		last := result[len(result)-1]
		nextCursor = EncodeJobCursor(&store.Cursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       listed,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a pending job in place, or marks a running job cancelling so
// its worker tears the remote task down.
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, ok := h.lookupJob(c)
	if !ok {
		return
	}

	// A pending row has no worker watching it, so it is finalized here
	// rather than parked in cancelling. Losing the race to a claim is
	// fine; the job is running now and the worker path below applies.
	if job.Status == jobs.StatusPending {
		err := h.store.CancelIfPending(c.Request.Context(), job.ID)
		if err == nil {
			h.logger.Info("Pending job cancelled",
				slog.Int64("job_id", job.ID),
				slog.String("correlation_id", job.CorrelationID),
			)
			if h.publisher != nil {
				h.publisher.Publish(c.Request.Context(), jobs.Event{
					JobID:         job.ID,
					CorrelationID: job.CorrelationID,
					Type:          jobs.EventStatus,
					Status:        jobs.StatusCancelled,
					Message:       "cancelled before execution",
					Timestamp:     time.Now(),
				})
			}
			c.JSON(http.StatusAccepted, gin.H{
				"id":     job.ID,
				"status": string(jobs.StatusCancelled),
			})
			return
		}
		if !errors.Is(err, jobs.ErrNotCancellable) {
			h.logger.Error("Failed to cancel pending job",
				slog.Int64("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
			return
		}
	}

	if err := h.store.RequestCancel(c.Request.Context(), job.ID); err != nil {
		if errors.Is(err, jobs.ErrNotCancellable) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "job cannot be cancelled in its current state",
				"status": string(job.Status),
			})
			return
		}
		h.logger.Error("Failed to request cancel",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	h.logger.Info("Cancel requested",
		slog.Int64("job_id", job.ID),
		slog.String("correlation_id", job.CorrelationID),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"id":     job.ID,
		"status": string(jobs.StatusCancelling),
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Requeues a failed job immediately, without waiting for the backoff
// timer, as long as retry budget remains.
func (h *JobHandler) RetryJob(c *gin.Context) {
	job, ok := h.lookupJob(c)
	if !ok {
		return
	}

	if err := h.store.MarkForRetry(c.Request.Context(), job.ID); err != nil {
		if errors.Is(err, jobs.ErrMaxRetriesExceeded) {
			c.JSON(http.StatusConflict, gin.H{
				"error":  "job is not failed or has no retries left",
				"status": string(job.Status),
			})
			return
		}
		h.logger.Error("Failed to requeue job",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retry job",
		})
		return
	}

	h.logger.Info("Job requeued by request",
		slog.Int64("job_id", job.ID),
		slog.String("correlation_id", job.CorrelationID),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"id":     job.ID,
		"status": string(jobs.StatusPending),
	})
}

// lookupJob resolves the :job_id path parameter, accepting either a
// numeric id or a correlation id UUID. Replies on the context and
// returns false when the job cannot be served.
func (h *JobHandler) lookupJob(c *gin.Context) (*jobs.Job, bool) {
	param := c.Param("job_id")
	if param == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return nil, false
	}

	var (
		job *jobs.Job
		err error
	)
	if id, convErr := strconv.ParseInt(param, 10, 64); convErr == nil {
		job, err = h.store.Get(c.Request.Context(), id)
	} else if _, uuidErr := uuid.Parse(param); uuidErr == nil {
		job, err = h.store.GetByCorrelationID(c.Request.Context(), param)
	} else {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a numeric id or a UUID",
		})
		return nil, false
	}

	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return nil, false
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", param),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return nil, false
	}

	return job, true
}

func toJobDTO(job *jobs.Job) dto.JobDTO {
	out := dto.JobDTO{
		ID:            job.ID,
		CorrelationID: job.CorrelationID,
		OwnerID:       job.OwnerID,
		Kind:          job.Kind,
		Priority:      job.Priority,
		Status:        string(job.Status),
		Progress:      job.Progress,
		Retries:       job.Retries,
		MaxRetries:    job.MaxRetries,
		RemoteTaskID:  job.RemoteTaskID,
		Error:         job.Error,
		Logs:          job.Logs,
		CreatedAt:     job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     job.UpdatedAt.Format(time.RFC3339),
	}
	if job.Config != "" {
		out.Config = []byte(job.Config)
	}
	if len(job.Result) > 0 {
		out.Result = job.Result
	}
	if job.StartedAt != nil {
		out.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return out
}
