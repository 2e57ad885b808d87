package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/quantlab/trainhub/internal/events"
	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/internal/store"
)

// StreamHandler upgrades HTTP requests to WebSocket subscriptions on
// the job event broadcaster.
type StreamHandler struct {
	logger        *slog.Logger
	store         *store.Store
	broadcaster   *events.Broadcaster
	clientTimeout time.Duration
	upgrader      websocket.Upgrader
}

// NewStreamHandler creates a StreamHandler from shared dependencies.
func NewStreamHandler(deps *Dependencies) *StreamHandler {
	timeout := deps.StreamClientTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &StreamHandler{
		logger:        deps.Logger,
		store:         deps.Store,
		broadcaster:   deps.Broadcaster,
		clientTimeout: timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// StreamJob handles GET /api/v1/jobs/:job_id/stream
// Streams progress, log and status events for one job over WebSocket.
// The subscription ends when the job reaches a terminal state or the
// client goes silent past the read deadline.
func (h *StreamHandler) StreamJob(c *gin.Context) {
	correlationID := c.Param("job_id")
	if correlationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	job, err := h.store.GetByCorrelationID(c.Request.Context(), correlationID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to look up job for stream",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		return
	}

	sub := events.NewWSSubscriber(conn, h.clientTimeout, h.logger)

	// The current row state goes out first so a late subscriber does
	// not start from nothing.
	snapshot := jobs.Event{
		JobID:         job.ID,
		CorrelationID: job.CorrelationID,
		Type:          jobs.EventStatus,
		Status:        job.Status,
		Progress:      job.Progress,
		Error:         job.Error,
		Timestamp:     time.Now().UTC(),
	}
	if err := sub.Send(snapshot); err != nil {
		_ = sub.Close()
		return
	}

	if job.IsFinished() {
		_ = sub.Close()
		return
	}

	h.broadcaster.Subscribe(correlationID, sub)

	h.logger.Info("Stream subscriber attached",
		slog.String("correlation_id", correlationID),
		slog.Int64("job_id", job.ID),
	)

	// ReadLoop blocks until the peer disconnects or times out, which
	// keeps gin from closing the connection underneath us.
	sub.ReadLoop()
	h.broadcaster.Unsubscribe(correlationID, sub)
	_ = sub.Close()

	h.logger.Info("Stream subscriber detached",
		slog.String("correlation_id", correlationID),
	)
}
