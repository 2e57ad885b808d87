package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/quantlab/trainhub/internal/events"
	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/internal/remote"
	"github.com/quantlab/trainhub/internal/store"
	"github.com/quantlab/trainhub/shared/postgresql"
)

// EventPublisher forwards lifecycle events that originate in the API
// process, such as cancellation of a job no worker has claimed.
type EventPublisher interface {
	Publish(ctx context.Context, event jobs.Event)
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	DBClient    *postgresql.Client
	Store       *store.Store
	Remote      *remote.Client
	Broadcaster *events.Broadcaster
	Publisher   EventPublisher

	// StreamClientTimeout is forwarded to WebSocket subscribers as
	// their read deadline.
	StreamClientTimeout time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	store     *store.Store
	publisher EventPublisher
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		store:     deps.Store,
		publisher: deps.Publisher,
	}
}
