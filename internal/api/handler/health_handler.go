package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quantlab/trainhub/internal/remote"
	"github.com/quantlab/trainhub/internal/store"
	"github.com/quantlab/trainhub/shared/postgresql"
)

// HealthHandler reports service and dependency health.
type HealthHandler struct {
	logger   *slog.Logger
	dbClient *postgresql.Client
	store    *store.Store
	remote   *remote.Client
}

// NewHealthHandler creates a HealthHandler from shared dependencies.
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		logger:   deps.Logger,
		dbClient: deps.DBClient,
		store:    deps.Store,
		remote:   deps.Remote,
	}
}

// Health handles GET /health
// Reports whether the service and its dependencies are reachable. The
// response is 200 as long as the service itself is up; dependency
// state is in the body so load balancers keep routing while a
// dependency flaps.
func (h *HealthHandler) Health(c *gin.Context) {
	dbHealthy := h.dbClient.HealthCheck(c.Request.Context()) == nil
	remoteHealthy := h.remote.HealthCheck(c.Request.Context())

	status := "healthy"
	if !dbHealthy || !remoteHealthy {
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"service": "trainhub-api",
		"checks": gin.H{
			"database":        dbHealthy,
			"remote_executor": remoteHealthy,
		},
	})
}

// Status handles GET /api/v1/status
// Relays the remote executor's status report alongside local queue
// depth.
func (h *HealthHandler) Status(c *gin.Context) {
	remoteStatus, err := h.remote.ServerStatus(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to fetch remote executor status",
			slog.String("error", err.Error()),
		)
		remoteStatus = map[string]interface{}{
			"reachable": false,
		}
	}

	pending, err := h.store.CountPending(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to count pending jobs",
			slog.String("error", err.Error()),
		)
		pending = -1
	}

	c.JSON(http.StatusOK, gin.H{
		"service":         "trainhub-api",
		"pending_jobs":    pending,
		"remote_executor": remoteStatus,
	})
}
