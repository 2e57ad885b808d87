package dto

import "encoding/json"

type CreateJobRequest struct {
	Kind           string          `json:"kind"`
	Priority       int             `json:"priority"`
	Config         json.RawMessage `json:"config" binding:"required"`
	OwnerID        string          `json:"owner_id"`
	MaxRetries     *int            `json:"max_retries"`
	BaseRetryDelay *int            `json:"base_retry_delay"`
}

type ListJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	Kind     string `form:"kind"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	ID            int64           `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	OwnerID       string          `json:"owner_id,omitempty"`
	Kind          string          `json:"kind"`
	Priority      int             `json:"priority"`
	Status        string          `json:"status"`
	Progress      int             `json:"progress"`
	Retries       int             `json:"retries"`
	MaxRetries    int             `json:"max_retries"`
	Config        json.RawMessage `json:"config,omitempty"`
	RemoteTaskID  string          `json:"remote_task_id,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Logs          string          `json:"logs,omitempty"`
	CreatedAt     string          `json:"created_at"`
	StartedAt     string          `json:"started_at,omitempty"`
	CompletedAt   string          `json:"completed_at,omitempty"`
	UpdatedAt     string          `json:"updated_at"`
}
