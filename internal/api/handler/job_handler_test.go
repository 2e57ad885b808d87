package handler

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab/trainhub/internal/api/dto"
	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T) (*JobHandler, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobHandler(&Dependencies{
		Logger: logger,
		Store:  store.NewWithDB(sqlx.NewDb(db, "sqlmock"), logger),
	}), mock
}

func newTestRouter(h *JobHandler) *gin.Engine {
	r := gin.New()
	r.POST("/api/v1/jobs", h.CreateJob)
	r.GET("/api/v1/jobs", h.ListJobs)
	r.GET("/api/v1/jobs/:job_id", h.GetJob)
	r.POST("/api/v1/jobs/:job_id/cancel", h.CancelJob)
	r.POST("/api/v1/jobs/:job_id/retry", h.RetryJob)
	return r
}

func jobColumnList() []string {
	return []string{
		"id", "correlation_id", "owner_id", "kind", "priority", "status", "progress",
		"retries", "max_retries", "base_retry_delay", "config", "remote_task_id",
		"result", "error", "logs", "created_at", "started_at", "completed_at", "updated_at",
	}
}

func jobRow(id int64, status jobs.Status) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, "2f1b3c84-9d7e-4a1b-8c6d-1234567890ab", "user-1", jobs.KindTrain, 0, string(status), 0,
		0, 3, 5, `{"epochs": 3}`, "",
		nil, "", "", now, nil, nil, now,
	}
}

func TestCreateJob(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	now := time.Now()
	mock.ExpectQuery("INSERT INTO jobs").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(int64(7), now, now))

	body := `{"config": {"epochs": 3}, "owner_id": "user-1", "priority": 2}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.ID)
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, jobs.KindTrain, resp.Kind)
	assert.Equal(t, string(jobs.StatusPending), resp.Status)
	assert.Equal(t, jobs.DefaultMaxRetries, resp.MaxRetries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJob_MissingConfig(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateJob_NegativeMaxRetries(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	body := `{"config": {}, "max_retries": -1}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_ByNumericID(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(jobColumnList()).AddRow(jobRow(7, jobs.StatusRunning)...))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/7", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.ID)
	assert.Equal(t, string(jobs.StatusRunning), resp.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_ByCorrelationID(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	correlationID := "2f1b3c84-9d7e-4a1b-8c6d-1234567890ab"
	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE correlation_id").
		WithArgs(correlationID).
		WillReturnRows(sqlmock.NewRows(jobColumnList()).AddRow(jobRow(7, jobs.StatusCompleted)...))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+correlationID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob_NotFound(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id").
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows(jobColumnList()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/99", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_MalformedID(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/not-an-id", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs_WithNextCursor(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	rows := sqlmock.NewRows(jobColumnList())
	for i := int64(1); i <= 3; i++ {
		rows.AddRow(jobRow(i, jobs.StatusPending)...)
	}

	// page_size=2 fetches 3 rows; the extra row signals more results.
	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE 1=1(.|\n)+ORDER BY created_at DESC").
		WillReturnRows(rows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?page_size=2", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.NotEmpty(t, resp.NextCursor)

	cursor, err := DecodeJobCursor(resp.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cursor.ID)
}

func TestListJobs_RejectsUnknownStatus(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=exploded", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(jobColumnList()).AddRow(jobRow(7, jobs.StatusRunning)...))
	mock.ExpectExec("UPDATE jobs(.|\n)+SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/7/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// capturePublisher records events the handlers emit.
type capturePublisher struct {
	events []jobs.Event
}

func (p *capturePublisher) Publish(_ context.Context, event jobs.Event) {
	p.events = append(p.events, event)
}

func TestCancelJob_PendingFinalizedInPlace(t *testing.T) {
	h, mock := newTestHandler(t)
	pub := &capturePublisher{}
	h.publisher = pub
	r := newTestRouter(h)

	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(jobColumnList()).AddRow(jobRow(7, jobs.StatusPending)...))
	mock.ExpectExec("UPDATE jobs(.|\n)+SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/7/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(jobs.StatusCancelled), resp["status"])

	require.Len(t, pub.events, 1)
	assert.Equal(t, jobs.EventStatus, pub.events[0].Type)
	assert.Equal(t, jobs.StatusCancelled, pub.events[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelJob_PendingClaimedMeanwhile(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	// The row read pending but a worker claimed it before the cancel
	// write landed, so the request falls through to the running path.
	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(jobColumnList()).AddRow(jobRow(7, jobs.StatusPending)...))
	mock.ExpectExec("UPDATE jobs(.|\n)+SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE jobs(.|\n)+SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/7/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(jobs.StatusCancelling), resp["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelJob_TerminalState(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(jobColumnList()).AddRow(jobRow(7, jobs.StatusCompleted)...))
	mock.ExpectExec("UPDATE jobs(.|\n)+SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/7/cancel", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryJob(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(jobColumnList()).AddRow(jobRow(7, jobs.StatusFailed)...))
	mock.ExpectExec("UPDATE jobs(.|\n)+retries = retries \\+ 1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/7/retry", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryJob_NoBudgetLeft(t *testing.T) {
	h, mock := newTestHandler(t)
	r := newTestRouter(h)

	mock.ExpectQuery("SELECT(.|\n)+FROM jobs WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(jobColumnList()).AddRow(jobRow(7, jobs.StatusFailed)...))
	mock.ExpectExec("UPDATE jobs(.|\n)+retries = retries \\+ 1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/7/retry", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCursorRoundTrip(t *testing.T) {
	orig := &store.Cursor{CreatedAt: time.Now().Truncate(time.Nanosecond), ID: 42}
	token := EncodeJobCursor(orig)

	decoded, err := DecodeJobCursor(token)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, decoded.ID)
	assert.Equal(t, orig.CreatedAt.UnixNano(), decoded.CreatedAt.UnixNano())
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{name: "not base64", token: "%%%"},
		{name: "missing separator", token: "MTIzNDU="},
		{name: "non numeric id", token: "MTIzfGFiYw=="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJobCursor(tt.token)
			assert.Error(t, err)
		})
	}
}
