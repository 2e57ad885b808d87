package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab/trainhub/internal/jobs"
	"github.com/quantlab/trainhub/internal/remote"
	"github.com/quantlab/trainhub/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu sync.Mutex

	pending []jobs.Job
	current map[int64]*jobs.Job

	remoteTasks  map[int64]string
	progress     []int
	logs         []string
	completed    map[int64]json.RawMessage
	failed       map[int64]string
	cancelled    map[int64]bool
	retried      map[int64]int
	markRetryErr error
}

func newFakeStore(pending ...jobs.Job) *fakeStore {
	s := &fakeStore{
		pending:     pending,
		current:     make(map[int64]*jobs.Job),
		remoteTasks: make(map[int64]string),
		completed:   make(map[int64]json.RawMessage),
		failed:      make(map[int64]string),
		cancelled:   make(map[int64]bool),
		retried:     make(map[int64]int),
	}
	for i := range pending {
		job := pending[i]
		job.Status = jobs.StatusRunning
		s.current[job.ID] = &job
	}
	return s
}

func (s *fakeStore) ClaimPending(_ context.Context, limit int) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(s.pending) {
		n = len(s.pending)
	}
	claimed := s.pending[:n]
	s.pending = s.pending[n:]
	return claimed, nil
}

func (s *fakeStore) Get(_ context.Context, id int64) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.current[id]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) SetRemoteTask(_ context.Context, id int64, remoteTaskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteTasks[id] = remoteTaskID
	return nil
}

func (s *fakeStore) UpdateProgress(_ context.Context, _ int64, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progress)
	return nil
}

func (s *fakeStore) AppendLog(_ context.Context, _ int64, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, line)
	return nil
}

func (s *fakeStore) Complete(_ context.Context, id int64, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = result
	return nil
}

func (s *fakeStore) Fail(_ context.Context, id int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errMsg
	return nil
}

func (s *fakeStore) MarkCancelled(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[id] = true
	return nil
}

func (s *fakeStore) MarkForRetry(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markRetryErr != nil {
		return s.markRetryErr
	}
	s.retried[id]++
	return nil
}

func (s *fakeStore) setStatus(id int64, status jobs.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[id].Status = status
}

func (s *fakeStore) completedResult(id int64) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.completed[id]
	return result, ok
}

func (s *fakeStore) failedError(id int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.failed[id]
	return msg, ok
}

func (s *fakeStore) wasCancelled(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[id]
}

func (s *fakeStore) retryCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retried[id]
}

func (s *fakeStore) progressSnapshots() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.progress))
	copy(out, s.progress)
	return out
}

func (s *fakeStore) logLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.logs))
	copy(out, s.logs)
	return out
}

type fakeExecutor struct {
	mu sync.Mutex

	submitErr    error
	submitFn     func(job *jobs.Job) (string, error)
	remoteTaskID string
	submits      int

	polls       []pollStep
	pollCalls   int
	result      json.RawMessage
	resultErr   error
	cancelCalls int
	pushes      []remote.PushEvent
}

type pollStep struct {
	status *remote.TaskStatus
	err    error
}

func (e *fakeExecutor) Submit(_ context.Context, job *jobs.Job) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submits++
	if e.submitFn != nil {
		return e.submitFn(job)
	}
	if e.submitErr != nil {
		return "", e.submitErr
	}
	return e.remoteTaskID, nil
}

func (e *fakeExecutor) Poll(_ context.Context, _ string) (*remote.TaskStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.polls) == 0 {
		return &remote.TaskStatus{State: remote.StateRunning}, nil
	}
	step := e.polls[0]
	if len(e.polls) > 1 {
		e.polls = e.polls[1:]
	}
	e.pollCalls++
	return step.status, step.err
}

func (e *fakeExecutor) FetchResult(_ context.Context, _ string) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resultErr != nil {
		return nil, e.resultErr
	}
	return e.result, nil
}

func (e *fakeExecutor) Cancel(_ context.Context, _ string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelCalls++
	return true
}

func (e *fakeExecutor) HealthCheck(_ context.Context) bool { return true }

func (e *fakeExecutor) Listen(ctx context.Context, _ string, fn func(remote.PushEvent)) {
	e.mu.Lock()
	pushes := e.pushes
	e.mu.Unlock()
	for _, event := range pushes {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fn(event)
	}
	<-ctx.Done()
}

func (e *fakeExecutor) cancelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelCalls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []jobs.Event
}

func (p *fakePublisher) Publish(_ context.Context, event jobs.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) all() []jobs.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]jobs.Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePublisher) hasStatus(status jobs.Status) bool {
	for _, e := range p.all() {
		if e.Type == jobs.EventStatus && e.Status == status {
			return true
		}
	}
	return false
}

func testJob(id int64) jobs.Job {
	return jobs.Job{
		ID:            id,
		CorrelationID: "corr-1",
		Kind:          jobs.KindTrain,
		Status:        jobs.StatusPending,
		MaxRetries:    3,
		Config:        `{"epochs": 5}`,
	}
}

// fixedPolicy backs off by a fixed delay, so tests control timing
// instead of racing the real policy's jitter.
type fixedPolicy struct {
	delay time.Duration
}

func (p fixedPolicy) Decide(retries, maxRetries int, _ time.Duration) retry.Decision {
	if retries >= maxRetries {
		return retry.Decision{}
	}
	return retry.Decision{Retry: true, Delay: p.delay}
}

func newTestWorker(store JobStore, exec Executor, pub EventPublisher) *Worker {
	return NewWorker(&Config{
		Logger:        testLogger(),
		Store:         store,
		Remote:        exec,
		Publisher:     pub,
		ClaimBatch:    2,
		IdleInterval:  10 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		CancelTimeout: time.Second,
	})
}

func TestWorkerCompletesJob(t *testing.T) {
	store := newFakeStore(testJob(1))
	exec := &fakeExecutor{
		remoteTaskID: "rt-1",
		polls: []pollStep{
			{status: &remote.TaskStatus{State: remote.StateRunning, Progress: 40}},
			{status: &remote.TaskStatus{State: remote.StateSuccess, Progress: 100}},
		},
		result: json.RawMessage(`{"accuracy": 0.97}`),
	}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.completedResult(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	result, _ := store.completedResult(1)
	assert.JSONEq(t, `{"accuracy": 0.97}`, string(result))
	store.mu.Lock()
	assert.Equal(t, "rt-1", store.remoteTasks[1])
	store.mu.Unlock()
	assert.Contains(t, store.progressSnapshots(), 40)
	assert.True(t, pub.hasStatus(jobs.StatusRunning))
	assert.True(t, pub.hasStatus(jobs.StatusCompleted))
}

func TestWorkerPersistsRemoteLogs(t *testing.T) {
	store := newFakeStore(testJob(1))
	exec := &fakeExecutor{
		remoteTaskID: "rt-1",
		polls: []pollStep{
			{status: &remote.TaskStatus{State: remote.StateRunning, Progress: 10, Logs: []string{"epoch 1", "epoch 2"}}},
			{status: &remote.TaskStatus{State: remote.StateSuccess, Progress: 100, Logs: []string{"epoch 1", "epoch 2", "done"}}},
		},
		result: json.RawMessage(`{}`),
	}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.completedResult(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"epoch 1", "epoch 2", "done"}, store.logLines())
}

func TestWorkerAppliesPushEvents(t *testing.T) {
	store := newFakeStore(testJob(1))
	exec := &fakeExecutor{
		remoteTaskID: "rt-1",
		pushes: []remote.PushEvent{
			{TaskID: "rt-1", Status: "RUNNING", Progress: 25, Seq: 1},
			{TaskID: "rt-1", Status: "RUNNING", Progress: 60, Message: "halfway", Seq: 2},
			{TaskID: "rt-1", Status: remote.StateSuccess, Progress: 100, Seq: 3},
		},
		result: json.RawMessage(`{"loss": 0.1}`),
	}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.completedResult(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{25, 60}, store.progressSnapshots())
	assert.Equal(t, []string{"halfway"}, store.logLines())
}

func TestWorkerIgnoresStalePushes(t *testing.T) {
	store := newFakeStore(testJob(1))
	exec := &fakeExecutor{
		remoteTaskID: "rt-1",
		pushes: []remote.PushEvent{
			{TaskID: "rt-1", Status: "RUNNING", Progress: 50, Seq: 5},
			{TaskID: "rt-1", Status: "RUNNING", Progress: 30, Seq: 3},
			{TaskID: "rt-1", Status: remote.StateSuccess, Progress: 100, Seq: 6},
		},
		result: json.RawMessage(`{}`),
	}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.completedResult(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []int{50}, store.progressSnapshots())
}

func TestWorkerSubmitFailureExhaustsRetries(t *testing.T) {
	job := testJob(1)
	job.Retries = 3 // already at max
	store := newFakeStore(job)
	exec := &fakeExecutor{
		submitErr: &remote.StatusError{Code: 400, Body: "bad config"},
	}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.failedError(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := store.failedError(1)
	assert.Contains(t, msg, "submit failed")
	assert.True(t, pub.hasStatus(jobs.StatusFailed))
	assert.Empty(t, store.retried)
}

func TestWorkerUnknownRemoteHandleFailsJob(t *testing.T) {
	job := testJob(1)
	job.Retries = 3
	store := newFakeStore(job)
	exec := &fakeExecutor{
		remoteTaskID: "rt-1",
		polls: []pollStep{
			{err: &remote.StatusError{Code: 404, Body: "no such task"}},
		},
	}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.failedError(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := store.failedError(1)
	assert.Contains(t, msg, "remote task lost")
}

func TestWorkerCancelRequestStopsRemoteTask(t *testing.T) {
	store := newFakeStore(testJob(1))
	exec := &fakeExecutor{remoteTaskID: "rt-1"}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		_, submitted := store.remoteTasks[1]
		store.mu.Unlock()
		return submitted
	}, 2*time.Second, 10*time.Millisecond)

	store.setStatus(1, jobs.StatusCancelling)

	require.Eventually(t, func() bool {
		return store.wasCancelled(1)
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, exec.cancelCount(), 1)
	assert.True(t, pub.hasStatus(jobs.StatusCancelled))
}

func TestWorkerRemoteFailureWithNoRetriesLeft(t *testing.T) {
	job := testJob(1)
	job.Retries = 3
	store := newFakeStore(job)
	exec := &fakeExecutor{
		remoteTaskID: "rt-1",
		polls: []pollStep{
			{status: &remote.TaskStatus{State: remote.StateFailed, Error: "oom"}},
		},
	}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.failedError(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// The stored error and the terminal event both carry the attempt
	// count alongside the remote failure reason.
	msg, _ := store.failedError(1)
	assert.Equal(t, "failed after 4 attempts: oom", msg)

	require.Eventually(t, func() bool {
		return pub.hasStatus(jobs.StatusFailed)
	}, 2*time.Second, 10*time.Millisecond)
	for _, e := range pub.all() {
		if e.Type == jobs.EventStatus && e.Status == jobs.StatusFailed {
			assert.Equal(t, "failed after 4 attempts: oom", e.Error)
		}
	}
	assert.Empty(t, store.retried)
}

func TestWorkerRetriesFailedJobAfterBackoff(t *testing.T) {
	store := newFakeStore(testJob(1))
	exec := &fakeExecutor{
		remoteTaskID: "rt-1",
		polls: []pollStep{
			{status: &remote.TaskStatus{State: remote.StateFailed, Error: "oom"}},
		},
	}
	pub := &fakePublisher{}

	w := NewWorker(&Config{
		Logger:       testLogger(),
		Store:        store,
		Remote:       exec,
		Publisher:    pub,
		Policy:       fixedPolicy{delay: time.Millisecond},
		ClaimBatch:   1,
		IdleInterval: 10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		return store.retryCount(1) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The interim failure is recorded as-is, without the attempt
	// count the terminal message carries.
	msg, ok := store.failedError(1)
	require.True(t, ok)
	assert.Equal(t, "oom", msg)

	require.Eventually(t, func() bool {
		return pub.hasStatus(jobs.StatusPending)
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, pub.hasStatus(jobs.StatusFailed))
}

func TestWorkerBackoffDoesNotHoldClaimSlot(t *testing.T) {
	slow := testJob(1)
	fast := testJob(2)
	store := newFakeStore(slow, fast)
	exec := &fakeExecutor{
		submitFn: func(job *jobs.Job) (string, error) {
			if job.ID == slow.ID {
				return "", &remote.StatusError{Code: 503, Body: "executor busy"}
			}
			return "rt-2", nil
		},
		polls: []pollStep{
			{status: &remote.TaskStatus{State: remote.StateSuccess, Progress: 100}},
		},
		result: json.RawMessage(`{}`),
	}
	pub := &fakePublisher{}

	// One slot only. The second job can run to completion only if the
	// first job's backoff wait gives its slot back.
	w := NewWorker(&Config{
		Logger:       testLogger(),
		Store:        store,
		Remote:       exec,
		Publisher:    pub,
		Policy:       fixedPolicy{delay: time.Hour},
		ClaimBatch:   1,
		IdleInterval: 10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := store.completedResult(2)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// The first job is still waiting out its backoff.
	assert.Equal(t, 0, store.retryCount(1))
}

func TestWorkerStopRequeuesWaitingRetry(t *testing.T) {
	store := newFakeStore(testJob(1))
	exec := &fakeExecutor{
		submitErr: &remote.StatusError{Code: 503, Body: "executor busy"},
	}
	pub := &fakePublisher{}

	w := NewWorker(&Config{
		Logger:       testLogger(),
		Store:        store,
		Remote:       exec,
		Publisher:    pub,
		Policy:       fixedPolicy{delay: time.Hour},
		ClaimBatch:   1,
		IdleInterval: 10 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := store.failedError(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, store.retryCount(1))

	// Stop fires mid-backoff. The job goes back to pending right away
	// instead of sitting failed with budget left until the delay runs
	// out on a worker that no longer exists.
	w.Stop()

	assert.Equal(t, 1, store.retryCount(1))
	assert.True(t, pub.hasStatus(jobs.StatusPending))
}

func TestWorkerStopDrainsInFlightJob(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutor{remoteTaskID: "rt-1"}
	pub := &fakePublisher{}

	w := newTestWorker(store, exec, pub)
	require.NoError(t, w.Start(context.Background()))

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop in time")
	}
}
