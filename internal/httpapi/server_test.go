package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clipsum/clipsum/internal/domain"
	"github.com/clipsum/clipsum/internal/store"
	"github.com/clipsum/clipsum/internal/store/sqlite"
	"github.com/clipsum/clipsum/internal/worker"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// drainAll is the default background run: claim every executable task and
// mark it Completed with a canned summary.
func drainAll(ctx context.Context, ts store.TaskStore, workerID string) (worker.Summary, error) {
	summary := worker.Summary{WorkerID: workerID, AcquiredLock: true}
	for {
		task, err := ts.AcquireNextTask(ctx, workerID, time.Minute)
		if err != nil || task == nil {
			return summary, err
		}
		text := "summary of " + task.URL
		if err := ts.UpdateTaskStatus(ctx, task.ID, domain.StatusCompleted, domain.TaskUpdate{Summary: &text}); err != nil {
			return summary, err
		}
		summary.Processed++
	}
}

type harness struct {
	srv   *httptest.Server
	store store.TaskStore
	clock *testClock
}

func newHarness(t *testing.T, run RunWorkerFunc, opts ...ServerOption) *harness {
	t.Helper()

	clock := newTestClock()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "tasks.db"), sqlite.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	if run == nil {
		run = drainAll
	}
	sched := NewScheduler(30*time.Minute, run)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	provider := StoreProviderFunc(func(_ context.Context, dbType string) (store.TaskStore, error) {
		if dbType != "sqlite" {
			return nil, domain.ErrBackendUnavailable
		}
		return st, nil
	})

	opts = append([]ServerOption{WithClock(clock.Now)}, opts...)
	server := NewServer(provider, sched, opts...)

	h := &harness{srv: httptest.NewServer(server.Router()), store: st, clock: clock}
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, header map[string]string) (int, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func errMessage(t *testing.T, body map[string]any) string {
	t.Helper()
	detail, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected error envelope, got %v", body)
	msg, _ := detail["message"].(string)
	return msg
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
}

func TestCreateTaskDrainsQueue(t *testing.T) {
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodPost, "/tasks", map[string]any{"url": "https://youtu.be/dQw4w9WgXcQ"}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "Pending", body["status"])
	require.Equal(t, "sqlite", body["db_type"])
	require.Equal(t, true, body["processing_started"])
	require.NotEmpty(t, body["processing_worker_id"])
	require.Contains(t, body["message"], "Task queued successfully.")

	taskID, ok := body["task_id"].(string)
	require.True(t, ok)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		task, err := h.store.TaskByID(ctx, taskID)
		return err == nil && task.Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	task, err := h.store.TaskByID(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", task.URL)
	require.Equal(t, "summary of https://www.youtube.com/watch?v=dQw4w9WgXcQ", task.Summary)

	require.Eventually(t, func() bool {
		info, err := h.store.ReadProcessingLock(ctx)
		return err == nil && !info.Held()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateTaskInvalidURL(t *testing.T) {
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodPost, "/tasks", map[string]any{"url": "https://example.com/watch?v=nope"}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "Invalid YouTube URL.", errMessage(t, body))
}

func TestCreateTaskUnknownBackend(t *testing.T) {
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodPost, "/tasks",
		map[string]any{"url": "https://youtu.be/dQw4w9WgXcQ", "db_type": "mysql"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Contains(t, errMessage(t, body), "db_type")
}

func TestCreateTaskWhileProcessingRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	run := func(_ context.Context, _ store.TaskStore, workerID string) (worker.Summary, error) {
		close(started)
		<-release
		return worker.Summary{WorkerID: workerID, AcquiredLock: true}, nil
	}
	h := newHarness(t, run)

	status, body := h.do(t, http.MethodPost, "/tasks", map[string]any{"url": "https://youtu.be/dQw4w9WgXcQ"}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, true, body["processing_started"])
	<-started

	status, body = h.do(t, http.MethodPost, "/tasks", map[string]any{"url": "https://youtu.be/aaaaaaaaaaa"}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, false, body["processing_started"])
	require.Contains(t, body["message"], "Processing already running.")
	require.Nil(t, body["processing_worker_id"])

	close(release)
	require.Eventually(t, func() bool {
		info, err := h.store.ReadProcessingLock(context.Background())
		return err == nil && !info.Held()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	source, err := h.store.AddTask(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	errMsg := "download failed"
	require.NoError(t, h.store.UpdateTaskStatus(ctx, source.ID, domain.StatusFailed, domain.TaskUpdate{ErrorMessage: &errMsg}))

	status, body := h.do(t, http.MethodPost, "/tasks/"+source.ID+"/retry",
		map[string]any{"retry_reason": "flaky network"}, nil)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, source.ID, body["source_task_id"])
	require.Equal(t, "Pending", body["status"])
	require.Equal(t, "Retry task created.", body["message"])

	retryID, ok := body["task_id"].(string)
	require.True(t, ok)
	require.NotEqual(t, source.ID, retryID)

	retry, err := h.store.TaskByID(ctx, retryID)
	require.NoError(t, err)
	require.Equal(t, "flaky network", retry.RetryReason)
	require.NotNil(t, retry.RetryOfTaskID)
	require.Equal(t, source.ID, *retry.RetryOfTaskID)

	status, body = h.do(t, http.MethodGet, "/tasks/"+source.ID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Failed Retry Created", body["status"])

	// Source is terminal now; a second retry must be refused.
	status, body = h.do(t, http.MethodPost, "/tasks/"+source.ID+"/retry", map[string]any{}, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "Task status must be Failed to retry.", errMessage(t, body))

	status, _ = h.do(t, http.MethodPost, "/tasks/no-such-task/retry", map[string]any{}, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestCreateProcessingJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	run := func(_ context.Context, _ store.TaskStore, workerID string) (worker.Summary, error) {
		close(started)
		<-release
		return worker.Summary{WorkerID: workerID, AcquiredLock: true}, nil
	}
	h := newHarness(t, run)

	status, body := h.do(t, http.MethodPost, "/processing-jobs", map[string]any{"worker_id": "ops-1"}, nil)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, "ops-1", body["worker_id"])
	require.Equal(t, true, body["accepted"])
	require.Equal(t, "Processing worker scheduled.", body["message"])
	<-started

	status, body = h.do(t, http.MethodPost, "/processing-jobs", map[string]any{"worker_id": "ops-2"}, nil)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "Processing already running.", errMessage(t, body))

	close(release)
}

func TestProcessingLockMaintainerAuth(t *testing.T) {
	t.Run("token not configured", func(t *testing.T) {
		h := newHarness(t, nil)
		status, body := h.do(t, http.MethodGet, "/processing-lock", nil, nil)
		require.Equal(t, http.StatusServiceUnavailable, status)
		require.Equal(t, "Processing lock admin token is not configured.", errMessage(t, body))
	})

	t.Run("token checks", func(t *testing.T) {
		h := newHarness(t, nil, WithAdminToken("sekrit"))

		status, body := h.do(t, http.MethodGet, "/processing-lock", nil, nil)
		require.Equal(t, http.StatusUnauthorized, status)
		require.Equal(t, "Missing maintainer token.", errMessage(t, body))

		status, body = h.do(t, http.MethodGet, "/processing-lock", nil, map[string]string{"X-Maintainer-Token": "wrong"})
		require.Equal(t, http.StatusForbidden, status)
		require.Equal(t, "Invalid maintainer token.", errMessage(t, body))

		status, body = h.do(t, http.MethodGet, "/processing-lock", nil, map[string]string{"X-Maintainer-Token": "sekrit"})
		require.Equal(t, http.StatusOK, status)
		snapshot, ok := body["snapshot"].(map[string]any)
		require.True(t, ok)
		require.Nil(t, snapshot["worker_id"])
	})
}

func TestProcessingLockSnapshot(t *testing.T) {
	h := newHarness(t, nil, WithAdminToken("sekrit"))
	hdr := map[string]string{"X-Maintainer-Token": "sekrit"}
	ctx := context.Background()

	acquired, err := h.store.AcquireProcessingLock(ctx, "worker-a", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	h.clock.Advance(10 * time.Minute)
	status, body := h.do(t, http.MethodGet, "/processing-lock", nil, hdr)
	require.Equal(t, http.StatusOK, status)
	snapshot := body["snapshot"].(map[string]any)
	require.Equal(t, "worker-a", snapshot["worker_id"])
	require.InDelta(t, 600, snapshot["age_seconds"].(float64), 1)
	require.Equal(t, false, snapshot["stale"])

	h.clock.Advance(25 * time.Minute)
	status, body = h.do(t, http.MethodGet, "/processing-lock", nil, hdr)
	require.Equal(t, http.StatusOK, status)
	snapshot = body["snapshot"].(map[string]any)
	require.Equal(t, true, snapshot["stale"])
}

func TestReleaseProcessingLock(t *testing.T) {
	h := newHarness(t, nil, WithAdminToken("sekrit"))
	hdr := map[string]string{"X-Maintainer-Token": "sekrit"}
	ctx := context.Background()

	status, body := h.do(t, http.MethodDelete, "/processing-lock", map[string]any{}, hdr)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["released"])
	require.Equal(t, "lock_not_found", body["reason"])

	acquired, err := h.store.AcquireProcessingLock(ctx, "worker-a", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	// A dry run reports without touching the lock.
	status, body = h.do(t, http.MethodDelete, "/processing-lock",
		map[string]any{"dry_run": true, "reason": "inspection"}, hdr)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["released"])
	require.Equal(t, "inspection", body["reason"])
	info, err := h.store.ReadProcessingLock(ctx)
	require.NoError(t, err)
	require.True(t, info.Held())

	status, body = h.do(t, http.MethodDelete, "/processing-lock", map[string]any{}, hdr)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "expected_worker_id is required unless force=true.", errMessage(t, body))

	status, body = h.do(t, http.MethodDelete, "/processing-lock",
		map[string]any{"expected_worker_id": "worker-b"}, hdr)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "Lock is held by worker-a.", errMessage(t, body))

	// Forced release is fenced behind a minimum lock age.
	h.clock.Advance(5 * time.Minute)
	status, body = h.do(t, http.MethodDelete, "/processing-lock",
		map[string]any{"force": true, "force_threshold_seconds": 600}, hdr)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "Processing lock has not aged enough for a forced release.", errMessage(t, body))

	h.clock.Advance(6 * time.Minute)
	status, body = h.do(t, http.MethodDelete, "/processing-lock",
		map[string]any{"force": true, "force_threshold_seconds": 600, "reason": "worker crashed"}, hdr)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["released"])
	require.Equal(t, "worker crashed", body["reason"])
	before := body["before"].(map[string]any)
	require.Equal(t, "worker-a", before["worker_id"])
	after := body["after"].(map[string]any)
	require.Nil(t, after["worker_id"])

	info, err = h.store.ReadProcessingLock(ctx)
	require.NoError(t, err)
	require.False(t, info.Held())

	// Guarded release with the matching holder.
	acquired, err = h.store.AcquireProcessingLock(ctx, "worker-a", 30*time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	status, body = h.do(t, http.MethodDelete, "/processing-lock",
		map[string]any{"expected_worker_id": "worker-a"}, hdr)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["released"])

	info, err = h.store.ReadProcessingLock(ctx)
	require.NoError(t, err)
	require.False(t, info.Held())
}

func TestRecentViews(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task, err := h.store.AddTask(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)

	status, _ := h.do(t, http.MethodPost, "/tasks/"+task.ID+"/views", nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = h.do(t, http.MethodPost, "/tasks/no-such-task/views", nil, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, body := h.do(t, http.MethodGet, "/recent-views", nil, nil)
	require.Equal(t, http.StatusOK, status)
	views, ok := body["views"].([]any)
	require.True(t, ok)
	require.Len(t, views, 1)
	view := views[0].(map[string]any)
	require.Equal(t, task.ID, view["task_id"])
}

func TestListTasks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.store.AddTask(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	second, err := h.store.AddTask(ctx, "https://www.youtube.com/watch?v=aaaaaaaaaaa")
	require.NoError(t, err)

	status, body := h.do(t, http.MethodGet, "/tasks", nil, nil)
	require.Equal(t, http.StatusOK, status)
	tasks, ok := body["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 2)

	ids := []string{
		tasks[0].(map[string]any)["id"].(string),
		tasks[1].(map[string]any)["id"].(string),
	}
	require.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}
