// Package storetest holds a compliance suite that every TaskStore backend
// must pass. Backend packages call RunTaskStoreComplianceTest from their own
// tests with a setup function producing a clean store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsum/clipsum/internal/domain"
	"github.com/clipsum/clipsum/internal/store"
)

// Harness wraps a fresh store under test. Advance moves the backend's clock
// forward so lease-expiry tests do not have to sleep; backends that cannot
// inject a clock leave it nil and the expiry subtests are skipped.
type Harness struct {
	Store    store.TaskStore
	Advance  func(d time.Duration)
	Teardown func()
}

const testURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

// RunTaskStoreComplianceTest runs the shared contract tests against a
// TaskStore implementation. setup must return a clean store per call.
func RunTaskStoreComplianceTest(t *testing.T, setup func(t *testing.T) *Harness) {
	t.Run("AddAndGetTask", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		task, err := h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, testURL, task.URL)
		assert.Equal(t, domain.StatusPending, task.Status)
		assert.Nil(t, task.WorkerID)
		assert.Nil(t, task.LockedAt)
		assert.False(t, task.CreatedAt.IsZero())

		fetched, err := h.Store.TaskByID(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, task.ID, fetched.ID)
		assert.Equal(t, task.URL, fetched.URL)
	})

	t.Run("GetNonExistentTask", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()

		_, err := h.Store.TaskByID(context.Background(), "999999")
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})

	t.Run("PendingTasksInCreationOrder", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		first, err := h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)
		second, err := h.Store.AddTask(ctx, "https://www.youtube.com/watch?v=aaaaaaaaaaa")
		require.NoError(t, err)

		pending, err := h.Store.PendingTasks(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, first.ID, pending[0].ID)
		assert.Equal(t, second.ID, pending[1].ID)
	})

	t.Run("AcquireNextTaskClaimsEarliest", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		first, err := h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)
		_, err = h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)

		claimed, err := h.Store.AcquireNextTask(ctx, "worker-a", 15*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, first.ID, claimed.ID)
		assert.Equal(t, domain.StatusProcessing, claimed.Status)
		require.NotNil(t, claimed.WorkerID)
		assert.Equal(t, "worker-a", *claimed.WorkerID)
		require.NotNil(t, claimed.LockedAt)
	})

	t.Run("AcquireNextTaskEmptyQueue", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()

		claimed, err := h.Store.AcquireNextTask(context.Background(), "worker-a", 15*time.Minute)
		require.NoError(t, err)
		assert.Nil(t, claimed)
	})

	t.Run("AcquireNextTaskSkipsHeldLease", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		_, err := h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)

		first, err := h.Store.AcquireNextTask(ctx, "worker-a", 15*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, first)

		second, err := h.Store.AcquireNextTask(ctx, "worker-b", 15*time.Minute)
		require.NoError(t, err)
		assert.Nil(t, second)
	})

	t.Run("AcquireNextTaskContention", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		_, err := h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)

		const claimers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins []string
		)
		for i := 0; i < claimers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				workerID := fmt.Sprintf("worker-%d", i)
				task, err := h.Store.AcquireNextTask(ctx, workerID, 15*time.Minute)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				wins = append(wins, workerID)
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		require.Len(t, wins, 1, "exactly one claimer must win the row")
	})

	t.Run("AcquireNextTaskReclaimsExpiredLease", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		if h.Advance == nil {
			t.Skip("backend does not support clock injection")
		}
		ctx := context.Background()

		_, err := h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)

		first, err := h.Store.AcquireNextTask(ctx, "worker-dead", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, first)

		h.Advance(2 * time.Minute)

		reclaimed, err := h.Store.AcquireNextTask(ctx, "worker-live", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		assert.Equal(t, first.ID, reclaimed.ID)
		assert.Equal(t, "worker-live", *reclaimed.WorkerID)
	})

	t.Run("UpdateStatusClearsLease", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		_, err := h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)
		claimed, err := h.Store.AcquireNextTask(ctx, "worker-a", 15*time.Minute)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		summary := "a summary"
		duration := 12.5
		err = h.Store.UpdateTaskStatus(ctx, claimed.ID, domain.StatusCompleted, domain.TaskUpdate{
			Summary:            &summary,
			ProcessingDuration: &duration,
		})
		require.NoError(t, err)

		done, err := h.Store.TaskByID(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, done.Status)
		assert.Equal(t, "a summary", done.Summary)
		require.NotNil(t, done.ProcessingDuration)
		assert.Equal(t, 12.5, *done.ProcessingDuration)
		assert.Nil(t, done.WorkerID)
		assert.Nil(t, done.LockedAt)
	})

	t.Run("UpdateStatusNotFound", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()

		err := h.Store.UpdateTaskStatus(context.Background(), "999999", domain.StatusFailed, domain.TaskUpdate{})
		assert.ErrorIs(t, err, domain.ErrTaskNotFound)
	})

	t.Run("CreateRetryTask", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		source, err := h.Store.AddTask(ctx, testURL)
		require.NoError(t, err)
		errMsg := "download failed"
		require.NoError(t, h.Store.UpdateTaskStatus(ctx, source.ID, domain.StatusFailed, domain.TaskUpdate{
			ErrorMessage: &errMsg,
		}))
		source, err = h.Store.TaskByID(ctx, source.ID)
		require.NoError(t, err)

		retry, err := h.Store.CreateRetryTask(ctx, source, "")
		require.NoError(t, err)
		assert.NotEqual(t, source.ID, retry.ID)
		assert.Equal(t, source.URL, retry.URL)
		assert.Equal(t, domain.StatusPending, retry.Status)
		require.NotNil(t, retry.RetryOfTaskID)
		assert.Equal(t, source.ID, *retry.RetryOfTaskID)
		assert.Equal(t, "download failed", retry.RetryReason)
		assert.Empty(t, retry.Summary)
		assert.Empty(t, retry.ErrorMessage)
	})

	t.Run("ProcessingLockLifecycle", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		acquired, err := h.Store.AcquireProcessingLock(ctx, "worker-a", 30*time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		// Reacquiring our own lock succeeds.
		acquired, err = h.Store.AcquireProcessingLock(ctx, "worker-a", 30*time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		// Somebody else is blocked while the lease is fresh.
		acquired, err = h.Store.AcquireProcessingLock(ctx, "worker-b", 30*time.Minute)
		require.NoError(t, err)
		assert.False(t, acquired)

		info, err := h.Store.ReadProcessingLock(ctx)
		require.NoError(t, err)
		require.True(t, info.Held())
		assert.Equal(t, "worker-a", *info.WorkerID)

		// Release by a non-holder is a no-op.
		require.NoError(t, h.Store.ReleaseProcessingLock(ctx, "worker-b"))
		info, err = h.Store.ReadProcessingLock(ctx)
		require.NoError(t, err)
		assert.True(t, info.Held())

		require.NoError(t, h.Store.ReleaseProcessingLock(ctx, "worker-a"))
		info, err = h.Store.ReadProcessingLock(ctx)
		require.NoError(t, err)
		assert.False(t, info.Held())

		acquired, err = h.Store.AcquireProcessingLock(ctx, "worker-b", 30*time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("ProcessingLockExpiryTakeover", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		if h.Advance == nil {
			t.Skip("backend does not support clock injection")
		}
		ctx := context.Background()

		acquired, err := h.Store.AcquireProcessingLock(ctx, "worker-dead", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		h.Advance(2 * time.Minute)

		acquired, err = h.Store.AcquireProcessingLock(ctx, "worker-live", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		info, err := h.Store.ReadProcessingLock(ctx)
		require.NoError(t, err)
		require.True(t, info.Held())
		assert.Equal(t, "worker-live", *info.WorkerID)
	})

	t.Run("RefreshProcessingLockGuarded", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		if h.Advance == nil {
			t.Skip("backend does not support clock injection")
		}
		ctx := context.Background()

		acquired, err := h.Store.AcquireProcessingLock(ctx, "worker-a", 10*time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		before, err := h.Store.ReadProcessingLock(ctx)
		require.NoError(t, err)
		require.NotNil(t, before.LockedAt)

		h.Advance(time.Minute)

		// Refresh by a non-holder must not extend the lease.
		require.NoError(t, h.Store.RefreshProcessingLock(ctx, "worker-b"))
		after, err := h.Store.ReadProcessingLock(ctx)
		require.NoError(t, err)
		require.NotNil(t, after.LockedAt)
		assert.Equal(t, *before.LockedAt, *after.LockedAt)

		require.NoError(t, h.Store.RefreshProcessingLock(ctx, "worker-a"))
		after, err = h.Store.ReadProcessingLock(ctx)
		require.NoError(t, err)
		assert.True(t, after.LockedAt.After(*before.LockedAt))
	})

	t.Run("ClearProcessingLockUnconditional", func(t *testing.T) {
		h := setup(t)
		defer h.Teardown()
		ctx := context.Background()

		acquired, err := h.Store.AcquireProcessingLock(ctx, "worker-a", 30*time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		require.NoError(t, h.Store.ClearProcessingLock(ctx))

		info, err := h.Store.ReadProcessingLock(ctx)
		require.NoError(t, err)
		assert.False(t, info.Held())
	})
}
