// Package store defines the task persistence contract shared by every
// backend, and the factory that maps a db_type to a concrete store.
package store

import (
	"context"
	"time"

	"github.com/clipsum/clipsum/internal/domain"
)

// TaskStore is the durable task queue. All methods are safe for concurrent
// use; claim and lock operations are atomic against the backing store.
type TaskStore interface {
	// AddTask inserts a Pending task for the (already canonicalized) URL and
	// returns the persisted row including the assigned id and created_at.
	AddTask(ctx context.Context, url string) (*domain.Task, error)

	// PendingTasks returns all tasks with status Pending.
	PendingTasks(ctx context.Context) ([]*domain.Task, error)

	// AllTasks returns every task (UI listing).
	AllTasks(ctx context.Context) ([]*domain.Task, error)

	// TaskByID returns one task or domain.ErrTaskNotFound.
	TaskByID(ctx context.Context, id string) (*domain.Task, error)

	// UpdateTaskStatus applies a partial update. When the new status is
	// anything other than Processing, worker_id and locked_at are cleared in
	// the same transaction.
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, update domain.TaskUpdate) error

	// CreateRetryTask clones a failed task into a fresh Pending task linked
	// via retry_of_task_id. The retry reason falls back to the source's
	// error message, then to "Manual retry".
	CreateRetryTask(ctx context.Context, source *domain.Task, reason string) (*domain.Task, error)

	// AcquireNextTask atomically claims the earliest executable task: status
	// Pending, or Processing with a lease older than lease. Returns nil when
	// no task is executable. Concurrent claimers serialize on the candidate
	// row; exactly one wins.
	AcquireNextTask(ctx context.Context, workerID string, lease time.Duration) (*domain.Task, error)

	// AcquireProcessingLock attempts to take the global single-writer lock.
	// Succeeds when the lock is free, already held by workerID, or older
	// than timeout.
	AcquireProcessingLock(ctx context.Context, workerID string, timeout time.Duration) (bool, error)

	// RefreshProcessingLock renews the lease while held by workerID.
	// A missing or foreign holder is a no-op.
	RefreshProcessingLock(ctx context.Context, workerID string) error

	// ReleaseProcessingLock clears the lock iff held by workerID.
	ReleaseProcessingLock(ctx context.Context, workerID string) error

	// ReadProcessingLock returns the current lock holder for inspection.
	ReadProcessingLock(ctx context.Context) (domain.ProcessingLockInfo, error)

	// ClearProcessingLock unconditionally clears the lock. Maintainer
	// recovery path only.
	ClearProcessingLock(ctx context.Context) error

	Close() error
}

// HistoryStore keeps the recent-view breadcrumbs shown by the UI. Only the
// sqlite backend implements it; callers discover support with a type
// assertion.
type HistoryStore interface {
	// RecordRecentView upserts the view timestamp for a task
	// (most-recent-wins, unique by task id).
	RecordRecentView(ctx context.Context, taskID string) error

	// RecentViews lists views newer than maxAge, newest first, at most
	// limit entries.
	RecentViews(ctx context.Context, maxAge time.Duration, limit int) ([]domain.RecentView, error)

	// PruneRecentViews deletes views older than maxAge and returns the
	// number removed.
	PruneRecentViews(ctx context.Context, maxAge time.Duration) (int64, error)
}
