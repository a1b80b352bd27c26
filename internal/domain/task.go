package domain

import "time"

// TaskStatus is the lifecycle state of a task. The string values are the wire
// and storage representation shared by every backend.
type TaskStatus string

const (
	StatusPending    TaskStatus = "Pending"
	StatusProcessing TaskStatus = "Processing"
	StatusCompleted  TaskStatus = "Completed"
	StatusFailed     TaskStatus = "Failed"

	// StatusFailedRetryCreated marks a failed task whose retry clone already
	// exists. Terminal: further retries require a new operator action against
	// the clone, never against this row again.
	StatusFailedRetryCreated TaskStatus = "Failed Retry Created"
)

// NewTaskStatus validates a raw status string.
func NewTaskStatus(raw string) (TaskStatus, error) {
	switch TaskStatus(raw) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusFailedRetryCreated:
		return TaskStatus(raw), nil
	}
	return "", ErrInvalidTaskStatus
}

// Terminal reports whether the status admits no further worker transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusFailedRetryCreated
}

// Task is the unit of work: one submitted video URL moving through the
// download-transcribe-summarize-store pipeline.
//
// Invariant: Status == Processing iff both WorkerID and LockedAt are set;
// every other status implies both are nil.
type Task struct {
	ID                 string
	URL                string
	Status             TaskStatus
	Title              string
	Summary            string
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ProcessingDuration *float64 // seconds of the last run attempt
	LockedAt           *time.Time
	WorkerID           *string
	RetryOfTaskID      *string
	RetryReason        string
	ExternalPageID     *string // page id returned by the summary storage stage
}

// TaskUpdate carries the optional fields of a partial status update.
// Nil fields are left untouched by the store.
type TaskUpdate struct {
	Title              *string
	Summary            *string
	ErrorMessage       *string
	ProcessingDuration *float64
	ExternalPageID     *string
}

// ProcessingLockInfo describes the global single-writer processing lock.
// A nil WorkerID means the lock is free.
type ProcessingLockInfo struct {
	WorkerID *string
	LockedAt *time.Time
}

// Held reports whether any worker currently holds the lock.
func (l ProcessingLockInfo) Held() bool {
	return l.WorkerID != nil && *l.WorkerID != ""
}

// Age returns the time elapsed since the lock was last refreshed, or zero if
// the lock carries no timestamp.
func (l ProcessingLockInfo) Age(now time.Time) time.Duration {
	if l.LockedAt == nil {
		return 0
	}
	age := now.Sub(*l.LockedAt)
	if age < 0 {
		return 0
	}
	return age
}

// RecentView is a UI breadcrumb recording when a task was last opened.
// Unique by TaskID, most-recent-wins, TTL-pruned.
type RecentView struct {
	TaskID   string
	ViewedAt time.Time
}
