package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipsum/clipsum/internal/store"
	"github.com/clipsum/clipsum/internal/worker"
)

// RunWorkerFunc drains the queue as workerID against the given store.
type RunWorkerFunc func(ctx context.Context, ts store.TaskStore, workerID string) (worker.Summary, error)

// Scheduler spawns supervised background drain runs. The global processing
// lock is acquired synchronously in the request path, so a 409 is decided
// before the goroutine starts; the goroutine re-acquires its own lock (a
// no-op for the holder) and the lock is released both by the worker itself
// and by the supervising goroutine's defer.
type Scheduler struct {
	lockTimeout time.Duration
	run         RunWorkerFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler delegating drain runs to run.
func NewScheduler(lockTimeout time.Duration, run RunWorkerFunc) *Scheduler {
	return &Scheduler{lockTimeout: lockTimeout, run: run}
}

// ScheduleResult reports the outcome of a scheduling attempt.
type ScheduleResult struct {
	Accepted bool
	WorkerID string
	Message  string
}

// Schedule attempts to start a background drain. Accepted=false (without
// error) means another worker already holds the processing lock.
func (s *Scheduler) Schedule(ctx context.Context, ts store.TaskStore, workerID string) (ScheduleResult, error) {
	if workerID == "" {
		workerID = "api-worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	acquired, err := ts.AcquireProcessingLock(ctx, workerID, s.lockTimeout)
	if err != nil {
		return ScheduleResult{}, fmt.Errorf("failed to acquire processing lock: %w", err)
	}
	if !acquired {
		return ScheduleResult{Accepted: false, Message: "Processing already running."}, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if rerr := ts.ReleaseProcessingLock(ctx, workerID); rerr != nil {
			slog.ErrorContext(ctx, "failed to release processing lock after rejected spawn",
				"worker_id", workerID, "error", rerr)
		}
		return ScheduleResult{}, errors.New("scheduler is shut down")
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.supervise(ts, workerID)

	slog.InfoContext(ctx, "scheduled processing worker", "worker_id", workerID)
	return ScheduleResult{
		Accepted: true,
		WorkerID: workerID,
		Message:  "Processing worker scheduled.",
	}, nil
}

// supervise runs the drain outside the request context and guarantees the
// lock is released no matter how the run ends.
func (s *Scheduler) supervise(ts store.TaskStore, workerID string) {
	defer s.wg.Done()

	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "processing worker panicked",
				"worker_id", workerID, "panic", r)
		}
		if err := ts.ReleaseProcessingLock(ctx, workerID); err != nil {
			slog.ErrorContext(ctx, "failed to release processing lock",
				"worker_id", workerID, "error", err)
		}
	}()

	summary, err := s.run(ctx, ts, workerID)
	if err != nil {
		slog.ErrorContext(ctx, "processing worker failed",
			"worker_id", workerID, "error", err)
		return
	}
	slog.InfoContext(ctx, "processing worker finished",
		"worker_id", summary.WorkerID,
		"processed", summary.Processed,
		"failed", summary.Failed)
}

// Shutdown stops accepting new runs and waits for in-flight runs to finish
// or the context to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
