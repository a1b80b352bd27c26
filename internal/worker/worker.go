// Package worker drains the pending task queue under the global processing
// lock. A worker claims one task at a time, runs the pipeline stages against
// it, and records the outcome; the loop exits when no executable task
// remains or the store fails.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clipsum/clipsum/internal/domain"
	"github.com/clipsum/clipsum/internal/outputs"
	"github.com/clipsum/clipsum/internal/pipeline"
	"github.com/clipsum/clipsum/internal/store"
)

// NotifyFunc announces a completed task. Implementations must not block for
// long and must never panic; the return value is informational only.
type NotifyFunc func(ctx context.Context, title, sourceURL, externalPageID string) bool

// Summary aggregates one drain run.
type Summary struct {
	WorkerID     string `json:"worker_id"`
	Processed    int    `json:"processed_tasks"`
	Failed       int    `json:"failed_tasks"`
	AcquiredLock bool   `json:"acquired_lock"`
}

// Worker drains the task queue. Construct with New; the zero value is not
// usable.
type Worker struct {
	store  store.TaskStore
	stages pipeline.Stages

	workerID        string
	taskLease       time.Duration
	lockTimeout     time.Duration
	refreshInterval time.Duration
	outputDir       string
	modelLabel      string
	notify          NotifyFunc
	now             func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithWorkerID pins the worker identity instead of generating one.
func WithWorkerID(id string) Option {
	return func(w *Worker) {
		if id != "" {
			w.workerID = id
		}
	}
}

// WithTaskLease sets the per-task claim lease.
func WithTaskLease(d time.Duration) Option {
	return func(w *Worker) { w.taskLease = d }
}

// WithProcessingLockTimeout sets the global lock lease.
func WithProcessingLockTimeout(d time.Duration) Option {
	return func(w *Worker) { w.lockTimeout = d }
}

// WithRefreshInterval sets the lock refresher cadence.
func WithRefreshInterval(d time.Duration) Option {
	return func(w *Worker) { w.refreshInterval = d }
}

// WithOutputDir sets the data directory. Downloads land in its videos/
// subdirectory and summary markdown files in summaries/.
func WithOutputDir(dir string) Option {
	return func(w *Worker) { w.outputDir = dir }
}

// WithModelLabel sets the model label recorded with stored summaries.
func WithModelLabel(label string) Option {
	return func(w *Worker) { w.modelLabel = label }
}

// WithNotifier sets the completion notifier.
func WithNotifier(fn NotifyFunc) Option {
	return func(w *Worker) { w.notify = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New builds a worker over the given store and pipeline stages.
func New(s store.TaskStore, stages pipeline.Stages, opts ...Option) *Worker {
	w := &Worker{
		store:           s,
		stages:          stages,
		workerID:        "worker-" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		taskLease:       15 * time.Minute,
		lockTimeout:     30 * time.Minute,
		refreshInterval: 30 * time.Second,
		outputDir:       "data",
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WorkerID returns this worker's identity.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Run drains the queue until no executable task remains. It acquires the
// global processing lock first and returns immediately (AcquiredLock=false)
// when another worker holds it. The lock is released and the refresher
// stopped on every exit path.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	summary := Summary{WorkerID: w.workerID}

	slog.InfoContext(ctx, "requesting processing lock", "worker_id", w.workerID)
	acquired, err := w.store.AcquireProcessingLock(ctx, w.workerID, w.lockTimeout)
	if err != nil {
		return summary, fmt.Errorf("failed to acquire processing lock: %w", err)
	}
	if !acquired {
		slog.InfoContext(ctx, "processing lock held by another worker; exiting",
			"worker_id", w.workerID)
		return summary, nil
	}
	summary.AcquiredLock = true

	refresher := newLockRefresher(w.store, w.workerID, w.refreshInterval)
	refresher.start()
	defer func() {
		refresher.stop()
		if err := w.store.ReleaseProcessingLock(ctx, w.workerID); err != nil {
			slog.ErrorContext(ctx, "failed to release processing lock",
				"worker_id", w.workerID, "error", err)
		}
		slog.InfoContext(ctx, "released processing lock",
			"worker_id", w.workerID,
			"processed", summary.Processed,
			"failed", summary.Failed)
	}()

	for {
		task, err := w.store.AcquireNextTask(ctx, w.workerID, w.taskLease)
		if err != nil {
			slog.ErrorContext(ctx, "failed to acquire next task",
				"worker_id", w.workerID, "error", err)
			break
		}
		if task == nil {
			slog.InfoContext(ctx, "no executable tasks; exiting", "worker_id", w.workerID)
			break
		}

		refresher.ping()
		if w.processTask(ctx, task) {
			summary.Processed++
		} else {
			summary.Failed++
		}
		refresher.ping()
	}

	return summary, nil
}

type pipelineResult struct {
	title   string
	summary string
	pageID  string
}

// processTask runs the pipeline for one claimed task and records the
// outcome. Returns true on success.
func (w *Worker) processTask(ctx context.Context, task *domain.Task) bool {
	slog.InfoContext(ctx, "processing task",
		"task_id", task.ID, "url", task.URL, "worker_id", w.workerID)
	start := w.now()

	result, err := w.executeWithRecovery(ctx, task)
	duration := w.now().Sub(start).Seconds()

	if err != nil {
		slog.ErrorContext(ctx, "task failed",
			"task_id", task.ID, "worker_id", w.workerID, "error", err)
		msg := err.Error()
		if uerr := w.store.UpdateTaskStatus(ctx, task.ID, domain.StatusFailed, domain.TaskUpdate{
			ErrorMessage:       &msg,
			ProcessingDuration: &duration,
		}); uerr != nil {
			slog.ErrorContext(ctx, "failed to record task failure",
				"task_id", task.ID, "error", uerr)
		}
		return false
	}

	update := domain.TaskUpdate{
		Title:              &result.title,
		Summary:            &result.summary,
		ProcessingDuration: &duration,
	}
	if result.pageID != "" {
		update.ExternalPageID = &result.pageID
	}
	if err := w.store.UpdateTaskStatus(ctx, task.ID, domain.StatusCompleted, update); err != nil {
		slog.ErrorContext(ctx, "failed to mark task completed",
			"task_id", task.ID, "error", err)
		return false
	}

	if w.notify != nil {
		w.notify(ctx, result.title, task.URL, result.pageID)
	}

	slog.InfoContext(ctx, "task completed",
		"task_id", task.ID, "worker_id", w.workerID, "duration_seconds", duration)
	return true
}

// executeWithRecovery runs the pipeline with panic recovery so a misbehaving
// stage fails the task instead of killing the worker.
func (w *Worker) executeWithRecovery(ctx context.Context, task *domain.Task) (result pipelineResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "task panicked",
				"task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.runPipeline(ctx, task)
}

func (w *Worker) runPipeline(ctx context.Context, task *domain.Task) (pipelineResult, error) {
	dl, err := w.stages.Downloader.Download(ctx, task.URL, w.outputDir)
	if err != nil {
		return pipelineResult{}, fmt.Errorf("download: %w", err)
	}

	title := dl.Title
	if title == "" {
		title = task.Title
	}
	if title == "" {
		title = task.URL
	}

	// Persist the resolved title while the task stays in Processing, so the
	// UI shows the real name even if a later stage fails.
	if err := w.store.UpdateTaskStatus(ctx, task.ID, domain.StatusProcessing, domain.TaskUpdate{
		Title: &title,
	}); err != nil {
		return pipelineResult{}, fmt.Errorf("persist title: %w", err)
	}

	transcript, err := w.stages.Transcriber.Transcribe(ctx, dl.Path)
	if err != nil {
		return pipelineResult{}, fmt.Errorf("transcribe: %w", err)
	}

	summaryText, err := w.stages.Summarizer.Summarize(ctx, title, transcript)
	if err != nil {
		return pipelineResult{}, fmt.Errorf("summarize: %w", err)
	}

	outPath := outputs.SummaryPathIn(filepath.Join(w.outputDir, "summaries"), title, task.URL, w.now())
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return pipelineResult{}, fmt.Errorf("save summary: %w", err)
	}
	if err := os.WriteFile(outPath, []byte(summaryText), 0o644); err != nil {
		return pipelineResult{}, fmt.Errorf("save summary: %w", err)
	}

	result := pipelineResult{title: title, summary: summaryText}
	if w.stages.Storage != nil {
		pageID, err := w.stages.Storage.Save(ctx, pipeline.SummaryDocument{
			Title:     title,
			Text:      summaryText,
			Model:     w.modelLabel,
			SourceURL: task.URL,
		})
		if err != nil {
			return pipelineResult{}, fmt.Errorf("store summary: %w", err)
		}
		result.pageID = pageID
	} else if task.ExternalPageID != nil {
		result.pageID = *task.ExternalPageID
	}

	return result, nil
}
