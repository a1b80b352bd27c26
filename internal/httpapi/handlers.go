package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clipsum/clipsum/internal/domain"
	"github.com/clipsum/clipsum/internal/httpapi/response"
	"github.com/clipsum/clipsum/internal/store"
	"github.com/clipsum/clipsum/internal/urlutil"
)

const (
	recentViewMaxAge = 30 * 24 * time.Hour
	recentViewLimit  = 50
)

type taskCreateRequest struct {
	URL    string `json:"url"`
	DBType string `json:"db_type"`
}

type taskCreateResponse struct {
	TaskID             string  `json:"task_id"`
	Status             string  `json:"status"`
	DBType             string  `json:"db_type"`
	Message            string  `json:"message"`
	ProcessingStarted  bool    `json:"processing_started"`
	ProcessingWorkerID *string `json:"processing_worker_id"`
}

// decodeBody decodes a JSON body, treating an empty body as the zero value
// so endpoints with all-optional payload fields accept bare requests.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// handleCreateTask enqueues a Pending task and best-effort schedules a
// background drain. Scheduling problems never fail the request; the task is
// already durable.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := decodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	dbType, err := normalizeDBType(req.DBType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	canonical := urlutil.Canonicalize(req.URL)
	if canonical == "" {
		response.FromDomainError(w, r, domain.ErrInvalidURL)
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	task, err := ts.AddTask(r.Context(), canonical)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	result, schedErr := s.scheduler.Schedule(r.Context(), ts, "")
	if schedErr != nil {
		slog.ErrorContext(r.Context(), "failed to schedule worker after task creation",
			"task_id", task.ID, "error", schedErr)
		result = ScheduleResult{Message: "Task queued, but failed to schedule processing worker."}
	}

	message := "Task queued successfully."
	var workerID *string
	if result.Accepted {
		message += fmt.Sprintf(" Processing worker scheduled (worker: %s).", result.WorkerID)
		workerID = &result.WorkerID
	} else {
		message += " " + result.Message
	}

	response.Created(w, taskCreateResponse{
		TaskID:             task.ID,
		Status:             string(task.Status),
		DBType:             dbType,
		Message:            message,
		ProcessingStarted:  result.Accepted,
		ProcessingWorkerID: workerID,
	})
}

type taskRetryRequest struct {
	DBType      string `json:"db_type"`
	RetryReason string `json:"retry_reason"`
}

type taskRetryResponse struct {
	TaskID       string `json:"task_id"`
	SourceTaskID string `json:"source_task_id"`
	Status       string `json:"status"`
	DBType       string `json:"db_type"`
	Message      string `json:"message"`
}

// handleRetryTask clones a Failed task into a fresh Pending one. The clone
// is created before the source is marked, so a crash in between leaves an
// extra retryable task rather than a lost one.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	var req taskRetryRequest
	if err := decodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	dbType, err := normalizeDBType(req.DBType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	source, err := ts.TaskByID(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	if source.Status != domain.StatusFailed {
		response.FromDomainError(w, r, domain.ErrRetryNotAllowed)
		return
	}

	retry, err := ts.CreateRetryTask(r.Context(), source, req.RetryReason)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if err := ts.UpdateTaskStatus(r.Context(), source.ID, domain.StatusFailedRetryCreated, domain.TaskUpdate{}); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	response.Created(w, taskRetryResponse{
		TaskID:       retry.ID,
		SourceTaskID: source.ID,
		Status:       string(retry.Status),
		DBType:       dbType,
		Message:      "Retry task created.",
	})
}

type processingJobRequest struct {
	DBType   string `json:"db_type"`
	WorkerID string `json:"worker_id"`
}

type processingJobResponse struct {
	WorkerID string `json:"worker_id"`
	DBType   string `json:"db_type"`
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// handleCreateProcessingJob schedules a drain run, 409 when one is active.
func (s *Server) handleCreateProcessingJob(w http.ResponseWriter, r *http.Request) {
	var req processingJobRequest
	if err := decodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}

	dbType, err := normalizeDBType(req.DBType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	result, err := s.scheduler.Schedule(r.Context(), ts, req.WorkerID)
	if err != nil {
		response.InternalError(w, r, err)
		return
	}
	if !result.Accepted {
		response.Conflict(w, result.Message)
		return
	}

	response.Accepted(w, processingJobResponse{
		WorkerID: result.WorkerID,
		DBType:   dbType,
		Accepted: true,
		Message:  result.Message,
	})
}

// lockSnapshot is the wire representation of the processing lock state.
type lockSnapshot struct {
	WorkerID   *string    `json:"worker_id"`
	LockedAt   *time.Time `json:"locked_at"`
	AgeSeconds *float64   `json:"age_seconds"`
	Stale      bool       `json:"stale"`
}

func (s *Server) buildLockSnapshot(info domain.ProcessingLockInfo) lockSnapshot {
	snapshot := lockSnapshot{
		WorkerID: info.WorkerID,
		LockedAt: info.LockedAt,
	}
	if info.LockedAt != nil {
		age := s.now().Sub(*info.LockedAt).Seconds()
		if age < 0 {
			age = 0
		}
		snapshot.AgeSeconds = &age
		snapshot.Stale = age >= s.lockTimeout.Seconds()
	}
	return snapshot
}

// ensureMaintainer enforces the X-Maintainer-Token contract: 503 when the
// deployment has no token configured, 401 when the header is missing, 403 on
// mismatch. Returns false after writing the error.
func (s *Server) ensureMaintainer(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" {
		response.ServiceUnavailable(w, "Processing lock admin token is not configured.")
		return false
	}
	token := r.Header.Get("X-Maintainer-Token")
	if token == "" {
		response.Unauthorized(w, "Missing maintainer token.")
		return false
	}
	if token != s.adminToken {
		response.Forbidden(w, "Invalid maintainer token.")
		return false
	}
	return true
}

type lockStatusResponse struct {
	DBType   string       `json:"db_type"`
	Snapshot lockSnapshot `json:"snapshot"`
}

// handleGetProcessingLock reports the current lock holder to maintainers.
func (s *Server) handleGetProcessingLock(w http.ResponseWriter, r *http.Request) {
	dbType, err := normalizeDBType(r.URL.Query().Get("db_type"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	if !s.ensureMaintainer(w, r) {
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	info, err := ts.ReadProcessingLock(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	snapshot := s.buildLockSnapshot(info)
	slog.InfoContext(r.Context(), "maintainer inspected processing lock",
		"db_type", dbType, "worker_id", info.WorkerID, "stale", snapshot.Stale)
	response.OK(w, lockStatusResponse{DBType: dbType, Snapshot: snapshot})
}

type lockReleaseRequest struct {
	DBType                string `json:"db_type"`
	ExpectedWorkerID      string `json:"expected_worker_id"`
	Force                 bool   `json:"force"`
	ForceThresholdSeconds *int   `json:"force_threshold_seconds"`
	Reason                string `json:"reason"`
	DryRun                bool   `json:"dry_run"`
}

type lockReleaseResponse struct {
	DBType   string       `json:"db_type"`
	Released bool         `json:"released"`
	Reason   string       `json:"reason,omitempty"`
	Before   lockSnapshot `json:"before"`
	After    lockSnapshot `json:"after"`
}

// handleDeleteProcessingLock is the maintainer recovery path for a lock
// stranded by a dead worker. Guarded release requires the expected holder
// to match; force skips the ownership check but can be fenced behind a
// minimum lock age.
func (s *Server) handleDeleteProcessingLock(w http.ResponseWriter, r *http.Request) {
	if !s.ensureMaintainer(w, r) {
		return
	}

	var req lockReleaseRequest
	if err := decodeBody(r, &req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if req.ForceThresholdSeconds != nil && *req.ForceThresholdSeconds < 0 {
		response.BadRequest(w, "force_threshold_seconds must be greater than or equal to 0.")
		return
	}

	dbType, err := normalizeDBType(req.DBType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	before, err := ts.ReadProcessingLock(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	beforeSnapshot := s.buildLockSnapshot(before)

	if !before.Held() {
		response.OK(w, lockReleaseResponse{
			DBType:   dbType,
			Released: false,
			Reason:   "lock_not_found",
			Before:   beforeSnapshot,
			After:    beforeSnapshot,
		})
		return
	}

	if req.DryRun {
		reason := req.Reason
		if reason == "" {
			reason = "dry_run"
		}
		response.OK(w, lockReleaseResponse{
			DBType:   dbType,
			Released: false,
			Reason:   reason,
			Before:   beforeSnapshot,
			After:    beforeSnapshot,
		})
		return
	}

	if req.Force {
		threshold := 0
		if req.ForceThresholdSeconds != nil {
			threshold = *req.ForceThresholdSeconds
		}
		var age float64
		if beforeSnapshot.AgeSeconds != nil {
			age = *beforeSnapshot.AgeSeconds
		}
		if threshold > 0 && age < float64(threshold) {
			response.Conflict(w, "Processing lock has not aged enough for a forced release.")
			return
		}

		if err := ts.ClearProcessingLock(r.Context()); err != nil {
			response.FromDomainError(w, r, err)
			return
		}
		s.respondAfterRelease(w, r, ts, dbType, req.Reason, beforeSnapshot)
		slog.InfoContext(r.Context(), "processing lock force-released",
			"db_type", dbType, "worker_id", *before.WorkerID, "reason", req.Reason)
		return
	}

	if req.ExpectedWorkerID == "" {
		response.Conflict(w, "expected_worker_id is required unless force=true.")
		return
	}
	if *before.WorkerID != req.ExpectedWorkerID {
		response.Conflict(w, fmt.Sprintf("Lock is held by %s.", *before.WorkerID))
		return
	}

	if err := ts.ReleaseProcessingLock(r.Context(), *before.WorkerID); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	s.respondAfterRelease(w, r, ts, dbType, req.Reason, beforeSnapshot)
	slog.InfoContext(r.Context(), "processing lock released",
		"db_type", dbType, "worker_id", *before.WorkerID)
}

func (s *Server) respondAfterRelease(w http.ResponseWriter, r *http.Request, ts store.TaskStore, dbType, reason string, before lockSnapshot) {
	after, err := ts.ReadProcessingLock(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, lockReleaseResponse{
		DBType:   dbType,
		Released: true,
		Reason:   reason,
		Before:   before,
		After:    s.buildLockSnapshot(after),
	})
}

// taskResponse is the wire representation of a task row.
type taskResponse struct {
	ID                 string     `json:"id"`
	URL                string     `json:"url"`
	Status             string     `json:"status"`
	Title              string     `json:"title,omitempty"`
	Summary            string     `json:"summary,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	ProcessingDuration *float64   `json:"processing_duration,omitempty"`
	WorkerID           *string    `json:"worker_id,omitempty"`
	LockedAt           *time.Time `json:"locked_at,omitempty"`
	RetryOfTaskID      *string    `json:"retry_of_task_id,omitempty"`
	RetryReason        string     `json:"retry_reason,omitempty"`
	ExternalPageID     *string    `json:"external_page_id,omitempty"`
}

func toTaskResponse(t *domain.Task) taskResponse {
	return taskResponse{
		ID:                 t.ID,
		URL:                t.URL,
		Status:             string(t.Status),
		Title:              t.Title,
		Summary:            t.Summary,
		ErrorMessage:       t.ErrorMessage,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		ProcessingDuration: t.ProcessingDuration,
		WorkerID:           t.WorkerID,
		LockedAt:           t.LockedAt,
		RetryOfTaskID:      t.RetryOfTaskID,
		RetryReason:        t.RetryReason,
		ExternalPageID:     t.ExternalPageID,
	}
}

type taskListResponse struct {
	DBType string         `json:"db_type"`
	Tasks  []taskResponse `json:"tasks"`
}

// handleListTasks returns every task, newest first.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	dbType, err := normalizeDBType(r.URL.Query().Get("db_type"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	tasks, err := ts.AllTasks(r.Context())
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResponse(t))
	}
	response.OK(w, taskListResponse{DBType: dbType, Tasks: out})
}

// handleGetTask returns a single task.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	dbType, err := normalizeDBType(r.URL.Query().Get("db_type"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	task, err := ts.TaskByID(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.OK(w, toTaskResponse(task))
}

// handleRecordView remembers that a task was opened in the UI.
func (s *Server) handleRecordView(w http.ResponseWriter, r *http.Request) {
	dbType, err := normalizeDBType(r.URL.Query().Get("db_type"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	hist, ok := ts.(store.HistoryStore)
	if !ok {
		response.FromDomainError(w, r, domain.ErrHistoryUnsupported)
		return
	}

	task, err := ts.TaskByID(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	if err := hist.RecordRecentView(r.Context(), task.ID); err != nil {
		response.FromDomainError(w, r, err)
		return
	}
	response.NoContent(w)
}

type recentViewsResponse struct {
	DBType string             `json:"db_type"`
	Views  []recentViewRecord `json:"views"`
}

type recentViewRecord struct {
	TaskID   string    `json:"task_id"`
	ViewedAt time.Time `json:"viewed_at"`
}

// handleRecentViews lists recently opened tasks, pruning expired entries
// on the way.
func (s *Server) handleRecentViews(w http.ResponseWriter, r *http.Request) {
	dbType, err := normalizeDBType(r.URL.Query().Get("db_type"))
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	ts, err := s.provider.Get(r.Context(), dbType)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	hist, ok := ts.(store.HistoryStore)
	if !ok {
		response.FromDomainError(w, r, domain.ErrHistoryUnsupported)
		return
	}

	if _, err := hist.PruneRecentViews(r.Context(), recentViewMaxAge); err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	views, err := hist.RecentViews(r.Context(), recentViewMaxAge, recentViewLimit)
	if err != nil {
		response.FromDomainError(w, r, err)
		return
	}

	out := make([]recentViewRecord, 0, len(views))
	for _, v := range views {
		out = append(out, recentViewRecord{TaskID: v.TaskID, ViewedAt: v.ViewedAt})
	}
	response.OK(w, recentViewsResponse{DBType: dbType, Views: out})
}
