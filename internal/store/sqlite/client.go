// Package sqlite implements the task store on an embedded SQLite database.
// It is the reference backend: claims and lock operations run inside
// immediate transactions, so concurrent claimers serialize on the writer
// lock and exactly one wins each candidate row.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/clipsum/clipsum/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// timeLayout is fixed-width UTC so that lexicographic comparison of stored
// timestamps matches chronological order (the claim query compares lease
// expiry in SQL).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Client is a SQLite-backed TaskStore. All methods are safe for concurrent
// use from multiple processes sharing the database file.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source. Tests use it to age leases without
// sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string, opts ...Option) (*Client, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// _txlock=immediate makes every transaction take the writer lock up
	// front, which is what serializes concurrent claim attempts.
	dsn := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer; keeping one connection avoids
	// SQLITE_BUSY churn between pooled connections of the same process.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	c := &Client{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

// AddTask inserts a Pending task. The title starts out as the URL so the UI
// has something to show before the download stage resolves the real title.
func (c *Client) AddTask(ctx context.Context, taskURL string) (*domain.Task, error) {
	now := c.fmtTime(c.now())
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO tasks (url, status, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		taskURL, string(domain.StatusPending), taskURL, now, now)
	if err != nil {
		return nil, storeErr("add task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("add task", err)
	}
	return c.TaskByID(ctx, strconv.FormatInt(id, 10))
}

const taskColumns = `id, url, status, title, summary, error_message, created_at, updated_at,
	processing_duration, locked_at, worker_id, retry_of_task_id, retry_reason, external_page_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		id            int64
		task          domain.Task
		title         sql.NullString
		summary       sql.NullString
		errMsg        sql.NullString
		createdAt     string
		updatedAt     string
		duration      sql.NullFloat64
		lockedAt      sql.NullString
		workerID      sql.NullString
		retryOfTaskID sql.NullInt64
		retryReason   sql.NullString
		externalPage  sql.NullString
		status        string
	)

	err := row.Scan(&id, &task.URL, &status, &title, &summary, &errMsg, &createdAt, &updatedAt,
		&duration, &lockedAt, &workerID, &retryOfTaskID, &retryReason, &externalPage)
	if err != nil {
		return nil, err
	}

	task.ID = strconv.FormatInt(id, 10)
	task.Status = domain.TaskStatus(status)
	task.Title = title.String
	task.Summary = summary.String
	task.ErrorMessage = errMsg.String
	task.RetryReason = retryReason.String

	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	if duration.Valid {
		task.ProcessingDuration = &duration.Float64
	}
	if lockedAt.Valid {
		t, err := parseTime(lockedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid locked_at %q: %w", lockedAt.String, err)
		}
		task.LockedAt = &t
	}
	if workerID.Valid {
		task.WorkerID = &workerID.String
	}
	if retryOfTaskID.Valid {
		parent := strconv.FormatInt(retryOfTaskID.Int64, 10)
		task.RetryOfTaskID = &parent
	}
	if externalPage.Valid {
		task.ExternalPageID = &externalPage.String
	}

	return &task, nil
}

func (c *Client) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query tasks", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan task: %v", domain.ErrInvariantViolation, err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query tasks", err)
	}
	return tasks, nil
}

// PendingTasks returns all Pending tasks in claim order.
func (c *Client) PendingTasks(ctx context.Context) ([]*domain.Task, error) {
	return c.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(domain.StatusPending))
}

// AllTasks returns every task, newest first.
func (c *Client) AllTasks(ctx context.Context) ([]*domain.Task, error) {
	return c.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
}

// TaskByID returns one task or domain.ErrTaskNotFound.
func (c *Client) TaskByID(ctx context.Context, id string) (*domain.Task, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	return task, nil
}

// UpdateTaskStatus applies a partial update. Any status other than Processing
// clears worker_id and locked_at in the same statement, preserving the lease
// invariant at every commit boundary.
func (c *Client) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, update domain.TaskUpdate) error {
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(status), c.fmtTime(c.now())}

	if update.Title != nil {
		set = append(set, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Summary != nil {
		set = append(set, "summary = ?")
		args = append(args, *update.Summary)
	}
	if update.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.ProcessingDuration != nil {
		set = append(set, "processing_duration = ?")
		args = append(args, *update.ProcessingDuration)
	}
	if update.ExternalPageID != nil {
		set = append(set, "external_page_id = ?")
		args = append(args, *update.ExternalPageID)
	}
	if status != domain.StatusProcessing {
		set = append(set, "worker_id = NULL", "locked_at = NULL")
	}

	args = append(args, id)

	query := "UPDATE tasks SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += " WHERE id = ?"

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storeErr("update task status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeErr("update task status", err)
	}
	if affected == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// CreateRetryTask clones a failed task into a fresh Pending row. The caller
// marks the source FailedRetryCreated afterwards; clone-first ordering means
// a crash between the two operations never strands a marked source without
// its child.
func (c *Client) CreateRetryTask(ctx context.Context, source *domain.Task, reason string) (*domain.Task, error) {
	if reason == "" {
		reason = source.ErrorMessage
	}
	if reason == "" {
		reason = "Manual retry"
	}

	title := source.Title
	if title == "" {
		title = source.URL
	}

	now := c.fmtTime(c.now())
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO tasks (url, status, title, created_at, updated_at, retry_of_task_id, retry_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		source.URL, string(domain.StatusPending), title, now, now, source.ID, reason)
	if err != nil {
		return nil, storeErr("create retry task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr("create retry task", err)
	}
	return c.TaskByID(ctx, strconv.FormatInt(id, 10))
}

// AcquireNextTask claims the earliest executable task in one immediate
// transaction: Pending rows, plus Processing rows whose lease expired. The
// guarded UPDATE re-checks candidacy so two claimers racing on the same row
// cannot both win.
func (c *Client) AcquireNextTask(ctx context.Context, workerID string, lease time.Duration) (*domain.Task, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr("acquire next task", err)
	}
	defer tx.Rollback()

	now := c.now()
	cutoff := c.fmtTime(now.Add(-lease))

	const candidate = `status = ? OR (status = ? AND (locked_at IS NULL OR locked_at <= ?))`

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE `+candidate+` ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(domain.StatusPending), string(domain.StatusProcessing), cutoff).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return nil, storeErr("acquire next task", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("acquire next task", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, worker_id = ?, locked_at = ?, updated_at = ?
		 WHERE id = ? AND (`+candidate+`)`,
		string(domain.StatusProcessing), workerID, c.fmtTime(now), c.fmtTime(now),
		id, string(domain.StatusPending), string(domain.StatusProcessing), cutoff)
	if err != nil {
		return nil, storeErr("acquire next task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr("acquire next task", err)
	}
	if affected != 1 {
		// Lost the race; the rollback in the defer undoes nothing.
		return nil, nil
	}

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, storeErr("acquire next task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("acquire next task", err)
	}
	return task, nil
}

// AcquireProcessingLock takes the global single-writer lock when it is free,
// already owned by workerID, or expired.
func (c *Client) AcquireProcessingLock(ctx context.Context, workerID string, timeout time.Duration) (bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("acquire processing lock", err)
	}
	defer tx.Rollback()

	var (
		holder   sql.NullString
		lockedAt sql.NullString
	)
	err = tx.QueryRowContext(ctx,
		`SELECT worker_id, locked_at FROM processing_lock WHERE id = 1`).Scan(&holder, &lockedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, storeErr("acquire processing lock", err)
	}

	now := c.now()
	if holder.Valid && holder.String != "" && holder.String != workerID {
		if lockedAt.Valid {
			lockTime, perr := parseTime(lockedAt.String)
			if perr != nil {
				return false, fmt.Errorf("%w: invalid lock timestamp %q", domain.ErrInvariantViolation, lockedAt.String)
			}
			if now.Sub(lockTime) < timeout {
				return false, tx.Commit()
			}
		}
		// Holder present but lease expired (or timestamp missing): take over.
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO processing_lock (id, worker_id, locked_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET worker_id = excluded.worker_id, locked_at = excluded.locked_at`,
		workerID, c.fmtTime(now))
	if err != nil {
		return false, storeErr("acquire processing lock", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr("acquire processing lock", err)
	}
	return true, nil
}

// RefreshProcessingLock renews the lease while workerID still holds the
// lock. Refreshing a lock held by someone else (or nobody) is a no-op.
func (c *Client) RefreshProcessingLock(ctx context.Context, workerID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE processing_lock SET locked_at = ? WHERE id = 1 AND worker_id = ?`,
		c.fmtTime(c.now()), workerID)
	if err != nil {
		return storeErr("refresh processing lock", err)
	}
	return nil
}

// ReleaseProcessingLock clears the lock iff workerID holds it.
func (c *Client) ReleaseProcessingLock(ctx context.Context, workerID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE processing_lock SET worker_id = NULL, locked_at = NULL WHERE id = 1 AND worker_id = ?`,
		workerID)
	if err != nil {
		return storeErr("release processing lock", err)
	}
	return nil
}

// ReadProcessingLock returns the current holder for inspection.
func (c *Client) ReadProcessingLock(ctx context.Context) (domain.ProcessingLockInfo, error) {
	var (
		holder   sql.NullString
		lockedAt sql.NullString
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT worker_id, locked_at FROM processing_lock WHERE id = 1`).Scan(&holder, &lockedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessingLockInfo{}, nil
	}
	if err != nil {
		return domain.ProcessingLockInfo{}, storeErr("read processing lock", err)
	}

	var info domain.ProcessingLockInfo
	if holder.Valid && holder.String != "" {
		info.WorkerID = &holder.String
	}
	if lockedAt.Valid {
		t, perr := parseTime(lockedAt.String)
		if perr != nil {
			return domain.ProcessingLockInfo{}, fmt.Errorf("%w: invalid lock timestamp %q", domain.ErrInvariantViolation, lockedAt.String)
		}
		info.LockedAt = &t
	}
	return info, nil
}

// ClearProcessingLock unconditionally clears the lock (maintainer recovery).
func (c *Client) ClearProcessingLock(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE processing_lock SET worker_id = NULL, locked_at = NULL WHERE id = 1`)
	if err != nil {
		return storeErr("clear processing lock", err)
	}
	return nil
}
