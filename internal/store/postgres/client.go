// Package postgres implements the task store on PostgreSQL. The claim query
// uses FOR UPDATE SKIP LOCKED so multiple workers contending for the head of
// the queue never block each other.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/pressly/goose/v3"

	"github.com/clipsum/clipsum/internal/domain"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Client is a PostgreSQL-backed TaskStore.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the time source, used by tests to age leases.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// Open connects to the database, verifies the connection and runs
// migrations.
func Open(ctx context.Context, dsn string, opts ...Option) (*Client, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

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
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
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
		duration      sql.NullFloat64
		lockedAt      sql.NullTime
		workerID      sql.NullString
		retryOfTaskID sql.NullInt64
		retryReason   sql.NullString
		externalPage  sql.NullString
		status        string
	)

	err := row.Scan(&id, &task.URL, &status, &title, &summary, &errMsg,
		&task.CreatedAt, &task.UpdatedAt,
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
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()

	if duration.Valid {
		task.ProcessingDuration = &duration.Float64
	}
	if lockedAt.Valid {
		t := lockedAt.Time.UTC()
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

// AddTask inserts a Pending task with the title defaulted to the URL.
func (c *Client) AddTask(ctx context.Context, taskURL string) (*domain.Task, error) {
	now := c.now()
	row := c.db.QueryRowContext(ctx,
		`INSERT INTO tasks (url, status, title, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING `+taskColumns,
		taskURL, string(domain.StatusPending), taskURL, now)
	task, err := scanTask(row)
	if err != nil {
		return nil, storeErr("add task", err)
	}
	return task, nil
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
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		string(domain.StatusPending))
}

// AllTasks returns every task, newest first.
func (c *Client) AllTasks(ctx context.Context) ([]*domain.Task, error) {
	return c.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
}

// TaskByID returns one task or domain.ErrTaskNotFound.
func (c *Client) TaskByID(ctx context.Context, id string) (*domain.Task, error) {
	numID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, domain.ErrTaskNotFound
	}
	row := c.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, numID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	return task, nil
}

// UpdateTaskStatus applies a partial update, clearing the row lease whenever
// the new status is not Processing.
func (c *Client) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, update domain.TaskUpdate) error {
	numID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return domain.ErrTaskNotFound
	}

	set := []string{"status = $1", "updated_at = $2"}
	args := []any{string(status), c.now()}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Title != nil {
		add("title", *update.Title)
	}
	if update.Summary != nil {
		add("summary", *update.Summary)
	}
	if update.ErrorMessage != nil {
		add("error_message", *update.ErrorMessage)
	}
	if update.ProcessingDuration != nil {
		add("processing_duration", *update.ProcessingDuration)
	}
	if update.ExternalPageID != nil {
		add("external_page_id", *update.ExternalPageID)
	}
	if status != domain.StatusProcessing {
		set = append(set, "worker_id = NULL", "locked_at = NULL")
	}

	args = append(args, numID)

	query := "UPDATE tasks SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE id = $%d", len(args))

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

// CreateRetryTask clones a failed task into a fresh Pending row.
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

	sourceID, err := strconv.ParseInt(source.ID, 10, 64)
	if err != nil {
		return nil, domain.ErrTaskNotFound
	}

	now := c.now()
	row := c.db.QueryRowContext(ctx,
		`INSERT INTO tasks (url, status, title, created_at, updated_at, retry_of_task_id, retry_reason)
		 VALUES ($1, $2, $3, $4, $4, $5, $6)
		 RETURNING `+taskColumns,
		source.URL, string(domain.StatusPending), title, now, sourceID, reason)
	task, err := scanTask(row)
	if err != nil {
		return nil, storeErr("create retry task", err)
	}
	return task, nil
}

// AcquireNextTask claims the earliest executable task. SKIP LOCKED makes the
// inner select pass over rows another claimer holds a row lock on, so at
// most one transaction wins each candidate.
func (c *Client) AcquireNextTask(ctx context.Context, workerID string, lease time.Duration) (*domain.Task, error) {
	now := c.now()
	cutoff := now.Add(-lease)

	row := c.db.QueryRowContext(ctx,
		`UPDATE tasks SET status = $1, worker_id = $2, locked_at = $3, updated_at = $3
		 WHERE id = (
		     SELECT id FROM tasks
		     WHERE status = $4 OR (status = $1 AND (locked_at IS NULL OR locked_at <= $5))
		     ORDER BY created_at ASC, id ASC
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+taskColumns,
		string(domain.StatusProcessing), workerID, now,
		string(domain.StatusPending), cutoff)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("acquire next task", err)
	}
	return task, nil
}

// AcquireProcessingLock takes the global lock via a conditional upsert: the
// update fires only when the lock is free, already ours, or expired.
func (c *Client) AcquireProcessingLock(ctx context.Context, workerID string, timeout time.Duration) (bool, error) {
	now := c.now()
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO processing_lock (id, worker_id, locked_at) VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE SET worker_id = excluded.worker_id, locked_at = excluded.locked_at
		 WHERE processing_lock.worker_id IS NULL
		    OR processing_lock.worker_id = excluded.worker_id
		    OR processing_lock.locked_at IS NULL
		    OR processing_lock.locked_at <= $3`,
		workerID, now, now.Add(-timeout))
	if err != nil {
		return false, storeErr("acquire processing lock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("acquire processing lock", err)
	}
	return affected == 1, nil
}

// RefreshProcessingLock renews the lease while workerID still holds the lock.
func (c *Client) RefreshProcessingLock(ctx context.Context, workerID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE processing_lock SET locked_at = $1 WHERE id = 1 AND worker_id = $2`,
		c.now(), workerID)
	if err != nil {
		return storeErr("refresh processing lock", err)
	}
	return nil
}

// ReleaseProcessingLock clears the lock iff workerID holds it.
func (c *Client) ReleaseProcessingLock(ctx context.Context, workerID string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE processing_lock SET worker_id = NULL, locked_at = NULL WHERE id = 1 AND worker_id = $1`,
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
		lockedAt sql.NullTime
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
		t := lockedAt.Time.UTC()
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
