// Package notion implements the task store on a Notion database via the
// public REST API. Notion offers no transactions, so task claims are
// optimistic (read, check, write) and the processing lock is advisory and
// in-process only. Deployments needing hard mutual exclusion across
// processes should use the sqlite or postgres backends.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/clipsum/clipsum/internal/domain"
)

const (
	defaultBaseURL = "https://api.notion.com"
	apiVersion     = "2022-06-28"

	// Notion rejects rich_text fragments above 2000 characters; chunk
	// below the limit to leave headroom.
	richTextLimit = 1800
)

// Client is a Notion-backed TaskStore. Task IDs are Notion page IDs.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	databaseID string
	now        func() time.Time

	mu           sync.Mutex
	lockHolder   string
	lockAcquired time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API endpoint. Tests use it
// with httptest servers.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// New creates a client for the given integration token and database.
func New(apiKey, databaseID string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: notion api key not set", domain.ErrBackendUnavailable)
	}
	if databaseID == "" {
		return nil, fmt.Errorf("%w: notion database id not set", domain.ErrBackendUnavailable)
	}
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		apiKey:     apiKey,
		databaseID: databaseID,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close is a no-op; the client holds no persistent connections.
func (c *Client) Close() error {
	return nil
}

type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Code == "object_not_found" || resp.StatusCode == http.StatusNotFound {
			return domain.ErrTaskNotFound
		}
		return fmt.Errorf("%w: notion api %s %s: status %d: %s",
			domain.ErrStoreUnavailable, method, path, resp.StatusCode, apiErr.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", domain.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// AddTask creates a Pending page in the tasks database.
func (c *Client) AddTask(ctx context.Context, taskURL string) (*domain.Task, error) {
	req := map[string]any{
		"parent": map[string]any{"database_id": c.databaseID},
		"properties": map[string]any{
			"URL":    map[string]any{"url": taskURL},
			"Name":   map[string]any{"title": richText(taskURL)},
			"Status": selectProp(string(domain.StatusPending)),
		},
	}
	var created page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", req, &created); err != nil {
		return nil, fmt.Errorf("add task: %w", err)
	}
	return created.toTask(), nil
}

func (c *Client) queryPages(ctx context.Context, filter map[string]any) ([]page, error) {
	req := map[string]any{
		"sorts": []map[string]any{
			{"timestamp": "created_time", "direction": "ascending"},
		},
	}
	if filter != nil {
		req["filter"] = filter
	}

	var pages []page
	for {
		var resp queryResponse
		err := c.do(ctx, http.MethodPost, "/v1/databases/"+c.databaseID+"/query", req, &resp)
		if err != nil {
			return nil, err
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		req["start_cursor"] = resp.NextCursor
	}
}

// PendingTasks returns Pending tasks oldest first.
func (c *Client) PendingTasks(ctx context.Context) ([]*domain.Task, error) {
	pages, err := c.queryPages(ctx, map[string]any{
		"property": "Status",
		"select":   map[string]any{"equals": string(domain.StatusPending)},
	})
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
	}
	tasks := make([]*domain.Task, 0, len(pages))
	for _, p := range pages {
		tasks = append(tasks, p.toTask())
	}
	return tasks, nil
}

// AllTasks returns every task, newest first.
func (c *Client) AllTasks(ctx context.Context) ([]*domain.Task, error) {
	pages, err := c.queryPages(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("all tasks: %w", err)
	}
	tasks := make([]*domain.Task, 0, len(pages))
	for _, p := range pages {
		tasks = append(tasks, p.toTask())
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// TaskByID retrieves one page.
func (c *Client) TaskByID(ctx context.Context, id string) (*domain.Task, error) {
	var p page
	if err := c.do(ctx, http.MethodGet, "/v1/pages/"+id, nil, &p); err != nil {
		return nil, err
	}
	return p.toTask(), nil
}

// UpdateTaskStatus patches page properties.
func (c *Client) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, update domain.TaskUpdate) error {
	props := map[string]any{
		"Status": selectProp(string(status)),
	}
	if update.Title != nil {
		props["Name"] = map[string]any{"title": richText(*update.Title)}
	}
	if update.Summary != nil {
		props["Summary"] = map[string]any{"rich_text": richText(*update.Summary)}
	}
	if update.ErrorMessage != nil {
		props["Error Message"] = map[string]any{"rich_text": richText(*update.ErrorMessage)}
	}
	if update.ProcessingDuration != nil {
		props["Processing Duration"] = map[string]any{"number": *update.ProcessingDuration}
	}

	req := map[string]any{"properties": props}
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+id, req, nil); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// CreateRetryTask creates a fresh Pending page linked to the source via the
// Retry Of relation.
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

	req := map[string]any{
		"parent": map[string]any{"database_id": c.databaseID},
		"properties": map[string]any{
			"URL":          map[string]any{"url": source.URL},
			"Name":         map[string]any{"title": richText(title)},
			"Status":       selectProp(string(domain.StatusPending)),
			"Retry Of":     map[string]any{"relation": []map[string]any{{"id": source.ID}}},
			"Retry Reason": map[string]any{"rich_text": richText(reason)},
		},
	}
	var created page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", req, &created); err != nil {
		return nil, fmt.Errorf("create retry task: %w", err)
	}
	return created.toTask(), nil
}

// AcquireNextTask claims the oldest Pending task optimistically: re-read the
// candidate and only flip it to Processing if still Pending. A concurrent
// claimer can slip between the read and the write; the in-process lock above
// this layer keeps that from happening within one process.
func (c *Client) AcquireNextTask(ctx context.Context, workerID string, lease time.Duration) (*domain.Task, error) {
	pending, err := c.PendingTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire next task: %w", err)
	}

	for _, candidate := range pending {
		current, err := c.TaskByID(ctx, candidate.ID)
		if err != nil {
			if err == domain.ErrTaskNotFound {
				continue
			}
			return nil, fmt.Errorf("acquire next task: %w", err)
		}
		if current.Status != domain.StatusPending {
			continue
		}
		if err := c.UpdateTaskStatus(ctx, current.ID, domain.StatusProcessing, domain.TaskUpdate{}); err != nil {
			return nil, fmt.Errorf("acquire next task: %w", err)
		}
		now := c.now()
		current.Status = domain.StatusProcessing
		current.WorkerID = &workerID
		current.LockedAt = &now
		return current, nil
	}
	return nil, nil
}

// AcquireProcessingLock takes the advisory in-process lock. It guards only
// workers sharing this client instance.
func (c *Client) AcquireProcessingLock(ctx context.Context, workerID string, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.lockHolder != "" && c.lockHolder != workerID && now.Sub(c.lockAcquired) < timeout {
		return false, nil
	}
	c.lockHolder = workerID
	c.lockAcquired = now
	return true, nil
}

// RefreshProcessingLock renews the advisory lease for the holder.
func (c *Client) RefreshProcessingLock(ctx context.Context, workerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockHolder == workerID {
		c.lockAcquired = c.now()
	}
	return nil
}

// ReleaseProcessingLock clears the advisory lock iff workerID holds it.
func (c *Client) ReleaseProcessingLock(ctx context.Context, workerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockHolder == workerID {
		c.lockHolder = ""
		c.lockAcquired = time.Time{}
	}
	return nil
}

// ReadProcessingLock returns the advisory lock state.
func (c *Client) ReadProcessingLock(ctx context.Context) (domain.ProcessingLockInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var info domain.ProcessingLockInfo
	if c.lockHolder != "" {
		holder := c.lockHolder
		lockedAt := c.lockAcquired
		info.WorkerID = &holder
		info.LockedAt = &lockedAt
	}
	return info, nil
}

// ClearProcessingLock unconditionally clears the advisory lock.
func (c *Client) ClearProcessingLock(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lockHolder = ""
	c.lockAcquired = time.Time{}
	return nil
}
