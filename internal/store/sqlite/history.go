package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/clipsum/clipsum/internal/domain"
)

// RecordRecentView upserts a view timestamp for a task. One row per task;
// repeat views move it to the front.
func (c *Client) RecordRecentView(ctx context.Context, taskID string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO recent_task_views (task_id, viewed_at) VALUES (?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET viewed_at = excluded.viewed_at`,
		taskID, c.fmtTime(c.now()))
	if err != nil {
		return storeErr("record recent view", err)
	}
	return nil
}

// RecentViews returns views newer than maxAge, most recent first, capped at
// limit.
func (c *Client) RecentViews(ctx context.Context, maxAge time.Duration, limit int) ([]domain.RecentView, error) {
	cutoff := c.fmtTime(c.now().Add(-maxAge))
	rows, err := c.db.QueryContext(ctx,
		`SELECT task_id, viewed_at FROM recent_task_views
		 WHERE viewed_at > ? ORDER BY viewed_at DESC LIMIT ?`,
		cutoff, limit)
	if err != nil {
		return nil, storeErr("recent views", err)
	}
	defer rows.Close()

	var views []domain.RecentView
	for rows.Next() {
		var (
			view     domain.RecentView
			viewedAt string
		)
		if err := rows.Scan(&view.TaskID, &viewedAt); err != nil {
			return nil, storeErr("recent views", err)
		}
		if view.ViewedAt, err = parseTime(viewedAt); err != nil {
			return nil, fmt.Errorf("%w: invalid viewed_at %q", domain.ErrInvariantViolation, viewedAt)
		}
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("recent views", err)
	}
	return views, nil
}

// PruneRecentViews deletes views older than maxAge and reports how many
// rows went away.
func (c *Client) PruneRecentViews(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := c.fmtTime(c.now().Add(-maxAge))
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM recent_task_views WHERE viewed_at <= ?`, cutoff)
	if err != nil {
		return 0, storeErr("prune recent views", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("prune recent views", err)
	}
	return n, nil
}
