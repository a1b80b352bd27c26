// Package notify delivers best-effort task completion notifications to a
// Discord-compatible webhook. Failures are logged and reported as false,
// never as errors; notification must not affect task outcomes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Notifier posts completion messages to a webhook. The zero value with an
// empty WebhookURL silently skips all notifications.
type Notifier struct {
	WebhookURL string

	// NotionBaseURL plus the page id form the summary link appended to the
	// message when both are present.
	NotionBaseURL string

	HTTPClient *http.Client
}

func (n *Notifier) client() *http.Client {
	if n.HTTPClient != nil {
		return n.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// NotifyCompletion announces a finished task. Returns true only when the
// webhook accepted the message.
func (n *Notifier) NotifyCompletion(ctx context.Context, title, sourceURL, externalPageID string) bool {
	if n.WebhookURL == "" {
		slog.InfoContext(ctx, "webhook not configured; skipping notification")
		return false
	}

	if title == "" {
		title = "untitled"
	}
	lines := []string{fmt.Sprintf("✅ 任務完成：%s", title), sourceURL}

	base := strings.TrimSpace(n.NotionBaseURL)
	pageID := strings.TrimSpace(externalPageID)
	if base != "" && pageID != "" {
		link := strings.TrimRight(base, "/") + "/" + strings.ReplaceAll(pageID, "-", "")
		lines = append(lines, fmt.Sprintf("Notion：%s", link))
	} else if base != "" || pageID != "" {
		slog.InfoContext(ctx, "summary link information incomplete; notifying without link")
	}

	payload, err := json.Marshal(map[string]string{"content": strings.Join(lines, "\n")})
	if err != nil {
		slog.WarnContext(ctx, "failed to encode notification", "error", err)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		slog.WarnContext(ctx, "failed to build notification request", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client().Do(req)
	if err != nil {
		slog.WarnContext(ctx, "failed to send notification", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		slog.WarnContext(ctx, "webhook rejected notification",
			"status", resp.StatusCode, "body", string(body))
		return false
	}

	slog.InfoContext(ctx, "notification delivered", "title", title)
	return true
}
