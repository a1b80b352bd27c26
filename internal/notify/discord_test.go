package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyCompletionDeliversContent(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &Notifier{WebhookURL: srv.URL, NotionBaseURL: "https://notion.so/ws"}
	ok := n.NotifyCompletion(context.Background(), "My Video",
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "abcd-1234-ef")
	assert.True(t, ok)

	content := received["content"]
	lines := strings.Split(content, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "My Video")
	assert.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", lines[1])
	assert.Contains(t, lines[2], "https://notion.so/ws/abcd1234ef")
}

func TestNotifyCompletionOmitsIncompleteLink(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	n := &Notifier{WebhookURL: srv.URL, NotionBaseURL: "https://notion.so/ws"}
	ok := n.NotifyCompletion(context.Background(), "My Video", "https://youtu.be/x", "")
	assert.True(t, ok)
	assert.Len(t, strings.Split(received["content"], "\n"), 2)
}

func TestNotifyCompletionUnconfiguredWebhook(t *testing.T) {
	n := &Notifier{}
	assert.False(t, n.NotifyCompletion(context.Background(), "t", "u", ""))
}

func TestNotifyCompletionWebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := &Notifier{WebhookURL: srv.URL}
	assert.False(t, n.NotifyCompletion(context.Background(), "t", "u", ""))
}

func TestNotifyCompletionDefaultsUntitled(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	n := &Notifier{WebhookURL: srv.URL}
	require.True(t, n.NotifyCompletion(context.Background(), "", "https://youtu.be/x", ""))
	assert.Contains(t, received["content"], "untitled")
}
