package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsum/clipsum/internal/domain"
)

// fakeNotion is a minimal in-memory stand-in for the pages and database
// query endpoints the client uses.
type fakeNotion struct {
	mu     sync.Mutex
	nextID int
	pages  []*page
}

func (f *fakeNotion) handler(t *testing.T, databaseID string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/pages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "2022-06-28", r.Header.Get("Notion-Version"))
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))

		var req struct {
			Properties map[string]property `json:"properties"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		f.nextID++
		p := &page{
			ID:          fmt.Sprintf("page-%d", f.nextID),
			CreatedTime: time.Now().UTC().Add(time.Duration(f.nextID) * time.Millisecond),
			Properties:  req.Properties,
		}
		p.LastEditedTime = p.CreatedTime
		f.pages = append(f.pages, p)
		f.mu.Unlock()

		json.NewEncoder(w).Encode(p)
	})

	mux.HandleFunc("POST /v1/databases/"+databaseID+"/query", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filter *struct {
				Property string `json:"property"`
				Select   struct {
					Equals string `json:"equals"`
				} `json:"select"`
			} `json:"filter"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		var results []page
		for _, p := range f.pages {
			if req.Filter != nil {
				sel := p.Properties[req.Filter.Property].Select
				if sel == nil || sel.Name != req.Filter.Select.Equals {
					continue
				}
			}
			results = append(results, *p)
		}
		f.mu.Unlock()

		json.NewEncoder(w).Encode(queryResponse{Results: results})
	})

	mux.HandleFunc("GET /v1/pages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, p := range f.pages {
			if p.ID == r.PathValue("id") {
				json.NewEncoder(w).Encode(p)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"code": "object_not_found"})
	})

	mux.HandleFunc("PATCH /v1/pages/{id}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Properties map[string]property `json:"properties"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		f.mu.Lock()
		defer f.mu.Unlock()
		for _, p := range f.pages {
			if p.ID == r.PathValue("id") {
				for name, prop := range req.Properties {
					p.Properties[name] = prop
				}
				p.LastEditedTime = time.Now().UTC()
				json.NewEncoder(w).Encode(p)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"code": "object_not_found"})
	})

	return mux
}

const testDatabaseID = "db-123"

func newTestClient(t *testing.T) (*Client, *fakeNotion) {
	t.Helper()
	fake := &fakeNotion{}
	srv := httptest.NewServer(fake.handler(t, testDatabaseID))
	t.Cleanup(srv.Close)

	client, err := New("secret-token", testDatabaseID, WithBaseURL(srv.URL))
	require.NoError(t, err)
	return client, fake
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New("", "db")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	_, err = New("key", "")
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestAddAndGetTask(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	const url = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"
	task, err := client.AddTask(ctx, url)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, url, task.URL)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, url, task.Title)
	require.NotNil(t, task.ExternalPageID)
	assert.Equal(t, task.ID, *task.ExternalPageID)

	fetched, err := client.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, fetched.ID)

	_, err = client.TaskByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestPendingTasksFiltersByStatus(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	first, err := client.AddTask(ctx, "https://www.youtube.com/watch?v=aaaaaaaaaaa")
	require.NoError(t, err)
	second, err := client.AddTask(ctx, "https://www.youtube.com/watch?v=bbbbbbbbbbb")
	require.NoError(t, err)

	require.NoError(t, client.UpdateTaskStatus(ctx, first.ID, domain.StatusCompleted, domain.TaskUpdate{}))

	pending, err := client.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestUpdateTaskStatusRoundTripsLongSummary(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	task, err := client.AddTask(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)

	// Longer than one rich_text fragment, so it must be chunked and
	// rejoined.
	long := strings.Repeat("summary ", 600)
	duration := 42.5
	require.NoError(t, client.UpdateTaskStatus(ctx, task.ID, domain.StatusCompleted, domain.TaskUpdate{
		Summary:            &long,
		ProcessingDuration: &duration,
	}))

	fetched, err := client.TaskByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, fetched.Status)
	assert.Equal(t, long, fetched.Summary)
	require.NotNil(t, fetched.ProcessingDuration)
	assert.Equal(t, 42.5, *fetched.ProcessingDuration)
}

func TestCreateRetryTaskLinksSource(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	source, err := client.AddTask(ctx, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
	require.NoError(t, err)
	errMsg := "download failed"
	require.NoError(t, client.UpdateTaskStatus(ctx, source.ID, domain.StatusFailed, domain.TaskUpdate{
		ErrorMessage: &errMsg,
	}))
	source, err = client.TaskByID(ctx, source.ID)
	require.NoError(t, err)

	retry, err := client.CreateRetryTask(ctx, source, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, retry.Status)
	require.NotNil(t, retry.RetryOfTaskID)
	assert.Equal(t, source.ID, *retry.RetryOfTaskID)
	assert.Equal(t, "download failed", retry.RetryReason)
}

func TestAcquireNextTaskOptimisticClaim(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	first, err := client.AddTask(ctx, "https://www.youtube.com/watch?v=aaaaaaaaaaa")
	require.NoError(t, err)
	_, err = client.AddTask(ctx, "https://www.youtube.com/watch?v=bbbbbbbbbbb")
	require.NoError(t, err)

	claimed, err := client.AcquireNextTask(ctx, "worker-a", 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, domain.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "worker-a", *claimed.WorkerID)

	stored, err := client.TaskByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
}

func TestAcquireNextTaskEmptyQueue(t *testing.T) {
	client, _ := newTestClient(t)

	claimed, err := client.AcquireNextTask(context.Background(), "worker-a", 15*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestAdvisoryProcessingLock(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	acquired, err := client.AcquireProcessingLock(ctx, "worker-a", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = client.AcquireProcessingLock(ctx, "worker-b", 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	info, err := client.ReadProcessingLock(ctx)
	require.NoError(t, err)
	require.True(t, info.Held())
	assert.Equal(t, "worker-a", *info.WorkerID)

	require.NoError(t, client.ReleaseProcessingLock(ctx, "worker-b"))
	info, err = client.ReadProcessingLock(ctx)
	require.NoError(t, err)
	assert.True(t, info.Held(), "release by non-holder must be a no-op")

	require.NoError(t, client.ReleaseProcessingLock(ctx, "worker-a"))
	info, err = client.ReadProcessingLock(ctx)
	require.NoError(t, err)
	assert.False(t, info.Held())
}

func TestAdvisoryLockExpiry(t *testing.T) {
	now := time.Now().UTC()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	client, err := New("key", "db", WithClock(clock))
	require.NoError(t, err)
	ctx := context.Background()

	acquired, err := client.AcquireProcessingLock(ctx, "worker-dead", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	acquired, err = client.AcquireProcessingLock(ctx, "worker-live", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRichTextChunking(t *testing.T) {
	assert.Empty(t, richText(""))

	short := richText("hello")
	require.Len(t, short, 1)
	assert.Equal(t, "hello", short[0].Text.Content)

	long := strings.Repeat("x", richTextLimit*2+5)
	chunks := richText(long)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Text.Content, richTextLimit)
	assert.Len(t, chunks[1].Text.Content, richTextLimit)
	assert.Len(t, chunks[2].Text.Content, 5)
	assert.Equal(t, long, joinRichText(chunks))

	// The leading "a" misaligns the byte limit with the 3-byte CJK runes, so
	// a byte-indexed cut would land mid-rune.
	cjk := "a" + strings.Repeat("夏", 700)
	chunks = richText(cjk)
	require.Len(t, chunks, 2)
	for i, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk.Text.Content), "chunk %d splits a rune", i)
		assert.LessOrEqual(t, len(chunk.Text.Content), richTextLimit)
	}
	assert.Equal(t, cjk, joinRichText(chunks))
}
