package postgres_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/clipsum/clipsum/internal/store/postgres"
	"github.com/clipsum/clipsum/internal/store/storetest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestTaskStoreCompliance runs the shared contract suite against a real
// PostgreSQL instance. Set TEST_POSTGRES_URL to enable.
func TestTaskStoreCompliance(t *testing.T) {
	pgURL := os.Getenv("TEST_POSTGRES_URL")
	if pgURL == "" {
		t.Skip("TEST_POSTGRES_URL not set, skipping PostgreSQL tests")
	}

	storetest.RunTaskStoreComplianceTest(t, func(t *testing.T) *storetest.Harness {
		ctx := context.Background()
		clock := newTestClock()
		client, err := postgres.Open(ctx, pgURL, postgres.WithClock(clock.Now))
		require.NoError(t, err)

		// Each subtest expects a clean queue.
		db, err := sql.Open("pgx", pgURL)
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, "TRUNCATE TABLE tasks RESTART IDENTITY CASCADE")
		require.NoError(t, err)
		_, err = db.ExecContext(ctx, "DELETE FROM processing_lock")
		require.NoError(t, err)
		require.NoError(t, db.Close())

		return &storetest.Harness{
			Store:    client,
			Advance:  clock.Advance,
			Teardown: func() { client.Close() },
		}
	})
}
