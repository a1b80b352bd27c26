package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsum/clipsum/internal/config"
	"github.com/clipsum/clipsum/internal/domain"
	"github.com/clipsum/clipsum/internal/store"
)

func TestOpenSQLite(t *testing.T) {
	cfg := &config.Config{
		DBType:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "tasks.db"),
	}

	s, err := store.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	_, ok := s.(store.HistoryStore)
	assert.True(t, ok, "sqlite backend must support recent-view history")
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := &config.Config{DBType: "mysql"}

	_, err := store.Open(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrUnknownBackend)
}

func TestOpenMisconfiguredBackend(t *testing.T) {
	t.Run("postgres without url", func(t *testing.T) {
		_, err := store.Open(context.Background(), &config.Config{DBType: "postgres"})
		assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	})

	t.Run("notion without credentials", func(t *testing.T) {
		_, err := store.Open(context.Background(), &config.Config{DBType: "notion"})
		assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	})
}
