package store

import (
	"context"
	"fmt"

	"github.com/clipsum/clipsum/internal/config"
	"github.com/clipsum/clipsum/internal/domain"
	"github.com/clipsum/clipsum/internal/store/notion"
	"github.com/clipsum/clipsum/internal/store/postgres"
	"github.com/clipsum/clipsum/internal/store/sqlite"
)

// Open builds the TaskStore named by cfg.DBType. Unknown names return
// domain.ErrUnknownBackend; a known backend missing its settings returns
// domain.ErrBackendUnavailable.
func Open(ctx context.Context, cfg *config.Config) (TaskStore, error) {
	switch cfg.DBType {
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("%w: POSTGRES_URL not set", domain.ErrBackendUnavailable)
		}
		return postgres.Open(ctx, cfg.PostgresURL)
	case "notion":
		opts := []notion.Option{}
		if cfg.NotionBaseURL != "" {
			opts = append(opts, notion.WithBaseURL(cfg.NotionBaseURL))
		}
		return notion.New(cfg.NotionAPIKey, cfg.NotionDatabaseID, opts...)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownBackend, cfg.DBType)
	}
}
