package pipeline

import (
	"context"

	"github.com/clipsum/clipsum/internal/store/notion"
)

// NotionSummaryStorage stores finished summaries as Notion pages.
type NotionSummaryStorage struct {
	Client *notion.Client
}

// Save creates the summary page and returns its id.
func (s *NotionSummaryStorage) Save(ctx context.Context, doc SummaryDocument) (string, error) {
	return s.Client.CreateSummaryPage(ctx, doc.Title, doc.Text, doc.Model, doc.SourceURL)
}
