package notion

import (
	"context"
	"fmt"
	"net/http"
)

// CreateSummaryPage writes a finished summary into the summaries database as
// a page with the text split over paragraph blocks. Returns the new page id.
func (c *Client) CreateSummaryPage(ctx context.Context, title, text, model, sourceURL string) (string, error) {
	children := make([]map[string]any, 0, len(text)/richTextLimit+1)
	for _, chunk := range richText(text) {
		children = append(children, map[string]any{
			"object": "block",
			"paragraph": map[string]any{
				"rich_text": []richTextItem{chunk},
				"color":     "default",
			},
		})
	}

	req := map[string]any{
		"parent": map[string]any{"database_id": c.databaseID},
		"properties": map[string]any{
			"Title":  map[string]any{"title": richText(title)},
			"URL":    map[string]any{"url": sourceURL},
			"Model":  map[string]any{"rich_text": richText(model)},
			"Public": map[string]any{"checkbox": false},
		},
		"children": children,
	}

	var created page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", req, &created); err != nil {
		return "", fmt.Errorf("create summary page: %w", err)
	}
	return created.ID, nil
}
