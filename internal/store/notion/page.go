package notion

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clipsum/clipsum/internal/domain"
)

// Wire types for the slice of the Notion page object this store reads.

type textContent struct {
	Content string `json:"content"`
}

type richTextItem struct {
	Type string      `json:"type,omitempty"`
	Text textContent `json:"text"`
}

type selectOption struct {
	Name string `json:"name"`
}

type relationItem struct {
	ID string `json:"id"`
}

type property struct {
	Title    []richTextItem `json:"title,omitempty"`
	RichText []richTextItem `json:"rich_text,omitempty"`
	URL      *string        `json:"url,omitempty"`
	Select   *selectOption  `json:"select,omitempty"`
	Number   *float64       `json:"number,omitempty"`
	Relation []relationItem `json:"relation,omitempty"`
}

type page struct {
	ID             string              `json:"id"`
	CreatedTime    time.Time           `json:"created_time"`
	LastEditedTime time.Time           `json:"last_edited_time"`
	Properties     map[string]property `json:"properties"`
}

type queryResponse struct {
	Results    []page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// richText splits content into fragments under the API's per-fragment size
// limit. Cuts land on rune boundaries so a multi-byte character is never
// split across fragments.
func richText(content string) []richTextItem {
	if content == "" {
		return []richTextItem{}
	}
	var items []richTextItem
	for len(content) > richTextLimit {
		cut := richTextLimit
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		if cut == 0 {
			// Invalid UTF-8 longer than the limit; cut anyway to guarantee
			// progress.
			cut = richTextLimit
		}
		items = append(items, richTextItem{Type: "text", Text: textContent{Content: content[:cut]}})
		content = content[cut:]
	}
	items = append(items, richTextItem{Type: "text", Text: textContent{Content: content}})
	return items
}

func joinRichText(items []richTextItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString(item.Text.Content)
	}
	return b.String()
}

func selectProp(name string) map[string]any {
	return map[string]any{"select": map[string]any{"name": name}}
}

func (p page) toTask() *domain.Task {
	props := p.Properties

	task := &domain.Task{
		ID:           p.ID,
		Title:        joinRichText(props["Name"].Title),
		Summary:      joinRichText(props["Summary"].RichText),
		ErrorMessage: joinRichText(props["Error Message"].RichText),
		RetryReason:  joinRichText(props["Retry Reason"].RichText),
		CreatedAt:    p.CreatedTime.UTC(),
		UpdatedAt:    p.LastEditedTime.UTC(),
	}
	pageID := p.ID
	task.ExternalPageID = &pageID

	if url := props["URL"].URL; url != nil {
		task.URL = *url
	}
	if sel := props["Status"].Select; sel != nil {
		task.Status = domain.TaskStatus(sel.Name)
	}
	if n := props["Processing Duration"].Number; n != nil {
		v := *n
		task.ProcessingDuration = &v
	}
	if rel := props["Retry Of"].Relation; len(rel) > 0 {
		parent := rel[0].ID
		task.RetryOfTaskID = &parent
	}

	return task
}
