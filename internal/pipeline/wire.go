package pipeline

import (
	"fmt"

	"github.com/clipsum/clipsum/internal/config"
	"github.com/clipsum/clipsum/internal/store/notion"
)

// StagesFromConfig assembles the processing pipeline from configuration.
// The Notion summary storage stage is attached only when the integration
// is configured.
func StagesFromConfig(cfg *config.Config) (Stages, error) {
	stages := Stages{
		Downloader: &YTDLPDownloader{},
		Transcriber: &HTTPTranscriber{
			APIURL: cfg.TranscriptionAPIURL,
			APIKey: cfg.TranscriptionAPIKey,
			Model:  cfg.TranscriptionModel,
		},
		Summarizer: &ChatSummarizer{
			APIURL: cfg.SummarizerAPIURL,
			APIKey: cfg.SummarizerAPIKey,
			Model:  cfg.SummarizerModel,
		},
	}

	if cfg.NotionAPIKey != "" && cfg.NotionDatabaseID != "" {
		client, err := notion.New(cfg.NotionAPIKey, cfg.NotionDatabaseID)
		if err != nil {
			return Stages{}, fmt.Errorf("failed to init notion storage: %w", err)
		}
		stages.Storage = &NotionSummaryStorage{Client: client}
	}
	return stages, nil
}
