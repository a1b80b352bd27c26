// Package pipeline declares the processing stage contracts the worker drives
// and thin default adapters for each. The worker treats stages as opaque:
// a stage returns a value or an error, and any error fails the task.
package pipeline

import "context"

// DownloadResult is what the download stage hands to the rest of the
// pipeline.
type DownloadResult struct {
	// Path is the local media file to transcribe.
	Path string
	// Title is the resolved video title, empty when unknown.
	Title string
}

// Downloader fetches the media for a video URL into destDir.
type Downloader interface {
	Download(ctx context.Context, url, destDir string) (DownloadResult, error)
}

// Transcriber turns a local media file into transcript text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string) (string, error)
}

// Summarizer condenses a transcript into summary text.
type Summarizer interface {
	Summarize(ctx context.Context, title, transcript string) (string, error)
}

// SummaryDocument is the finished artifact handed to external storage.
type SummaryDocument struct {
	Title     string
	Text      string
	Model     string
	SourceURL string
}

// SummaryStorage persists a finished summary to an external system and
// returns the created page id.
type SummaryStorage interface {
	Save(ctx context.Context, doc SummaryDocument) (string, error)
}

// Stages bundles the four pipeline stages. Storage may be nil when no
// external summary storage is configured.
type Stages struct {
	Downloader  Downloader
	Transcriber Transcriber
	Summarizer  Summarizer
	Storage     SummaryStorage
}
