package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// YTDLPDownloader shells out to yt-dlp. The output template pins the file
// name to the video id so reruns reuse the download, and --print reports the
// final path and title back on stdout.
type YTDLPDownloader struct {
	// Binary defaults to "yt-dlp" on PATH.
	Binary string
}

func (d *YTDLPDownloader) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "yt-dlp"
}

// Download fetches the media into destDir/videos and resolves the title.
func (d *YTDLPDownloader) Download(ctx context.Context, url, destDir string) (DownloadResult, error) {
	outputDir := filepath.Join(destDir, "videos")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return DownloadResult{}, fmt.Errorf("failed to create download directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, d.binary(),
		"--no-overwrites",
		"-S", "res:360",
		"-o", filepath.Join(outputDir, "%(id)s.%(ext)s"),
		"--print", "after_move:filepath",
		"--print", "title",
		url,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return DownloadResult{}, fmt.Errorf("yt-dlp failed: %w: %s", err, truncateOutput(stderr.String()))
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		slog.WarnContext(ctx, "yt-dlp wrote to stderr", "stderr", truncateOutput(msg))
	}

	var lines []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return DownloadResult{}, fmt.Errorf("yt-dlp produced no output for %s", url)
	}

	result := DownloadResult{Path: lines[0]}
	if len(lines) >= 2 {
		result.Title = lines[1]
	}
	return result, nil
}

func truncateOutput(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) <= 800 {
		return s
	}
	return s[:800] + "...(truncated)"
}
