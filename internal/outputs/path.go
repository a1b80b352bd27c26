// Package outputs builds deterministic paths for locally saved summaries.
package outputs

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/clipsum/clipsum/internal/urlutil"
)

// DefaultBaseDir is where summary markdown files land unless overridden.
var DefaultBaseDir = filepath.Join("data", "summaries")

var invalidFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// SanitizeFilename replaces characters that are invalid on most filesystems.
func SanitizeFilename(name string) string {
	return invalidFilenameChars.ReplaceAllString(name, "_")
}

// TruncateFilename shortens a filename to maxBytes while preserving the
// extension. Truncation is rune-safe: it never splits a multi-byte character.
func TruncateFilename(name string, maxBytes int) string {
	if len(name) <= maxBytes {
		return name
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	available := maxBytes - len(ext)
	if available < 0 {
		available = 0
	}

	runes := []rune(base)
	for len(string(runes)) > available && len(runes) > 0 {
		runes = runes[:len(runes)-1]
	}

	result := string(runes) + ext
	if result == "" {
		return strings.TrimPrefix(ext, ".")
	}
	return result
}

// SummaryPath builds the timestamped output path for a summary, scoped by
// video id and sanitized title:
//
//	data/summaries/_summarized_20260102150405_<videoid>_<title>.md
func SummaryPath(title, url string, now time.Time) string {
	return SummaryPathIn(DefaultBaseDir, title, url, now)
}

// SummaryPathIn is SummaryPath rooted at an explicit base directory.
func SummaryPathIn(baseDir, title, url string, now time.Time) string {
	ts := now.Format("20060102150405")
	videoID := urlutil.ExtractVideoID(url)
	if videoID == "" {
		videoID = "noid"
	}
	if title == "" {
		title = "untitled"
	}
	filename := "_summarized_" + ts + "_" + videoID + "_" + SanitizeFilename(title) + ".md"
	return filepath.Join(baseDir, TruncateFilename(filename, 200))
}
