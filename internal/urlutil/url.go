// Package urlutil validates and canonicalizes submitted video URLs.
package urlutil

import "regexp"

var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/watch\?v=([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:https?://)?youtu\.be/([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:https?://)?(?:www\.)?youtube\.com/embed/([a-zA-Z0-9_-]{11})`),
}

var idChar = regexp.MustCompile(`[A-Za-z0-9_-]`)

// ExtractVideoID returns the 11-character video id embedded in url, or ""
// when none of the supported forms (watch, short link, embed) match.
func ExtractVideoID(url string) string {
	for _, pat := range videoIDPatterns {
		m := pat.FindStringSubmatchIndex(url)
		if m == nil {
			continue
		}
		end := m[3]
		// A trailing id character means the candidate is longer than 11
		// characters; skip this pattern rather than truncate.
		if end < len(url) && idChar.MatchString(url[end:end+1]) {
			continue
		}
		return url[m[2]:m[3]]
	}
	return ""
}

// IsValid reports whether url carries a recognizable video id.
func IsValid(url string) bool {
	return ExtractVideoID(url) != ""
}

// Canonicalize rewrites any supported URL form into the canonical watch URL.
// Returns "" for unrecognized input.
func Canonicalize(url string) string {
	id := ExtractVideoID(url)
	if id == "" {
		return ""
	}
	return "https://www.youtube.com/watch?v=" + id
}
