package urlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"watch url", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"watch url without www", "https://youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"watch url without scheme", "www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"short link", "https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"embed url", "https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"extra query params", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "dQw4w9WgXcQ"},
		{"surrounding whitespace ignored by regex", "  https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"id too long", "https://youtu.be/dQw4w9WgXcQX", ""},
		{"not a video url", "https://example.com/watch?v=dQw4w9WgXcQ", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractVideoID(tt.url))
		})
	}
}

func TestCanonicalize(t *testing.T) {
	assert.Equal(t,
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Canonicalize("https://youtu.be/dQw4w9WgXcQ"))
	assert.Equal(t, "", Canonicalize("https://example.com/"))
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("https://www.youtube.com/watch?v=dQw4w9WgXcQ"))
	assert.False(t, IsValid("not a url"))
}
