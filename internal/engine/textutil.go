package engine

import (
	"html"
	"regexp"
	"strings"
)

// User-Agent strings used across HTTP clients.
const (
	UserAgentChrome  = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	UserAgentAndroid = "com.google.android.youtube/20.10.38 (Linux; U; Android 11) gzip"
)

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
	multiSpaceRe = regexp.MustCompile(`\s+`)
	filenameRe   = regexp.MustCompile(`[<>:"/\\|?*]`)
)

// CleanHTML strips HTML tags, decodes entities and trims whitespace.
func CleanHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagRe.ReplaceAllString(s, "")))
}

// CollapseSpaces folds any whitespace run into a single space.
func CollapseSpaces(s string) string {
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(s, " "))
}

// SanitizeFilename makes s safe to use as a file name: replaces characters
// that are reserved on common filesystems and caps the length at 100 runes.
func SanitizeFilename(s string) string {
	s = CollapseSpaces(filenameRe.ReplaceAllString(s, "_"))
	runes := []rune(s)
	if len(runes) > 100 {
		s = string(runes[:100])
	}
	return strings.TrimSpace(s)
}
