package utils

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Truncate returns a truncated version of s with at most maxLen runes.
// Handles multi-byte Unicode characters properly.
// If the string is truncated, "..." is appended to indicate truncation.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	// Reserve 3 chars for "..."
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// SanitizeFilename reduces name to a single safe path component. Gateway
// supplied keys (aeskeys, msg ids) end up as cache file names.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "_"
	}
	return out
}

var (
	markdownBold    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	markdownHeading = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
)

// StripMarkdown removes bold markers and heading prefixes, which plain
// WeChat text would show verbatim.
func StripMarkdown(s string) string {
	s = markdownBold.ReplaceAllString(s, "$1")
	return markdownHeading.ReplaceAllString(s, "")
}
