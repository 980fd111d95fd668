package util

import (
	"html"
	"strings"
)

// EscapeHTML trims s and escapes it for Telegram's HTML parse mode.
func EscapeHTML(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// CollapseSpace folds runs of whitespace (including newlines from scraped
// markup) into single spaces.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
