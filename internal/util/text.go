package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// Preview collapses text to a single line and truncates it to maxWidth
// display cells, appending an ellipsis when anything was cut.
func Preview(text string, maxWidth int) string {
	line := strings.Join(strings.Fields(text), " ")
	if maxWidth <= 0 || runewidth.StringWidth(line) <= maxWidth {
		return line
	}
	if maxWidth <= 1 {
		return "…"
	}
	return runewidth.Truncate(line, maxWidth-1, "") + "…"
}

// FirstLine returns text up to the first newline, trimmed.
func FirstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
