package utils

import "github.com/charmbracelet/x/ansi"

// Truncate shortens s to at most maxLen terminal cells, ending in "..." when
// anything was cut. Escape sequences in s are preserved.
func Truncate(s string, maxLen int) string {
	return ansi.Truncate(s, maxLen, "...")
}
