// Package stringutil provides common string utility functions.
package stringutil

// Truncate truncates a string to a maximum length. If the string is shorter
// than maxLen, it returns the original string.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateWithEllipsis truncates a string to a maximum length and adds a
// "..." suffix when anything was cut.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
