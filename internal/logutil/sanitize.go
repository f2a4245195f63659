package logutil

import (
	"strings"
	"unicode"
)

// MaxLogValue bounds how much of a user-controlled value reaches the log.
const MaxLogValue = 200

// SanitizeForLog flattens user-provided strings to a single line so they
// cannot forge log entries: newlines and tabs become spaces, other control
// characters are dropped, and the result is truncated to MaxLogValue runes.
func SanitizeForLog(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return Truncate(s, MaxLogValue)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}
