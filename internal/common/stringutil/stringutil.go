// Package stringutil provides small string helpers shared by the
// chat-facing packages.
package stringutil

import "unicode/utf8"

// Truncate caps s at max runes, marking a cut with a single ellipsis
// rune. Used for titles and other display strings where the budget is
// about visible width.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// TruncateBytes caps s at max bytes without splitting a UTF-8 sequence,
// marking a cut with an ellipsis. Used where the budget is part of a
// platform post size limit.
func TruncateBytes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// FirstLine returns s up to the first newline.
func FirstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
