// Package logutil contains helpers for writing untrusted input to logs.
package logutil

import "strings"

// SanitizeForLog strips newlines and other control characters from
// client-supplied strings (session IDs, error details) so they cannot
// forge extra log lines.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
