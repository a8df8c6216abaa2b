package util

import (
	"strings"
	"unicode"
)

// SanitizeInput trims surrounding whitespace and drops control characters.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
