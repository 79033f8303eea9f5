package util

import (
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeHeaderValue trims a client supplied header value, drops control
// characters and caps it at max bytes without splitting a rune.
func SanitizeHeaderValue(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))

	if max <= 0 || len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// GetEnv returns the environment value for key or defaultValue when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
