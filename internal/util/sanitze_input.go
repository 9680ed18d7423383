package util

import (
	"html"
	"strings"
)

// SanitizeInput escapes HTML/script-like characters. Applied to free-text
// event fields at intake since they end up in notification bodies.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags strings carrying markup or template injection
// characters.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(strings.ToLower(s), c) {
			return true
		}
	}
	return false
}
