package utils

import "strings"

// MaskSecret keeps the first four characters of s so logged tokens can be
// told apart without being usable
func MaskSecret(s string) string {
	switch {
	case s == "":
		return "none"
	case len(s) <= 8:
		return strings.Repeat("*", len(s))
	default:
		return s[:4] + strings.Repeat("*", 5)
	}
}
