package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKC form of s.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// NormalizeIdentifier folds a login identifier to the form used for lookups:
// NFKC, trimmed, lower case.
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
