package fileutil

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const invalidPathChars = `/\:*?"<>|`

// SanitizeComponent makes value safe as a single path element. Unicode is
// normalized to NFC so visually identical names from different tag encoders
// land in the same directory; separators and reserved characters become "_".
// An empty result yields fallback.
func SanitizeComponent(value, fallback string) string {
	value = norm.NFC.String(strings.TrimSpace(value))
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case strings.ContainsRune(invalidPathChars, r):
			b.WriteRune('_')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(strings.TrimSpace(b.String()), ".")
	if out == "" {
		return fallback
	}
	return out
}
