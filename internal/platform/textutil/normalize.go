package textutil

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	strictPolicyOnce sync.Once
	strictPolicy     *bluemonday.Policy
	folder           = cases.Fold()
)

// NormalizeName folds a display name into a comparison key: NFKC, case-folded, single-spaced.
// Full-width and decomposed variants of the same product name produce the same key.
func NormalizeName(value string) string {
	value = norm.NFKC.String(value)
	value = folder.String(value)
	return strings.Join(strings.Fields(value), " ")
}

// SanitizeText strips markup and control characters from free text copied into persisted snapshots.
func SanitizeText(value string, limit int) string {
	strictPolicyOnce.Do(func() {
		strictPolicy = bluemonday.StrictPolicy()
	})
	cleaned := html.UnescapeString(strictPolicy.Sanitize(value))
	cleaned = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if limit > 0 {
		runes := []rune(cleaned)
		if len(runes) > limit {
			cleaned = string(runes[:limit])
		}
	}
	return cleaned
}
