package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxReasonLength bounds free-text reasons and notes persisted on order items.
const MaxReasonLength = 500

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeReason strips markup from user supplied text, collapses whitespace, and truncates the
// result to MaxReasonLength runes.
func SanitizeReason(value string) string {
	cleaned := html.UnescapeString(strictPolicy.Sanitize(value))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if utf8.RuneCountInString(cleaned) <= MaxReasonLength {
		return cleaned
	}
	runes := []rune(cleaned)
	return strings.TrimSpace(string(runes[:MaxReasonLength]))
}

// NormalizeStringMap trims keys and values, removing entries with empty keys or values.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
