package observability

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Field length caps for values copied from requests into log entries.
const (
	routeLimit  = 180
	methodLimit = 10
	idLimit     = 64
)

// clean drops control characters (keeping tab and newlines) and truncates to limit runes.
func clean(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

// SanitizeRoute prepares a path or route pattern for logs; empty becomes "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clean(route, routeLimit)
}

func SanitizeMethod(method string) string {
	return clean(method, methodLimit)
}

// SanitizeUserID caps caller identifiers (user ids, vendor profile ids) before they are logged.
func SanitizeUserID(uid string) string {
	return clean(uid, idLimit)
}
