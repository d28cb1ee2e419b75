package observability

import (
	"strings"
	"unicode"
)

const defaultFieldLimit = 256

// scrubField drops control characters and bounds the length of values copied
// from requests into log fields.
func scrubField(value string, limit int) string {
	if limit <= 0 {
		limit = defaultFieldLimit
	}

	var b strings.Builder
	b.Grow(len(value))
	count := 0
	for _, r := range value {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		if count == limit {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

// SanitizeRoute bounds a route pattern for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return scrubField(route, 180)
}

// SanitizeMethod bounds an HTTP method for logging.
func SanitizeMethod(method string) string {
	return scrubField(method, 10)
}

// SanitizeUserID bounds a user identifier for logging.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return scrubField(uid, 64)
}
