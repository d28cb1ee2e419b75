// Package textutil holds small string-map helpers shared by order metadata,
// event payloads, and audit fields.
package textutil

import "strings"

// NormalizeStringMap returns a trimmed copy of a metadata map. Entries whose
// key trims to empty are dropped, and an empty result collapses to nil so
// stored documents and event payloads omit the field entirely.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
