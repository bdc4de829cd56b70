package packet

import (
	"sort"
	"strings"
)

// forbiddenKeys is the reserved field-name set. A composed packet carrying
// any of these anywhere in its tree is rejected outright; MetaGate issues
// facts, never work. Changing this set requires a version bump.
var forbiddenKeys = map[string]bool{
	"tasks":      true,
	"jobs":       true,
	"work_items": true,
	"payloads":   true,
	"deploy":     true,
	"scale":      true,
	"provision":  true,
	"execute":    true,
}

// ForbiddenKeys returns the reserved key set, sorted.
func ForbiddenKeys() []string {
	keys := make([]string, 0, len(forbiddenKeys))
	for k := range forbiddenKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ScanForbidden walks the document and returns the dotted paths of every
// forbidden key found, sorted. Matching is case-insensitive. An empty
// result means the document is clean.
func ScanForbidden(doc Document) []string {
	found := scanValue(map[string]any(doc), "")
	sort.Strings(found)
	return found
}

func scanValue(v any, path string) []string {
	var found []string
	switch t := v.(type) {
	case map[string]any:
		for k, inner := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			if forbiddenKeys[strings.ToLower(k)] {
				found = append(found, childPath)
			}
			found = append(found, scanValue(inner, childPath)...)
		}
	case Document:
		found = append(found, scanValue(map[string]any(t), path)...)
	case []any:
		for _, inner := range t {
			found = append(found, scanValue(inner, path)...)
		}
	}
	return found
}
