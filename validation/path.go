package validation

import "strings"

// Resolve descends doc one path segment at a time. It reports false if any
// segment is missing or an intermediate value is not a nested document.
func Resolve(doc map[string]any, path string) (any, bool) {
	var current any = doc
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Document builds the combined document rules are resolved against.
func Document(metadata, jwks map[string]any) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	if jwks == nil {
		jwks = map[string]any{}
	}
	return map[string]any{"metadata": metadata, "jwks": jwks}
}
