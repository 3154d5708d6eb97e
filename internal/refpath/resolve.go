package refpath

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports that a path segment does not exist in the data.
// Callers use it to distinguish "key absent" (resolution failure) from an
// explicit null value, which resolves successfully to nil.
var ErrNotFound = errors.New("path not found")

// wrapperKeys are nested container fields commonly found on CRM-style
// records. When a direct lookup misses, resolution retries inside these.
var wrapperKeys = []string{"fields", "properties", "data"}

// Resolve walks the parsed segments against root. Map lookups are
// case-sensitive first with a case-insensitive fallback; recognized nested
// wrappers are unwrapped transparently. Index access on non-arrays is an
// error rather than a silent nil.
func Resolve(root interface{}, segs []Segment) (interface{}, error) {
	current := root
	for i, seg := range segs {
		var err error
		current, err = resolveSegment(current, seg)
		if err != nil {
			return nil, fmt.Errorf("at %q: %w", renderPath(segs[:i+1]), err)
		}
	}
	return current, nil
}

func resolveSegment(current interface{}, seg Segment) (interface{}, error) {
	if seg.Wildcard {
		arr, ok := current.([]interface{})
		if !ok {
			return nil, fmt.Errorf("wildcard on %s: %w", typeName(current), ErrNotFound)
		}
		return arr, nil
	}

	if seg.IsIndex {
		arr, ok := current.([]interface{})
		if !ok {
			return nil, fmt.Errorf("index [%d] on %s, expected array", seg.Index, typeName(current))
		}
		if seg.Index >= len(arr) {
			return nil, fmt.Errorf("index [%d] out of range (len %d): %w", seg.Index, len(arr), ErrNotFound)
		}
		return arr[seg.Index], nil
	}

	obj, ok := current.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("field %q on %s: %w", seg.Name, typeName(current), ErrNotFound)
	}

	if v, found := lookupKey(obj, seg.Name); found {
		return v, nil
	}

	// Unwrap recognized nested containers and retry.
	for _, wrapper := range wrapperKeys {
		if inner, found := lookupKey(obj, wrapper); found {
			if innerObj, ok := inner.(map[string]interface{}); ok {
				if v, found := lookupKey(innerObj, seg.Name); found {
					return v, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("field %q: %w", seg.Name, ErrNotFound)
}

// lookupKey performs a case-sensitive lookup with case-insensitive fallback.
// The second return distinguishes a present-but-null value from absence.
func lookupKey(obj map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := obj[key]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

func renderPath(segs []Segment) string {
	var b strings.Builder
	for i, s := range segs {
		if i > 0 && !s.IsIndex && !s.Wildcard {
			b.WriteByte('.')
		}
		b.WriteString(s.String())
	}
	return b.String()
}

func typeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64, float32:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
