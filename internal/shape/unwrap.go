// Package shape reconciles the heterogeneous payload shapes returned by
// connector plugins. It discovers the primary collection inside wrapped
// responses and matches field names fuzzily, so transforms work across
// many connectors without hardcoding plugin names.
package shape

import (
	"regexp"
	"sort"
	"strings"
)

// metadataDenylist holds field names that never carry primary data:
// pagination, status flags, and residue attached by earlier transforms.
var metadataDenylist = map[string]bool{
	// pagination
	"count": true, "total": true, "offset": true, "limit": true,
	"cursor": true, "next_page": true, "next_page_token": true,
	"page": true, "page_size": true, "has_more": true, "total_count": true,
	"total_found": true, "next_cursor": true, "prev_cursor": true,
	// status / envelope
	"success": true, "error": true, "errors": true, "meta": true,
	"metadata": true, "status": true, "message": true, "warnings": true,
	// transform residue
	"removed": true, "originalcount": true, "original_count": true,
	"filtered": true, "keys": true, "headers": true,
}

// primaryDataName matches generic collection field names that connectors
// use for their main payload.
var primaryDataName = regexp.MustCompile(`^(items|results|records|entries|list|rows|values|objects|entities|resources|elements|content|response)$`)

// UnwrapArray extracts the primary collection from a connector payload.
// Arrays pass through unchanged. For objects it recurses into a nested
// "data" envelope, then selects among array fields by priority:
// generic primary-data names, then pluralized nouns (longest name wins),
// then the largest non-empty array, then the first found.
// Returns nil when no collection can be discovered.
func UnwrapArray(value interface{}) []interface{} {
	return unwrapArray(value, 0)
}

func unwrapArray(value interface{}, depth int) []interface{} {
	// Bound recursion through nested data envelopes.
	if depth > 5 {
		return nil
	}

	switch v := value.(type) {
	case []interface{}:
		return v
	case map[string]interface{}:
		// Schema hint takes precedence over heuristics.
		if field, ok := ArrayFieldFromSchema(v); ok {
			if arr, ok := v[field].([]interface{}); ok {
				return arr
			}
		}

		if inner, ok := v["data"]; ok {
			if arr := unwrapArray(inner, depth+1); arr != nil {
				return arr
			}
		}
		if field := PrimaryArrayField(v); field != "" {
			return v[field].([]interface{})
		}
		// No arrays at all: unwrap a single non-denied nested object.
		if inner := singleNestedObject(v); inner != nil {
			return unwrapArray(inner, depth+1)
		}
		return nil
	default:
		return nil
	}
}

// PrimaryArrayField returns the name of the field holding the primary
// collection of obj, or "" when obj has no candidate array fields.
func PrimaryArrayField(obj map[string]interface{}) string {
	type candidate struct {
		name string
		arr  []interface{}
	}
	var candidates []candidate
	for name, v := range obj {
		if metadataDenylist[strings.ToLower(name)] {
			continue
		}
		if arr, ok := v.([]interface{}); ok {
			candidates = append(candidates, candidate{name, arr})
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	// Deterministic ordering before priority rules.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].name < candidates[j].name })

	for _, c := range candidates {
		if primaryDataName.MatchString(strings.ToLower(c.name)) {
			return c.name
		}
	}

	var plurals []candidate
	for _, c := range candidates {
		if isPluralNoun(c.name) {
			plurals = append(plurals, c)
		}
	}
	if len(plurals) > 0 {
		best := plurals[0]
		for _, c := range plurals[1:] {
			if len(c.name) > len(best.name) {
				best = c
			}
		}
		return best.name
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if len(c.arr) > len(best.arr) {
			best = c
		}
	}
	if len(best.arr) > 0 {
		return best.name
	}
	return candidates[0].name
}

// singleNestedObject returns the sole non-denied nested object of obj,
// or nil when there are zero or several.
func singleNestedObject(obj map[string]interface{}) map[string]interface{} {
	var found map[string]interface{}
	for name, v := range obj {
		if metadataDenylist[strings.ToLower(name)] {
			continue
		}
		if inner, ok := v.(map[string]interface{}); ok {
			if found != nil {
				return nil
			}
			found = inner
		}
	}
	return found
}

// isPluralNoun is a cheap pluralization heuristic: lowercase-ish word
// ending in "s" but not "ss" or "status"-like names.
func isPluralNoun(name string) bool {
	lower := strings.ToLower(name)
	if len(lower) < 3 {
		return false
	}
	if !strings.HasSuffix(lower, "s") || strings.HasSuffix(lower, "ss") {
		return false
	}
	return true
}
