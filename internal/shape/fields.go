package shape

import (
	"regexp"
	"strings"
)

// Reserved keys carrying origin metadata on plugin payloads. The action
// handler attaches them after a successful call; transforms consult them
// for authoritative shape decisions and strip them before hashing or
// returning user-visible data.
const (
	SourcePluginKey = "__pilot_source_plugin"
	SourceActionKey = "__pilot_source_action"
	OutputSchemaKey = "__pilot_output_schema"
)

// AttachSource annotates a payload object with its originating plugin call
// and declared output schema. No-op for non-object payloads.
func AttachSource(data interface{}, plugin, action string, outputSchema map[string]interface{}) {
	obj, ok := data.(map[string]interface{})
	if !ok {
		return
	}
	obj[SourcePluginKey] = plugin
	obj[SourceActionKey] = action
	if outputSchema != nil {
		obj[OutputSchemaKey] = outputSchema
	}
}

// StripSource removes origin metadata, returning the same object for
// chaining. Used before cache-key hashing and before emitting final output.
func StripSource(data interface{}) interface{} {
	obj, ok := data.(map[string]interface{})
	if !ok {
		return data
	}
	delete(obj, SourcePluginKey)
	delete(obj, SourceActionKey)
	delete(obj, OutputSchemaKey)
	return data
}

// IsReservedKey reports whether a field name carries origin metadata
// rather than payload data.
func IsReservedKey(name string) bool {
	return strings.HasPrefix(name, "__pilot_")
}

// Sanitize returns value with reserved keys removed at every depth.
// The input is never mutated; clean subtrees are returned as-is, so
// stored step outputs keep their metadata while the returned view is
// safe to expose.
func Sanitize(value interface{}) interface{} {
	out, _ := sanitize(value)
	return out
}

func sanitize(value interface{}) (interface{}, bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		changed := false
		for k, child := range v {
			if IsReservedKey(k) {
				changed = true
				continue
			}
			clean, childChanged := sanitize(child)
			changed = changed || childChanged
			out[k] = clean
		}
		if !changed {
			return v, false
		}
		return out, true
	case []interface{}:
		out := make([]interface{}, len(v))
		changed := false
		for i, child := range v {
			clean, childChanged := sanitize(child)
			changed = changed || childChanged
			out[i] = clean
		}
		if !changed {
			return v, false
		}
		return out, true
	default:
		return value, false
	}
}

// ArrayFieldFromSchema consults an attached output schema for the
// authoritative array field, instead of guessing by name heuristics.
func ArrayFieldFromSchema(obj map[string]interface{}) (string, bool) {
	schema, ok := obj[OutputSchemaKey].(map[string]interface{})
	if !ok {
		return "", false
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return "", false
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if prop["type"] == "array" && !metadataDenylist[strings.ToLower(name)] {
			if _, present := obj[name].([]interface{}); present {
				return name, true
			}
		}
	}
	return "", false
}

// parenthetical strips trailing hints like "Amount (USD)".
var parenthetical = regexp.MustCompile(`\s*\([^)]*\)\s*`)

// nonAlnum collapses everything that is not a letter or digit.
var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// FindFieldValue locates a field on item by progressively fuzzier matching:
// exact key, case-insensitive key, declared column mapping, normalized
// match (parentheticals stripped, non-alphanumerics collapsed), and
// finally word-overlap matching. The bool reports whether a field matched.
func FindFieldValue(item map[string]interface{}, field string, columnMapping map[string]string) (interface{}, bool) {
	if v, ok := item[field]; ok {
		return v, true
	}
	for k, v := range item {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	if columnMapping != nil {
		if mapped, ok := columnMapping[field]; ok {
			if v, found := FindFieldValue(item, mapped, nil); found {
				return v, true
			}
		}
	}

	want := normalizeFieldName(field)
	for k, v := range item {
		if normalizeFieldName(k) == want {
			return v, true
		}
	}

	wantWords := significantWords(field)
	if len(wantWords) > 0 {
		for k, v := range item {
			if wordOverlap(wantWords, significantWords(k)) >= 0.6 {
				return v, true
			}
		}
	}

	return nil, false
}

// ExtractValueByKey is FindFieldValue without a column mapping, applied to
// any value that can be treated as an object.
func ExtractValueByKey(item interface{}, key string) (interface{}, bool) {
	obj, ok := item.(map[string]interface{})
	if !ok {
		return nil, false
	}
	return FindFieldValue(obj, key, nil)
}

func normalizeFieldName(name string) string {
	lower := strings.ToLower(parenthetical.ReplaceAllString(name, " "))
	return strings.Trim(nonAlnum.ReplaceAllString(lower, ""), " ")
}

// significantWords returns the lowercase tokens of three or more characters.
func significantWords(name string) []string {
	lower := strings.ToLower(parenthetical.ReplaceAllString(name, " "))
	parts := nonAlnum.Split(lower, -1)
	var words []string
	for _, p := range parts {
		if len(p) >= 3 {
			words = append(words, p)
		}
	}
	return words
}

// wordOverlap reports the share of wanted words present in got.
func wordOverlap(want, got []string) float64 {
	if len(want) == 0 {
		return 0
	}
	set := make(map[string]bool, len(got))
	for _, w := range got {
		set[w] = true
	}
	matched := 0
	for _, w := range want {
		if set[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}
