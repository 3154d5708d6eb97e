package expression

import (
	"fmt"
	"strings"
)

// builtins are helper functions exposed to every expression.
// Note: "contains" is a reserved string operator in expr, so collection
// membership uses "has" and its alias "includes".
var builtins = map[string]interface{}{
	"has":      containsFunc,
	"includes": containsFunc,
	"length":   lenFunc,
	"lower":    strings.ToLower,
	"upper":    strings.ToUpper,
	"trim":     strings.TrimSpace,
}

// containsFunc reports whether a collection or string contains the value.
func containsFunc(collection interface{}, value interface{}) bool {
	switch c := collection.(type) {
	case nil:
		return false
	case string:
		s, ok := value.(string)
		return ok && strings.Contains(c, s)
	case []interface{}:
		for _, item := range c {
			if fmt.Sprintf("%v", item) == fmt.Sprintf("%v", value) {
				return true
			}
		}
		return false
	case []string:
		s, ok := value.(string)
		if !ok {
			return false
		}
		for _, item := range c {
			if item == s {
				return true
			}
		}
		return false
	case map[string]interface{}:
		s, ok := value.(string)
		if !ok {
			return false
		}
		_, present := c[s]
		return present
	default:
		return false
	}
}

// lenFunc returns the length of a string, array, or map; 0 for anything else.
func lenFunc(v interface{}) int {
	switch c := v.(type) {
	case nil:
		return 0
	case string:
		return len(c)
	case []interface{}:
		return len(c)
	case []string:
		return len(c)
	case map[string]interface{}:
		return len(c)
	default:
		return 0
	}
}
