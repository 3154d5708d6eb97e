// Package schema provides JSON Schema validation for schema-constrained
// LLM outputs and validation steps. It supports a practical subset of
// Draft 7: type, properties, required, enum, items, ranges, patterns, and
// min/max items/length.
package schema

import (
	"fmt"
	"regexp"
)

// ValidationError describes a single schema violation with its location.
type ValidationError struct {
	// Path is the JSON path of the violating value (e.g. "$.items[0].name")
	Path string

	// Keyword is the schema keyword that failed (e.g. "type", "required")
	Keyword string

	// Message describes the violation
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s violation: %s", e.Path, e.Keyword, e.Message)
}

// Validator validates data against a JSON Schema and collects all
// violations rather than stopping at the first.
type Validator struct{}

// NewValidator creates a new schema validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks data against schema. Returns nil when valid, otherwise
// the first violation (use ValidateAll for the full list).
func (v *Validator) Validate(schema map[string]interface{}, data interface{}) error {
	errs := v.ValidateAll(schema, data)
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// ValidateAll returns every violation found.
func (v *Validator) ValidateAll(schema map[string]interface{}, data interface{}) []*ValidationError {
	var errs []*ValidationError
	v.validate(schema, data, "$", &errs)
	return errs
}

func (v *Validator) validate(schema map[string]interface{}, data interface{}, path string, errs *[]*ValidationError) {
	schemaType, _ := schema["type"].(string)
	if schemaType != "" {
		if !typeMatches(schemaType, data) {
			*errs = append(*errs, &ValidationError{
				Path:    path,
				Keyword: "type",
				Message: fmt.Sprintf("expected %s, got %s", schemaType, jsonTypeName(data)),
			})
			return
		}
	}

	if enum, ok := schema["enum"].([]interface{}); ok {
		matched := false
		for _, allowed := range enum {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", data) {
				matched = true
				break
			}
		}
		if !matched {
			*errs = append(*errs, &ValidationError{
				Path:    path,
				Keyword: "enum",
				Message: fmt.Sprintf("value %v not in allowed set", data),
			})
		}
	}

	switch d := data.(type) {
	case map[string]interface{}:
		v.validateObject(schema, d, path, errs)
	case []interface{}:
		v.validateArray(schema, d, path, errs)
	case string:
		v.validateString(schema, d, path, errs)
	case float64:
		v.validateNumber(schema, d, path, errs)
	case int:
		v.validateNumber(schema, float64(d), path, errs)
	case int64:
		v.validateNumber(schema, float64(d), path, errs)
	}
}

func (v *Validator) validateObject(schema map[string]interface{}, obj map[string]interface{}, path string, errs *[]*ValidationError) {
	if required, ok := schema["required"].([]interface{}); ok {
		for _, raw := range required {
			field, ok := raw.(string)
			if !ok {
				continue
			}
			if _, exists := obj[field]; !exists {
				*errs = append(*errs, &ValidationError{
					Path:    path,
					Keyword: "required",
					Message: fmt.Sprintf("missing required field %q", field),
				})
			}
		}
	}

	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return
	}
	for name, raw := range props {
		propSchema, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if value, exists := obj[name]; exists {
			v.validate(propSchema, value, path+"."+name, errs)
		}
	}
}

func (v *Validator) validateArray(schema map[string]interface{}, arr []interface{}, path string, errs *[]*ValidationError) {
	if minItems, ok := numberKeyword(schema, "minItems"); ok && float64(len(arr)) < minItems {
		*errs = append(*errs, &ValidationError{
			Path:    path,
			Keyword: "minItems",
			Message: fmt.Sprintf("expected at least %v items, got %d", minItems, len(arr)),
		})
	}
	if maxItems, ok := numberKeyword(schema, "maxItems"); ok && float64(len(arr)) > maxItems {
		*errs = append(*errs, &ValidationError{
			Path:    path,
			Keyword: "maxItems",
			Message: fmt.Sprintf("expected at most %v items, got %d", maxItems, len(arr)),
		})
	}
	items, ok := schema["items"].(map[string]interface{})
	if !ok {
		return
	}
	for i, item := range arr {
		v.validate(items, item, fmt.Sprintf("%s[%d]", path, i), errs)
	}
}

func (v *Validator) validateString(schema map[string]interface{}, s string, path string, errs *[]*ValidationError) {
	if minLen, ok := numberKeyword(schema, "minLength"); ok && float64(len(s)) < minLen {
		*errs = append(*errs, &ValidationError{
			Path:    path,
			Keyword: "minLength",
			Message: fmt.Sprintf("length %d below minimum %v", len(s), minLen),
		})
	}
	if maxLen, ok := numberKeyword(schema, "maxLength"); ok && float64(len(s)) > maxLen {
		*errs = append(*errs, &ValidationError{
			Path:    path,
			Keyword: "maxLength",
			Message: fmt.Sprintf("length %d above maximum %v", len(s), maxLen),
		})
	}
	if pattern, ok := schema["pattern"].(string); ok && pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			*errs = append(*errs, &ValidationError{
				Path:    path,
				Keyword: "pattern",
				Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
			})
		} else if !re.MatchString(s) {
			*errs = append(*errs, &ValidationError{
				Path:    path,
				Keyword: "pattern",
				Message: fmt.Sprintf("value does not match pattern %q", pattern),
			})
		}
	}
}

func (v *Validator) validateNumber(schema map[string]interface{}, n float64, path string, errs *[]*ValidationError) {
	if minimum, ok := numberKeyword(schema, "minimum"); ok && n < minimum {
		*errs = append(*errs, &ValidationError{
			Path:    path,
			Keyword: "minimum",
			Message: fmt.Sprintf("value %v below minimum %v", n, minimum),
		})
	}
	if maximum, ok := numberKeyword(schema, "maximum"); ok && n > maximum {
		*errs = append(*errs, &ValidationError{
			Path:    path,
			Keyword: "maximum",
			Message: fmt.Sprintf("value %v above maximum %v", n, maximum),
		})
	}
}

func typeMatches(schemaType string, data interface{}) bool {
	switch schemaType {
	case "object":
		_, ok := data.(map[string]interface{})
		return ok
	case "array":
		_, ok := data.([]interface{})
		return ok
	case "string":
		_, ok := data.(string)
		return ok
	case "boolean":
		_, ok := data.(bool)
		return ok
	case "number":
		switch data.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch n := data.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case "null":
		return data == nil
	default:
		return true
	}
}

func numberKeyword(schema map[string]interface{}, key string) (float64, bool) {
	switch n := schema[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func jsonTypeName(data interface{}) string {
	switch data.(type) {
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
	case float64, float32, int, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", data)
	}
}
