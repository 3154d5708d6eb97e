package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func objSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"category", "confidence"},
		"properties": map[string]interface{}{
			"category": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"urgent", "normal", "low"},
			},
			"confidence": map[string]interface{}{
				"type":    "number",
				"minimum": 0,
				"maximum": 1,
			},
			"tags": map[string]interface{}{
				"type":     "array",
				"maxItems": 3,
				"items":    map[string]interface{}{"type": "string"},
			},
		},
	}
}

func TestValidator_Valid(t *testing.T) {
	v := NewValidator()
	err := v.Validate(objSchema(), map[string]interface{}{
		"category":   "urgent",
		"confidence": 0.9,
		"tags":       []interface{}{"a", "b"},
	})
	assert.NoError(t, err)
}

func TestValidator_Violations(t *testing.T) {
	v := NewValidator()
	errs := v.ValidateAll(objSchema(), map[string]interface{}{
		"category":   "bogus",
		"confidence": 1.5,
		"tags":       []interface{}{"a", "b", "c", "d"},
	})
	require.Len(t, errs, 3)

	keywords := make(map[string]bool)
	for _, e := range errs {
		keywords[e.Keyword] = true
	}
	assert.True(t, keywords["enum"])
	assert.True(t, keywords["maximum"])
	assert.True(t, keywords["maxItems"])
}

func TestValidator_MissingRequired(t *testing.T) {
	v := NewValidator()
	err := v.Validate(objSchema(), map[string]interface{}{"category": "low"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "confidence")
}

func TestValidator_TypeMismatchShortCircuits(t *testing.T) {
	v := NewValidator()
	errs := v.ValidateAll(map[string]interface{}{"type": "object"}, "not an object")
	require.Len(t, errs, 1)
	assert.Equal(t, "type", errs[0].Keyword)
}

func TestValidator_IntegerAcceptsWholeFloat(t *testing.T) {
	v := NewValidator()
	schema := map[string]interface{}{"type": "integer"}
	assert.NoError(t, v.Validate(schema, float64(3)))
	assert.Error(t, v.Validate(schema, float64(3.5)))
}

func TestValidator_Pattern(t *testing.T) {
	v := NewValidator()
	schema := map[string]interface{}{"type": "string", "pattern": "^[a-z]+$"}
	assert.NoError(t, v.Validate(schema, "abc"))
	assert.Error(t, v.Validate(schema, "ABC"))
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"direct", `{"a": 1}`},
		{"fenced", "Here you go:\n```json\n{\"a\": 1}\n```\nDone."},
		{"embedded", `The answer is {"a": 1} as requested.`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.response)
			require.NoError(t, err)
			assert.Equal(t, map[string]interface{}{"a": float64(1)}, got)
		})
	}

	t.Run("array span", func(t *testing.T) {
		got, err := ExtractJSON(`Results: [1, 2, 3]`)
		require.NoError(t, err)
		assert.Equal(t, []interface{}{float64(1), float64(2), float64(3)}, got)
	})

	t.Run("braces inside strings do not break balancing", func(t *testing.T) {
		got, err := ExtractJSON(`prefix {"a": "b}c"} suffix`)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"a": "b}c"}, got)
	})

	t.Run("no JSON", func(t *testing.T) {
		_, err := ExtractJSON("plain prose only")
		assert.Error(t, err)
	})
}

func TestBuildPromptWithSchema_RetryHint(t *testing.T) {
	prompt := BuildPromptWithSchema("Classify this.", objSchema(), 1, []*ValidationError{
		{Path: "$.category", Keyword: "enum", Message: "value bogus not in allowed set"},
		{Path: "$.confidence", Keyword: "maximum", Message: "value 1.5 above maximum 1"},
		{Path: "$.tags", Keyword: "maxItems", Message: "too many"},
		{Path: "$.extra", Keyword: "type", Message: "should be truncated"},
	})
	assert.Contains(t, prompt, "Classify this.")
	assert.Contains(t, prompt, "did not validate")
	assert.Contains(t, prompt, "$.category")
	assert.NotContains(t, prompt, "$.extra", "only first three errors are enumerated")
}
