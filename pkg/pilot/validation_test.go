package pilot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pilot/pkg/errors"
)

func validationInput() map[string]interface{} {
	return map[string]interface{}{
		"records": []interface{}{
			map[string]interface{}{"email": "ada@example.com", "age": float64(36)},
			map[string]interface{}{"email": "", "age": float64(12)},
			map[string]interface{}{"email": "lin@example.com", "age": float64(44)},
		},
	}
}

func TestHandleValidationFailMode(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", validationInput())
	step := &Step{
		ID: "check", Type: StepTypeValidation,
		Input: "{{inputs.records}}",
		Rules: []ValidationRule{
			{Field: "email", Operator: OpIsNotEmpty},
			{Field: "age", Operator: OpGreaterOrEqual, Value: float64(18), Message: "must be an adult"},
		},
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidationFailed, errors.Code(err))
	assert.Contains(t, err.Error(), "2 of 3 records failed validation")
}

func TestHandleValidationFilterMode(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", validationInput())
	step := &Step{
		ID: "check", Type: StepTypeValidation,
		Input:            "{{inputs.records}}",
		OnValidationFail: "filter",
		Rules: []ValidationRule{
			{Field: "email", Operator: OpIsNotEmpty},
			{Field: "age", Operator: OpGreaterOrEqual, Value: float64(18)},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, false, data["valid"])
	assert.Equal(t, 3, data["checked"])
	assert.Equal(t, 2, data["count"])
	assert.Equal(t, 1, data["removed"])

	items := data["items"].([]interface{})
	require.Len(t, items, 2)
	assert.Equal(t, "ada@example.com", items[0].(map[string]interface{})["email"])
	assert.Equal(t, "lin@example.com", items[1].(map[string]interface{})["email"])
}

func TestHandleValidationWarnMode(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", validationInput())
	step := &Step{
		ID: "check", Type: StepTypeValidation,
		Input:            "{{inputs.records}}",
		OnValidationFail: "warn",
		Rules: []ValidationRule{
			{Field: "email", Operator: OpIsNotEmpty},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	// All records pass through despite the violation.
	assert.Equal(t, 3, data["count"])
	assert.Equal(t, false, data["valid"])
	violations := data["violations"].([]interface{})
	require.Len(t, violations, 1)
	v := violations[0].(map[string]interface{})
	assert.Equal(t, 1, v["index"])
	assert.Equal(t, "email", v["field"])
}

func TestHandleValidationSchema(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{
		"record": map[string]interface{}{"name": 42},
	})
	step := &Step{
		ID: "check", Type: StepTypeValidation,
		Input: "{{inputs.record}}",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"name"},
		},
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidationFailed, errors.Code(err))
}

func TestHandleValidationSingleItemPasses(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{
		"record": map[string]interface{}{"email": "ada@example.com"},
	})
	step := &Step{
		ID: "check", Type: StepTypeValidation,
		Input: "{{inputs.record}}",
		Rules: []ValidationRule{
			{Field: "email", Operator: OpMatchesRegex, Value: `^[^@]+@[^@]+$`},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, 1, data["checked"])
}

func TestApplyRule(t *testing.T) {
	record := map[string]interface{}{
		"name":   "Ada",
		"age":    float64(36),
		"tags":   []interface{}{"vip", "active"},
		"nested": map[string]interface{}{"city": "Lisbon"},
	}

	tests := []struct {
		name string
		rule ValidationRule
		want bool
	}{
		{"exists", ValidationRule{Field: "name", Operator: OpExists}, true},
		{"not exists", ValidationRule{Field: "missing", Operator: OpNotExists}, true},
		{"equals", ValidationRule{Field: "name", Operator: OpEquals, Value: "Ada"}, true},
		{"not equals", ValidationRule{Field: "name", Operator: OpNotEquals, Value: "Lin"}, true},
		{"greater than", ValidationRule{Field: "age", Operator: OpGreaterThan, Value: float64(30)}, true},
		{"less than fails", ValidationRule{Field: "age", Operator: OpLessThan, Value: float64(30)}, false},
		{"contains", ValidationRule{Field: "tags", Operator: OpContains, Value: "vip"}, true},
		{"in", ValidationRule{Field: "name", Operator: OpIn, Value: []interface{}{"Ada", "Lin"}}, true},
		{"nested path", ValidationRule{Field: "nested.city", Operator: OpEquals, Value: "Lisbon"}, true},
		{"regex", ValidationRule{Field: "name", Operator: OpMatchesRegex, Value: "^A"}, true},
		{"missing field comparison fails", ValidationRule{Field: "missing", Operator: OpEquals, Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyRule(tt.rule, record)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyRuleUnknownOperator(t *testing.T) {
	_, err := applyRule(ValidationRule{Field: "name", Operator: "sounds_like"}, map[string]interface{}{"name": "x"})
	require.Error(t, err)
}
