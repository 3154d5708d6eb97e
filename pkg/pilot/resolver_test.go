package pilot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pilot/pkg/errors"
)

func resolverFixture(t *testing.T) (*Resolver, *ExecutionContext) {
	t.Helper()
	ec := NewExecutionContext("exec-1", map[string]interface{}{
		"query": "quarterly report",
		"limit": float64(5),
	})
	ec.SetStepOutput("step1", &StepOutput{
		StepID: "step1",
		Plugin: "sheets",
		Action: "read_range",
		Data: map[string]interface{}{
			"row": map[string]interface{}{
				"Sales Person": "Alice",
				"amount":       float64(120),
			},
			"items": []interface{}{
				map[string]interface{}{"id": "a"},
				map[string]interface{}{"id": "b"},
			},
		},
		Metadata: OutputMetadata{Success: true},
	})
	ec.SetVariable("region", "emea")
	return NewResolver(nil), ec
}

func TestResolveVariable_QuotedKeyAndAutoData(t *testing.T) {
	r, ec := resolverFixture(t)

	// Explicit .data path.
	v, err := r.ResolveVariable("step1.data.row['Sales Person']", ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "Alice", v)

	// Same path without .data auto-navigates.
	v, err = r.ResolveVariable("step1.row['Sales Person']", ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "Alice", v)
}

func TestResolveVariable_Namespaces(t *testing.T) {
	r, ec := resolverFixture(t)

	v, err := r.ResolveVariable("input.query", ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "quarterly report", v)

	v, err = r.ResolveVariable("var.region", ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "emea", v)

	// Registered variables resolve without the var prefix too.
	v, err = r.ResolveVariable("region", ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "emea", v)

	v, err = r.ResolveVariable("step1.metadata.success", ec, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = r.ResolveVariable("step1.items[1].id", ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestResolveVariable_ItemScope(t *testing.T) {
	r, ec := resolverFixture(t)

	_, err := r.ResolveVariable("item.id", ec, nil)
	var vre *errors.VariableResolutionError
	require.ErrorAs(t, err, &vre)
	assert.Contains(t, vre.Reason, "scatter-gather or loop")

	scope := &Scope{
		Item:     map[string]interface{}{"id": float64(7)},
		HasItem:  true,
		ItemName: "email",
	}
	v, err := r.ResolveVariable("item.id", ec, scope)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)

	v, err = r.ResolveVariable("email.id", ec, scope)
	require.NoError(t, err)
	assert.Equal(t, float64(7), v)
}

func TestResolveVariable_MissingIsError(t *testing.T) {
	r, ec := resolverFixture(t)
	_, err := r.ResolveVariable("step9.data.x", ec, nil)
	var vre *errors.VariableResolutionError
	require.ErrorAs(t, err, &vre)
	assert.Equal(t, errors.CodeVariableResolution, errors.Code(err))
}

func TestResolveAllVariables(t *testing.T) {
	r, ec := resolverFixture(t)

	// Exact single reference is type-preserving.
	v, err := r.ResolveAllVariables("{{step1.items}}", ec, nil)
	require.NoError(t, err)
	items, ok := v.([]interface{})
	require.True(t, ok)
	assert.Len(t, items, 2)

	// Inline references are stringified; composites as JSON.
	v, err = r.ResolveAllVariables("found {{input.limit}} for {{input.query}}", ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "found 5 for quarterly report", v)

	v, err = r.ResolveAllVariables(map[string]interface{}{
		"spreadsheet": "{{step1.row['Sales Person']}}",
		"nested":      []interface{}{"{{var.region}}", "static"},
	}, ec, nil)
	require.NoError(t, err)
	m := v.(map[string]interface{})
	assert.Equal(t, "Alice", m["spreadsheet"])
	assert.Equal(t, []interface{}{"emea", "static"}, m["nested"])
}

func TestResolveExpression(t *testing.T) {
	r, ec := resolverFixture(t)

	// JSON-shaped literal parses structurally.
	v, err := r.ResolveExpression(`["{{step1.items[0].id}}"]`, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a"}, v)

	// Null reference before an array method becomes [].
	ec.SetVariable("maybe", nil)
	v, err = r.ResolveExpression(`{{var.maybe}}.includes("x")`, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}
