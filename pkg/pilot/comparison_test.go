package pilot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pilot/internal/shape"
)

func TestHandleComparisonEquals(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{
		"a": map[string]interface{}{"total": float64(10)},
		"b": map[string]interface{}{"total": float64(10)},
	})
	step := &Step{
		ID: "same", Type: StepTypeComparison,
		Left:  "{{inputs.a}}",
		Right: "{{inputs.b}}",
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, true, data["equal"])
}

func TestHandleComparisonEqualsDetailed(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{
		"a": map[string]interface{}{"total": float64(10), "name": "x"},
		"b": map[string]interface{}{"total": float64(12), "name": "x"},
	})
	step := &Step{
		ID: "diffed", Type: StepTypeComparison,
		Left:         "{{inputs.a}}",
		Right:        "{{inputs.b}}",
		OutputFormat: "detailed",
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, false, data["equal"])

	diffs := data["differences"].([]interface{})
	require.Len(t, diffs, 1)
	d := diffs[0].(map[string]interface{})
	assert.Equal(t, "total", d["path"])
	assert.Equal(t, float64(10), d["left"])
	assert.Equal(t, float64(12), d["right"])
}

func TestHandleComparisonDiffArrays(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{
		"before": []interface{}{
			map[string]interface{}{"id": "a"},
			map[string]interface{}{"id": "b"},
		},
		"after": []interface{}{
			map[string]interface{}{"id": "b"},
			map[string]interface{}{"id": "c"},
		},
	})
	step := &Step{
		ID: "drift", Type: StepTypeComparison,
		Operation: "diff",
		Left:      "{{inputs.before}}",
		Right:     "{{inputs.after}}",
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, true, data["changed"])
	assert.Equal(t, []interface{}{map[string]interface{}{"id": "a"}}, data["removed"])
	assert.Equal(t, []interface{}{map[string]interface{}{"id": "c"}}, data["added"])
	assert.Equal(t, []interface{}{map[string]interface{}{"id": "b"}}, data["unchanged"])
}

func TestHandleComparisonDiffObjects(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{
		"a": map[string]interface{}{"status": "open", "owner": "ada"},
		"b": map[string]interface{}{"status": "closed", "owner": "ada"},
	})
	step := &Step{
		ID: "drift", Type: StepTypeComparison,
		Operation: "diff",
		Left:      "{{inputs.a}}",
		Right:     "{{inputs.b}}",
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, true, data["changed"])
	diffs := data["differences"].([]interface{})
	require.Len(t, diffs, 1)
	assert.Equal(t, "status", diffs[0].(map[string]interface{})["path"])
}

func TestHandleComparisonIntersection(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{
		"a": []interface{}{"x", "y", "z"},
		"b": []interface{}{"y", "z", "w"},
	})
	step := &Step{
		ID: "shared", Type: StepTypeComparison,
		Operation: "intersection",
		Left:      "{{inputs.a}}",
		Right:     "{{inputs.b}}",
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, []interface{}{"y", "z"}, data["items"])
	assert.Equal(t, 2, data["count"])
}

func TestHandleComparisonIntersectionNonArrays(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{"a": "scalar", "b": []interface{}{1}})
	step := &Step{
		ID: "shared", Type: StepTypeComparison,
		Operation: "intersection",
		Left:      "{{inputs.a}}",
		Right:     "{{inputs.b}}",
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, 0, data["count"])
	assert.Empty(t, data["items"])
}

func TestHandleComparisonUnknownOperation(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{"a": 1, "b": 2})
	step := &Step{
		ID: "bad", Type: StepTypeComparison,
		Operation: "distance",
		Left:      "{{inputs.a}}",
		Right:     "{{inputs.b}}",
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown comparison operation")
}

func TestSplitSetsUsesIDKey(t *testing.T) {
	left := []interface{}{
		map[string]interface{}{"id": "1", "name": "old"},
	}
	right := []interface{}{
		map[string]interface{}{"id": "1", "name": "new"},
	}
	onlyLeft, onlyRight, both := splitSets(left, right)
	// Membership is keyed by id, so renamed rows still count as common.
	assert.Empty(t, onlyLeft)
	assert.Empty(t, onlyRight)
	require.Len(t, both, 1)
}

func TestHandleComparisonIgnoresOriginMetadata(t *testing.T) {
	left := map[string]interface{}{"total": float64(10)}
	shape.AttachSource(left, "sheets", "read_range", nil)
	e := NewEngine()
	ec := NewExecutionContext("ex1", map[string]interface{}{
		"a": left,
		"b": map[string]interface{}{"total": float64(10)},
	})
	step := &Step{
		ID: "same", Type: StepTypeComparison,
		Left:         "{{inputs.a}}",
		Right:        "{{inputs.b}}",
		OutputFormat: "detailed",
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, true, data["equal"])
	assert.NotContains(t, data, "differences")
}
