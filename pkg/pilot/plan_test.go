package pilot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPlanLevels(t *testing.T) {
	steps := []Step{
		{ID: "a", Type: StepTypeTransform, Operation: "set"},
		{ID: "b", Type: StepTypeTransform, Operation: "set", Dependencies: []string{"a"}},
		{ID: "c", Type: StepTypeTransform, Operation: "set", Dependencies: []string{"a"}},
		{ID: "d", Type: StepTypeTransform, Operation: "set", Dependencies: []string{"b", "c"}},
	}

	levels, err := buildPlan(steps)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0}, {1, 2}, {3}}, levels)
}

func TestBuildPlanIndependentStepsShareLevel(t *testing.T) {
	steps := []Step{
		{ID: "x", Type: StepTypeTransform, Operation: "set"},
		{ID: "y", Type: StepTypeTransform, Operation: "set"},
		{ID: "z", Type: StepTypeTransform, Operation: "set"},
	}

	levels, err := buildPlan(steps)
	require.NoError(t, err)
	require.Len(t, levels, 1)
	assert.Equal(t, []int{0, 1, 2}, levels[0])
}

func TestBuildPlanUnknownDependency(t *testing.T) {
	steps := []Step{
		{ID: "a", Type: StepTypeTransform, Operation: "set", Dependencies: []string{"ghost"}},
	}

	_, err := buildPlan(steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuildPlanCycle(t *testing.T) {
	steps := []Step{
		{ID: "a", Type: StepTypeTransform, Operation: "set", Dependencies: []string{"c"}},
		{ID: "b", Type: StepTypeTransform, Operation: "set", Dependencies: []string{"a"}},
		{ID: "c", Type: StepTypeTransform, Operation: "set", Dependencies: []string{"b"}},
	}

	_, err := buildPlan(steps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a")
}
