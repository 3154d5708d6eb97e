package pilot

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pilot/pkg/errors"
)

func TestRunLinearWorkflow(t *testing.T) {
	def := &Definition{
		Name: "linear",
		Steps: []Step{
			{ID: "seed", Type: StepTypeTransform, Operation: "set", Input: "{{inputs.records}}"},
			{
				ID: "count", Type: StepTypeTransform, Operation: "jq",
				Input:        "{{seed}}",
				Config:       map[string]interface{}{"query": "length"},
				Dependencies: []string{"seed"},
			},
		},
		Outputs: map[string]interface{}{"total": "{{count}}"},
	}
	inputs := map[string]interface{}{
		"records": []interface{}{
			map[string]interface{}{"id": "a"},
			map[string]interface{}{"id": "b"},
			map[string]interface{}{"id": "c"},
		},
	}

	e := NewEngine()
	result, err := e.Run(context.Background(), def, inputs, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []string{"count", "seed"}, result.CompletedSteps)
	assert.EqualValues(t, 3, result.Outputs["total"])
	assert.NotEmpty(t, result.ExecutionID)
}

func TestRunBranchDeactivation(t *testing.T) {
	def := &Definition{
		Name: "branching",
		Steps: []Step{
			{
				ID: "check", Type: StepTypeConditional,
				Condition:   &Condition{Field: "inputs.vip", Operator: OpEquals, Value: true},
				TrueBranch:  []string{"vip_path"},
				FalseBranch: []string{"standard_path"},
			},
			{ID: "vip_path", Type: StepTypeTransform, Operation: "set", Input: "vip", Dependencies: []string{"check"}},
			{ID: "standard_path", Type: StepTypeTransform, Operation: "set", Input: "standard", Dependencies: []string{"check"}},
			{ID: "join", Type: StepTypeTransform, Operation: "set", Input: "done", Dependencies: []string{"vip_path", "standard_path"}},
		},
	}

	e := NewEngine()
	result, err := e.Run(context.Background(), def, map[string]interface{}{"vip": true}, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Contains(t, result.CompletedSteps, "check")
	assert.Contains(t, result.CompletedSteps, "vip_path")
	// The join still runs: only one of its dependencies was deactivated.
	assert.Contains(t, result.CompletedSteps, "join")
	assert.Equal(t, []string{"standard_path"}, result.SkippedSteps)
}

func TestRunSwitchSelectsCase(t *testing.T) {
	def := &Definition{
		Name: "routing",
		Steps: []Step{
			{
				ID: "route", Type: StepTypeSwitch,
				Evaluate: "{{inputs.tier}}",
				Cases: map[string][]string{
					"gold":   {"gold_path"},
					"silver": {"silver_path"},
				},
				Default: []string{"default_path"},
			},
			{ID: "gold_path", Type: StepTypeTransform, Operation: "set", Input: "gold", Dependencies: []string{"route"}},
			{ID: "silver_path", Type: StepTypeTransform, Operation: "set", Input: "silver", Dependencies: []string{"route"}},
			{ID: "default_path", Type: StepTypeTransform, Operation: "set", Input: "default", Dependencies: []string{"route"}},
		},
	}

	e := NewEngine()
	result, err := e.Run(context.Background(), def, map[string]interface{}{"tier": "silver"}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.CompletedSteps, "silver_path")
	assert.Contains(t, result.SkippedSteps, "gold_path")
	assert.Contains(t, result.SkippedSteps, "default_path")
}

func TestRunFailureStopsDownstream(t *testing.T) {
	def := &Definition{
		Name: "failing",
		Steps: []Step{
			// No plugin runtime is configured, so this fails at dispatch.
			{ID: "boom", Type: StepTypeAction, Plugin: "crm", Action: "list"},
			{ID: "after", Type: StepTypeTransform, Operation: "set", Input: "unreached", Dependencies: []string{"boom"}},
		},
	}

	e := NewEngine()
	result, err := e.Run(context.Background(), def, nil, nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, "boom", result.FailedStep)
	assert.Equal(t, []string{"boom"}, result.FailedSteps)
	assert.NotContains(t, result.CompletedSteps, "after")
	assert.NotEmpty(t, result.ErrorStack)
}

func TestRunCancelledContext(t *testing.T) {
	def := &Definition{
		Name:  "cancelled",
		Steps: []Step{{ID: "seed", Type: StepTypeTransform, Operation: "set", Input: "x"}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEngine()
	result, err := e.Run(ctx, def, nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCancelled, errors.Code(err))
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Empty(t, result.CompletedSteps)
}

func TestRunConcurrentLevel(t *testing.T) {
	def := &Definition{
		Name: "fanout",
		Steps: []Step{
			{ID: "seed", Type: StepTypeTransform, Operation: "set", Input: "{{inputs.items}}"},
			{
				ID: "left", Type: StepTypeTransform, Operation: "jq",
				Input: "{{seed}}", Config: map[string]interface{}{"query": ".[0]"},
				Dependencies: []string{"seed"},
			},
			{
				ID: "right", Type: StepTypeTransform, Operation: "jq",
				Input: "{{seed}}", Config: map[string]interface{}{"query": ".[1]"},
				Dependencies: []string{"seed"},
			},
			{
				ID: "combine", Type: StepTypeEnrichment, Strategy: "collect",
				Sources: []EnrichmentSource{
					{Key: "first", From: "{{left}}"},
					{Key: "second", From: "{{right}}"},
				},
				Dependencies: []string{"left", "right"},
			},
		},
		Outputs: map[string]interface{}{"combined": "{{combine}}"},
	}
	inputs := map[string]interface{}{"items": []interface{}{"a", "b"}}

	e := NewEngine()
	result, err := e.Run(context.Background(), def, inputs, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"combine", "left", "right", "seed"}, result.CompletedSteps)

	combined, ok := result.Outputs["combined"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "a", combined["first"])
	assert.Equal(t, "b", combined["second"])
}

func TestRunRecordsExecutionSummary(t *testing.T) {
	store := newRecordingState()
	def := &Definition{
		Name:  "recorded",
		Steps: []Step{{ID: "seed", Type: StepTypeTransform, Operation: "set", Input: "x"}},
	}

	e := NewEngine(WithStateManager(store))
	result, err := e.Run(context.Background(), def, nil, &RunOptions{ExecutionID: "run-42"})
	require.NoError(t, err)
	assert.Equal(t, "run-42", result.ExecutionID)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.executions, 1)
	assert.Equal(t, "run-42", store.executions[0].ExecutionID)
	assert.Equal(t, StatusCompleted, store.executions[0].Status)
}

func TestRunCalibrationCollectsIssues(t *testing.T) {
	def := &Definition{
		Name: "calibrated",
		Steps: []Step{
			{
				ID: "bad_shape", Type: StepTypeTransform, Operation: "filter",
				Input:           map[string]interface{}{"not": "an array"},
				Config:          map[string]interface{}{"expression": "true"},
				ContinueOnError: true,
			},
			{ID: "seed", Type: StepTypeTransform, Operation: "set", Input: "x"},
		},
	}

	e := NewEngine()
	result, err := e.Run(context.Background(), def, nil, &RunOptions{Calibration: true})
	require.NoError(t, err)
	require.NotEmpty(t, result.CollectedIssues)
	assert.Equal(t, FailureDataShapeMismatch, result.CollectedIssues[0].Category)
	assert.Contains(t, result.CompletedSteps, "seed")
}

func TestRunOutputsExcludeOriginMetadata(t *testing.T) {
	plugins := &fakePlugins{
		exec: func(_ int, _, _ string, _ map[string]interface{}) (*PluginResult, error) {
			return &PluginResult{Success: true, Data: map[string]interface{}{"name": "Ada"}}, nil
		},
	}
	e := NewEngine(WithPluginRuntime(plugins))
	def := &Definition{
		Name: "export",
		Steps: []Step{
			{ID: "fetch", Type: StepTypeAction, Plugin: "crm", Action: "get_contact"},
		},
		Outputs: map[string]interface{}{"record": "{{fetch}}"},
	}

	result, err := e.Run(context.Background(), def, nil, nil)
	require.NoError(t, err)

	record, ok := result.Outputs["record"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Ada", record["name"])
	for k := range record {
		assert.False(t, strings.HasPrefix(k, "__"), k)
	}
}
