package pilot

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleSubWorkflowInlineSteps(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("parent", map[string]interface{}{"region": "emea"})
	step := &Step{
		ID: "nested", Type: StepTypeSubWorkflow,
		Inputs: map[string]interface{}{"scope": "{{inputs.region}}"},
		WorkflowSteps: []Step{
			{ID: "echo", Type: StepTypeTransform, Operation: "set", Input: "{{inputs.scope}}"},
		},
		OutputMapping: map[string]string{"resolved_scope": "{{echo}}"},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)

	data := out.Data.(map[string]interface{})
	assert.Equal(t, true, data["success"])
	assert.Equal(t, "emea", data["result"])
	assert.Equal(t, "emea", data["resolved_scope"])

	// Child steps never leak into the parent namespace.
	_, leaked := ec.GetStepOutput("echo")
	assert.False(t, leaked)
}

func TestHandleSubWorkflowInheritContext(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("parent", map[string]interface{}{"region": "emea"})
	ec.SetStepOutput("fetch", &StepOutput{
		StepID:   "fetch",
		Data:     map[string]interface{}{"total": 3},
		Metadata: OutputMetadata{Success: true},
	})
	step := &Step{
		ID: "nested", Type: StepTypeSubWorkflow,
		InheritContext: true,
		Inputs:         map[string]interface{}{"extra": "child-only"},
		WorkflowSteps: []Step{
			{ID: "combine", Type: StepTypeTransform, Operation: "set", Input: map[string]interface{}{
				"from_parent_step":  "{{fetch.total}}",
				"from_parent_input": "{{inputs.region}}",
				"from_child_input":  "{{inputs.extra}}",
			}},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)

	result := out.Data.(map[string]interface{})["result"].(map[string]interface{})
	assert.Equal(t, 3, result["from_parent_step"])
	assert.Equal(t, "emea", result["from_parent_input"])
	assert.Equal(t, "child-only", result["from_child_input"])

	// Child-only inputs never land on the parent.
	_, present := ec.InputValues["extra"]
	assert.False(t, present)
}

func TestHandleSubWorkflowIsolatedByDefault(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("parent", map[string]interface{}{"region": "emea"})
	ec.SetStepOutput("fetch", &StepOutput{
		StepID:   "fetch",
		Data:     map[string]interface{}{"total": 3},
		Metadata: OutputMetadata{Success: true},
	})
	step := &Step{
		ID: "nested", Type: StepTypeSubWorkflow,
		WorkflowSteps: []Step{
			{ID: "peek", Type: StepTypeTransform, Operation: "set", Input: "{{fetch.total}}"},
		},
	}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	// Without inherit_context the parent's outputs are invisible.
	require.Error(t, err)
}

func TestHandleSubWorkflowLoader(t *testing.T) {
	loader := &fakeLoader{steps: map[string][]Step{
		"wf-1": {{ID: "echo", Type: StepTypeTransform, Operation: "set", Input: "{{inputs.v}}"}},
	}}
	e := NewEngine(WithWorkflowLoader(loader))
	ec := NewExecutionContext("parent", nil)
	step := &Step{
		ID: "nested", Type: StepTypeSubWorkflow,
		WorkflowID: "wf-1",
		Inputs:     map[string]interface{}{"v": "loaded"},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	assert.Equal(t, "loaded", out.Data.(map[string]interface{})["result"])
	assert.Equal(t, []string{"wf-1"}, loader.loaded)
}

func TestHandleSubWorkflowLoaderMissing(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("parent", nil)
	step := &Step{ID: "nested", Type: StepTypeSubWorkflow, WorkflowID: "wf-1"}

	_, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no workflow loader")
}

func TestHandleSubWorkflowOnErrorContinue(t *testing.T) {
	e := NewEngine()
	ec := NewExecutionContext("parent", nil)
	step := &Step{
		ID: "nested", Type: StepTypeSubWorkflow,
		OnError: "continue",
		WorkflowSteps: []Step{
			// Fails: no plugin runtime configured.
			{ID: "boom", Type: StepTypeAction, Plugin: "crm", Action: "list"},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	data := out.Data.(map[string]interface{})
	assert.Equal(t, false, data["success"])
	assert.Contains(t, data["error"], "no plugin runtime")
}

func TestHandleSubWorkflowTokenAccounting(t *testing.T) {
	llm := &fakeLLM{}
	e := NewEngine(WithLLMRuntime(llm))
	ec := NewExecutionContext("parent", nil)
	step := &Step{
		ID: "nested", Type: StepTypeSubWorkflow,
		WorkflowSteps: []Step{
			{ID: "decide", Type: StepTypeLLMDecision, Prompt: "go"},
		},
	}

	out, err := e.ExecuteStep(context.Background(), step, ec, nil)
	require.NoError(t, err)
	require.NotNil(t, out.Metadata.TokensUsed)
	assert.Equal(t, 100, out.Metadata.TokensUsed.Total)
	assert.Equal(t, int64(100), ec.TotalTokensUsed())
}

type fakeLoader struct {
	steps  map[string][]Step
	loaded []string
}

func (f *fakeLoader) LoadWorkflow(_ context.Context, workflowID string) ([]Step, error) {
	f.loaded = append(f.loaded, workflowID)
	steps, ok := f.steps[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	return steps, nil
}
