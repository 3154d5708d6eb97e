package pilot

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// WorkflowLoader resolves a workflow id to its step list for
// sub_workflow steps that reference a stored workflow instead of
// inlining one.
type WorkflowLoader interface {
	LoadWorkflow(ctx context.Context, workflowID string) ([]Step, error)
}

// WithWorkflowLoader wires stored-workflow resolution for sub_workflow
// steps.
func WithWorkflowLoader(l WorkflowLoader) Option {
	return func(e *Engine) { e.workflows = l }
}

// handleSubWorkflow runs a nested workflow in its own context. Inputs
// are resolved against the parent before the child starts; the child
// sees them as its input values. inherit_context additionally carries
// the parent's step outputs and variables into the child. Child token
// usage is returned so the parent accounts for it.
func (e *Engine) handleSubWorkflow(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, *TokenUsage, error) {
	steps := step.WorkflowSteps
	if len(steps) == 0 && step.WorkflowID != "" {
		if e.workflows == nil {
			return nil, nil, &errors.ConfigError{
				Key:    "workflows",
				Reason: "sub_workflow references workflow_id but no workflow loader is configured",
			}
		}
		loaded, err := e.workflows.LoadWorkflow(ctx, step.WorkflowID)
		if err != nil {
			return nil, nil, fmt.Errorf("loading workflow %s: %w", step.WorkflowID, err)
		}
		steps = loaded
	}
	if len(steps) == 0 {
		return nil, nil, &errors.ValidationError{
			Field:      "workflow_steps",
			Message:    "sub_workflow has no steps",
			Suggestion: "inline workflow_steps or reference a workflow_id",
		}
	}

	inputs := make(map[string]interface{}, len(step.Inputs))
	for k, v := range step.Inputs {
		resolved, err := e.resolver.ResolveAllVariables(v, ec, scope)
		if err != nil {
			return nil, nil, err
		}
		inputs[k] = resolved
	}

	child := e.childContext(step, ec, inputs)

	result, runErr := e.runBody(ctx, steps, child, nil)
	tokens := &TokenUsage{Total: int(child.TotalTokensUsed())}

	if runErr != nil {
		if step.OnError == "continue" {
			e.logger.Warn("sub-workflow failed, continuing per on_error",
				"stepId", step.ID, "error", runErr)
			return map[string]interface{}{
				"success": false,
				"error":   runErr.Error(),
			}, tokens, nil
		}
		return nil, tokens, runErr
	}

	output := map[string]interface{}{
		"success": true,
		"result":  result,
	}
	if len(step.OutputMapping) > 0 {
		mapped, err := e.mapChildOutputs(step, child)
		if err != nil {
			return nil, tokens, err
		}
		for k, v := range mapped {
			output[k] = v
		}
	}
	return output, tokens, nil
}

// childContext builds the nested execution context. The child always
// gets its own id and the resolved inputs; inherit_context carries the
// parent's outputs and variables too, with metrics zeroed so the
// parent's totals are not double counted on return.
func (e *Engine) childContext(step *Step, ec *ExecutionContext, inputs map[string]interface{}) *ExecutionContext {
	if step.InheritContext {
		child := ec.Clone(true)
		child.ExecutionID = uuid.NewString()
		merged := make(map[string]interface{}, len(ec.InputValues)+len(inputs))
		for k, v := range ec.InputValues {
			merged[k] = v
		}
		for k, v := range inputs {
			merged[k] = v
		}
		child.InputValues = merged
		return child
	}
	child := NewExecutionContext(uuid.NewString(), inputs)
	child.AgentID = ec.AgentID
	child.UserID = ec.UserID
	child.SessionID = ec.SessionID
	child.Agent = ec.Agent
	return child
}

// mapChildOutputs resolves the output_mapping references against the
// finished child context.
func (e *Engine) mapChildOutputs(step *Step, child *ExecutionContext) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(step.OutputMapping))
	for key, ref := range step.OutputMapping {
		val, err := e.resolver.ResolveAllVariables(ref, child, nil)
		if err != nil {
			return nil, &errors.VariableResolutionError{
				Ref:    ref,
				StepID: step.ID,
				Reason: "output mapping did not resolve against the sub-workflow",
			}
		}
		out[key] = shape.Sanitize(val)
	}
	return out, nil
}
