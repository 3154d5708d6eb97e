package pilot

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tombee/pilot/pkg/errors"
)

// Definition is a parsed workflow: named, versioned, with a typed step
// graph and optional output mappings resolved when the run finishes.
type Definition struct {
	Name        string                 `yaml:"name" json:"name"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string                 `yaml:"version,omitempty" json:"version,omitempty"`
	Inputs      map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps       []Step                 `yaml:"steps" json:"steps"`
	Outputs     map[string]interface{} `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

var knownStepTypes = map[StepType]bool{
	StepTypeAction:        true,
	StepTypeLLMDecision:   true,
	StepTypeAIProcessing:  true,
	StepTypeTransform:     true,
	StepTypeConditional:   true,
	StepTypeSwitch:        true,
	StepTypeLoop:          true,
	StepTypeParallel:      true,
	StepTypeParallelGroup: true,
	StepTypeScatterGather: true,
	StepTypeEnrichment:    true,
	StepTypeValidation:    true,
	StepTypeComparison:    true,
	StepTypeExtraction:    true,
	StepTypeDelay:         true,
	StepTypeSubWorkflow:   true,
	StepTypeHumanApproval: true,
	StepTypeSummarize:     true,
	StepTypeExtract:       true,
	StepTypeGenerate:      true,
}

// ParseDefinition parses a YAML workflow definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate rejects malformed definitions: missing or duplicate ids,
// unknown step types, dangling dependencies, dependency cycles, and
// per-type shape problems the engine would otherwise hit mid-run.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{
			Field:   "name",
			Message: "workflow has no name",
		}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "workflow has no steps",
		}
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.ID == "" {
			return &errors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step %d has no id", i),
			}
		}
		if seen[step.ID] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: "duplicate step id " + step.ID,
			}
		}
		seen[step.ID] = true
		if !knownStepTypes[step.Type] {
			return &errors.ValidationError{
				Field:      "type",
				Message:    fmt.Sprintf("step %s has unknown type %q", step.ID, step.Type),
				Suggestion: "use one of the documented step types",
			}
		}
		if err := validateStepShape(step); err != nil {
			return err
		}
	}

	// buildPlan checks dangling dependencies and cycles.
	if _, err := buildPlan(d.Steps); err != nil {
		return err
	}
	return nil
}

// validateStepShape checks the type-specific required fields that would
// otherwise only fail at dispatch time.
func validateStepShape(step *Step) error {
	switch step.Type {
	case StepTypeAction:
		if step.Plugin == "" || step.Action == "" {
			return stepShapeError(step, "plugin", "action steps require plugin and action")
		}
	case StepTypeTransform:
		if step.Operation == "" {
			return stepShapeError(step, "operation", "transform steps require an operation")
		}
	case StepTypeConditional:
		if step.Condition == nil {
			return stepShapeError(step, "condition", "conditional steps require a condition")
		}
	case StepTypeSwitch:
		if step.Evaluate == "" {
			return stepShapeError(step, "evaluate", "switch steps require an evaluate expression")
		}
	case StepTypeLoop:
		if step.IterateOver == nil {
			return stepShapeError(step, "iterate_over", "loop steps require iterate_over")
		}
		if len(step.LoopSteps) == 0 {
			return stepShapeError(step, "loop_steps", "loop steps require a body")
		}
	case StepTypeParallel, StepTypeParallelGroup:
		if len(step.Steps) == 0 {
			return stepShapeError(step, "steps", "parallel steps require children")
		}
	case StepTypeScatterGather:
		if step.Scatter == nil || step.Scatter.Input == nil || len(step.Scatter.Steps) == 0 {
			return stepShapeError(step, "scatter", "scatter_gather requires scatter input and steps")
		}
		if step.Gather != nil && step.Gather.Operation == "reduce" && step.Gather.ReduceExpression == "" {
			return &errors.ValidationError{
				Field:      "gather.reduce_expression",
				Message:    fmt.Sprintf("step %s gathers with reduce but has no reduce_expression", step.ID),
				Suggestion: "provide a reduce_expression over acc and item",
			}
		}
	case StepTypeEnrichment:
		if len(step.Sources) == 0 {
			return stepShapeError(step, "sources", "enrichment steps require sources")
		}
	case StepTypeValidation:
		if step.Schema == nil && len(step.Rules) == 0 {
			return stepShapeError(step, "rules", "validation steps require a schema or rules")
		}
	case StepTypeComparison:
		if step.Left == nil || step.Right == nil {
			return stepShapeError(step, "left", "comparison steps require left and right")
		}
	case StepTypeDelay:
		if step.Duration <= 0 {
			return stepShapeError(step, "duration", "delay steps require a positive duration")
		}
	case StepTypeSubWorkflow:
		if step.WorkflowID == "" && len(step.WorkflowSteps) == 0 {
			return stepShapeError(step, "workflow_steps", "sub_workflow requires workflow_id or inline steps")
		}
	case StepTypeHumanApproval:
		if len(step.Approvers) == 0 {
			return stepShapeError(step, "approvers", "human_approval steps require approvers")
		}
	}
	return nil
}

func stepShapeError(step *Step, field, msg string) error {
	return &errors.ValidationError{
		Field:   field,
		Message: fmt.Sprintf("step %s: %s", step.ID, msg),
	}
}
