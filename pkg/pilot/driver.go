package pilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// RunOptions carries caller identity and run-mode settings for one
// execution.
type RunOptions struct {
	ExecutionID   string
	AgentID       string
	UserID        string
	SessionID     string
	Agent         AgentConfig
	MemoryContext string
	Orchestrator  Orchestrator

	// Calibration collects and classifies errors instead of failing fast
	Calibration bool
}

// Run executes a workflow definition to completion: the plan is walked
// level by level, independent steps within a level run concurrently on
// context clones merged back in declaration order, and branch steps
// deactivate the paths not taken. The result summarizes the run either
// way; the error is non-nil when the run failed.
func (e *Engine) Run(ctx context.Context, def *Definition, inputs map[string]interface{}, opts *RunOptions) (*ExecutionResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	levels, err := buildPlan(def.Steps)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &RunOptions{}
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	ec := NewExecutionContext(executionID, inputs)
	ec.AgentID = opts.AgentID
	ec.UserID = opts.UserID
	ec.SessionID = opts.SessionID
	ec.Agent = opts.Agent
	ec.MemoryContext = opts.MemoryContext
	ec.Orchestrator = opts.Orchestrator
	ec.BatchCalibrationMode = opts.Calibration

	started := time.Now()
	e.logger.Info("workflow started",
		"executionId", executionID, "workflow", def.Name, "steps", len(def.Steps))

	deactivated := make(map[string]bool)
	var runErr error
	var failedStep string

levelLoop:
	for _, level := range levels {
		if ctx.Err() != nil {
			ec.MarkCancelled()
			runErr = &errors.WorkflowError{
				Code:    errors.CodeCancelled,
				Message: "execution cancelled",
				Cause:   ctx.Err(),
			}
			break
		}

		runnable := make([]*Step, 0, len(level))
		for _, idx := range level {
			step := &def.Steps[idx]
			if e.branchSkipped(step, ec, deactivated) {
				out := skippedOutput(step, "branch_not_taken")
				ec.SetStepOutput(step.ID, out)
				e.recordStep(ctx, step, ec, out)
				deactivated[step.ID] = true
				continue
			}
			runnable = append(runnable, step)
		}

		switch len(runnable) {
		case 0:
			continue
		case 1:
			step := runnable[0]
			out, err := e.ExecuteStep(ctx, step, ec, nil)
			applyBranchOutcome(out, deactivated)
			if err != nil {
				runErr, failedStep = err, step.ID
				break levelLoop
			}
		default:
			if stepID, err := e.runLevel(ctx, runnable, ec, deactivated); err != nil {
				runErr, failedStep = err, stepID
				break levelLoop
			}
		}
	}

	return e.finishRun(ctx, def, ec, started, runErr, failedStep)
}

// runLevel executes one plan level's independent steps concurrently.
// Each step runs on a metrics-reset clone; clones merge back in
// declaration order so the final context state is deterministic.
func (e *Engine) runLevel(ctx context.Context, steps []*Step, ec *ExecutionContext, deactivated map[string]bool) (string, error) {
	clones := make([]*ExecutionContext, len(steps))
	outs := make([]*StepOutput, len(steps))
	errs := make([]error, len(steps))

	var wg sync.WaitGroup
	for i, step := range steps {
		clones[i] = ec.Clone(true)
		wg.Add(1)
		go func(i int, step *Step) {
			defer wg.Done()
			outs[i], errs[i] = e.ExecuteStep(ctx, step, clones[i], nil)
		}(i, step)
	}
	wg.Wait()

	for i, step := range steps {
		ec.Merge(clones[i])
		applyBranchOutcome(outs[i], deactivated)
		if errs[i] != nil {
			return step.ID, errs[i]
		}
	}
	return "", nil
}

// branchSkipped reports whether a step sits on a path a conditional or
// switch did not take: either it was deactivated directly, or every one
// of its dependencies was branch-skipped.
func (e *Engine) branchSkipped(step *Step, ec *ExecutionContext, deactivated map[string]bool) bool {
	if deactivated[step.ID] {
		return true
	}
	if len(step.Dependencies) == 0 {
		return false
	}
	for _, dep := range step.Dependencies {
		if !deactivated[dep] {
			return false
		}
	}
	return true
}

// applyBranchOutcome folds a conditional/switch handler's deactivate
// list into the driver's skip set.
func applyBranchOutcome(out *StepOutput, deactivated map[string]bool) {
	if out == nil {
		return
	}
	data, ok := out.Data.(map[string]interface{})
	if !ok {
		return
	}
	list, ok := data["deactivate"].([]interface{})
	if !ok {
		return
	}
	for _, v := range list {
		if id, ok := v.(string); ok {
			deactivated[id] = true
		}
	}
}

// finishRun assembles the execution result, resolves declared outputs,
// and writes the summary row.
func (e *Engine) finishRun(ctx context.Context, def *Definition, ec *ExecutionContext, started time.Time, runErr error, failedStep string) (*ExecutionResult, error) {
	switch {
	case ec.Status() == StatusCancelled:
	case runErr != nil:
		ec.MarkFailed()
	default:
		ec.MarkCompleted()
	}

	result := &ExecutionResult{
		ExecutionID:        ec.ExecutionID,
		Success:            runErr == nil && ec.Status() == StatusCompleted,
		Status:             ec.Status(),
		CompletedSteps:     ec.CompletedSteps(),
		FailedSteps:        ec.FailedSteps(),
		SkippedSteps:       ec.SkippedSteps(),
		TotalTokensUsed:    ec.TotalTokensUsed(),
		TotalExecutionTime: ec.TotalExecutionTime(),
		StartedAt:          started,
		CompletedAt:        time.Now(),
		CollectedIssues:    ec.CollectedIssues(),
	}
	if runErr != nil {
		result.Error = runErr.Error()
		result.FailedStep = failedStep
		result.ErrorStack = fmt.Sprintf("%+v", runErr)
	}

	if result.Success && len(def.Outputs) > 0 {
		outputs := make(map[string]interface{}, len(def.Outputs))
		for key, ref := range def.Outputs {
			val, err := e.resolver.ResolveAllVariables(ref, ec, nil)
			if err != nil {
				e.logger.Warn("output mapping failed", "output", key, "error", err)
				continue
			}
			outputs[key] = shape.Sanitize(val)
		}
		result.Outputs = outputs
	}

	e.metrics.ObserveExecution(result.Status)
	if e.state != nil {
		if err := e.state.RecordExecution(ctx, result); err != nil {
			e.logger.Warn("execution summary write failed",
				"executionId", ec.ExecutionID, "error", err)
		}
	}
	e.logger.Info("workflow finished",
		"executionId", ec.ExecutionID,
		"status", string(result.Status),
		"completed", len(result.CompletedSteps),
		"failed", len(result.FailedSteps),
		"skipped", len(result.SkippedSteps),
		"tokens", result.TotalTokensUsed)

	return result, runErr
}
