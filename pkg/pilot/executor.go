package pilot

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tombee/pilot/internal/cache"
	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// cacheableTypes are the step types whose outputs may be memoized.
var cacheableTypes = map[StepType]bool{
	StepTypeAction:     true,
	StepTypeTransform:  true,
	StepTypeValidation: true,
	StepTypeComparison: true,
}

// explicit count fields consulted when the output is not an array.
var countFields = []string{"count", "total", "total_found", "total_count", "length"}

const maxFieldNames = 10

// ExecuteStep runs a single step end to end: calibration dependency
// skip, execute_if gate, cache probe, orchestration hook, handler
// dispatch with retry and timeout, output recording, and side-effects.
// The returned StepOutput is always recorded in the context; a non-nil
// error means the failure is fatal for the caller's plan.
func (e *Engine) ExecuteStep(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope) (*StepOutput, error) {
	ctx, span := e.tracer.Start(ctx, "pilot.step")
	span.SetAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Type)),
	)
	defer span.End()

	ec.SetCurrentStep(step.ID)

	// Calibration dependency skip: dependents of unrecoverable failures
	// never dispatch.
	if ec.BatchCalibrationMode {
		if failedDep := e.failedDependency(step, ec); failedDep != "" {
			out := skippedOutput(step, "dependency_failed")
			ec.SetStepOutput(step.ID, out)
			e.recordStep(ctx, step, ec, out)
			e.logger.Info("skipping step with failed dependency",
				"stepId", step.ID, "dependency", failedDep)
			return out, nil
		}
	}

	if step.ExecuteIf != nil {
		pass, err := e.cond.Evaluate(step.ExecuteIf, ec, scope)
		if err != nil {
			return e.failStep(ctx, step, ec, time.Now(), err)
		}
		if !pass {
			out := skippedOutput(step, "condition_not_met")
			ec.SetStepOutput(step.ID, out)
			e.recordStep(ctx, step, ec, out)
			return out, nil
		}
	}

	started := time.Now()

	// Params resolve up front for action and LLM-family steps; other
	// handlers resolve their own fields selectively.
	var params map[string]interface{}
	if step.Type == StepTypeAction || step.Type.IsLLMFamily() {
		resolved, err := e.resolver.ResolveAllVariables(step.Params, ec, scope)
		if err != nil {
			return e.failStep(ctx, step, ec, started, err)
		}
		params, _ = resolved.(map[string]interface{})
		if params == nil {
			params = map[string]interface{}{}
		}
	}

	if out, ok := e.tryOrchestrate(ctx, step, ec, params); ok {
		ec.SetStepOutput(step.ID, out)
		e.recordStep(ctx, step, ec, out)
		return out, nil
	}

	useCache := step.Cache != nil && step.Cache.Enabled && cacheableTypes[step.Type]
	if useCache {
		key := cache.Key(string(step.Type), step.ID, e.cacheFingerprint(step, ec, scope, params))
		cached, hit, err := e.cache.GetOrBuild(key, step.Cache.TTL(), func() (interface{}, error) {
			return e.executeFresh(ctx, step, ec, scope, params, started)
		})
		if err == nil {
			out := cached.(*StepOutput)
			if hit {
				e.metrics.CacheHit()
				e.logger.Debug("cache hit", "stepId", step.ID)
				out = out.Clone()
				ec.SetStepOutput(step.ID, out)
				e.recordStep(ctx, step, ec, out)
			} else {
				e.metrics.CacheMiss()
			}
			return out, nil
		}
		e.metrics.CacheMiss()
		return e.failStep(ctx, step, ec, started, err)
	}

	out, err := e.executeFresh(ctx, step, ec, scope, params, started)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return e.failStep(ctx, step, ec, started, err)
	}
	return out, nil
}

// executeFresh dispatches to the typed handler (under retry and the
// per-step timeout), builds the output record, and commits it with
// side-effects. Errors return without recording; failStep owns the
// failure path.
func (e *Engine) executeFresh(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope, params map[string]interface{}, started time.Time) (*StepOutput, error) {
	data, tokens, err := e.executeWithRetry(ctx, step, func(ctx context.Context) (interface{}, *TokenUsage, error) {
		// Approval steps manage their own wait deadline; wrapping them
		// here would expire the outer context before on_timeout applies.
		if step.Type == StepTypeHumanApproval {
			return e.dispatch(ctx, step, ec, scope, params)
		}
		timeout := e.stepTimeout
		if step.Timeout > 0 {
			timeout = time.Duration(step.Timeout) * time.Second
		}
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return e.dispatch(stepCtx, step, ec, scope, params)
	})
	if err != nil {
		return nil, err
	}

	out := &StepOutput{
		StepID: step.ID,
		Plugin: step.Plugin,
		Action: step.Action,
		Data:   data,
		Metadata: OutputMetadata{
			Success:       true,
			ExecutedAt:    started,
			ExecutionTime: time.Since(started).Milliseconds(),
			TokensUsed:    tokens,
			ItemCount:     computeItemCount(data),
			FieldNames:    sampleFieldNames(data),
		},
	}
	ec.SetStepOutput(step.ID, out)
	e.recordStep(ctx, step, ec, out)
	e.recordTokens(ctx, step, ec, tokens)
	e.metrics.ObserveStep(step.Type, "success", time.Since(started))
	return out, nil
}

// dispatch routes the step to its handler. Handlers return the data
// payload plus tokens for AI and plugin work.
func (e *Engine) dispatch(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope, params map[string]interface{}) (interface{}, *TokenUsage, error) {
	switch step.Type {
	case StepTypeAction:
		return e.handleAction(ctx, step, ec, params)
	case StepTypeLLMDecision, StepTypeAIProcessing, StepTypeSummarize, StepTypeExtract, StepTypeGenerate:
		return e.handleLLM(ctx, step, ec, params, scope)
	case StepTypeTransform:
		data, err := e.handleTransform(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeConditional:
		data, err := e.handleConditional(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeSwitch:
		data, err := e.handleSwitch(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeLoop:
		data, err := e.handleLoop(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeParallel, StepTypeParallelGroup:
		data, err := e.handleParallel(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeScatterGather:
		data, err := e.handleScatterGather(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeEnrichment:
		data, err := e.handleEnrichment(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeValidation:
		data, err := e.handleValidation(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeComparison:
		data, err := e.handleComparison(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeExtraction:
		data, err := e.handleExtraction(ctx, step, ec, scope)
		return data, nil, err
	case StepTypeDelay:
		data, err := e.handleDelay(ctx, step)
		return data, nil, err
	case StepTypeSubWorkflow:
		return e.handleSubWorkflow(ctx, step, ec, scope)
	case StepTypeHumanApproval:
		data, err := e.handleApproval(ctx, step, ec, scope)
		return data, nil, err
	default:
		return nil, nil, &errors.WorkflowError{
			Code:    errors.CodeUnknownStepType,
			StepID:  step.ID,
			Message: "unknown step type " + string(step.Type),
		}
	}
}

// tryOrchestrate hands LLM-family steps to the external orchestrator
// when one is active. Any orchestrator error falls through to normal
// execution.
func (e *Engine) tryOrchestrate(ctx context.Context, step *Step, ec *ExecutionContext, params map[string]interface{}) (*StepOutput, bool) {
	if ec.Orchestrator == nil || !ec.Orchestrator.IsActive() || !step.Type.IsLLMFamily() {
		return nil, false
	}
	out, err := ec.Orchestrator.ExecuteStep(ctx, step, params, ec)
	if err != nil || out == nil {
		e.logger.Warn("orchestrator failed, falling back to direct execution",
			"stepId", step.ID, "error", err)
		return nil, false
	}
	out.Metadata.Orchestrated = true
	return out, true
}

// failStep converts a handler error into a recorded failed output.
// continue_on_error and calibration mode decide whether the error
// propagates.
func (e *Engine) failStep(ctx context.Context, step *Step, ec *ExecutionContext, started time.Time, stepErr error) (*StepOutput, error) {
	out := &StepOutput{
		StepID: step.ID,
		Plugin: step.Plugin,
		Action: step.Action,
		Metadata: OutputMetadata{
			Success:       false,
			ExecutedAt:    started,
			ExecutionTime: time.Since(started).Milliseconds(),
			Error:         stepErr.Error(),
			ErrorCode:     errors.Code(stepErr),
		},
	}

	if ec.BatchCalibrationMode {
		issue := ClassifyError(step.ID, stepErr)
		out.Metadata.FailureCategory = issue.Category
		if issue.Subtype == SubtypeParameter {
			out.Metadata.ParameterErrorDetails = issue.Message
		}
		out.Metadata.Recoverable = ShouldContinueCalibration(issue)
		ec.CollectIssue(issue)
		ec.SetStepOutput(step.ID, out)
		e.recordStep(ctx, step, ec, out)
		e.metrics.ObserveStep(step.Type, "failed", time.Since(started))
		if out.Metadata.Recoverable {
			e.logger.Warn("calibration collected a recoverable failure",
				"stepId", step.ID, "category", issue.Category, "error", stepErr)
			return out, nil
		}
		return out, stepErr
	}

	ec.SetStepOutput(step.ID, out)
	e.recordStep(ctx, step, ec, out)
	e.metrics.ObserveStep(step.Type, "failed", time.Since(started))

	if step.ContinueOnError {
		e.logger.Warn("step failed, continuing per continue_on_error",
			"stepId", step.ID, "error", stepErr)
		return out, nil
	}
	return out, stepErr
}

// failedDependency returns the first dependency whose stored failure is
// not flagged recoverable, or "".
func (e *Engine) failedDependency(step *Step, ec *ExecutionContext) string {
	for _, dep := range step.Dependencies {
		if !ec.IsFailed(dep) {
			continue
		}
		if out, ok := ec.GetStepOutput(dep); ok && out.Metadata.Recoverable {
			continue
		}
		return dep
	}
	return ""
}

// recordStep writes the state row and audit event for a finished step.
// Both are best-effort: failures log and never affect the step.
func (e *Engine) recordStep(ctx context.Context, step *Step, ec *ExecutionContext, out *StepOutput) {
	status := "success"
	switch {
	case out.Metadata.Skipped:
		status = "skipped"
	case !out.Metadata.Success:
		status = "failed"
	}

	if e.state != nil {
		if err := e.state.LogStepExecution(ctx, ec.ExecutionID, step.ID, step.Name, step.Type, status, &out.Metadata); err != nil {
			e.logger.Warn("state write failed", "stepId", step.ID, "error", err)
		}
	}
	if e.audit != nil {
		event := AuditEvent{
			Action:       "step_" + status,
			EntityType:   "workflow_step",
			EntityID:     step.ID,
			UserID:       ec.UserID,
			ResourceName: step.Name,
			Details: map[string]interface{}{
				"executionId": ec.ExecutionID,
				"stepType":    string(step.Type),
			},
			Severity: "info",
		}
		if !out.Metadata.Success && !out.Metadata.Skipped {
			event.Severity = "error"
			event.Details["error"] = out.Metadata.Error
		}
		if err := e.audit.Append(ctx, event); err != nil {
			e.logger.Warn("audit write failed", "stepId", step.ID, "error", err)
		}
	}
}

// recordTokens logs token consumption rows and metrics. Best-effort.
func (e *Engine) recordTokens(ctx context.Context, step *Step, ec *ExecutionContext, tokens *TokenUsage) {
	if tokens == nil || tokens.Total == 0 {
		return
	}
	source := "llm"
	if step.Type == StepTypeAction {
		source = "plugin"
	}
	e.metrics.AddTokens(source, tokens.Total)
	if e.state != nil {
		if err := e.state.RecordTokenUsage(ctx, ec.ExecutionID, step.ID, source, *tokens); err != nil {
			e.logger.Warn("token usage write failed", "stepId", step.ID, "error", err)
		}
	}
}

// cacheFingerprint picks the fields that fingerprint a cacheable step.
// References resolve against the current context first: the cache is
// engine-scoped, so a raw {{ref}} literal would collide across runs
// whose upstream data differs. Unresolvable references keep the raw
// value; execution will surface the resolution error itself.
func (e *Engine) cacheFingerprint(step *Step, ec *ExecutionContext, scope *Scope, params map[string]interface{}) interface{} {
	resolve := func(v interface{}) interface{} {
		resolved, err := e.resolver.ResolveAllVariables(v, ec, scope)
		if err != nil {
			return v
		}
		return shape.Sanitize(resolved)
	}
	switch step.Type {
	case StepTypeAction:
		return map[string]interface{}{
			"plugin": step.Plugin,
			"action": step.Action,
			"params": params,
		}
	case StepTypeTransform:
		return map[string]interface{}{
			"operation": step.Operation,
			"input":     resolve(step.Input),
			"config":    resolve(step.Config),
		}
	case StepTypeValidation:
		return map[string]interface{}{
			"input":  resolve(step.Input),
			"schema": step.Schema,
			"rules":  step.Rules,
			"mode":   step.OnValidationFail,
		}
	case StepTypeComparison:
		return map[string]interface{}{
			"left":      resolve(step.Left),
			"right":     resolve(step.Right),
			"operation": step.Operation,
			"format":    step.OutputFormat,
		}
	default:
		return step.Params
	}
}

func skippedOutput(step *Step, reason string) *StepOutput {
	return &StepOutput{
		StepID: step.ID,
		Metadata: OutputMetadata{
			Success:    false,
			ExecutedAt: time.Now(),
			Skipped:    true,
			SkipReason: reason,
		},
	}
}

// computeItemCount derives the item count for step metadata: array
// length, else first nested array's length, else an explicit count
// field, else 1 for a non-empty object.
func computeItemCount(data interface{}) *int {
	switch v := data.(type) {
	case []interface{}:
		n := len(v)
		return &n
	case map[string]interface{}:
		for _, key := range []string{"items", "results", "records", "rows", "data"} {
			if arr, ok := v[key].([]interface{}); ok {
				n := len(arr)
				return &n
			}
		}
		for key, val := range v {
			if shape.IsReservedKey(key) {
				continue
			}
			if arr, ok := val.([]interface{}); ok {
				n := len(arr)
				return &n
			}
		}
		for _, key := range countFields {
			if f, ok := toFloat(v[key]); ok {
				n := int(f)
				return &n
			}
		}
		// Origin metadata alone is not payload.
		for key := range v {
			if !shape.IsReservedKey(key) {
				n := 1
				return &n
			}
		}
	}
	return nil
}

// sampleFieldNames lists the keys of the first array item (or of the
// object itself), capped at maxFieldNames.
func sampleFieldNames(data interface{}) []string {
	var obj map[string]interface{}
	switch v := data.(type) {
	case []interface{}:
		if len(v) == 0 {
			return nil
		}
		obj, _ = v[0].(map[string]interface{})
	case map[string]interface{}:
		obj = v
	}
	if obj == nil {
		return nil
	}
	names := make([]string, 0, len(obj))
	for _, k := range sortedMapKeys(obj) {
		if shape.IsReservedKey(k) {
			continue
		}
		names = append(names, k)
	}
	if len(names) > maxFieldNames {
		names = names[:maxFieldNames]
	}
	return names
}
