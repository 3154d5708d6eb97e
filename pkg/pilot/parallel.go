package pilot

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/pilot/pkg/errors"
)

// handleParallel runs the child steps concurrently, bounded by
// maxConcurrency. Each child executes against a metrics-reset clone;
// clones merge back in declaration order so the parent context ends up
// deterministic regardless of completion order.
func (e *Engine) handleParallel(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	if len(step.Steps) == 0 {
		return map[string]interface{}{}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clones := make([]*ExecutionContext, len(step.Steps))
	outputs := make([]*StepOutput, len(step.Steps))
	errs := make([]error, len(step.Steps))

	sem := semaphore(step.MaxConcurrency, len(step.Steps))
	var wg sync.WaitGroup
	for i := range step.Steps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if runCtx.Err() != nil {
				errs[i] = runCtx.Err()
				return
			}
			clone := ec.Clone(true)
			clones[i] = clone
			out, err := e.ExecuteStep(runCtx, &step.Steps[i], clone, scope)
			outputs[i] = out
			if err != nil && !step.Steps[i].ContinueOnError {
				errs[i] = err
				cancel()
			}
		}(i)
	}
	wg.Wait()

	for i, clone := range clones {
		if clone != nil && outputs[i] != nil {
			ec.Merge(clone)
		}
	}
	for _, err := range errs {
		if err != nil && err != context.Canceled {
			return nil, err
		}
	}

	result := map[string]interface{}{}
	for i, out := range outputs {
		if out == nil {
			continue
		}
		if step.Type == StepTypeParallelGroup {
			result[step.Steps[i].ID] = outputView(out)
		} else {
			result[step.Steps[i].ID] = out.Data
		}
	}
	return result, nil
}

// handleLoop iterates the body over a resolved array. Parallel loops
// clone the context per iteration and collect results in input order
// regardless of completion order.
func (e *Engine) handleLoop(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	resolved, err := e.resolver.ResolveAllVariables(step.IterateOver, ec, scope)
	if err != nil {
		return nil, err
	}
	items, ok := extractOutputShell(resolved).([]interface{})
	if !ok {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			StepID:  step.ID,
			Message: fmt.Sprintf("loop iterate_over must resolve to an array, got %T", resolved),
		}
	}
	if step.MaxIterations > 0 && len(items) > step.MaxIterations {
		items = items[:step.MaxIterations]
	}

	if !step.Parallel {
		results := make([]interface{}, 0, len(items))
		for i, item := range items {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			itemScope := loopScope(item, i, len(items), scope)
			data, err := e.runBody(ctx, step.LoopSteps, ec, itemScope)
			if err != nil {
				if step.ContinueOnError {
					continue
				}
				return nil, err
			}
			results = append(results, data)
		}
		return map[string]interface{}{"results": results, "count": len(results)}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clones := make([]*ExecutionContext, len(items))
	results := make([]interface{}, len(items))
	errs := make([]error, len(items))

	sem := semaphore(step.MaxConcurrency, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item interface{}) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if runCtx.Err() != nil {
				errs[i] = runCtx.Err()
				return
			}
			clone := ec.Clone(true)
			clones[i] = clone
			itemScope := loopScope(item, i, len(items), scope)
			data, err := e.runBody(runCtx, step.LoopSteps, clone, itemScope)
			if err != nil {
				errs[i] = err
				if !step.ContinueOnError {
					cancel()
				}
				return
			}
			results[i] = data
		}(i, item)
	}
	wg.Wait()

	// Merge each clone exactly once, in input order.
	for _, clone := range clones {
		if clone != nil {
			ec.Merge(clone)
		}
	}
	if !step.ContinueOnError {
		for _, err := range errs {
			if err != nil && err != context.Canceled {
				return nil, err
			}
		}
	}

	collected := make([]interface{}, 0, len(results))
	for i, r := range results {
		if errs[i] == nil {
			collected = append(collected, r)
		}
	}
	return map[string]interface{}{"results": collected, "count": len(collected)}, nil
}

// handleScatterGather fans the input out to per-item mini-plans and
// folds the per-item results with the gather operation.
func (e *Engine) handleScatterGather(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	if step.Scatter == nil {
		return nil, &errors.ValidationError{Field: "scatter", Message: "scatter_gather requires a scatter block"}
	}
	gather := step.Gather
	if gather == nil {
		gather = &GatherConfig{Operation: "collect"}
	}
	if gather.Operation == "reduce" && gather.ReduceExpression == "" {
		return nil, &errors.ValidationError{
			Field:      "gather.reduce_expression",
			Message:    "gather.reduce requires a reduce_expression",
			Suggestion: "provide an expression over acc and item, e.g. \"acc + item\"",
		}
	}

	resolved, err := e.resolver.ResolveAllVariables(step.Scatter.Input, ec, scope)
	if err != nil {
		return nil, err
	}
	items, ok := extractOutputShell(resolved).([]interface{})
	if !ok {
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			StepID:  step.ID,
			Message: fmt.Sprintf("scatter input must resolve to an array, got %T", resolved),
		}
	}

	itemVar := step.Scatter.ItemVariable
	if itemVar == "" {
		itemVar = "item"
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clones := make([]*ExecutionContext, len(items))
	results := make([]interface{}, len(items))
	errs := make([]error, len(items))

	sem := semaphore(step.Scatter.MaxConcurrency, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item interface{}) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if runCtx.Err() != nil {
				errs[i] = runCtx.Err()
				return
			}
			clone := ec.Clone(true)
			clones[i] = clone
			itemScope := &Scope{Item: item, HasItem: true, ItemName: itemVar, Index: i}
			data, err := e.runBody(runCtx, step.Scatter.Steps, clone, itemScope)
			if err != nil {
				errs[i] = err
				if !step.ContinueOnError {
					cancel()
				}
				return
			}
			results[i] = data
		}(i, item)
	}
	wg.Wait()

	for _, clone := range clones {
		if clone != nil {
			ec.Merge(clone)
		}
	}
	if !step.ContinueOnError {
		for _, err := range errs {
			if err != nil && err != context.Canceled {
				return nil, err
			}
		}
	}

	return e.gatherResults(gather, results, errs)
}

// runBody executes nested steps sequentially and returns the last
// step's data.
func (e *Engine) runBody(ctx context.Context, steps []Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	var last interface{}
	for i := range steps {
		out, err := e.ExecuteStep(ctx, &steps[i], ec, scope)
		if err != nil {
			return nil, err
		}
		if out != nil {
			last = out.Data
		}
	}
	return last, nil
}

func (e *Engine) gatherResults(gather *GatherConfig, results []interface{}, errs []error) (interface{}, error) {
	kept := make([]interface{}, 0, len(results))
	for i, r := range results {
		if errs[i] == nil {
			kept = append(kept, r)
		}
	}

	outputKey := gather.OutputKey
	if outputKey == "" {
		outputKey = "results"
	}

	switch gather.Operation {
	case "", "collect":
		return map[string]interface{}{outputKey: kept, "count": len(kept)}, nil
	case "merge":
		merged := map[string]interface{}{}
		for _, r := range kept {
			if obj, ok := r.(map[string]interface{}); ok {
				for k, v := range obj {
					merged[k] = v
				}
			}
		}
		return map[string]interface{}{outputKey: merged, "count": len(kept)}, nil
	case "flatten":
		flat := []interface{}{}
		for _, r := range kept {
			if arr, ok := r.([]interface{}); ok {
				flat = append(flat, arr...)
			} else if r != nil {
				flat = append(flat, r)
			}
		}
		return map[string]interface{}{outputKey: flat, "count": len(flat)}, nil
	case "reduce":
		var acc interface{}
		for _, r := range kept {
			if acc == nil {
				acc = r
				continue
			}
			next, err := e.eval.Evaluate(gather.ReduceExpression, map[string]interface{}{
				"acc":  acc,
				"item": r,
			})
			if err != nil {
				return nil, &errors.WorkflowError{
					Code:    errors.CodeInvalidTransformInput,
					Message: fmt.Sprintf("gather reduce expression failed: %v", err),
					Cause:   err,
				}
			}
			acc = next
		}
		return map[string]interface{}{outputKey: acc, "count": len(kept)}, nil
	default:
		return nil, &errors.ValidationError{
			Field:      "gather.operation",
			Message:    fmt.Sprintf("unknown gather operation %q", gather.Operation),
			Suggestion: "use collect, merge, reduce, or flatten",
		}
	}
}

func loopScope(item interface{}, index, total int, parent *Scope) *Scope {
	s := &Scope{
		Item:    item,
		HasItem: true,
		Index:   index,
		Loop: map[string]interface{}{
			"index": index,
			"count": total,
			"first": index == 0,
			"last":  index == total-1,
		},
	}
	if parent != nil && parent.ItemName != "" {
		s.ItemName = parent.ItemName
	}
	return s
}

// semaphore sizes a bounding channel; zero means effectively unbounded.
func semaphore(bound, n int) chan struct{} {
	if bound <= 0 || bound > n {
		bound = n
	}
	if bound == 0 {
		bound = 1
	}
	return make(chan struct{}, bound)
}
