package pilot

import (
	"context"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/internal/transform"
	"github.com/tombee/pilot/pkg/errors"
)

// handleEnrichment combines several upstream outputs into one record.
// Strategies:
//
//	merge   - shallow-merge object sources; arrays concat when
//	          merge_arrays is set, otherwise later sources win
//	join    - relational join of array sources on join_on
//	collect - keep each source under its declared key
func (e *Engine) handleEnrichment(_ context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	if len(step.Sources) == 0 {
		return nil, &errors.ValidationError{
			Field:      "sources",
			Message:    "enrichment step has no sources",
			Suggestion: "list at least one source with a key and a from reference",
		}
	}

	resolved := make([]interface{}, len(step.Sources))
	for i, src := range step.Sources {
		val, err := e.resolver.ResolveAllVariables(src.From, ec, scope)
		if err != nil {
			return nil, err
		}
		resolved[i] = extractOutputShell(val)
	}

	strategy := step.Strategy
	if strategy == "" {
		strategy = "merge"
	}

	switch strategy {
	case "merge":
		return e.enrichMerge(step, resolved), nil
	case "join":
		return e.enrichJoin(step, resolved)
	case "collect":
		out := make(map[string]interface{}, len(step.Sources))
		for i, src := range step.Sources {
			out[src.Key] = resolved[i]
		}
		return out, nil
	default:
		return nil, &errors.ValidationError{
			Field:      "strategy",
			Message:    "unknown enrichment strategy " + strategy,
			Suggestion: "use merge, join, or collect",
		}
	}
}

// enrichMerge folds sources in declaration order. Object sources merge
// key by key; non-object sources land under their declared key.
func (e *Engine) enrichMerge(step *Step, resolved []interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for i, src := range step.Sources {
		obj, ok := resolved[i].(map[string]interface{})
		if !ok {
			out[src.Key] = resolved[i]
			continue
		}
		for k, v := range obj {
			if step.MergeArrays {
				if prev, ok := out[k].([]interface{}); ok {
					if next, ok := v.([]interface{}); ok {
						out[k] = append(append([]interface{}{}, prev...), next...)
						continue
					}
				}
			}
			out[k] = v
		}
	}
	return out
}

// enrichJoin folds array sources pairwise through the relational join
// transform, left to right. Every source must be (or unwrap to) an array.
func (e *Engine) enrichJoin(step *Step, resolved []interface{}) (interface{}, error) {
	if step.JoinOn == "" {
		return nil, &errors.ValidationError{
			Field:      "join_on",
			Message:    "join strategy requires join_on",
			Suggestion: "name the field present in every source",
		}
	}

	arrays := make([][]interface{}, len(resolved))
	for i, v := range resolved {
		arr := shape.UnwrapArray(v)
		if arr == nil {
			return nil, &errors.WorkflowError{
				Code:    errors.CodeInvalidTransformInput,
				StepID:  step.ID,
				Message: "join strategy requires every source to be an array",
				Details: map[string]interface{}{"source": step.Sources[i].Key},
			}
		}
		arrays[i] = arr
	}

	joined := arrays[0]
	for _, right := range arrays[1:] {
		result, err := e.transform.Apply("join", joined, map[string]interface{}{
			"right":    right,
			"join_on":  step.JoinOn,
			"strategy": "left",
		}, transform.Options{})
		if err != nil {
			return nil, err
		}
		next := shape.UnwrapArray(result)
		if next == nil {
			next, _ = result.([]interface{})
		}
		joined = next
	}
	return map[string]interface{}{
		"items": joined,
		"count": len(joined),
	}, nil
}
