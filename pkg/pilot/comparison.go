package pilot

import (
	"context"
	"fmt"
	"reflect"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// handleComparison compares two resolved values. Operation selects the
// mode (equals, diff, intersection); output_format selects boolean or
// detailed results.
func (e *Engine) handleComparison(_ context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	left, err := e.resolver.ResolveAllVariables(step.Left, ec, scope)
	if err != nil {
		return nil, err
	}
	right, err := e.resolver.ResolveAllVariables(step.Right, ec, scope)
	if err != nil {
		return nil, err
	}
	// Origin metadata must never show up as a difference.
	left = shape.Sanitize(extractOutputShell(left))
	right = shape.Sanitize(extractOutputShell(right))

	op := step.Operation
	if op == "" {
		op = "equals"
	}

	switch op {
	case "equals":
		return compareEquals(step, left, right), nil
	case "diff":
		return compareDiff(left, right), nil
	case "intersection":
		return compareIntersection(left, right), nil
	default:
		return nil, &errors.ValidationError{
			Field:      "operation",
			Message:    "unknown comparison operation " + op,
			Suggestion: "use equals, diff, or intersection",
		}
	}
}

func compareEquals(step *Step, left, right interface{}) interface{} {
	equal := looseEqual(left, right) || reflect.DeepEqual(left, right)
	if step.OutputFormat != "detailed" {
		return map[string]interface{}{"equal": equal}
	}
	out := map[string]interface{}{
		"equal": equal,
		"left":  left,
		"right": right,
	}
	if !equal {
		out["differences"] = diffValues("", left, right)
	}
	return out
}

// compareDiff reports what changed between left and right. Arrays diff
// as sets of stringified members; objects diff key by key.
func compareDiff(left, right interface{}) interface{} {
	la, ra := shape.UnwrapArray(left), shape.UnwrapArray(right)
	if la != nil && ra != nil {
		onlyLeft, onlyRight, both := splitSets(la, ra)
		return map[string]interface{}{
			"added":     onlyRight,
			"removed":   onlyLeft,
			"unchanged": both,
			"changed":   len(onlyLeft)+len(onlyRight) > 0,
		}
	}
	diffs := diffValues("", left, right)
	return map[string]interface{}{
		"differences": diffs,
		"changed":     len(diffs) > 0,
	}
}

func compareIntersection(left, right interface{}) interface{} {
	la := shape.UnwrapArray(left)
	ra := shape.UnwrapArray(right)
	if la == nil || ra == nil {
		return map[string]interface{}{
			"items": []interface{}{},
			"count": 0,
		}
	}
	_, _, both := splitSets(la, ra)
	return map[string]interface{}{
		"items": both,
		"count": len(both),
	}
}

// diffValues walks two JSON-shaped values and records each path whose
// value differs.
func diffValues(path string, left, right interface{}) []interface{} {
	lobj, lok := left.(map[string]interface{})
	robj, rok := right.(map[string]interface{})
	if lok && rok {
		var out []interface{}
		seen := map[string]bool{}
		for k, lv := range lobj {
			seen[k] = true
			out = append(out, diffValues(joinPath(path, k), lv, robj[k])...)
		}
		for k, rv := range robj {
			if !seen[k] {
				out = append(out, diffValues(joinPath(path, k), nil, rv)...)
			}
		}
		return out
	}
	if looseEqual(left, right) || reflect.DeepEqual(left, right) {
		return nil
	}
	return []interface{}{map[string]interface{}{
		"path":  path,
		"left":  left,
		"right": right,
	}}
}

// splitSets partitions two arrays into left-only, right-only, and
// common members, preserving input order within each bucket.
func splitSets(left, right []interface{}) (onlyLeft, onlyRight, both []interface{}) {
	rightKeys := make(map[string]bool, len(right))
	for _, v := range right {
		rightKeys[setKey(v)] = true
	}
	leftKeys := make(map[string]bool, len(left))
	onlyLeft = []interface{}{}
	onlyRight = []interface{}{}
	both = []interface{}{}
	for _, v := range left {
		k := setKey(v)
		leftKeys[k] = true
		if rightKeys[k] {
			both = append(both, v)
		} else {
			onlyLeft = append(onlyLeft, v)
		}
	}
	for _, v := range right {
		if !leftKeys[setKey(v)] {
			onlyRight = append(onlyRight, v)
		}
	}
	return onlyLeft, onlyRight, both
}

func setKey(v interface{}) string {
	if obj, ok := v.(map[string]interface{}); ok {
		if id, found := shape.FindFieldValue(obj, "id", nil); found {
			return fmt.Sprintf("id:%v", id)
		}
	}
	return fmt.Sprintf("%v", v)
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}
