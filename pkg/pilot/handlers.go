package pilot

import (
	"context"
	"fmt"
	"time"
)

// handleConditional evaluates the condition and either executes an
// inline branch or reports which downstream step ids to activate.
func (e *Engine) handleConditional(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	outcome, err := e.cond.Evaluate(step.Condition, ec, scope)
	if err != nil {
		return nil, err
	}

	if len(step.ThenSteps) > 0 || len(step.ElseSteps) > 0 {
		branch := step.ThenSteps
		branchName := "then"
		if !outcome {
			branch = step.ElseSteps
			branchName = "else"
		}
		var data interface{}
		if len(branch) > 0 {
			data, err = e.runBody(ctx, branch, ec, scope)
			if err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{
			"condition": outcome,
			"branch":    branchName,
			"result":    data,
		}, nil
	}

	activate, deactivate := step.TrueBranch, step.FalseBranch
	if !outcome {
		activate, deactivate = step.FalseBranch, step.TrueBranch
	}
	return map[string]interface{}{
		"condition":  outcome,
		"activate":   toInterfaceStrings(activate),
		"deactivate": toInterfaceStrings(deactivate),
	}, nil
}

// handleSwitch evaluates the expression and selects a case's downstream
// step ids; unmatched values fall to default.
func (e *Engine) handleSwitch(_ context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	resolved, err := e.resolver.ResolveExpression(step.Evaluate, ec, scope)
	if err != nil {
		return nil, err
	}
	value := fmt.Sprintf("%v", resolved)

	activate, matched := step.Cases[value]
	if !matched {
		activate = step.Default
	}
	deactivate := []string{}
	for caseValue, targets := range step.Cases {
		if matched && caseValue == value {
			continue
		}
		deactivate = append(deactivate, targets...)
	}
	if matched {
		deactivate = append(deactivate, step.Default...)
	}

	return map[string]interface{}{
		"value":      value,
		"matched":    matched,
		"activate":   toInterfaceStrings(activate),
		"deactivate": toInterfaceStrings(deactivate),
	}, nil
}

// handleDelay waits, honoring cancellation.
func (e *Engine) handleDelay(ctx context.Context, step *Step) (interface{}, error) {
	d := time.Duration(step.Duration) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d):
	}
	return map[string]interface{}{"delayed_ms": step.Duration}, nil
}

func toInterfaceStrings(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
