package pilot

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tombee/pilot/internal/refpath"
	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// ruleViolation records one failed check against one record.
type ruleViolation struct {
	Index   int    `json:"index"`
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

// handleValidation checks the resolved input against a JSON schema
// and/or field rules. on_validation_fail selects the outcome:
//
//	fail   - violations fail the step (default)
//	warn   - violations are logged, all data passes through
//	filter - invalid items are dropped, valid items pass through
func (e *Engine) handleValidation(_ context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	input, err := e.resolver.ResolveAllVariables(step.Input, ec, scope)
	if err != nil {
		return nil, err
	}
	input = extractOutputShell(input)

	mode := step.OnValidationFail
	if mode == "" {
		mode = "fail"
	}

	items := shape.UnwrapArray(input)
	if items == nil {
		items = []interface{}{input}
	}

	var valid []interface{}
	var violations []ruleViolation
	for i, item := range items {
		itemViolations := e.validateItem(step, i, item)
		if len(itemViolations) == 0 {
			valid = append(valid, item)
		}
		violations = append(violations, itemViolations...)
	}

	result := map[string]interface{}{
		"valid":      len(violations) == 0,
		"checked":    len(items),
		"violations": violationList(violations),
	}

	switch mode {
	case "warn":
		if len(violations) > 0 {
			e.logger.Warn("validation found violations, continuing per on_validation_fail",
				"stepId", step.ID, "violations", len(violations))
		}
		result["items"] = items
		result["count"] = len(items)
		return result, nil
	case "filter":
		if valid == nil {
			valid = []interface{}{}
		}
		result["items"] = valid
		result["count"] = len(valid)
		result["removed"] = len(items) - len(valid)
		return result, nil
	default:
		if len(violations) > 0 {
			return result, &errors.WorkflowError{
				Code:    errors.CodeValidationFailed,
				StepID:  step.ID,
				Message: fmt.Sprintf("%d of %d records failed validation", len(violations), len(items)),
				Details: map[string]interface{}{"violations": violationList(violations)},
			}
		}
		result["items"] = items
		result["count"] = len(items)
		return result, nil
	}
}

// validateItem runs the schema then the field rules against one record.
func (e *Engine) validateItem(step *Step, index int, item interface{}) []ruleViolation {
	var out []ruleViolation
	if step.Schema != nil {
		for _, verr := range e.validator.ValidateAll(step.Schema, item) {
			out = append(out, ruleViolation{
				Index:   index,
				Field:   verr.Path,
				Rule:    verr.Keyword,
				Message: verr.Message,
			})
		}
	}
	for _, rule := range step.Rules {
		ok, err := applyRule(rule, item)
		if err != nil {
			out = append(out, ruleViolation{
				Index:   index,
				Field:   rule.Field,
				Rule:    rule.Operator,
				Message: err.Error(),
			})
			continue
		}
		if !ok {
			msg := rule.Message
			if msg == "" {
				msg = fmt.Sprintf("field %s failed %s check", rule.Field, rule.Operator)
			}
			out = append(out, ruleViolation{
				Index:   index,
				Field:   rule.Field,
				Rule:    rule.Operator,
				Message: msg,
			})
		}
	}
	return out
}

// applyRule checks a single field predicate against a record. Field
// paths use dot notation relative to the record.
func applyRule(rule ValidationRule, item interface{}) (bool, error) {
	var fieldVal interface{}
	exists := false
	if rule.Field != "" {
		segs, err := refpath.Parse(rule.Field)
		if err != nil {
			return false, fmt.Errorf("bad rule field %q: %w", rule.Field, err)
		}
		if val, rerr := refpath.Resolve(item, segs); rerr == nil {
			fieldVal = val
			exists = true
		}
	} else {
		fieldVal = item
		exists = true
	}

	switch rule.Operator {
	case OpExists:
		return exists && fieldVal != nil, nil
	case OpNotExists:
		return !exists || fieldVal == nil, nil
	case OpIsEmpty:
		return !exists || isEmptyValue(fieldVal), nil
	case OpIsNotEmpty:
		return exists && !isEmptyValue(fieldVal), nil
	}
	if !exists {
		return false, nil
	}

	switch rule.Operator {
	case OpEquals:
		return looseEqual(fieldVal, rule.Value), nil
	case OpNotEquals:
		return !looseEqual(fieldVal, rule.Value), nil
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		return compareOrdered(rule.Operator, fieldVal, rule.Value)
	case OpContains:
		return containsValue(fieldVal, rule.Value)
	case OpNotContains:
		ok, err := containsValue(fieldVal, rule.Value)
		return !ok, err
	case OpIn:
		return memberOf(rule.Value, fieldVal)
	case OpNotIn:
		ok, err := memberOf(rule.Value, fieldVal)
		return !ok, err
	case OpMatchesRegex:
		pattern, ok := rule.Value.(string)
		if !ok {
			return false, fmt.Errorf("matches_regex requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		return re.MatchString(asString(fieldVal)), nil
	default:
		return false, fmt.Errorf("unknown rule operator %q", rule.Operator)
	}
}

func violationList(violations []ruleViolation) []interface{} {
	out := make([]interface{}, len(violations))
	for i, v := range violations {
		entry := map[string]interface{}{
			"index":   v.Index,
			"message": v.Message,
		}
		if v.Field != "" {
			entry["field"] = v.Field
		}
		if v.Rule != "" {
			entry["rule"] = v.Rule
		}
		out[i] = entry
	}
	return out
}
