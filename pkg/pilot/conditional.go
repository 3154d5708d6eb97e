package pilot

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/pilot/pkg/errors"
	"github.com/tombee/pilot/pkg/pilot/expression"
)

// ConditionalEvaluator evaluates condition trees against an execution
// context. Simple conditions resolve their field reference, combinators
// recurse, raw strings go through the sandboxed expression evaluator.
type ConditionalEvaluator struct {
	resolver *Resolver
	eval     *expression.Evaluator

	// now is injectable for date-window tests
	now func() time.Time
}

// NewConditionalEvaluator shares the resolver's expression evaluator.
func NewConditionalEvaluator(resolver *Resolver) *ConditionalEvaluator {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	return &ConditionalEvaluator{
		resolver: resolver,
		eval:     resolver.eval,
		now:      time.Now,
	}
}

// Evaluate returns the boolean outcome of a condition. A nil condition
// is vacuously true.
func (e *ConditionalEvaluator) Evaluate(cond *Condition, ec *ExecutionContext, scope *Scope) (bool, error) {
	if cond == nil {
		return true, nil
	}
	switch cond.Kind() {
	case ConditionComplexAnd:
		for _, child := range cond.Conditions {
			ok, err := e.Evaluate(child, ec, scope)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case ConditionComplexOr:
		for _, child := range cond.Conditions {
			ok, err := e.Evaluate(child, ec, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case ConditionComplexNot:
		child := cond.Condition
		if child == nil && len(cond.Conditions) > 0 {
			child = cond.Conditions[0]
		}
		ok, err := e.Evaluate(child, ec, scope)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case ConditionRaw:
		return e.evaluateRaw(cond.Raw, ec, scope)

	default:
		return e.evaluateSimple(cond, ec, scope)
	}
}

// EvaluateString evaluates a bare expression string, used by executeIf
// guards and filter predicates.
func (e *ConditionalEvaluator) EvaluateString(expr string, ec *ExecutionContext, scope *Scope) (bool, error) {
	return e.evaluateRaw(expr, ec, scope)
}

func (e *ConditionalEvaluator) evaluateRaw(raw string, ec *ExecutionContext, scope *Scope) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return true, nil
	}
	if !refPattern.MatchString(raw) {
		return e.eval.EvaluateBool(raw, scopeEnv(ec, scope))
	}
	result, err := e.resolver.ResolveExpression(raw, ec, scope)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	case string:
		// Substitution alone did not decide it; let the evaluator try
		// the original with scope bindings.
		return e.eval.EvaluateBool(v, scopeEnv(ec, scope))
	default:
		return isTruthy(result), nil
	}
}

func (e *ConditionalEvaluator) evaluateSimple(cond *Condition, ec *ExecutionContext, scope *Scope) (bool, error) {
	if cond.Operator == "" {
		return false, &errors.ConditionError{Message: "simple condition requires an operator"}
	}

	fieldVal, resolveErr := e.resolveField(cond.Field, ec, scope)
	exists := resolveErr == nil

	switch cond.Operator {
	case OpExists:
		return exists && fieldVal != nil, nil
	case OpNotExists:
		return !exists || fieldVal == nil, nil
	case OpIsEmpty:
		return !exists || isEmptyValue(fieldVal), nil
	case OpIsNotEmpty:
		return exists && !isEmptyValue(fieldVal), nil
	}
	if resolveErr != nil {
		return false, resolveErr
	}

	expected, err := e.resolver.ResolveAllVariables(cond.Value, ec, scope)
	if err != nil {
		return false, err
	}

	switch cond.Operator {
	case OpEquals:
		return looseEqual(fieldVal, expected), nil
	case OpNotEquals:
		return !looseEqual(fieldVal, expected), nil
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		return compareOrdered(cond.Operator, fieldVal, expected)
	case OpContains:
		return containsValue(fieldVal, expected)
	case OpNotContains:
		ok, err := containsValue(fieldVal, expected)
		return !ok, err
	case OpIn:
		return memberOf(expected, fieldVal)
	case OpNotIn:
		ok, err := memberOf(expected, fieldVal)
		return !ok, err
	case OpMatchesRegex:
		pattern, ok := expected.(string)
		if !ok {
			return false, &errors.ConditionError{Message: "matches_regex requires a string pattern"}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, &errors.ConditionError{Message: fmt.Sprintf("invalid pattern %q", pattern), Cause: err}
		}
		return re.MatchString(asString(fieldVal)), nil
	case OpWithinLastDays:
		return e.withinLastDays(fieldVal, expected)
	case OpBefore, OpAfter:
		return e.compareDates(cond.Operator, fieldVal, expected)
	default:
		return false, &errors.ConditionError{Message: fmt.Sprintf("unknown operator %q", cond.Operator)}
	}
}

// resolveField accepts both a bare path and a braced {{path}} form.
func (e *ConditionalEvaluator) resolveField(field string, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	if field == "" {
		return nil, &errors.ConditionError{Message: "simple condition requires a field"}
	}
	path := strings.TrimSpace(field)
	if strings.HasPrefix(path, "{{") && strings.HasSuffix(path, "}}") {
		path = strings.TrimSpace(path[2 : len(path)-2])
	}
	return e.resolver.ResolveVariable(path, ec, scope)
}

func (e *ConditionalEvaluator) withinLastDays(fieldVal, expected interface{}) (bool, error) {
	t, err := parseDate(fieldVal)
	if err != nil {
		return false, err
	}
	days, ok := toFloat(expected)
	if !ok {
		return false, &errors.ConditionError{Message: "within_last_days requires a numeric value"}
	}
	cutoff := e.now().AddDate(0, 0, -int(days))
	return t.After(cutoff) && !t.After(e.now()), nil
}

func (e *ConditionalEvaluator) compareDates(op string, fieldVal, expected interface{}) (bool, error) {
	left, err := parseDate(fieldVal)
	if err != nil {
		return false, err
	}
	right, err := parseDate(expected)
	if err != nil {
		return false, err
	}
	if op == OpBefore {
		return left.Before(right), nil
	}
	return left.After(right), nil
}

func parseDate(v interface{}) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		if t, ok := v.(time.Time); ok {
			return t, nil
		}
		return time.Time{}, &errors.ConditionError{Message: fmt.Sprintf("cannot parse %T as a date", v)}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006/01/02", "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &errors.ConditionError{Message: fmt.Sprintf("cannot parse %q as a date", s)}
}

func compareOrdered(op string, left, right interface{}) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case OpGreaterThan:
			return lf > rf, nil
		case OpGreaterOrEqual:
			return lf >= rf, nil
		case OpLessThan:
			return lf < rf, nil
		default:
			return lf <= rf, nil
		}
	}
	ls, lsok := left.(string)
	rs, rsok := right.(string)
	if lsok && rsok {
		switch op {
		case OpGreaterThan:
			return ls > rs, nil
		case OpGreaterOrEqual:
			return ls >= rs, nil
		case OpLessThan:
			return ls < rs, nil
		default:
			return ls <= rs, nil
		}
	}
	return false, &errors.ConditionError{Message: fmt.Sprintf("cannot order %T against %T", left, right)}
}

func containsValue(haystack, needle interface{}) (bool, error) {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, asString(needle)), nil
	case []interface{}:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		_, ok := h[asString(needle)]
		return ok, nil
	default:
		return false, &errors.ConditionError{Message: fmt.Sprintf("contains is not defined for %T", haystack)}
	}
}

func memberOf(collection, value interface{}) (bool, error) {
	switch c := collection.(type) {
	case []interface{}:
		for _, item := range c {
			if looseEqual(item, value) {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(c, asString(value)), nil
	default:
		return false, &errors.ConditionError{Message: fmt.Sprintf("in requires an array or string, got %T", collection)}
	}
}

// looseEqual compares with numeric coercion so YAML ints meet JSON
// floats, and falls back to string rendering for mixed scalars.
func looseEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	_, aScalar := a.(string)
	_, bScalar := b.(string)
	if aScalar || bScalar {
		return asString(a) == asString(b)
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func isEmptyValue(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []interface{}:
		return len(x) == 0
	case map[string]interface{}:
		return len(x) == 0
	default:
		return false
	}
}

func isTruthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	default:
		return true
	}
}

// scopeEnv exposes iteration bindings to raw expressions.
func scopeEnv(ec *ExecutionContext, scope *Scope) map[string]interface{} {
	env := map[string]interface{}{
		"inputs": ec.InputValues,
		"input":  ec.InputValues,
	}
	if scope != nil && scope.HasItem {
		env["item"] = scope.Item
		env["current"] = scope.Item
		env["index"] = scope.Index
		if scope.ItemName != "" {
			env[scope.ItemName] = scope.Item
		}
	}
	if scope != nil && scope.Loop != nil {
		env["loop"] = scope.Loop
	}
	return env
}
