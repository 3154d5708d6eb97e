package pilot

import (
	"context"
	"fmt"

	"github.com/tombee/pilot/internal/htmltable"
	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/internal/transform"
)

// handleTransform resolves the step input and config, reconciles the
// input shape, and applies the named operation.
func (e *Engine) handleTransform(ctx context.Context, step *Step, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	input, err := e.resolver.ResolveAllVariables(step.Input, ec, scope)
	if err != nil {
		return nil, err
	}
	input = extractOutputShell(input)

	rawCfg, err := e.resolver.ResolveAllVariables(step.Config, ec, scope)
	if err != nil {
		return nil, err
	}
	cfg, _ := rawCfg.(map[string]interface{})

	switch step.Operation {
	case "jq":
		query, _ := cfg["query"].(string)
		if query == "" {
			query, _ = cfg["expression"].(string)
		}
		return e.jq.Execute(ctx, query, shape.StripSource(input))

	case "render_table":
		return htmltable.Render(shape.StripSource(input), htmltable.Config{
			Columns:       stringSlice(cfg["columns"]),
			HeaderNames:   stringMap(cfg["header_names"]),
			ColumnMapping: stringMap(cfg["column_mapping"]),
			Title:         stringOr(cfg["title"], ""),
		})

	case "fetch_content":
		return e.fetchContent(ctx, input, cfg, ec)
	}

	if transform.IsArrayOp(step.Operation) {
		if _, ok := input.([]interface{}); !ok {
			if arr := shape.UnwrapArray(input); arr != nil {
				input = arr
			}
		}
	}

	opts := transform.Options{}
	if cond, ok := conditionFromConfig(cfg); ok {
		opts.Predicate = func(item interface{}, index int) (bool, error) {
			itemScope := &Scope{Item: item, HasItem: true, Index: index}
			if scope != nil {
				itemScope.Loop = scope.Loop
			}
			return e.cond.Evaluate(cond, ec, itemScope)
		}
	}
	if src, ok := cfg["add_headers_source"]; ok {
		empty := isEmptyValue(src)
		if arr, isArr := src.([]interface{}); isArr {
			empty = len(arr) == 0
		}
		opts.HeaderSourceEmpty = &empty
	}

	return e.transform.Apply(step.Operation, input, cfg, opts)
}

// extractOutputShell unwraps values that resolved to a whole StepOutput
// (directly or as its serialized map form).
func extractOutputShell(input interface{}) interface{} {
	switch v := input.(type) {
	case *StepOutput:
		return v.Data
	case map[string]interface{}:
		if _, hasStep := v["stepId"]; hasStep {
			if data, hasData := v["data"]; hasData {
				return data
			}
		}
		return v
	default:
		return input
	}
}

// conditionFromConfig lifts a structured condition tree out of the
// transform config. Plain expression strings stay in the config for the
// pipeline's own evaluator; strings with references become a predicate
// so the resolver can bind per-item scopes.
func conditionFromConfig(cfg map[string]interface{}) (*Condition, bool) {
	raw, ok := cfg["condition"]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case map[string]interface{}:
		cond, err := conditionFromMap(v)
		if err != nil {
			return nil, false
		}
		return cond, true
	case string:
		if refPattern.MatchString(v) || containsItemRef(v) {
			return &Condition{Type: ConditionRaw, Raw: v}, true
		}
		return nil, false
	default:
		return nil, false
	}
}

func containsItemRef(expr string) bool {
	// item/current references need the engine-side scope bindings.
	for _, prefix := range []string{"item.", "current.", "item[", "current["} {
		if idx := indexOfWord(expr, prefix); idx >= 0 {
			return true
		}
	}
	return false
}

func indexOfWord(s, prefix string) int {
	for i := 0; i+len(prefix) <= len(s); i++ {
		if s[i:i+len(prefix)] != prefix {
			continue
		}
		if i > 0 {
			c := s[i-1]
			if c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
				continue
			}
		}
		return i
	}
	return -1
}

func conditionFromMap(m map[string]interface{}) (*Condition, error) {
	cond := &Condition{}
	if t, ok := m["type"].(string); ok {
		cond.Type = ConditionType(t)
	}
	if f, ok := m["field"].(string); ok {
		cond.Field = f
	}
	if op, ok := m["operator"].(string); ok {
		cond.Operator = op
	}
	cond.Value = m["value"]
	if raw, ok := m["raw"].(string); ok {
		cond.Raw = raw
	}
	if children, ok := m["conditions"].([]interface{}); ok {
		for _, c := range children {
			childMap, ok := c.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("invalid nested condition %v", c)
			}
			child, err := conditionFromMap(childMap)
			if err != nil {
				return nil, err
			}
			cond.Conditions = append(cond.Conditions, child)
		}
	}
	if childMap, ok := m["condition"].(map[string]interface{}); ok {
		child, err := conditionFromMap(childMap)
		if err != nil {
			return nil, err
		}
		cond.Condition = child
	}
	if cond.Field == "" && cond.Raw == "" && len(cond.Conditions) == 0 && cond.Condition == nil {
		return nil, fmt.Errorf("empty condition")
	}
	return cond, nil
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(v interface{}) map[string]string {
	raw, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		if s, ok := item.(string); ok {
			out[k] = s
		}
	}
	return out
}

func stringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return def
}
