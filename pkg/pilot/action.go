package pilot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tombee/pilot/internal/shape"
	"github.com/tombee/pilot/pkg/errors"
)

// defaultPluginTokenCost is the synthetic token charge per plugin call
// so cost accounting stays uniform across AI and non-AI work.
const defaultPluginTokenCost = 25

// breakerPool holds one circuit breaker per plugin. A failing connector
// trips its own breaker without affecting others.
type breakerPool struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerPool() *breakerPool {
	return &breakerPool{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (p *breakerPool) get(plugin string) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.breakers[plugin]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    plugin,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.ConsecutiveFailures >= 5
		},
	})
	p.breakers[plugin] = cb
	return cb
}

// pluginLimiter rate-limits calls per plugin.
type pluginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newPluginLimiter() *pluginLimiter {
	return &pluginLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *pluginLimiter) get(plugin string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[plugin]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(10), 20)
	l.limiters[plugin] = lim
	return lim
}

// handleAction transforms parameters against the action's declared
// schema, executes the plugin behind its breaker and limiter, and
// attaches source metadata to the returned data.
func (e *Engine) handleAction(ctx context.Context, step *Step, ec *ExecutionContext, params map[string]interface{}) (interface{}, *TokenUsage, error) {
	if e.plugins == nil {
		return nil, nil, &errors.ExecutionError{
			Code:    errors.CodePluginFailed,
			StepID:  step.ID,
			Plugin:  step.Plugin,
			Action:  step.Action,
			Message: "no plugin runtime configured",
		}
	}

	var actionDef ActionDefinition
	if def, ok := e.plugins.Definition(step.Plugin); ok {
		actionDef = def.Actions[step.Action]
	}
	params = transformParams(params, actionDef.Parameters)

	if err := e.limiter.get(step.Plugin).Wait(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "rate limit wait cancelled")
	}

	raw, err := e.breakers.get(step.Plugin).Execute(func() (interface{}, error) {
		return e.plugins.Execute(ctx, ec.UserID, step.Plugin, step.Action, params)
	})
	if err != nil {
		code := errors.CodePluginFailed
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			code = errors.CodeCircuitOpen
		}
		return nil, nil, &errors.ExecutionError{
			Code:    code,
			StepID:  step.ID,
			Plugin:  step.Plugin,
			Action:  step.Action,
			Message: err.Error(),
			Cause:   err,
		}
	}

	result, _ := raw.(*PluginResult)
	if result == nil {
		return nil, nil, &errors.ExecutionError{
			Code:    errors.CodePluginFailed,
			StepID:  step.ID,
			Plugin:  step.Plugin,
			Action:  step.Action,
			Message: "plugin runtime returned no result",
		}
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = result.Message
		}
		if msg == "" {
			msg = "plugin call failed"
		}
		return nil, nil, &errors.ExecutionError{
			Code:    errors.CodePluginFailed,
			StepID:  step.ID,
			Plugin:  step.Plugin,
			Action:  step.Action,
			Message: msg,
		}
	}

	outputSchema := step.OutputSchema
	if outputSchema == nil {
		outputSchema = actionDef.OutputSchema
	}
	shape.AttachSource(result.Data, step.Plugin, step.Action, outputSchema)

	cost := e.pluginTokenCost
	if actionDef.TokenCost > 0 {
		cost = actionDef.TokenCost
	}
	tokens := &TokenUsage{Total: cost}
	return result.Data, tokens, nil
}

// transformParams reconciles caller-supplied parameters with the
// action's declared JSON schema: 2-D array materialization, string
// formatting for composite values, numeric and boolean coercion, and
// defaults for missing required parameters.
func transformParams(params map[string]interface{}, schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return params
	}
	props, _ := schema["properties"].(map[string]interface{})
	if props == nil {
		return params
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if propSchema, ok := props[k].(map[string]interface{}); ok {
			out[k] = coerceParam(k, v, propSchema)
		} else {
			out[k] = v
		}
	}

	if required, ok := schema["required"].([]interface{}); ok {
		for _, raw := range required {
			name, ok := raw.(string)
			if !ok {
				continue
			}
			if _, present := out[name]; present {
				continue
			}
			propSchema, _ := props[name].(map[string]interface{})
			out[name] = defaultParam(name, propSchema)
		}
	}
	return out
}

func coerceParam(name string, value interface{}, propSchema map[string]interface{}) interface{} {
	declaredType, _ := propSchema["type"].(string)
	switch declaredType {
	case "array":
		if is2DArraySchema(propSchema) {
			return materialize2D(value)
		}
		return value
	case "string":
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			format, _ := propSchema["format"].(string)
			if format == "structured-message" || strings.Contains(strings.ToLower(name), "message") {
				return structuredMessage(value)
			}
			return prettyJSON(value)
		}
		return value
	case "number", "integer":
		if s, ok := value.(string); ok {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				if declaredType == "integer" {
					return int(f)
				}
				return f
			}
		}
		return value
	case "boolean":
		switch v := value.(type) {
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true
			case "false", "0", "no":
				return false
			}
		case float64:
			return v != 0
		case int:
			return v != 0
		}
		return value
	default:
		return value
	}
}

func is2DArraySchema(propSchema map[string]interface{}) bool {
	items, ok := propSchema["items"].(map[string]interface{})
	if !ok {
		return false
	}
	itemType, _ := items["type"].(string)
	return itemType == "array"
}

// materialize2D shapes a value into rows: an object becomes one row of
// its values, a 1-D array becomes a single row. Nested composites are
// serialized to JSON strings because tabular sinks reject structure.
func materialize2D(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := sortedMapKeys(v)
		row := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			row = append(row, flatCell(v[k]))
		}
		return []interface{}{row}
	case []interface{}:
		if len(v) == 0 {
			return v
		}
		if _, ok := v[0].([]interface{}); ok {
			return v
		}
		row := make([]interface{}, len(v))
		for i, cell := range v {
			row[i] = flatCell(cell)
		}
		return []interface{}{row}
	default:
		return []interface{}{[]interface{}{flatCell(value)}}
	}
}

func flatCell(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	default:
		return v
	}
}

// structuredMessage renders a composite value as a readable message
// body instead of raw JSON.
func structuredMessage(value interface{}) string {
	var b strings.Builder
	switch v := value.(type) {
	case map[string]interface{}:
		for _, k := range sortedMapKeys(v) {
			fmt.Fprintf(&b, "%s: %s\n", headerCase(k), scalarText(v[k]))
		}
	case []interface{}:
		for _, item := range v {
			fmt.Fprintf(&b, "- %s\n", scalarText(item))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func scalarText(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func headerCase(k string) string {
	k = strings.ReplaceAll(k, "_", " ")
	if k == "" {
		return k
	}
	return strings.ToUpper(k[:1]) + k[1:]
}

func prettyJSON(value interface{}) string {
	raw, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(raw)
}

func defaultParam(name string, propSchema map[string]interface{}) interface{} {
	if propSchema != nil {
		if def, ok := propSchema["default"]; ok {
			return def
		}
	}
	if strings.Contains(strings.ToLower(name), "range") {
		return "Sheet1"
	}
	declaredType := ""
	if propSchema != nil {
		declaredType, _ = propSchema["type"].(string)
	}
	switch declaredType {
	case "number", "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []interface{}{}
	case "object":
		return map[string]interface{}{}
	default:
		return ""
	}
}

func sortedMapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
