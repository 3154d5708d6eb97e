// Package transform implements the deterministic data operations of the
// workflow engine: array reshaping, grouping, deduplication, pivoting,
// and row/object conversions. Inputs arrive already resolved; operations
// that reach outside the data (plugin calls, HTML rendering, jq) live
// with their collaborators and are routed before this package is called.
package transform

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/pilot/pkg/errors"
)

// Evaluator runs sandboxed expressions for map/filter/reduce configs.
type Evaluator interface {
	Evaluate(expression string, ctx map[string]interface{}) (interface{}, error)
	EvaluateBool(expression string, ctx map[string]interface{}) (bool, error)
}

// Predicate is an injected per-item condition, used when the filter
// config is a structured condition tree the caller already knows how to
// evaluate.
type Predicate func(item interface{}, index int) (bool, error)

// Options carries caller-side hooks into one Apply call.
type Options struct {
	// Predicate, when set, overrides config.condition for filter and
	// partition.
	Predicate Predicate

	// HeaderSourceEmpty reports whether the resolved add_headers_source
	// array was empty. Nil when the config did not name a source.
	HeaderSourceEmpty *bool
}

// arrayOps are the operations that refuse non-array input.
var arrayOps = map[string]bool{
	"filter":      true,
	"map":         true,
	"reduce":      true,
	"sort":        true,
	"deduplicate": true,
	"flatten":     true,
	"group":       true,
	"group_by":    true,
	"aggregate":   true,
	"pivot":       true,
	"split":       true,
	"expand":      true,
	"partition":   true,
	"join":        true,
}

// IsArrayOp reports whether the operation requires array input, so the
// caller knows to run schema-aware unwrapping first.
func IsArrayOp(op string) bool { return arrayOps[op] }

// Pipeline applies named transform operations.
type Pipeline struct {
	eval Evaluator
}

// New creates a pipeline sharing the engine's expression evaluator.
func New(eval Evaluator) *Pipeline {
	return &Pipeline{eval: eval}
}

// Apply runs one operation. Array-requiring operations return an
// INVALID_TRANSFORM_INPUT error with guidance when the input is not an
// array.
func (p *Pipeline) Apply(op string, input interface{}, cfg map[string]interface{}, opts Options) (interface{}, error) {
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	var items []interface{}
	if arrayOps[op] {
		var ok bool
		items, ok = input.([]interface{})
		if !ok {
			return nil, invalidInput(op, input)
		}
	}

	switch op {
	case "set":
		return input, nil
	case "map":
		return p.mapOp(items, cfg, opts)
	case "filter":
		return p.filterOp(items, cfg, opts)
	case "reduce":
		return p.reduceOp(items, cfg)
	case "sort":
		return p.sortOp(items, cfg)
	case "group", "group_by":
		return p.groupOp(items, cfg)
	case "aggregate":
		return p.aggregateOp(items, cfg)
	case "deduplicate":
		return p.deduplicateOp(items, cfg)
	case "flatten":
		return p.flattenOp(items, cfg)
	case "pivot":
		return p.pivotOp(items, cfg)
	case "split":
		return p.splitOp(items, cfg)
	case "expand":
		return p.expandOp(items, cfg)
	case "partition":
		return p.partitionOp(items, cfg, opts)
	case "join":
		return p.joinOp(items, cfg)
	case "rows_to_objects":
		return rowsToObjects(input, cfg)
	case "map_headers":
		return mapHeaders(input, cfg)
	default:
		return nil, &errors.WorkflowError{
			Code:    errors.CodeInvalidTransformInput,
			Message: fmt.Sprintf("unknown transform operation %q", op),
		}
	}
}

func invalidInput(op string, input interface{}) error {
	hint := "check that the referenced step produced an array, or point the input at the array field"
	if m, ok := input.(map[string]interface{}); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 8 {
			keys = keys[:8]
		}
		hint = fmt.Sprintf("input is an object with keys [%s]; point the input at the array field", strings.Join(keys, ", "))
	}
	return &errors.WorkflowError{
		Code:    errors.CodeInvalidTransformInput,
		Message: fmt.Sprintf("%s requires an array input: %s", op, hint),
	}
}

// Config accessors tolerant of YAML/JSON numeric variants.

func cfgString(cfg map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := cfg[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func cfgBool(cfg map[string]interface{}, key string) bool {
	v, ok := cfg[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func cfgInt(cfg map[string]interface{}, key string, def int) int {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func cfgSlice(cfg map[string]interface{}, key string) []interface{} {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
	s, _ := v.([]interface{})
	return s
}

func cfgStringSlice(cfg map[string]interface{}, key string) []string {
	raw := cfgSlice(cfg, key)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func cfgStringMap(cfg map[string]interface{}, key string) map[string]string {
	v, ok := cfg[key]
	if !ok {
		return nil
	}
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
