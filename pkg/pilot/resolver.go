package pilot

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/pilot/internal/refpath"
	"github.com/tombee/pilot/pkg/errors"
	"github.com/tombee/pilot/pkg/pilot/expression"
)

// refPattern matches one {{path}} reference site.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// arrayMethodSites are call sites after which a null reference is
// replaced with [] so literal expressions stay evaluable.
var arrayMethodSites = []string{".includes(", ".map(", ".filter(", ".some(", ".every(", ".find(", ".indexOf(", ".join(", ".length"}

// stepEnvelopeKeys are the continuations after a step id that address the
// output envelope itself; any other name auto-navigates into .data.
var stepEnvelopeKeys = map[string]bool{
	"data":     true,
	"metadata": true,
	"stepId":   true,
	"plugin":   true,
	"action":   true,
}

// Scope carries iteration bindings for {{current}}, {{item}}, custom
// item variables, and {{loop.*}} inside scatter-gather and loop bodies.
type Scope struct {
	Item     interface{}
	HasItem  bool
	ItemName string
	Index    int
	Loop     map[string]interface{}
}

// Resolver substitutes {{path}} references against an execution context.
type Resolver struct {
	eval *expression.Evaluator
}

// NewResolver creates a resolver sharing the engine's expression
// evaluator (and its compiled-program cache).
func NewResolver(eval *expression.Evaluator) *Resolver {
	if eval == nil {
		eval = expression.New()
	}
	return &Resolver{eval: eval}
}

// ResolveVariable resolves one reference path (without braces) to its
// typed value. An unresolvable path returns VariableResolutionError;
// explicit null resolves to nil without error.
func (r *Resolver) ResolveVariable(ref string, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	segs, err := refpath.Parse(ref)
	if err != nil {
		return nil, &errors.VariableResolutionError{Ref: ref, Reason: err.Error()}
	}
	if len(segs) == 0 || segs[0].IsIndex {
		return nil, &errors.VariableResolutionError{Ref: ref, Reason: "path must start with a name"}
	}
	root := segs[0].Name
	rest := segs[1:]

	switch root {
	case "input", "inputs":
		return r.navigate(ref, ec.InputValues, rest)

	case "var":
		if len(rest) == 0 || rest[0].IsIndex {
			return nil, &errors.VariableResolutionError{Ref: ref, Reason: "var requires a variable name"}
		}
		v, ok := ec.GetVariable(rest[0].Name)
		if !ok {
			return nil, &errors.VariableResolutionError{Ref: ref, Reason: fmt.Sprintf("variable %q is not set", rest[0].Name)}
		}
		return r.navigate(ref, v, rest[1:])

	case "current", "item":
		if scope == nil || !scope.HasItem {
			return nil, &errors.VariableResolutionError{
				Ref:    ref,
				Reason: fmt.Sprintf("%q is only available inside scatter-gather or loop steps", root),
			}
		}
		return r.navigate(ref, scope.Item, rest)

	case "loop":
		if scope == nil || scope.Loop == nil {
			return nil, &errors.VariableResolutionError{Ref: ref, Reason: "loop scope is only available inside loop steps"}
		}
		return r.navigate(ref, scope.Loop, rest)
	}

	// Custom item binding from scatter-gather (itemVariable).
	if scope != nil && scope.HasItem && scope.ItemName != "" && root == scope.ItemName {
		return r.navigate(ref, scope.Item, rest)
	}

	// Step output namespace with auto-.data ergonomics.
	if out, ok := ec.GetStepOutput(root); ok {
		if len(rest) == 0 {
			return out.Data, nil
		}
		if rest[0].IsIndex || !stepEnvelopeKeys[rest[0].Name] {
			return r.navigate(ref, out.Data, rest)
		}
		return r.navigate(ref, outputView(out), rest)
	}

	// Registered run-scoped variables are addressable without the var
	// prefix too.
	if v, ok := ec.GetVariable(root); ok {
		return r.navigate(ref, v, rest)
	}

	return nil, &errors.VariableResolutionError{
		Ref:    ref,
		Reason: fmt.Sprintf("no step output, input, or variable named %q", root),
	}
}

// ResolveAllVariables deep-walks a value tree resolving every reference.
// A string that is exactly one {{…}} returns the raw resolved value;
// inline references are stringified (scalars verbatim, composites as
// JSON). Maps and slices are rebuilt with resolved members.
func (r *Resolver) ResolveAllVariables(value interface{}, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ec, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			resolved, err := r.ResolveAllVariables(item, ec, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := r.ResolveAllVariables(item, ec, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

func (r *Resolver) resolveString(s string, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	matches := refPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Exact single reference preserves the resolved type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return r.ResolveVariable(s[matches[0][2]:matches[0][3]], ec, scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := r.ResolveVariable(s[m[2]:m[3]], ec, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(inlineString(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// ResolveExpression expands references inside a literal expression and
// evaluates it: each reference becomes a JSON literal, null references
// followed by an array-method call site become [], then the string is
// parsed as JSON, falling back to the sandboxed expression evaluator,
// falling back to the substituted string itself.
func (r *Resolver) ResolveExpression(expr string, ec *ExecutionContext, scope *Scope) (interface{}, error) {
	substituted := expr
	matches := refPattern.FindAllStringSubmatch(expr, -1)
	for _, m := range matches {
		val, err := r.ResolveVariable(m[1], ec, scope)
		if err != nil {
			return nil, err
		}
		var lit string
		if val == nil && followedByArrayMethod(substituted, m[0]) {
			lit = "[]"
		} else {
			lit = jsonLiteral(val)
		}
		substituted = strings.Replace(substituted, m[0], lit, 1)
	}

	var parsed interface{}
	if err := json.Unmarshal([]byte(substituted), &parsed); err == nil {
		return parsed, nil
	}

	if result, err := r.eval.Evaluate(rewriteArrayMethods(substituted), map[string]interface{}{}); err == nil {
		return result, nil
	}
	return substituted, nil
}

// rewriteArrayMethods converts the JS-style call sites that survive
// substitution into evaluator syntax: recv.includes(x) becomes
// (x in recv) and recv.length becomes len(recv). Receivers are JSON
// literals or identifiers; anything it cannot rewrite is left alone.
func rewriteArrayMethods(s string) string {
	for {
		idx := strings.Index(s, ".includes(")
		if idx < 0 {
			break
		}
		recvStart := receiverStart(s, idx)
		argStart := idx + len(".includes(")
		argEnd := matchingClose(s, argStart)
		if recvStart < 0 || argEnd < 0 {
			break
		}
		recv := s[recvStart:idx]
		arg := s[argStart:argEnd]
		s = s[:recvStart] + "(" + arg + " in " + recv + ")" + s[argEnd+1:]
	}
	for {
		idx := strings.Index(s, ".length")
		if idx < 0 {
			break
		}
		recvStart := receiverStart(s, idx)
		if recvStart < 0 {
			break
		}
		recv := s[recvStart:idx]
		s = s[:recvStart] + "len(" + recv + ")" + s[idx+len(".length"):]
	}
	return s
}

// receiverStart scans backwards from the method dot to the start of the
// receiver: a balanced bracketed literal or a dotted identifier.
func receiverStart(s string, dot int) int {
	if dot == 0 {
		return -1
	}
	switch s[dot-1] {
	case ']', '}', ')':
		open := map[byte]byte{']': '[', '}': '{', ')': '('}[s[dot-1]]
		depth := 0
		inString := false
		for i := dot - 1; i >= 0; i-- {
			c := s[i]
			if c == '"' && (i == 0 || s[i-1] != '\\') {
				inString = !inString
				continue
			}
			if inString {
				continue
			}
			if c == s[dot-1] {
				depth++
			} else if c == open {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
		return -1
	default:
		i := dot
		for i > 0 {
			c := s[i-1]
			if c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
				i--
				continue
			}
			break
		}
		if i == dot {
			return -1
		}
		return i
	}
}

// matchingClose returns the index of the ")" closing the call that
// opens at start, respecting nesting and string literals.
func matchingClose(s string, start int) int {
	depth := 1
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if c == '"' && s[i-1] != '\\' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '(', '[', '{':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		case ']', '}':
			depth--
		}
	}
	return -1
}

// navigate applies remaining path segments, mapping lookup failures to
// VariableResolutionError with the full reference for context.
func (r *Resolver) navigate(ref string, root interface{}, segs []refpath.Segment) (interface{}, error) {
	val, err := refpath.Resolve(root, segs)
	if err != nil {
		return nil, &errors.VariableResolutionError{Ref: ref, Reason: err.Error()}
	}
	return val, nil
}

// outputView exposes the step-output envelope for metadata navigation.
func outputView(out *StepOutput) map[string]interface{} {
	meta := map[string]interface{}{}
	if raw, err := json.Marshal(out.Metadata); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}
	return map[string]interface{}{
		"stepId":   out.StepID,
		"plugin":   out.Plugin,
		"action":   out.Action,
		"data":     out.Data,
		"metadata": meta,
	}
}

// inlineString renders a resolved value for splicing into a larger
// string: scalars verbatim, composites as JSON.
func inlineString(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, int, int64, bool:
		return fmt.Sprintf("%v", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// jsonLiteral renders a resolved value as a JSON literal for expression
// substitution.
func jsonLiteral(val interface{}) string {
	raw, err := json.Marshal(val)
	if err != nil {
		return "null"
	}
	return string(raw)
}

// followedByArrayMethod reports whether the reference site is directly
// followed by an array-method call in the expression text.
func followedByArrayMethod(expr, site string) bool {
	idx := strings.Index(expr, site)
	if idx < 0 {
		return false
	}
	tail := expr[idx+len(site):]
	for _, m := range arrayMethodSites {
		if strings.HasPrefix(tail, m) {
			return true
		}
	}
	return false
}
