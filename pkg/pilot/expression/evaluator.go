// Package expression evaluates sandboxed expressions for conditions,
// transform config, and gather reducers. It wraps expr-lang/expr with a
// compiled-program cache; no general-purpose scripting engine is embedded.
package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/pilot/pkg/errors"
)

// Evaluator compiles and runs expressions against a context map.
// It caches compiled programs for repeated evaluations, which matters for
// per-item filter predicates over large collections.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// EvaluateBool evaluates an expression that must yield a boolean.
// An empty expression defaults to true.
func (e *Evaluator) EvaluateBool(expression string, ctx map[string]interface{}) (bool, error) {
	if expression == "" {
		return true, nil
	}
	result, err := e.Evaluate(expression, ctx)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, &errors.ConditionError{
			Expression: expression,
			Message:    fmt.Sprintf("expression must return boolean, got %T", result),
		}
	}
	return b, nil
}

// Evaluate evaluates an expression and returns its value. Used for
// transform map/reduce expressions where any JSON value is a legal result.
func (e *Evaluator) Evaluate(expression string, ctx map[string]interface{}) (interface{}, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ConditionError{
			Expression: expression,
			Message:    "failed to compile expression",
			Cause:      err,
		}
	}

	evalCtx := make(map[string]interface{}, len(ctx)+len(builtins))
	for k, v := range ctx {
		evalCtx[k] = v
	}
	for k, v := range builtins {
		evalCtx[k] = v
	}

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return nil, &errors.ConditionError{
			Expression: expression,
			Message:    "expression evaluation failed",
			Cause:      err,
		}
	}
	return result, nil
}

// compile compiles an expression and caches the result.
func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := make(map[string]interface{}, len(builtins))
	for k, v := range builtins {
		env[k] = v
	}

	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// CacheSize returns the number of cached compiled programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
