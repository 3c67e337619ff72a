package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"flowline/pkg/schema"
)

// ExprEngine evaluates edge conditions with expr-lang/expr. The instance
// context is flattened into the environment, so workflow authors write
// against bare keys: `last_task_outcome == "done" && dry_run`. Undefined
// variables are allowed because every instance accumulates a different set
// of context keys as it advances.
// Thread-safe: compiled programs are cached and shared across goroutines.
type ExprEngine struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprEngine creates an Expr engine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: make(map[string]*vm.Program)}
}

// Name returns the engine identifier used as a condition type.
func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs the expression against the flattened context keys. Programs
// are compiled on first use and cached by expression text.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.program(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// program returns the cached compiled form of the expression, compiling and
// caching it on first use.
func (e *ExprEngine) program(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.programs[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
