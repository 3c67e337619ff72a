// Package conditions decides whether an edge may be taken for a given
// instance context.
package conditions

import (
	"context"
	"sync"

	"flowline/internal/expressions"
	"flowline/pkg/schema"
)

// Matcher decides whether a single condition matches the evaluation
// environment. The environment contains the flattened instance context keys
// plus the whole bag under "context".
type Matcher func(ctx context.Context, cond *schema.Condition, env map[string]any) (bool, error)

// Evaluator matches edge conditions through a registered condition-type
// table. Unknown types are an explicit validation error rather than a
// silent match.
type Evaluator struct {
	mu       sync.RWMutex
	matchers map[schema.ConditionType]Matcher
}

// NewEvaluator creates an Evaluator with the built-in condition types
// (default and outcome) registered.
func NewEvaluator() *Evaluator {
	e := &Evaluator{matchers: make(map[schema.ConditionType]Matcher)}
	e.matchers[schema.ConditionDefault] = matchAlways
	e.matchers[schema.ConditionOutcome] = matchOutcome
	return e
}

// Register adds a matcher for a condition type. Returns an error on duplicates.
func (e *Evaluator) Register(t schema.ConditionType, m Matcher) error {
	if t == "" || m == nil {
		return schema.NewError(schema.ErrCodeValidation, "condition type and matcher are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.matchers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "condition type %q already registered", t)
	}
	e.matchers[t] = m
	return nil
}

// RegisterEngine registers an expression engine as a condition type keyed by
// the engine's name. The condition's Expression must evaluate to a boolean.
func (e *Evaluator) RegisterEngine(eng expressions.Engine) error {
	return e.Register(schema.ConditionType(eng.Name()), func(ctx context.Context, cond *schema.Condition, env map[string]any) (bool, error) {
		out, err := eng.Evaluate(ctx, cond.Expression, env)
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"condition expression %q must evaluate to a boolean, got %T", cond.Expression, out)
		}
		return b, nil
	})
}

// Known reports whether a condition type has a registered matcher.
func (e *Evaluator) Known(t schema.ConditionType) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.matchers[t]
	return ok
}

// Matches evaluates one condition against an instance context. A nil or
// default-typed condition always matches.
func (e *Evaluator) Matches(ctx context.Context, cond *schema.Condition, ictx *schema.InstanceContext) (bool, error) {
	if cond.IsDefault() {
		return true, nil
	}

	e.mu.RLock()
	m, ok := e.matchers[cond.Type]
	e.mu.RUnlock()
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition type %q", cond.Type)
	}

	return m(ctx, cond, buildEnv(ictx))
}

// buildEnv flattens the context into the evaluation environment and also
// exposes the whole bag under "context" for engines with declared variables.
func buildEnv(ictx *schema.InstanceContext) map[string]any {
	ctxMap := ictx.AsMap()
	env := make(map[string]any, len(ctxMap)+1)
	for k, v := range ctxMap {
		env[k] = v
	}
	env["context"] = ctxMap
	return env
}

func matchAlways(context.Context, *schema.Condition, map[string]any) (bool, error) {
	return true, nil
}

func matchOutcome(_ context.Context, cond *schema.Condition, env map[string]any) (bool, error) {
	outcome, _ := env["last_task_outcome"].(string)
	return outcome == cond.Value, nil
}
