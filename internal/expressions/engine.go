package expressions

import "context"

// Engine evaluates edge condition expressions against an instance context.
// Two implementations: CEL and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
