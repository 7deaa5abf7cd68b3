package expressions

import "context"

// Engine evaluates credential selector expressions.
// Three implementations: CEL, Expr and GoJQ. All of them see credential
// summaries only, never values.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
