package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/credvault/pkg/schema"
)

// Engines holds one instance of each selector engine keyed by name.
type Engines map[string]Engine

// DefaultEngine is used when a caller names no engine.
const DefaultEngine = "cel"

// NewEngines builds the cel, expr and jq engines.
func NewEngines() (Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return Engines{
		celEngine.Name(): celEngine,
		"expr":           NewExprEngine(),
		"jq":             NewGoJQEngine(),
	}, nil
}

// Get returns the named engine; an empty name selects DefaultEngine.
func (e Engines) Get(name string) (Engine, error) {
	if name == "" {
		name = DefaultEngine
	}
	eng, ok := e[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown selector engine %q; available: cel, expr, jq", name).
			WithDetails(map[string]any{"engine": name})
	}
	return eng, nil
}

// Select keeps the summaries for which expression evaluates to true. An
// empty expression keeps everything. A non-boolean result or an evaluation
// error aborts the whole selection.
func Select(ctx context.Context, engine Engine, expression string, summaries []schema.CredentialSummary) ([]schema.CredentialSummary, error) {
	if expression == "" {
		return summaries, nil
	}
	out := make([]schema.CredentialSummary, 0, len(summaries))
	for _, s := range summaries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := engine.Evaluate(ctx, expression, dataFor(engine, s))
		if err != nil {
			if vErr, ok := err.(*schema.VaultError); ok {
				return nil, vErr.WithCredential(s.ID)
			}
			return nil, err
		}
		keep, ok := result.(bool)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"selector %q must evaluate to a boolean, got %s", expression, describe(result)).
				WithCredential(s.ID).
				WithDetails(map[string]any{"expression": expression, "engine": engine.Name()})
		}
		if keep {
			out = append(out, s)
		}
	}
	return out, nil
}

// dataFor shapes a summary for an engine: CEL binds it to the credential
// variable, expr and jq take the fields directly.
func dataFor(engine Engine, s schema.CredentialSummary) map[string]any {
	m := s.ToMap()
	if engine.Name() == "cel" {
		return map[string]any{"credential": m}
	}
	return m
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
