package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExpr_SummaryFields(t *testing.T) {
	e := NewExprEngine()
	data := sampleSummaries()[1].ToMap()

	tests := []struct {
		expr string
		want any
	}{
		{`id`, "SENTRY_DSN"},
		{`"global" in scopes`, true},
		{`metadata.provider == "sentry"`, true},
		{`description contains "error"`, true},
		{`len(scopes)`, 1},
		{`metadata?.service ?? "none"`, "none"},
		{`any(scopes, # startsWith "app:")`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, "id ==", map[string]any{"id": "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestExpr_NilData(t *testing.T) {
	out, err := NewExprEngine().Evaluate(context.Background(), "1 + 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}
