package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/credvault/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQ_SummaryInput(t *testing.T) {
	e := NewGoJQEngine()
	data := sampleSummaries()[0].ToMap()

	tests := []struct {
		expr string
		want any
	}{
		{`.id`, "STRIPE_KEY"},
		{`.metadata.provider == "stripe"`, true},
		{`.scopes | index("app:billing") != null`, true},
		{`.scopes | any(. == "global")`, false},
		{`.metadata | keys`, []any{"provider", "service"}},
		{`.missing`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	out, err := NewGoJQEngine().Evaluate(context.Background(), `.scopes[]`,
		sampleSummaries()[2].ToMap())
	require.NoError(t, err)
	assert.Equal(t, []any{"app:billing", "app:worker"}, out)
}

func TestGoJQ_EnvIsSandboxed(t *testing.T) {
	t.Setenv("CREDVAULT_MASTER_KEY", "should-not-leak")

	out, err := NewGoJQEngine().Evaluate(context.Background(), `$ENV.CREDVAULT_MASTER_KEY`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, ".id |||", map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(ctx, `error("boom")`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExecution))
}
