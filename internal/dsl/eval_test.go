package dsl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() *Env {
	return &Env{
		Entity: map[string]any{
			"amount": 15000,
			"status": "open",
			"owner":  map[string]any{"name": "Ada", "roles": []any{"admin", "finance"}},
			"items":  []any{map[string]any{"sku": "A-1"}},
			"flag":   false,
		},
		Context: map[string]any{"region": "eu"},
		Actor:   map[string]any{"id": "u-1", "role": "manager"},
		Tokens:  map[string]any{"count": 2},
	}
}

func TestEvaluateComparison(t *testing.T) {
	ok, err := EvaluateBool("entity.amount > 10000", testEnv())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateBool("entity.amount <= 10000", testEnv())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateTable(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{"true", true},
		{"null", nil},
		{"42", 42.0},
		{"'hi'", "hi"},
		{"entity.status", "open"},
		{"entity.owner.name", "Ada"},
		{"entity.items[0].sku", "A-1"},
		{"entity.missing.deeper", Undefined},
		{"unknownRoot.x", Undefined},
		{"entity.status == 'open'", true},
		{`entity.status != "open"`, false},
		{"entity.status == 'open' && context.region == 'eu'", true},
		{"entity.flag || actor.role == 'manager'", true},
		{"!entity.flag", true},
		{"!(entity.amount > 1 && tokens.count == 2)", false},
		{"entity.missing == null", true},
		{"entity.missing === null", false},
		{"entity.status > 5", false},
		{"'b' > 'a'", true},
		{"entity.amount == '15000'", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, testEnv())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateLength(t *testing.T) {
	env := testEnv()
	env.Entity["tags"] = map[string]any{"length": "custom"}

	tests := []struct {
		expr string
		want any
	}{
		{"entity.owner.roles.length", 2.0},
		{"entity.items.length", 1.0},
		{"entity.status.length", 4.0},
		{"entity.owner.roles.length > 1", true},
		{"entity.tags.length", "custom"},
		{"entity.owner.length", Undefined},
		{"entity.missing.length", Undefined},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateTemplate(t *testing.T) {
	got, err := Evaluate("Invoice for ${entity.owner.name}: ${entity.amount}", testEnv())
	require.NoError(t, err)
	assert.Equal(t, "Invoice for Ada: 15000", got)

	url, err := Interpolate("https://hooks.example.com/${actor.id}", testEnv())
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/u-1", url)
}

func TestEvaluateTemplateRejectsUnsafeInner(t *testing.T) {
	_, err := Interpolate("x ${entity.constructor}", testEnv())
	require.Error(t, err)
	assert.True(t, IsEvalError(err))
}

func TestEvaluateRejectsForbiddenKeywords(t *testing.T) {
	for _, expr := range []string{
		"constructor",
		"entity.constructor",
		"entity.__proto__.x",
		"eval",
		"entity.amount == eval",
		"Function",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Evaluate(expr, testEnv())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "forbidden keyword")
		})
	}
}

func TestEvaluateRejectsAssignment(t *testing.T) {
	_, err := Evaluate("entity.amount = 5", testEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assignment")

	_, err = Evaluate("entity.amount != 5", testEnv())
	assert.NoError(t, err, "!= is a comparison, not an assignment")
}

func TestEvaluateErrorCarriesExpression(t *testing.T) {
	_, err := Evaluate("entity.a = 1", testEnv())
	var ee *EvalError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "entity.a = 1", ee.Expression)
}

func TestEvaluateSyntaxErrors(t *testing.T) {
	for _, expr := range []string{"(entity.a == 1", "entity.a ==", "entity.a @ 1", "'open"} {
		_, err := Evaluate(expr, testEnv())
		assert.Error(t, err, expr)
	}
}

func TestEvaluateNilEnv(t *testing.T) {
	got, err := Evaluate("entity.anything", nil)
	require.NoError(t, err)
	assert.Equal(t, Undefined, got)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(Undefined))
	assert.False(t, Truthy(0.0))
	assert.False(t, Truthy(""))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(-1.0))
}

func TestEvaluateLongExpressionRejected(t *testing.T) {
	expr := "entity.a == '" + strings.Repeat("x", 600) + "'"
	_, err := Evaluate(expr, testEnv())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max length")
}
