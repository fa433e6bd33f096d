package dataflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_ExprDialect(t *testing.T) {
	e := New()
	ctx := map[string]any{"task1": map[string]any{"result": 5}}

	v, err := e.Evaluate("<% task1.result > 3 %>", ctx)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvaluate_JQDialect(t *testing.T) {
	e := New()
	ctx := map[string]any{"task1": "hi"}

	v, err := e.Evaluate("<% $.task1 %>", ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", v)
}

func TestEvaluateBool_EmptyDefaultsTrue(t *testing.T) {
	e := New()

	v, err := e.EvaluateBool("", nil)
	require.NoError(t, err)
	assert.True(t, v)
}

func TestEvaluateBool_NonBoolErrors(t *testing.T) {
	e := New()
	ctx := map[string]any{"x": 1}

	_, err := e.EvaluateBool("<% x %>", ctx)
	assert.Error(t, err)
}

func TestResolveInput_Literals(t *testing.T) {
	e := New()
	raw := map[string]any{
		"name":    "Neo",
		"greeting": "<% $.from %>",
	}
	ctx := map[string]any{"from": "Morpheus"}

	out, err := ResolveInput(e, raw, ctx)
	require.NoError(t, err)
	assert.Equal(t, "Neo", out["name"])
	assert.Equal(t, "Morpheus", out["greeting"])
}

func TestPublish_KeepResultFalse(t *testing.T) {
	ctx := map[string]any{}

	out := Publish(ctx, "task1", "raw-result", map[string]any{"hi": "Hi"}, false)

	_, hasRaw := out["task1"]
	assert.False(t, hasRaw)
	assert.Equal(t, "Hi", out["hi"])
}

func TestPublish_LastWriterWins(t *testing.T) {
	ctx := map[string]any{"x": 1}

	out := Publish(ctx, "task1", nil, map[string]any{"x": 2}, false)
	assert.Equal(t, 2, out["x"])
}
