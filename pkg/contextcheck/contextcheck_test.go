package contextcheck

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_NilIsNotObject(t *testing.T) {
	err := Validate(nil, DefaultLimits())
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindNotObject, ce.Kind)
}

func TestValidate_WellFormedContextPasses(t *testing.T) {
	ctx := map[string]any{"a": 1.0, "b": map[string]any{"c": "x"}}
	require.NoError(t, Validate(ctx, DefaultLimits()))
}

func TestValidate_NonFiniteNumberIsUnsafeLeaf(t *testing.T) {
	ctx := map[string]any{"a": func() float64 { return 0.0 / 0.0 }()}
	err := Validate(ctx, DefaultLimits())
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindUnsafeLeaf, ce.Kind)
}

func TestValidate_MaxDepthExceeded(t *testing.T) {
	ctx := map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": 1.0}}}}
	err := Validate(ctx, Limits{MaxDepth: 2, MaxBytes: DefaultMaxBytes})
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindMaxDepthExceeded, ce.Kind)
}

func TestValidate_BudgetExceeded(t *testing.T) {
	ctx := map[string]any{"blob": strings.Repeat("x", 100_000)}
	err := Validate(ctx, DefaultLimits())
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindContextBudgetExceeded, ce.Kind)
	assert.Greater(t, ce.MeasuredBytes, ce.MaxBytes)
}

func TestValidate_CyclicReferenceDetected(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	ctx := map[string]any{"a": cyclic}

	err := Validate(ctx, DefaultLimits())
	require.Error(t, err)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindCyclicReference, ce.Kind)
}
