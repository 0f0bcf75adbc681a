package canonjson_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workflowd/engine/pkg/canonjson"
)

func TestMarshal_KeyOrdering(t *testing.T) {
	v := map[string]any{"b": 1, "a": 2, "é": 3, "c": 4}
	out, err := canonjson.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":4,"é":3}`, string(out))
}

func TestMarshal_NegativeZero(t *testing.T) {
	out, err := canonjson.Marshal(math.Copysign(0, -1))
	require.NoError(t, err)
	assert.Equal(t, "0", string(out))
}

func TestMarshal_NonFiniteRejected(t *testing.T) {
	_, err := canonjson.Marshal(math.NaN())
	require.Error(t, err)
	var cerr *canonjson.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, canonjson.ErrNonFiniteNumber, cerr.Code)

	_, err = canonjson.Marshal(math.Inf(1))
	require.Error(t, err)
}

func TestMarshal_Deterministic(t *testing.T) {
	v := map[string]any{
		"nested": map[string]any{"z": 1, "a": []any{1, 2, 3}},
		"id":     "abc",
	}
	first, err := canonjson.Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		out, err := canonjson.Marshal(v)
		require.NoError(t, err)
		require.Equal(t, first, out)
	}
}

func TestMarshal_NoWhitespace(t *testing.T) {
	out, err := canonjson.Marshal(map[string]any{"a": []any{1, 2}})
	require.NoError(t, err)
	assert.NotContains(t, string(out), " ")
	assert.NotContains(t, string(out), "\n")
}

func TestMarshal_EquivalentInputsSameBytes(t *testing.T) {
	a, err := canonjson.Marshal(struct {
		B int `json:"b"`
		A int `json:"a"`
	}{B: 1, A: 2})
	require.NoError(t, err)
	b, err := canonjson.Marshal(map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}
