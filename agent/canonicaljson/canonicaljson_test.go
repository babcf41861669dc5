package canonicaljson_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agdd-project/agdd-core/agent/canonicaljson"
)

func TestMarshalSortsObjectKeys(t *testing.T) {
	b, err := canonicaljson.Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":3}`, string(b))
}

func TestMarshalIsDeterministicAcrossCalls(t *testing.T) {
	v := map[string]any{"z": 1, "y": []any{1, 2, 3}, "x": map[string]any{"b": true, "a": nil}}
	first, err := canonicaljson.Marshal(v)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := canonicaljson.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMarshalEscapesNonASCII(t *testing.T) {
	b, err := canonicaljson.Marshal("café")
	require.NoError(t, err)
	assert.NotContains(t, string(b), "é")
	var decoded string
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "café", decoded)
}

func TestMarshalEscapesSurrogatePairForAstralRune(t *testing.T) {
	b, err := canonicaljson.Marshal("\U0001F600")
	require.NoError(t, err)
	assert.NotContains(t, string(b), "😀")
	var decoded string
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "\U0001F600", decoded)
}

func TestMarshalFormatsWholeFloatsWithoutDecimal(t *testing.T) {
	b, err := canonicaljson.Marshal(float64(42))
	require.NoError(t, err)
	assert.Equal(t, "42", string(b))
}

func TestMarshalRejectsUnsupportedType(t *testing.T) {
	_, err := canonicaljson.Marshal(struct{ X int }{X: 1})
	assert.Error(t, err)
}

func TestMustMarshalPanicsOnUnsupportedType(t *testing.T) {
	assert.Panics(t, func() {
		canonicaljson.MustMarshal(struct{ X int }{X: 1})
	})
}

func TestMarshalNestedArraysAndObjects(t *testing.T) {
	v := []any{
		map[string]any{"k": "v"},
		map[string]any{"a": int64(1), "b": 2.5},
	}
	b, err := canonicaljson.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `[{"k":"v"},{"a":1,"b":2.5}]`, string(b))
}
