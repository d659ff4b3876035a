package canonical

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swyrknt/koru-delta/internal/types"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    types.Value
	}{
		{"null", types.Null()},
		{"true", types.BoolValue(true)},
		{"false", types.BoolValue(false)},
		{"zero", types.IntValue(0)},
		{"negative", types.IntValue(-42)},
		{"large int", types.IntValue(math.MaxInt64)},
		{"min int", types.IntValue(math.MinInt64)},
		{"fractional float", types.FloatValue(3.14159)},
		{"empty string", types.StringValue("")},
		{"unicode string", types.StringValue("héllo, wörld")},
		{"empty seq", types.SeqValue()},
		{"nested seq", types.SeqValue(types.IntValue(1), types.SeqValue(types.StringValue("x")))},
		{"map", types.MapValue(map[string]types.Value{
			"b": types.IntValue(2),
			"a": types.StringValue("one"),
			"c": types.SeqValue(types.BoolValue(true), types.Null()),
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.v)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.True(t, tc.v.Equal(got), "round trip changed value: %v != %v", tc.v, got)
		})
	}
}

func TestDeterministicMapOrder(t *testing.T) {
	a := types.MapValue(map[string]types.Value{"x": types.IntValue(1), "y": types.IntValue(2)})
	b := types.MapValue(map[string]types.Value{"y": types.IntValue(2), "x": types.IntValue(1)})
	ba, err := Encode(a)
	require.NoError(t, err)
	bb, err := Encode(b)
	require.NoError(t, err)
	assert.Equal(t, ba, bb, "map encoding must not depend on iteration order")
}

func TestIntFloatNormalization(t *testing.T) {
	i, err := Encode(types.IntValue(7))
	require.NoError(t, err)
	f, err := Encode(types.Value{Kind: types.KindFloat, Float: 7.0})
	require.NoError(t, err)
	assert.Equal(t, i, f, "7 and 7.0 must share one canonical form")
	assert.Equal(t, HashBytes(i), HashBytes(f))
}

func TestHashStability(t *testing.T) {
	v := types.MapValue(map[string]types.Value{"n": types.StringValue("A")})
	id1, b1, err := Hash(v)
	require.NoError(t, err)
	id2, b2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, b1, b2)
	assert.NotEqual(t, types.ZeroContentID, id1)
}

func TestHashDistinct(t *testing.T) {
	a, _, err := Hash(types.StringValue("a"))
	require.NoError(t, err)
	b, _, err := Hash(types.StringValue("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		v    types.Value
	}{
		{"NaN", types.Value{Kind: types.KindFloat, Float: math.NaN()}},
		{"+Inf", types.Value{Kind: types.KindFloat, Float: math.Inf(1)}},
		{"bad utf8", types.StringValue(string([]byte{0xff, 0xfe}))},
		{"bad kind", types.Value{Kind: types.Kind(200)}},
		{"nested NaN", types.SeqValue(types.Value{Kind: types.KindFloat, Float: math.NaN()})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.v)
			assert.ErrorIs(t, err, types.ErrInvalidValue)
		})
	}
}

func TestDecodeCorruption(t *testing.T) {
	b, err := Encode(types.SeqValue(types.IntValue(1), types.StringValue("abc")))
	require.NoError(t, err)

	_, err = Decode(b[:len(b)-1])
	assert.ErrorIs(t, err, types.ErrCorrupted)

	_, err = Decode(append(b, 0x00))
	assert.ErrorIs(t, err, types.ErrCorrupted)

	_, err = Decode([]byte{0x99})
	assert.ErrorIs(t, err, types.ErrCorrupted)
}

func TestChecksum32(t *testing.T) {
	a := Checksum32([]byte("payload"))
	b := Checksum32([]byte("payload"))
	c := Checksum32([]byte("payloae"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestTombstoneSentinel(t *testing.T) {
	id, _, err := Hash(types.Null())
	require.NoError(t, err)
	assert.Equal(t, id, TombstoneContentID())
}
