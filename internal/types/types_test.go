package types

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueValidate(t *testing.T) {
	valid := []Value{
		Null(),
		BoolValue(true),
		IntValue(-9),
		FloatValue(1.25),
		StringValue("ok"),
		SeqValue(IntValue(1), Null()),
		MapValue(map[string]Value{"k": StringValue("v")}),
	}
	for _, v := range valid {
		assert.NoError(t, v.Validate())
	}

	assert.ErrorIs(t, Value{Kind: KindFloat, Float: math.NaN()}.Validate(), ErrInvalidValue)
	assert.ErrorIs(t, StringValue(string([]byte{0xc0})).Validate(), ErrInvalidValue)
	assert.ErrorIs(t, Value{Kind: Kind(99)}.Validate(), ErrInvalidValue)
}

func TestValueEqualNormalizesNumbers(t *testing.T) {
	assert.True(t, IntValue(3).Equal(Value{Kind: KindFloat, Float: 3.0}))
	assert.False(t, IntValue(3).Equal(FloatValue(3.5)))
	assert.True(t, MapValue(map[string]Value{"a": IntValue(1)}).Equal(MapValue(map[string]Value{"a": IntValue(1)})))
	assert.False(t, MapValue(map[string]Value{"a": IntValue(1)}).Equal(MapValue(map[string]Value{"b": IntValue(1)})))
}

func TestKeyValidation(t *testing.T) {
	assert.NoError(t, ValidateNamespace("users"))
	assert.ErrorIs(t, ValidateNamespace(""), ErrInvalidValue)
	long := make([]byte, MaxNamespaceLen+1)
	for i := range long {
		long[i] = 'n'
	}
	assert.ErrorIs(t, ValidateNamespace(string(long)), ErrInvalidValue)
	assert.NoError(t, ValidateKey("k"))
	assert.ErrorIs(t, ValidateKey(""), ErrInvalidValue)
}

func TestDominates(t *testing.T) {
	t0 := time.Now().UTC()
	a := &VersionRecord{Timestamp: t0, Seq: 1}
	b := &VersionRecord{Timestamp: t0.Add(time.Second), Seq: 1}
	assert.True(t, b.Dominates(a))
	assert.False(t, a.Dominates(b))

	// Equal timestamps: greater (origin, seq) wins.
	lo, hi := NodeID{1}, NodeID{2}
	c := &VersionRecord{Timestamp: t0, Origin: lo, Seq: 9}
	d := &VersionRecord{Timestamp: t0, Origin: hi, Seq: 1}
	assert.True(t, d.Dominates(c))

	e := &VersionRecord{Timestamp: t0, Origin: hi, Seq: 2}
	assert.True(t, e.Dominates(d))
}

func TestVersionVectorObserve(t *testing.T) {
	origin := NewNodeID()
	vv := VersionVector{}
	assert.True(t, vv.Observe(origin, 1))
	assert.True(t, vv.Observe(origin, 2))
	assert.False(t, vv.Observe(origin, 2), "replay is not an advance")
	assert.False(t, vv.Observe(origin, 5), "gaps do not advance the contiguous mark")
	assert.Equal(t, uint64(2), vv.Get(origin))
}

func TestIDParsing(t *testing.T) {
	v := NewVersionID()
	parsed, err := ParseVersionID(v.String())
	require.NoError(t, err)
	assert.Equal(t, v, parsed)

	_, err = ParseVersionID("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidValue)

	c := ContentID{0xab}
	parsedC, err := ParseContentID(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, parsedC)
	_, err = ParseContentID("zz")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestRecordClone(t *testing.T) {
	rec := &VersionRecord{VersionID: NewVersionID(), Parents: []VersionID{NewVersionID()}}
	c := rec.Clone()
	c.Parents[0] = NewVersionID()
	assert.NotEqual(t, rec.Parents[0], c.Parents[0], "clone must not share parent storage")
}
