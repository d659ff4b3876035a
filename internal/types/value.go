// Package types defines the shared vocabulary of the engine: structured
// values, content and version identities, version records, tiers, and the
// error taxonomy. Every other package speaks in these types.
package types

import (
	"fmt"
	"math"
	"sort"
	"unicode/utf8"
)

// Kind enumerates the structured value kinds the engine accepts.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSeq
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindSeq:
		return "seq"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a tagged variant over the structured kinds. Exactly one of the
// payload fields is meaningful, selected by Kind. Values are treated as
// immutable once handed to the engine.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	Seq   []Value
	Map   map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{Kind: KindNull} }

// BoolValue wraps a bool.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// IntValue wraps an integer.
func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

// FloatValue wraps a float. Floats whose value is exactly representable
// as int64 are normalized to KindInt so that 2 and 2.0 share one
// canonical form.
func FloatValue(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && f >= math.MinInt64 && f < math.MaxInt64 {
		return Value{Kind: KindInt, Int: int64(f)}
	}
	return Value{Kind: KindFloat, Float: f}
}

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// SeqValue wraps a sequence.
func SeqValue(elems ...Value) Value { return Value{Kind: KindSeq, Seq: elems} }

// MapValue wraps a mapping.
func MapValue(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }

// Validate checks that the value tree contains only encodable content:
// no NaN or infinite floats, valid UTF-8 strings and map keys. It returns
// ErrInvalidValue before any engine state is touched.
func (v Value) Validate() error {
	switch v.Kind {
	case KindNull, KindBool, KindInt:
		return nil
	case KindFloat:
		if math.IsNaN(v.Float) {
			return fmt.Errorf("%w: NaN float", ErrInvalidValue)
		}
		if math.IsInf(v.Float, 0) {
			return fmt.Errorf("%w: infinite float", ErrInvalidValue)
		}
		return nil
	case KindString:
		if !utf8.ValidString(v.Str) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrInvalidValue)
		}
		return nil
	case KindSeq:
		for i, e := range v.Seq {
			if err := e.Validate(); err != nil {
				return fmt.Errorf("seq[%d]: %w", i, err)
			}
		}
		return nil
	case KindMap:
		for k, e := range v.Map {
			if !utf8.ValidString(k) {
				return fmt.Errorf("%w: map key is not valid UTF-8", ErrInvalidValue)
			}
			if err := e.Validate(); err != nil {
				return fmt.Errorf("map[%q]: %w", k, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unsupported kind %s", ErrInvalidValue, v.Kind)
}

// SortedKeys returns the map keys in sorted order. Only meaningful for
// KindMap values.
func (v Value) SortedKeys() []string {
	keys := make([]string, 0, len(v.Map))
	for k := range v.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports structural equality. Int/float normalization is applied
// the same way the canonical encoder applies it, so Equal(a, b) matches
// canonical-byte equality for valid values.
func (v Value) Equal(o Value) bool {
	a, b := v.normalize(), o.normalize()
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindFloat:
		return a.Float == b.Float
	case KindString:
		return a.Str == b.Str
	case KindSeq:
		if len(a.Seq) != len(b.Seq) {
			return false
		}
		for i := range a.Seq {
			if !a.Seq[i].Equal(b.Seq[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, av := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !av.Equal(bv) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) normalize() Value {
	if v.Kind == KindFloat {
		return FloatValue(v.Float)
	}
	return v
}
