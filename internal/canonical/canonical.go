// Package canonical is the sole authority on the byte form of a value.
// Two values with the same structure produce identical bytes on any node,
// so the blake2b hash of those bytes is a stable content identity.
//
// Encoding: one tag byte per kind, zigzag varints for integers, 8-byte
// little-endian IEEE-754 for floats not representable as int64, u32
// little-endian length prefixes for strings and containers, and map
// entries ordered by bytewise key comparison.
package canonical

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"golang.org/x/crypto/blake2b"

	"github.com/swyrknt/koru-delta/internal/types"
)

// Tag bytes of the canonical encoding.
const (
	tagNull  = 0x00
	tagFalse = 0x01
	tagTrue  = 0x02
	tagInt   = 0x03
	tagFloat = 0x04
	tagStr   = 0x05
	tagSeq   = 0x06
	tagMap   = 0x07
)

// Encode renders the canonical byte form of a value. The value must
// validate; unsupported content returns ErrInvalidValue and no bytes.
func Encode(v types.Value) ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 64)
	return appendValue(buf, v), nil
}

// Hash computes the 256-bit content ID of a value's canonical bytes.
func Hash(v types.Value) (types.ContentID, []byte, error) {
	b, err := Encode(v)
	if err != nil {
		return types.ZeroContentID, nil, err
	}
	return HashBytes(b), b, nil
}

// HashBytes hashes already-canonical bytes.
func HashBytes(b []byte) types.ContentID {
	return types.ContentID(blake2b.Sum256(b))
}

// Checksum32 is the frame checksum used by the WAL and the peer wire
// protocol: the first four bytes of blake2b-256 over the covered range,
// read little-endian.
func Checksum32(b []byte) uint32 {
	sum := blake2b.Sum256(b)
	return binary.LittleEndian.Uint32(sum[:4])
}

// TombstoneContentID is the sentinel content ID carried by tombstone
// versions: the hash of canonical null. It is never stored as a blob.
func TombstoneContentID() types.ContentID {
	return HashBytes([]byte{tagNull})
}

func appendValue(buf []byte, v types.Value) []byte {
	switch v.Kind {
	case types.KindNull:
		return append(buf, tagNull)
	case types.KindBool:
		if v.Bool {
			return append(buf, tagTrue)
		}
		return append(buf, tagFalse)
	case types.KindInt:
		buf = append(buf, tagInt)
		return binary.AppendUvarint(buf, zigzag(v.Int))
	case types.KindFloat:
		// Floats representable as int64 collapse to the int form so 2
		// and 2.0 share one identity.
		if f := v.Float; f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			buf = append(buf, tagInt)
			return binary.AppendUvarint(buf, zigzag(int64(f)))
		}
		buf = append(buf, tagFloat)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Float))
	case types.KindString:
		buf = append(buf, tagStr)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Str)))
		return append(buf, v.Str...)
	case types.KindSeq:
		buf = append(buf, tagSeq)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Seq)))
		for _, e := range v.Seq {
			buf = appendValue(buf, e)
		}
		return buf
	case types.KindMap:
		buf = append(buf, tagMap)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Map)))
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			buf = append(buf, tagStr)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(k)))
			buf = append(buf, k...)
			buf = appendValue(buf, v.Map[k])
		}
		return buf
	}
	// Validate rejected everything else already.
	return buf
}

func zigzag(i int64) uint64 {
	return uint64((i << 1) ^ (i >> 63))
}

func unzigzag(u uint64) int64 {
	return int64(u>>1) ^ -int64(u&1)
}

// Decode parses canonical bytes back into a value. Trailing bytes or a
// malformed stream return ErrCorrupted: canonical bytes only ever come
// from Encode, so damage means storage corruption, not caller error.
func Decode(b []byte) (types.Value, error) {
	v, rest, err := decodeValue(b)
	if err != nil {
		return types.Value{}, err
	}
	if len(rest) != 0 {
		return types.Value{}, fmt.Errorf("%w: %d trailing bytes after canonical value", types.ErrCorrupted, len(rest))
	}
	return v, nil
}

func decodeValue(b []byte) (types.Value, []byte, error) {
	if len(b) == 0 {
		return types.Value{}, nil, fmt.Errorf("%w: truncated canonical value", types.ErrCorrupted)
	}
	tag, b := b[0], b[1:]
	switch tag {
	case tagNull:
		return types.Null(), b, nil
	case tagFalse:
		return types.BoolValue(false), b, nil
	case tagTrue:
		return types.BoolValue(true), b, nil
	case tagInt:
		u, n := binary.Uvarint(b)
		if n <= 0 {
			return types.Value{}, nil, fmt.Errorf("%w: malformed varint", types.ErrCorrupted)
		}
		return types.IntValue(unzigzag(u)), b[n:], nil
	case tagFloat:
		if len(b) < 8 {
			return types.Value{}, nil, fmt.Errorf("%w: truncated float", types.ErrCorrupted)
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(b))
		return types.Value{Kind: types.KindFloat, Float: f}, b[8:], nil
	case tagStr:
		s, rest, err := decodeString(b)
		if err != nil {
			return types.Value{}, nil, err
		}
		return types.StringValue(s), rest, nil
	case tagSeq:
		if len(b) < 4 {
			return types.Value{}, nil, fmt.Errorf("%w: truncated seq header", types.ErrCorrupted)
		}
		n := binary.LittleEndian.Uint32(b)
		b = b[4:]
		elems := make([]types.Value, 0, min(int(n), 1024))
		for i := uint32(0); i < n; i++ {
			var e types.Value
			var err error
			e, b, err = decodeValue(b)
			if err != nil {
				return types.Value{}, nil, err
			}
			elems = append(elems, e)
		}
		return types.Value{Kind: types.KindSeq, Seq: elems}, b, nil
	case tagMap:
		if len(b) < 4 {
			return types.Value{}, nil, fmt.Errorf("%w: truncated map header", types.ErrCorrupted)
		}
		n := binary.LittleEndian.Uint32(b)
		b = b[4:]
		m := make(map[string]types.Value, min(int(n), 1024))
		for i := uint32(0); i < n; i++ {
			if len(b) == 0 || b[0] != tagStr {
				return types.Value{}, nil, fmt.Errorf("%w: map key is not a string", types.ErrCorrupted)
			}
			var k string
			var err error
			k, b, err = decodeString(b[1:])
			if err != nil {
				return types.Value{}, nil, err
			}
			var e types.Value
			e, b, err = decodeValue(b)
			if err != nil {
				return types.Value{}, nil, err
			}
			m[k] = e
		}
		return types.MapValue(m), b, nil
	}
	return types.Value{}, nil, fmt.Errorf("%w: unknown tag 0x%02x", types.ErrCorrupted, tag)
}

func decodeString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("%w: truncated string header", types.ErrCorrupted)
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) < n {
		return "", nil, fmt.Errorf("%w: truncated string body", types.ErrCorrupted)
	}
	return string(b[:n]), b[n:], nil
}
