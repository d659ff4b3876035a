package wal

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/swyrknt/koru-delta/internal/types"
)

// Payload codecs for each frame kind. All integers little-endian;
// strings are u16 length-prefixed UTF-8.

// VersionPayload is the decoded body of a put_version or tombstone
// frame.
type VersionPayload struct {
	Address types.Address
	Record  types.VersionRecord
}

// BlobPayload is the decoded body of a blob_bytes frame.
type BlobPayload struct {
	ContentID types.ContentID
	Bytes     []byte
}

// CheckpointPayload is the decoded body of a checkpoint frame: enough
// node state to bound the recovery scan.
type CheckpointPayload struct {
	LocalSeq uint64
	Vector   types.VersionVector
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string", types.ErrCorrupted)
	}
	n := int(binary.LittleEndian.Uint16(b))
	b = b[2:]
	if len(b) < n {
		return "", nil, fmt.Errorf("%w: truncated string body", types.ErrCorrupted)
	}
	return string(b[:n]), b[n:], nil
}

// EncodeVersion renders a put_version/tombstone payload.
func EncodeVersion(addr types.Address, rec *types.VersionRecord) []byte {
	buf := make([]byte, 0, 96+len(addr.Namespace)+len(addr.Key)+16*len(rec.Parents))
	buf = appendString(buf, addr.Namespace)
	buf = appendString(buf, addr.Key)
	buf = append(buf, rec.VersionID[:]...)
	buf = append(buf, rec.ContentID[:]...)
	buf = append(buf, rec.Origin[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, rec.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Timestamp.UnixNano()))
	buf = binary.LittleEndian.AppendUint64(buf, rec.VectorID)
	buf = append(buf, byte(len(rec.Parents)))
	for _, p := range rec.Parents {
		buf = append(buf, p[:]...)
	}
	return buf
}

// DecodeVersion parses a put_version/tombstone payload. The tombstone
// bit comes from the frame kind, not the payload.
func DecodeVersion(b []byte, tombstone bool) (VersionPayload, error) {
	var p VersionPayload
	var err error
	if p.Address.Namespace, b, err = readString(b); err != nil {
		return p, err
	}
	if p.Address.Key, b, err = readString(b); err != nil {
		return p, err
	}
	const fixed = 16 + 32 + 16 + 8 + 8 + 8 + 1
	if len(b) < fixed {
		return p, fmt.Errorf("%w: truncated version payload", types.ErrCorrupted)
	}
	copy(p.Record.VersionID[:], b[:16])
	copy(p.Record.ContentID[:], b[16:48])
	copy(p.Record.Origin[:], b[48:64])
	p.Record.Seq = binary.LittleEndian.Uint64(b[64:])
	p.Record.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(b[72:]))).UTC()
	p.Record.VectorID = binary.LittleEndian.Uint64(b[80:])
	nParents := int(b[88])
	b = b[fixed:]
	if len(b) != nParents*16 {
		return p, fmt.Errorf("%w: version payload parent list size mismatch", types.ErrCorrupted)
	}
	for i := 0; i < nParents; i++ {
		var id types.VersionID
		copy(id[:], b[i*16:])
		p.Record.Parents = append(p.Record.Parents, id)
	}
	p.Record.Tombstone = tombstone
	return p, nil
}

// EncodeBlob renders a blob_bytes payload.
func EncodeBlob(id types.ContentID, data []byte) []byte {
	buf := make([]byte, 0, 36+len(data))
	buf = append(buf, id[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

// DecodeBlob parses a blob_bytes payload.
func DecodeBlob(b []byte) (BlobPayload, error) {
	var p BlobPayload
	if len(b) < 36 {
		return p, fmt.Errorf("%w: truncated blob payload", types.ErrCorrupted)
	}
	copy(p.ContentID[:], b[:32])
	n := binary.LittleEndian.Uint32(b[32:])
	b = b[36:]
	if uint32(len(b)) != n {
		return p, fmt.Errorf("%w: blob payload size mismatch", types.ErrCorrupted)
	}
	p.Bytes = append([]byte(nil), b...)
	return p, nil
}

// EncodeVector renders a vector_put payload.
func EncodeVector(e *types.VectorEntry) []byte {
	buf := make([]byte, 0, 32+len(e.Namespace)+len(e.Key)+len(e.ModelTag)+4*len(e.Vector))
	buf = appendString(buf, e.Namespace)
	buf = appendString(buf, e.Key)
	buf = append(buf, e.VersionID[:]...)
	buf = appendString(buf, e.ModelTag)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Vector)))
	for _, f := range e.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// DecodeVector parses a vector_put payload.
func DecodeVector(b []byte) (types.VectorEntry, error) {
	var e types.VectorEntry
	var err error
	if e.Namespace, b, err = readString(b); err != nil {
		return e, err
	}
	if e.Key, b, err = readString(b); err != nil {
		return e, err
	}
	if len(b) < 16 {
		return e, fmt.Errorf("%w: truncated vector payload", types.ErrCorrupted)
	}
	copy(e.VersionID[:], b[:16])
	b = b[16:]
	if e.ModelTag, b, err = readString(b); err != nil {
		return e, err
	}
	if len(b) < 4 {
		return e, fmt.Errorf("%w: truncated vector header", types.ErrCorrupted)
	}
	dim := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) != dim*4 {
		return e, fmt.Errorf("%w: vector payload size mismatch", types.ErrCorrupted)
	}
	e.Vector = make([]float32, dim)
	for i := range e.Vector {
		e.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return e, nil
}

// EncodeCheckpoint renders a checkpoint payload.
func EncodeCheckpoint(p CheckpointPayload) []byte {
	buf := make([]byte, 0, 12+24*len(p.Vector))
	buf = binary.LittleEndian.AppendUint64(buf, p.LocalSeq)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Vector)))
	for origin, seq := range p.Vector {
		buf = append(buf, origin[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, seq)
	}
	return buf
}

// DecodeCheckpoint parses a checkpoint payload.
func DecodeCheckpoint(b []byte) (CheckpointPayload, error) {
	var p CheckpointPayload
	if len(b) < 12 {
		return p, fmt.Errorf("%w: truncated checkpoint payload", types.ErrCorrupted)
	}
	p.LocalSeq = binary.LittleEndian.Uint64(b)
	n := binary.LittleEndian.Uint32(b[8:])
	b = b[12:]
	if uint32(len(b)) != n*24 {
		return p, fmt.Errorf("%w: checkpoint payload size mismatch", types.ErrCorrupted)
	}
	p.Vector = make(types.VersionVector, n)
	for i := uint32(0); i < n; i++ {
		var origin types.NodeID
		copy(origin[:], b[i*24:])
		p.Vector[origin] = binary.LittleEndian.Uint64(b[i*24+16:])
	}
	return p, nil
}
