// Package wal implements the write-ahead log: checksummed frames in
// rotating segment files, a single-owner writer with group commit, and
// forward recovery scans. Nothing in the engine is visible to readers
// before its frames are durable under the active fsync policy.
package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/types"
)

// Frame kinds.
const (
	KindPutVersion uint8 = 1
	KindTombstone  uint8 = 2
	KindBlobBytes  uint8 = 3
	KindVectorPut  uint8 = 4
	KindCheckpoint uint8 = 5
)

// Frame flags.
const (
	// FlagBatchMember marks a frame belonging to a multi-key atomic
	// batch.
	FlagBatchMember uint8 = 1 << 0
	// FlagBatchEnd marks the last frame of a batch. Recovery discards a
	// run of batch members with no end marker.
	FlagBatchEnd uint8 = 1 << 1
	// FlagReplicated marks a frame admitted from a peer rather than a
	// local client write.
	FlagReplicated uint8 = 1 << 2
)

// headerSize is the fixed prefix: u32 length, u8 kind, u8 flags,
// u16 reserved. The u32 checksum trails the payload and covers
// kind..payload inclusive. All integers little-endian.
const headerSize = 8

// trailerSize is the checksum.
const trailerSize = 4

// MaxPayload bounds a single frame payload.
const MaxPayload = 1 << 30

// Frame is one WAL record.
type Frame struct {
	Kind    uint8
	Flags   uint8
	Payload []byte
}

// EncodedSize returns the on-disk size of the frame.
func (f *Frame) EncodedSize() int {
	return headerSize + len(f.Payload) + trailerSize
}

// Encode renders the frame in its wire form.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: frame payload %d exceeds limit", types.ErrResourceExhausted, len(f.Payload))
	}
	buf := make([]byte, 0, f.EncodedSize())
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Payload)))
	buf = append(buf, f.Kind, f.Flags)
	buf = binary.LittleEndian.AppendUint16(buf, 0) // reserved
	buf = append(buf, f.Payload...)
	buf = binary.LittleEndian.AppendUint32(buf, canonical.Checksum32(buf[4:]))
	return buf, nil
}

// DecodeFrame parses one frame from the head of b, returning the frame
// and the number of bytes consumed. A short buffer or checksum mismatch
// returns ErrCorrupted; recovery treats that as the end of the intact
// prefix.
func DecodeFrame(b []byte) (Frame, int, error) {
	if len(b) < headerSize+trailerSize {
		return Frame{}, 0, fmt.Errorf("%w: truncated frame header", types.ErrCorrupted)
	}
	length := binary.LittleEndian.Uint32(b)
	if length > MaxPayload {
		return Frame{}, 0, fmt.Errorf("%w: implausible frame length %d", types.ErrCorrupted, length)
	}
	total := headerSize + int(length) + trailerSize
	if len(b) < total {
		return Frame{}, 0, fmt.Errorf("%w: truncated frame body", types.ErrCorrupted)
	}
	want := binary.LittleEndian.Uint32(b[total-trailerSize:])
	if got := canonical.Checksum32(b[4 : total-trailerSize]); got != want {
		return Frame{}, 0, fmt.Errorf("%w: frame checksum mismatch", types.ErrCorrupted)
	}
	f := Frame{
		Kind:    b[4],
		Flags:   b[5],
		Payload: append([]byte(nil), b[headerSize:headerSize+int(length)]...),
	}
	return f, total, nil
}
