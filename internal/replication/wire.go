// Package replication converges peers on the set of version records via
// anti-entropy gossip: periodic version-vector exchanges, ranged pulls of
// missing versions, and blob shipping. Received versions funnel through
// the standard write pipeline, so replication itself mutates nothing.
package replication

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/wal"
)

// ProtoVersion is the peer protocol version carried in HELLO.
const ProtoVersion = 1

// Peer frame types.
const (
	MsgHello   uint8 = 1
	MsgVector  uint8 = 2
	MsgRequest uint8 = 3
	MsgVersion uint8 = 4
	MsgBlob    uint8 = 5
	MsgAck     uint8 = 6
	MsgBye     uint8 = 7
)

// maxWireFrame bounds a single peer frame.
const maxWireFrame = 1 << 30

// Message is one decoded peer frame.
type Message struct {
	Type    uint8
	Payload []byte
}

// writeMessage frames and sends: u32 length | u8 type | payload |
// u32 checksum over type..payload, little-endian throughout.
func writeMessage(w *bufio.Writer, msgType uint8, payload []byte) error {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	hdr[4] = msgType
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	sum := make([]byte, 0, len(payload)+1)
	sum = append(sum, msgType)
	sum = append(sum, payload...)
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], canonical.Checksum32(sum))
	if _, err := w.Write(tail[:]); err != nil {
		return err
	}
	return w.Flush()
}

// readMessage reads and verifies one frame.
func readMessage(r *bufio.Reader) (Message, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	length := binary.LittleEndian.Uint32(hdr[:4])
	if length > maxWireFrame {
		return Message{}, fmt.Errorf("%w: implausible peer frame length %d", types.ErrCorrupted, length)
	}
	msg := Message{Type: hdr[4], Payload: make([]byte, length)}
	if _, err := io.ReadFull(r, msg.Payload); err != nil {
		return Message{}, err
	}
	var tail [4]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return Message{}, err
	}
	sum := make([]byte, 0, length+1)
	sum = append(sum, msg.Type)
	sum = append(sum, msg.Payload...)
	if canonical.Checksum32(sum) != binary.LittleEndian.Uint32(tail[:]) {
		return Message{}, fmt.Errorf("%w: peer frame checksum mismatch", types.ErrCorrupted)
	}
	return msg, nil
}

// conn wraps a peer connection with buffered framing.
type conn struct {
	raw net.Conn
	r   *bufio.Reader
	w   *bufio.Writer
}

func newConn(raw net.Conn) *conn {
	return &conn{raw: raw, r: bufio.NewReader(raw), w: bufio.NewWriter(raw)}
}

func (c *conn) send(msgType uint8, payload []byte) error {
	return writeMessage(c.w, msgType, payload)
}

func (c *conn) recv() (Message, error) {
	return readMessage(c.r)
}

func (c *conn) Close() error { return c.raw.Close() }

// Hello is the HELLO payload.
type Hello struct {
	NodeID       types.NodeID
	ProtoVersion uint32
	// ListenAddr lets the accepting side gossip back to the dialer.
	ListenAddr string
}

func encodeHello(h Hello) []byte {
	buf := make([]byte, 0, 24+len(h.ListenAddr))
	buf = append(buf, h.NodeID[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.ProtoVersion)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.ListenAddr)))
	return append(buf, h.ListenAddr...)
}

func decodeHello(b []byte) (Hello, error) {
	var h Hello
	if len(b) < 22 {
		return h, fmt.Errorf("%w: truncated hello", types.ErrCorrupted)
	}
	copy(h.NodeID[:], b[:16])
	h.ProtoVersion = binary.LittleEndian.Uint32(b[16:])
	n := int(binary.LittleEndian.Uint16(b[20:]))
	if len(b) != 22+n {
		return h, fmt.Errorf("%w: malformed hello", types.ErrCorrupted)
	}
	h.ListenAddr = string(b[22:])
	return h, nil
}

func encodeVector(vv types.VersionVector) []byte {
	buf := make([]byte, 0, 4+24*len(vv))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(vv)))
	for origin, seq := range vv {
		buf = append(buf, origin[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, seq)
	}
	return buf
}

func decodeVector(b []byte) (types.VersionVector, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: truncated version vector", types.ErrCorrupted)
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) != n*24 {
		return nil, fmt.Errorf("%w: version vector size mismatch", types.ErrCorrupted)
	}
	vv := make(types.VersionVector, n)
	for i := uint32(0); i < n; i++ {
		var origin types.NodeID
		copy(origin[:], b[i*24:])
		vv[origin] = binary.LittleEndian.Uint64(b[i*24+16:])
	}
	return vv, nil
}

func encodeRanges(ranges []types.SeqRange) []byte {
	buf := make([]byte, 0, 4+32*len(ranges))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ranges)))
	for _, r := range ranges {
		buf = append(buf, r.Origin[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, r.From)
		buf = binary.LittleEndian.AppendUint64(buf, r.To)
	}
	return buf
}

func decodeRanges(b []byte) ([]types.SeqRange, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: truncated request", types.ErrCorrupted)
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint32(len(b)) != n*32 {
		return nil, fmt.Errorf("%w: request size mismatch", types.ErrCorrupted)
	}
	out := make([]types.SeqRange, n)
	for i := uint32(0); i < n; i++ {
		copy(out[i].Origin[:], b[i*32:])
		out[i].From = binary.LittleEndian.Uint64(b[i*32+16:])
		out[i].To = binary.LittleEndian.Uint64(b[i*32+24:])
	}
	return out, nil
}

// VersionFrame is a shipped version record with its optional embedding.
type VersionFrame struct {
	Address types.Address
	Record  types.VersionRecord
	Vector  *types.VectorEntry
}

func encodeVersionFrame(vf VersionFrame) []byte {
	var tomb byte
	if vf.Record.Tombstone {
		tomb = 1
	}
	body := wal.EncodeVersion(vf.Address, &vf.Record)
	buf := make([]byte, 0, len(body)+8)
	buf = append(buf, tomb)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	if vf.Vector != nil {
		buf = append(buf, 1)
		buf = append(buf, wal.EncodeVector(vf.Vector)...)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeVersionFrame(b []byte) (VersionFrame, error) {
	var vf VersionFrame
	if len(b) < 5 {
		return vf, fmt.Errorf("%w: truncated version frame", types.ErrCorrupted)
	}
	tomb := b[0] == 1
	n := binary.LittleEndian.Uint32(b[1:])
	b = b[5:]
	if uint32(len(b)) < n+1 {
		return vf, fmt.Errorf("%w: version frame size mismatch", types.ErrCorrupted)
	}
	payload, err := wal.DecodeVersion(b[:n], tomb)
	if err != nil {
		return vf, err
	}
	vf.Address = payload.Address
	vf.Record = payload.Record
	b = b[n:]
	if b[0] == 1 {
		entry, err := wal.DecodeVector(b[1:])
		if err != nil {
			return vf, err
		}
		vf.Vector = &entry
	}
	return vf, nil
}

func encodeBlob(id types.ContentID, data []byte) []byte {
	return wal.EncodeBlob(id, data)
}

func decodeBlob(b []byte) (types.ContentID, []byte, error) {
	p, err := wal.DecodeBlob(b)
	if err != nil {
		return types.ContentID{}, nil, err
	}
	return p.ContentID, p.Bytes, nil
}
