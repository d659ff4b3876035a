package wal

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/types"
)

// Mem is the object-store backend: segments are byte blobs keyed by
// sequence number. It backs ":memory:" engines and stands in for the
// browser-local store, where Fsync is a no-op and durability is the
// store's own commit.
type Mem struct {
	segmentSize int64

	mu        sync.Mutex
	segments  map[uint64][]byte
	activeSeq uint64
	sealedSet map[uint64]bool
}

// OpenMem creates an empty in-memory segment store.
func OpenMem(segmentSize int64) *Mem {
	m := &Mem{
		segmentSize: segmentSize,
		segments:    make(map[uint64][]byte),
		sealedSet:   make(map[uint64]bool),
	}
	m.startSegment(1)
	return m
}

func (m *Mem) startSegment(seq uint64) {
	hdr := make([]byte, 0, segmentHeaderSize)
	hdr = append(hdr, segmentMagic...)
	hdr = binary.LittleEndian.AppendUint32(hdr, segmentVersion)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(time.Now().UTC().Unix()))
	m.segments[seq] = hdr
	m.activeSeq = seq
}

// AppendFrame appends an encoded frame to the active segment.
func (m *Mem) AppendFrame(data []byte) (Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := m.segments[m.activeSeq]
	if int64(len(active)) > segmentHeaderSize && int64(len(active)+len(data)) > m.segmentSize {
		m.rotateLocked()
		active = m.segments[m.activeSeq]
	}
	pos := Position{Segment: m.activeSeq, Offset: int64(len(active))}
	m.segments[m.activeSeq] = append(active, data...)
	return pos, nil
}

// ReadFrameAt reads the raw frame at pos.
func (m *Mem) ReadFrameAt(pos Position) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[pos.Segment]
	if !ok {
		return nil, fmt.Errorf("%w: unknown segment %d", types.ErrCorrupted, pos.Segment)
	}
	if pos.Offset < 0 || pos.Offset+headerSize > int64(len(seg)) {
		return nil, fmt.Errorf("%w: frame offset out of range", types.ErrCorrupted)
	}
	length := binary.LittleEndian.Uint32(seg[pos.Offset:])
	total := int64(headerSize) + int64(length) + trailerSize
	if pos.Offset+total > int64(len(seg)) {
		return nil, fmt.Errorf("%w: truncated frame", types.ErrCorrupted)
	}
	return append([]byte(nil), seg[pos.Offset:pos.Offset+total]...), nil
}

// ListSegments returns all segments in ascending order.
func (m *Mem) ListSegments() ([]SegmentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(), nil
}

func (m *Mem) listLocked() []SegmentInfo {
	out := make([]SegmentInfo, 0, len(m.segments))
	for seq, data := range m.segments {
		out = append(out, SegmentInfo{Seq: seq, Size: int64(len(data)), Sealed: m.sealedSet[seq]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Rotate seals the active segment and starts the next.
func (m *Mem) Rotate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rotateLocked()
	return nil
}

func (m *Mem) rotateLocked() {
	active := m.segments[m.activeSeq]
	var count uint32
	for off := segmentHeaderSize; off < len(active); {
		_, n, err := DecodeFrame(active[off:])
		if err != nil {
			break
		}
		off += n
		count++
	}
	foot := make([]byte, 0, segmentFooterSize)
	foot = binary.LittleEndian.AppendUint32(foot, footerSentinel)
	foot = binary.LittleEndian.AppendUint64(foot, uint64(len(active)))
	foot = binary.LittleEndian.AppendUint32(foot, count)
	foot = binary.LittleEndian.AppendUint32(foot, canonical.Checksum32(foot[4:16]))
	m.segments[m.activeSeq] = append(active, foot...)
	m.sealedSet[m.activeSeq] = true
	m.startSegment(m.activeSeq + 1)
}

// Fsync is a best-effort flush; the in-memory store commits immediately.
func (m *Mem) Fsync() error { return nil }

// IterFrom iterates frames starting at pos.
func (m *Mem) IterFrom(pos Position) (*Iterator, error) {
	m.mu.Lock()
	segments := m.listLocked()
	m.mu.Unlock()
	return newIterator(segments, pos, m.loadSegment), nil
}

func (m *Mem) loadSegment(seg SegmentInfo) ([]byte, int64, error) {
	m.mu.Lock()
	data, ok := m.segments[seg.Seq]
	sealed := m.sealedSet[seg.Seq]
	m.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown segment %d", types.ErrCorrupted, seg.Seq)
	}
	data = append([]byte(nil), data...)
	dataEnd := int64(len(data))
	if sealed && dataEnd >= segmentHeaderSize+segmentFooterSize &&
		validFooter(data[dataEnd-segmentFooterSize:]) {
		dataEnd -= segmentFooterSize
	}
	return data, dataEnd, nil
}

// TruncateActive discards the active segment's tail at and after offset.
func (m *Mem) TruncateActive(offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset < segmentHeaderSize {
		offset = segmentHeaderSize
	}
	active := m.segments[m.activeSeq]
	if offset < int64(len(active)) {
		m.segments[m.activeSeq] = active[:offset]
	}
	return nil
}

// DiskBytes returns the total stored size of all segments.
func (m *Mem) DiskBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, data := range m.segments {
		total += int64(len(data))
	}
	return total
}

// Close releases the store.
func (m *Mem) Close() error { return nil }

var _ Backend = (*Mem)(nil)
