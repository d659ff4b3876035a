package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/debug"
	"github.com/swyrknt/koru-delta/internal/types"
)

// Segment file layout: a 16-byte header (magic "KDLT", u32 format
// version, u64 created_at), a run of frames, and — once sealed — a
// 20-byte footer (u32 sentinel, u64 last_offset, u32 frame_count,
// u32 checksum over last_offset..frame_count). The sentinel is an
// impossible frame length, so a scanner hitting it knows the segment is
// sealed rather than damaged.
const (
	segmentMagic      = "KDLT"
	segmentVersion    = 1
	segmentHeaderSize = 16
	segmentFooterSize = 20
	footerSentinel    = 0xFFFFFFFF
)

// FS is the local-filesystem backend: numbered segment files under a
// data directory.
type FS struct {
	dir         string
	segmentSize int64

	mu         sync.Mutex
	active     *os.File
	activeSeq  uint64
	activeSize int64
	sealed     map[uint64]int64 // seq -> file size
}

// OpenFS opens (or initializes) the segment store in dir. The data
// directory lock is the caller's responsibility.
func OpenFS(dir string, segmentSize int64) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	fs := &FS{dir: dir, segmentSize: segmentSize, sealed: make(map[uint64]int64)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read wal directory: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		var seq uint64
		if n, _ := fmt.Sscanf(e.Name(), "wal-%016x.seg", &seq); n == 1 {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	if len(seqs) == 0 {
		if err := fs.startSegment(1); err != nil {
			return nil, err
		}
		return fs, nil
	}
	for _, seq := range seqs[:len(seqs)-1] {
		info, err := os.Stat(fs.segmentPath(seq))
		if err != nil {
			return nil, fmt.Errorf("failed to stat segment %d: %w", seq, err)
		}
		fs.sealed[seq] = info.Size()
	}
	last := seqs[len(seqs)-1]
	if fs.isSealed(last) {
		info, _ := os.Stat(fs.segmentPath(last))
		fs.sealed[last] = info.Size()
		return fs, fs.startSegment(last + 1)
	}
	f, err := os.OpenFile(fs.segmentPath(last), os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat active segment: %w", err)
	}
	fs.active, fs.activeSeq, fs.activeSize = f, last, info.Size()
	return fs, nil
}

func (fs *FS) segmentPath(seq uint64) string {
	return filepath.Join(fs.dir, fmt.Sprintf("wal-%016x.seg", seq))
}

func (fs *FS) startSegment(seq uint64) error {
	f, err := os.OpenFile(fs.segmentPath(seq), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create segment %d: %w", seq, err)
	}
	hdr := make([]byte, 0, segmentHeaderSize)
	hdr = append(hdr, segmentMagic...)
	hdr = binary.LittleEndian.AppendUint32(hdr, segmentVersion)
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(time.Now().UTC().Unix()))
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return fmt.Errorf("failed to write segment header: %w", err)
	}
	fs.active, fs.activeSeq, fs.activeSize = f, seq, segmentHeaderSize
	return nil
}

func (fs *FS) isSealed(seq uint64) bool {
	f, err := os.Open(fs.segmentPath(seq))
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() < segmentHeaderSize+segmentFooterSize {
		return false
	}
	foot := make([]byte, segmentFooterSize)
	if _, err := f.ReadAt(foot, info.Size()-segmentFooterSize); err != nil {
		return false
	}
	return validFooter(foot)
}

func validFooter(foot []byte) bool {
	if binary.LittleEndian.Uint32(foot) != footerSentinel {
		return false
	}
	want := binary.LittleEndian.Uint32(foot[16:])
	return canonical.Checksum32(foot[4:16]) == want
}

// AppendFrame appends the encoded frame to the active segment, rotating
// first if the segment is full.
func (fs *FS) AppendFrame(data []byte) (Position, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.activeSize > segmentHeaderSize && fs.activeSize+int64(len(data)) > fs.segmentSize {
		if err := fs.rotateLocked(); err != nil {
			return Position{}, err
		}
	}
	pos := Position{Segment: fs.activeSeq, Offset: fs.activeSize}
	if _, err := fs.active.WriteAt(data, fs.activeSize); err != nil {
		return Position{}, fmt.Errorf("failed to append frame: %w", err)
	}
	fs.activeSize += int64(len(data))
	return pos, nil
}

// ReadFrameAt reads the raw frame at pos.
func (fs *FS) ReadFrameAt(pos Position) ([]byte, error) {
	fs.mu.Lock()
	var f *os.File
	var err error
	var closeAfter bool
	if pos.Segment == fs.activeSeq {
		f = fs.active
	} else {
		closeAfter = true
		f, err = os.Open(fs.segmentPath(pos.Segment))
	}
	fs.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %d: %w", pos.Segment, err)
	}
	if closeAfter {
		defer f.Close()
	}
	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, pos.Offset); err != nil {
		return nil, fmt.Errorf("%w: failed to read frame header: %v", types.ErrCorrupted, err)
	}
	length := binary.LittleEndian.Uint32(hdr)
	if length > MaxPayload {
		return nil, fmt.Errorf("%w: implausible frame length at %d/%d", types.ErrCorrupted, pos.Segment, pos.Offset)
	}
	buf := make([]byte, headerSize+int(length)+trailerSize)
	if _, err := f.ReadAt(buf, pos.Offset); err != nil {
		return nil, fmt.Errorf("%w: failed to read frame body: %v", types.ErrCorrupted, err)
	}
	return buf, nil
}

// ListSegments returns all segments in ascending order.
func (fs *FS) ListSegments() ([]SegmentInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.listLocked(), nil
}

func (fs *FS) listLocked() []SegmentInfo {
	out := make([]SegmentInfo, 0, len(fs.sealed)+1)
	for seq, size := range fs.sealed {
		out = append(out, SegmentInfo{Seq: seq, Size: size, Sealed: true})
	}
	out = append(out, SegmentInfo{Seq: fs.activeSeq, Size: fs.activeSize})
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Rotate seals the active segment and starts the next one.
func (fs *FS) Rotate() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.rotateLocked()
}

func (fs *FS) rotateLocked() error {
	count, err := fs.countFramesLocked()
	if err != nil {
		return err
	}
	foot := make([]byte, 0, segmentFooterSize)
	foot = binary.LittleEndian.AppendUint32(foot, footerSentinel)
	foot = binary.LittleEndian.AppendUint64(foot, uint64(fs.activeSize))
	foot = binary.LittleEndian.AppendUint32(foot, count)
	foot = binary.LittleEndian.AppendUint32(foot, canonical.Checksum32(foot[4:16]))
	if _, err := fs.active.WriteAt(foot, fs.activeSize); err != nil {
		return fmt.Errorf("failed to write segment footer: %w", err)
	}
	if err := fs.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync sealed segment: %w", err)
	}
	if err := fs.active.Close(); err != nil {
		return fmt.Errorf("failed to close sealed segment: %w", err)
	}
	fs.sealed[fs.activeSeq] = fs.activeSize + segmentFooterSize
	debug.Logf("wal: sealed segment %d (%d bytes, %d frames)", fs.activeSeq, fs.activeSize, count)
	return fs.startSegment(fs.activeSeq + 1)
}

func (fs *FS) countFramesLocked() (uint32, error) {
	buf := make([]byte, fs.activeSize)
	if _, err := fs.active.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("failed to scan active segment: %w", err)
	}
	var count uint32
	off := int64(segmentHeaderSize)
	for off < fs.activeSize {
		_, n, err := DecodeFrame(buf[off:])
		if err != nil {
			return 0, fmt.Errorf("cannot seal segment with damaged tail: %w", err)
		}
		off += int64(n)
		count++
	}
	return count, nil
}

// Fsync forces the active segment to stable storage.
func (fs *FS) Fsync() error {
	fs.mu.Lock()
	f := fs.active
	fs.mu.Unlock()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to fsync wal: %w", err)
	}
	return nil
}

// IterFrom iterates frames starting at pos.
func (fs *FS) IterFrom(pos Position) (*Iterator, error) {
	fs.mu.Lock()
	segments := fs.listLocked()
	fs.mu.Unlock()
	return newIterator(segments, pos, fs.loadSegment), nil
}

func (fs *FS) loadSegment(seg SegmentInfo) ([]byte, int64, error) {
	data, err := os.ReadFile(fs.segmentPath(seg.Seq))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read segment %d: %w", seg.Seq, err)
	}
	if len(data) < segmentHeaderSize || string(data[:4]) != segmentMagic {
		return nil, 0, fmt.Errorf("%w: segment %d has bad header", types.ErrCorrupted, seg.Seq)
	}
	dataEnd := int64(len(data))
	if seg.Sealed && dataEnd >= segmentHeaderSize+segmentFooterSize &&
		validFooter(data[dataEnd-segmentFooterSize:]) {
		dataEnd -= segmentFooterSize
	}
	return data, dataEnd, nil
}

// TruncateActive discards the active segment's tail at and after offset.
func (fs *FS) TruncateActive(offset int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if offset < segmentHeaderSize {
		offset = segmentHeaderSize
	}
	if err := fs.active.Truncate(offset); err != nil {
		return fmt.Errorf("failed to truncate wal tail: %w", err)
	}
	if err := fs.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync truncated wal: %w", err)
	}
	fs.activeSize = offset
	debug.Logf("wal: truncated active segment %d to %d", fs.activeSeq, offset)
	return nil
}

// DiskBytes returns the total size of all segments.
func (fs *FS) DiskBytes() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	total := fs.activeSize
	for _, size := range fs.sealed {
		total += size
	}
	return total
}

// Close syncs and closes the active segment.
func (fs *FS) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.active == nil {
		return nil
	}
	if err := fs.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal on close: %w", err)
	}
	err := fs.active.Close()
	fs.active = nil
	return err
}

var _ Backend = (*FS)(nil)
