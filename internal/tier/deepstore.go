package tier

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/swyrknt/koru-delta/internal/types"
)

// DeepStore holds compacted blobs: zstd-compressed records appended to
// numbered files under <data>/deep. Records are
// `content_id (32) | u32 compressed_len | compressed bytes`; the
// in-memory index maps content IDs to their location and is rebuilt by
// scanning on open.
type DeepStore struct {
	dir string

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu         sync.Mutex
	index      map[types.ContentID]deepRef
	fileSeq    uint64
	active     *os.File
	activeSize int64
	totalSize  int64
}

type deepRef struct {
	file   uint64
	offset int64
	length int64 // compressed length
}

const deepRecordHeader = 36

// OpenDeep opens (or initializes) the deep store under dir.
func OpenDeep(dir string) (*DeepStore, error) {
	deepDir := filepath.Join(dir, "deep")
	if err := os.MkdirAll(deepDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create deep directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	d := &DeepStore{dir: deepDir, enc: enc, dec: dec, index: make(map[types.ContentID]deepRef)}
	if err := d.rebuild(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DeepStore) filePath(seq uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("deep-%08x.dat", seq))
}

func (d *DeepStore) rebuild() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("failed to read deep directory: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		var seq uint64
		if n, _ := fmt.Sscanf(e.Name(), "deep-%08x.dat", &seq); n == 1 {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		data, err := os.ReadFile(d.filePath(seq))
		if err != nil {
			return fmt.Errorf("failed to read deep file %d: %w", seq, err)
		}
		var off int64
		for off+deepRecordHeader <= int64(len(data)) {
			var id types.ContentID
			copy(id[:], data[off:])
			length := int64(binary.LittleEndian.Uint32(data[off+32:]))
			if off+deepRecordHeader+length > int64(len(data)) {
				break // torn tail from a crash mid-compaction
			}
			d.index[id] = deepRef{file: seq, offset: off + deepRecordHeader, length: length}
			off += deepRecordHeader + length
		}
		d.totalSize += int64(len(data))
		d.fileSeq = seq
	}
	return nil
}

// Put compresses and appends a blob, returning once the record is
// synced.
func (d *DeepStore) Put(id types.ContentID, data []byte) error {
	compressed := d.enc.EncodeAll(data, nil)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.index[id]; ok {
		return nil
	}
	if d.active == nil {
		d.fileSeq++
		f, err := os.OpenFile(d.filePath(d.fileSeq), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open deep file: %w", err)
		}
		d.active = f
		d.activeSize = 0
	}
	rec := make([]byte, 0, deepRecordHeader+len(compressed))
	rec = append(rec, id[:]...)
	rec = binary.LittleEndian.AppendUint32(rec, uint32(len(compressed)))
	rec = append(rec, compressed...)
	if _, err := d.active.Write(rec); err != nil {
		return fmt.Errorf("failed to append deep record: %w", err)
	}
	if err := d.active.Sync(); err != nil {
		return fmt.Errorf("failed to sync deep store: %w", err)
	}
	d.index[id] = deepRef{file: d.fileSeq, offset: d.activeSize + deepRecordHeader, length: int64(len(compressed))}
	d.activeSize += int64(len(rec))
	d.totalSize += int64(len(rec))
	return nil
}

// TotalBytes reports the deep store's on-disk footprint.
func (d *DeepStore) TotalBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

// Get reads and decompresses a blob.
func (d *DeepStore) Get(id types.ContentID) ([]byte, error) {
	d.mu.Lock()
	ref, ok := d.index[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: deep blob %s", types.ErrNotFound, id)
	}
	f, err := os.Open(d.filePath(ref.file))
	if err != nil {
		return nil, fmt.Errorf("failed to open deep file: %w", err)
	}
	defer f.Close()
	buf := make([]byte, ref.length)
	if _, err := f.ReadAt(buf, ref.offset); err != nil {
		return nil, fmt.Errorf("%w: deep blob %s unreadable: %v", types.ErrCorrupted, id, err)
	}
	data, err := d.dec.DecodeAll(buf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: deep blob %s: %v", types.ErrCorrupted, id, err)
	}
	return data, nil
}

// Contains reports whether the deep store holds the blob.
func (d *DeepStore) Contains(id types.ContentID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[id]
	return ok
}

// Close releases the active file.
func (d *DeepStore) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active != nil {
		if err := d.active.Close(); err != nil {
			return err
		}
		d.active = nil
	}
	d.enc.Close()
	return nil
}
