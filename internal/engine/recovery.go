package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/swyrknt/koru-delta/internal/debug"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/wal"
)

// recover replays the log: version records rebuild the index, blob
// frames rebuild the content catalog, vector frames rebuild the
// side-index, and refcounts are recomputed from the version records
// themselves. Every surviving version must end with a resident blob or
// be marked unreadable until a peer supplies it.
func (e *Engine) recover() error {
	type blobInfo struct {
		pos  wal.Position
		size int64
	}
	blobFrames := make(map[types.ContentID]blobInfo)
	refcounts := make(map[types.ContentID]int64)
	var replayed int

	res, err := wal.Recover(e.log, func(rf wal.RecoveredFrame) error {
		switch rf.Frame.Kind {
		case wal.KindBlobBytes:
			p, err := wal.DecodeBlob(rf.Frame.Payload)
			if err != nil {
				return err
			}
			blobFrames[p.ContentID] = blobInfo{pos: rf.Pos, size: int64(len(p.Bytes))}
		case wal.KindPutVersion, wal.KindTombstone:
			p, err := wal.DecodeVersion(rf.Frame.Payload, rf.Frame.Kind == wal.KindTombstone)
			if err != nil {
				return err
			}
			if err := e.index.Append(p.Address, &p.Record); err != nil {
				return fmt.Errorf("replaying version %s: %w", p.Record.VersionID, err)
			}
			if !p.Record.Tombstone {
				refcounts[p.Record.ContentID]++
			}
			if p.Record.Origin == e.nodeID && p.Record.Seq > e.seq {
				e.seq = p.Record.Seq
			}
			if p.Record.Timestamp.After(e.lastTS) {
				e.lastTS = p.Record.Timestamp
			}
			replayed++
		case wal.KindVectorPut:
			if len(rf.Frame.Payload) < 8 {
				return fmt.Errorf("%w: truncated vector frame", types.ErrCorrupted)
			}
			id := binary.LittleEndian.Uint64(rf.Frame.Payload)
			entry, err := wal.DecodeVector(rf.Frame.Payload[8:])
			if err != nil {
				return err
			}
			if err := e.vectors.PutWithID(id, &entry); err != nil {
				return err
			}
			if id > e.vecSeq {
				e.vecSeq = id
			}
		case wal.KindCheckpoint:
			ckpt, err := wal.DecodeCheckpoint(rf.Frame.Payload)
			if err != nil {
				return err
			}
			if ckpt.LocalSeq > e.seq {
				e.seq = ckpt.LocalSeq
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Rebuild the blob store: referenced content only, resident COLD
	// (bytes stay in the log until an access promotes them). Content
	// whose bytes never made it to a durable frame is marked unreadable;
	// replication repairs it if a peer has the blob.
	for id, refs := range refcounts {
		info, ok := blobFrames[id]
		if !ok {
			debug.Logf("engine: blob %s referenced by %d versions has no logged bytes", id, refs)
			e.blobs.Restore(id, 0, wal.Position{}, refs)
			continue
		}
		e.blobs.Restore(id, info.size, info.pos, refs)
		if e.deep != nil && e.deep.Contains(id) {
			_ = e.blobs.SetDeep(id)
		}
	}

	if res.Truncated {
		debug.Logf("engine: recovery truncated a damaged log tail")
	}
	if replayed > 0 {
		debug.Logf("engine: replayed %d versions, %d blobs, %d frames", replayed, len(blobFrames), res.Frames)
	}
	return nil
}
