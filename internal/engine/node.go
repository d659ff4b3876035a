package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/eventbus"
	"github.com/swyrknt/koru-delta/internal/replication"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/wal"
)

// The engine is the replication.Node: gossip reads the index through
// these methods and funnels received versions back through the write
// pipeline.

// ListenAddr returns the advertised replication address.
func (e *Engine) ListenAddr() string {
	if e.repl != nil {
		if addr := e.repl.BoundAddr(); addr != "" {
			return addr
		}
	}
	return e.cfg.Replication.BindAddr
}

// VersionVector reports the highest contiguous sequence observed per
// origin.
func (e *Engine) VersionVector() types.VersionVector {
	return e.index.VersionVector()
}

// VersionsInRange returns one origin's versions for a sequence range, in
// order, with their embeddings attached for shipping.
func (e *Engine) VersionsInRange(r types.SeqRange) []replication.VersionFrame {
	var out []replication.VersionFrame
	for seq := r.From; seq <= r.To; seq++ {
		addr, rec, ok := e.index.Lookup(types.GlobalID{Origin: r.Origin, Seq: seq})
		if !ok {
			break // contiguity gap; the peer will re-request later
		}
		vf := replication.VersionFrame{Address: addr, Record: *rec}
		if rec.VectorID != 0 {
			if entry, ok := e.vectors.Get(rec.VectorID); ok {
				vf.Vector = entry
			}
		}
		out = append(out, vf)
	}
	return out
}

// BlobBytes reads a blob for shipping to a peer.
func (e *Engine) BlobBytes(id types.ContentID) ([]byte, error) {
	data, tierSeen, err := e.blobs.Fetch(id)
	if err != nil {
		return nil, err
	}
	if e.tiers != nil {
		e.tiers.OnAccess(id, tierSeen)
	}
	return data, nil
}

// HasBlob reports whether the content is locally present.
func (e *Engine) HasBlob(id types.ContentID) bool {
	return e.blobs.Contains(id)
}

// ApplyRemote admits a version received from a peer through the
// standard pipeline: verify, log with the replicated flag, then apply.
// ErrNotFound reports a missing parent; the replicator parks the frame
// and retries once the ancestor arrives.
func (e *Engine) ApplyRemote(ctx context.Context, vf replication.VersionFrame, blobs map[types.ContentID][]byte) error {
	rec := vf.Record
	if e.index.Contains(rec.Global()) {
		return nil // idempotent: already known
	}
	if rec.Origin == e.nodeID {
		return nil // own write echoed back
	}
	addr := vf.Address
	if err := types.ValidateNamespace(addr.Namespace); err != nil {
		return err
	}
	if err := types.ValidateKey(addr.Key); err != nil {
		return err
	}

	lock := e.keyLock(addr)
	lock.Lock()
	defer lock.Unlock()

	// Causality: every parent must already be applied locally.
	for _, p := range rec.Parents {
		if _, err := e.index.Get(addr, p); err != nil {
			return fmt.Errorf("%w: parent %s of remote version not yet local", types.ErrNotFound, p)
		}
	}

	var body []byte
	var frames []wal.Frame
	if !rec.Tombstone {
		if !e.blobs.Contains(rec.ContentID) {
			data, ok := blobs[rec.ContentID]
			if !ok {
				return fmt.Errorf("%w: blob %s for remote version not shipped", types.ErrNotFound, rec.ContentID)
			}
			if canonical.HashBytes(data) != rec.ContentID {
				return fmt.Errorf("%w: shipped blob does not match content id %s", types.ErrCorrupted, rec.ContentID)
			}
			body = data
			frames = append(frames, wal.Frame{
				Kind:    wal.KindBlobBytes,
				Flags:   wal.FlagReplicated,
				Payload: wal.EncodeBlob(rec.ContentID, data),
			})
		}
	}

	// Remote vector IDs are origin-local; assign a fresh local ID.
	pw := &preparedWrite{addr: addr, rec: &rec, body: body, blobIdx: -1}
	if len(frames) > 0 {
		pw.blobIdx = 0
	}
	if vf.Vector != nil {
		pw.vecID = e.nextVectorID()
		rec.VectorID = pw.vecID
		pw.vecEntry = vf.Vector
	}

	kind := wal.KindPutVersion
	if rec.Tombstone {
		kind = wal.KindTombstone
	}
	frames = append(frames, wal.Frame{Kind: kind, Flags: wal.FlagReplicated, Payload: wal.EncodeVersion(addr, &rec)})
	if pw.vecEntry != nil {
		payload := binary.LittleEndian.AppendUint64(nil, pw.vecID)
		payload = append(payload, wal.EncodeVector(pw.vecEntry)...)
		frames = append(frames, wal.Frame{Kind: wal.KindVectorPut, Flags: wal.FlagReplicated, Payload: payload})
	}
	pw.frames = frames

	if err := e.commit(ctx, []*preparedWrite{pw}, false); err != nil {
		return err
	}
	_ = e.bus.Dispatch(ctx, &eventbus.Event{
		Type:    eventbus.EventVersionReceived,
		Time:    time.Now().UTC(),
		Address: addr,
		Record:  rec.Clone(),
	})
	return nil
}
