package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/eventbus"
	"github.com/swyrknt/koru-delta/internal/metrics"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/wal"
)

// PutOptions carries the optional inputs of a put.
type PutOptions struct {
	// Parents overrides the default parent set (the current heads).
	Parents []types.VersionID
	// Embedding attaches a vector to the new version.
	Embedding []float32
	// ModelTag labels the embedding's model.
	ModelTag string
}

// preparedWrite is one stamped, frame-built version awaiting its log
// append.
type preparedWrite struct {
	addr     types.Address
	rec      *types.VersionRecord
	body     []byte
	frames   []wal.Frame
	blobIdx  int // index into frames of the blob frame, -1 if none
	vecEntry *types.VectorEntry
	vecID    uint64
}

// Put writes one value: serialize, log, store, index, side-index,
// replicate. The returned record is the caller's receipt.
func (e *Engine) Put(ctx context.Context, namespace, key string, value types.Value, opts PutOptions) (*types.VersionRecord, error) {
	if err := e.admit(ctx); err != nil {
		return nil, err
	}
	defer e.admission.Release(1)

	// received -> validated
	addr := types.Address{Namespace: namespace, Key: key}
	if err := e.validateWrite(addr, opts.Embedding); err != nil {
		return nil, err
	}
	contentID, body, err := canonical.Hash(value)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	lock := e.keyLock(addr)
	lock.Lock()
	defer lock.Unlock()

	pw, err := e.prepareVersion(addr, contentID, body, false, opts)
	if err != nil {
		return nil, err
	}

	// validated -> logged -> indexed -> visible
	start := time.Now()
	if err := e.commit(ctx, []*preparedWrite{pw}, false); err != nil {
		return nil, err
	}
	metrics.Engine.Puts.Add(ctx, 1)
	metrics.Engine.WriteLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	return pw.rec.Clone(), nil
}

// Delete appends a tombstone version. Deleting an absent key still
// returns the tombstone receipt; the operation is defined to succeed.
func (e *Engine) Delete(ctx context.Context, namespace, key string) (*types.VersionRecord, error) {
	if err := e.admit(ctx); err != nil {
		return nil, err
	}
	defer e.admission.Release(1)

	addr := types.Address{Namespace: namespace, Key: key}
	if err := e.validateWrite(addr, nil); err != nil {
		return nil, err
	}

	lock := e.keyLock(addr)
	lock.Lock()
	defer lock.Unlock()

	pw, err := e.prepareVersion(addr, canonical.TombstoneContentID(), nil, true, PutOptions{})
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, []*preparedWrite{pw}, false); err != nil {
		return nil, err
	}
	return pw.rec.Clone(), nil
}

// BatchEntry is one write of an atomic batch.
type BatchEntry struct {
	Namespace string
	Key       string
	Value     types.Value
}

// PutBatch writes several keys atomically on this node: either every
// version is durable and visible or none is. Cross-node atomicity is
// out of scope; the batch replicates as ordinary versions.
func (e *Engine) PutBatch(ctx context.Context, entries []BatchEntry) ([]*types.VersionRecord, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	if err := e.admit(ctx); err != nil {
		return nil, err
	}
	defer e.admission.Release(1)

	// Validate and hash everything before touching any state.
	addrs := make([]types.Address, len(entries))
	contentIDs := make([]types.ContentID, len(entries))
	bodies := make([][]byte, len(entries))
	for i, entry := range entries {
		addrs[i] = types.Address{Namespace: entry.Namespace, Key: entry.Key}
		if err := e.validateWrite(addrs[i], nil); err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		var err error
		if contentIDs[i], bodies[i], err = canonical.Hash(entry.Value); err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}

	// Lock the touched stripes in index order so concurrent batches
	// cannot deadlock.
	locks := e.stripesFor(addrs)
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}()

	writes := make([]*preparedWrite, len(entries))
	seenContent := make(map[types.ContentID]bool)
	for i := range entries {
		pw, err := e.prepareVersion(addrs[i], contentIDs[i], bodies[i], false, PutOptions{})
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		// Within one batch the same content only ships once.
		if pw.blobIdx >= 0 && seenContent[contentIDs[i]] {
			pw.frames = pw.frames[pw.blobIdx+1:]
			pw.blobIdx = -1
		}
		seenContent[contentIDs[i]] = true
		writes[i] = pw
	}

	if err := e.commit(ctx, writes, true); err != nil {
		return nil, err
	}
	metrics.Engine.Puts.Add(ctx, int64(len(writes)))

	out := make([]*types.VersionRecord, len(writes))
	for i, pw := range writes {
		out[i] = pw.rec.Clone()
	}
	return out, nil
}

func (e *Engine) admit(ctx context.Context) error {
	if err := e.admission.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	if e.tiers != nil && e.tiers.DiskFull() {
		e.admission.Release(1)
		return fmt.Errorf("%w: disk budget exhausted", types.ErrResourceExhausted)
	}
	return nil
}

func (e *Engine) validateWrite(addr types.Address, embedding []float32) error {
	if err := types.ValidateNamespace(addr.Namespace); err != nil {
		return err
	}
	if err := types.ValidateKey(addr.Key); err != nil {
		return err
	}
	if embedding != nil {
		if err := types.ValidateVector(embedding); err != nil {
			return err
		}
	}
	return nil
}

// prepareVersion resolves parents, stamps the new record, and builds its
// WAL frames. Caller holds the key's stripe lock.
func (e *Engine) prepareVersion(addr types.Address, contentID types.ContentID, body []byte, tombstone bool, opts PutOptions) (*preparedWrite, error) {
	var parents []types.VersionID
	if opts.Parents != nil {
		for _, p := range opts.Parents {
			if _, err := e.index.Get(addr, p); err != nil {
				return nil, fmt.Errorf("parent %s: %w", p, err)
			}
		}
		parents = append([]types.VersionID(nil), opts.Parents...)
	} else {
		// Default parents are the full head set: writing over sibling
		// heads records a merge.
		for _, h := range e.index.Heads(addr) {
			parents = append(parents, h.VersionID)
		}
	}

	ts, seq := e.nextWriteStamp()
	rec := &types.VersionRecord{
		VersionID: types.NewVersionID(),
		ContentID: contentID,
		Parents:   parents,
		Timestamp: ts,
		Origin:    e.nodeID,
		Seq:       seq,
		Tombstone: tombstone,
	}

	pw := &preparedWrite{addr: addr, rec: rec, body: body, blobIdx: -1}
	if !tombstone && !e.blobs.Contains(contentID) {
		pw.blobIdx = 0
		pw.frames = append(pw.frames, wal.Frame{Kind: wal.KindBlobBytes, Payload: wal.EncodeBlob(contentID, body)})
	}

	if opts.Embedding != nil {
		pw.vecID = e.nextVectorID()
		rec.VectorID = pw.vecID
		pw.vecEntry = &types.VectorEntry{
			Namespace: addr.Namespace,
			Key:       addr.Key,
			VersionID: rec.VersionID,
			ModelTag:  opts.ModelTag,
			Vector:    opts.Embedding,
		}
	}

	kind := wal.KindPutVersion
	if tombstone {
		kind = wal.KindTombstone
	}
	pw.frames = append(pw.frames, wal.Frame{Kind: kind, Payload: wal.EncodeVersion(addr, rec)})

	if pw.vecEntry != nil {
		payload := binary.LittleEndian.AppendUint64(nil, pw.vecID)
		payload = append(payload, wal.EncodeVector(pw.vecEntry)...)
		pw.frames = append(pw.frames, wal.Frame{Kind: wal.KindVectorPut, Payload: payload})
	}
	return pw, nil
}

// commit appends every write's frames in one contiguous log append and,
// once durable, applies them to the in-memory state in order.
func (e *Engine) commit(ctx context.Context, writes []*preparedWrite, batch bool) error {
	var frames []wal.Frame
	blobFrameAt := make([]int, len(writes)) // global index of each write's blob frame
	for i, pw := range writes {
		blobFrameAt[i] = -1
		if pw.blobIdx >= 0 {
			blobFrameAt[i] = len(frames) + pw.blobIdx
		}
		frames = append(frames, pw.frames...)
	}
	if batch {
		for i := range frames {
			frames[i].Flags |= wal.FlagBatchMember
		}
		frames[len(frames)-1].Flags |= wal.FlagBatchEnd
	}

	positions, err := e.log.Append(ctx, frames...)
	if err != nil {
		return err
	}
	// Past this point the writes are durable; cancellation no longer
	// aborts them. A crash here is repaired by replay.
	for i, pw := range writes {
		blobPos := wal.Position{}
		if blobFrameAt[i] >= 0 {
			blobPos = positions[blobFrameAt[i]]
		}
		e.applyDurable(ctx, pw, blobPos)
	}
	return nil
}

// applyDurable runs the post-durability half of the pipeline: blob
// insert (dedup), index append, vector upsert, tier placement, events.
func (e *Engine) applyDurable(ctx context.Context, pw *preparedWrite, blobPos wal.Position) {
	if !pw.rec.Tombstone {
		if pos, ok := e.blobs.WalPos(pw.rec.ContentID); ok && blobPos.IsZero() {
			blobPos = pos
		}
		if fresh := e.blobs.Insert(pw.rec.ContentID, pw.body, blobPos); !fresh {
			metrics.Engine.DedupHits.Add(ctx, 1)
		}
		if e.tiers != nil {
			e.tiers.OnInsert(pw.rec.ContentID)
		}
	}
	if err := e.index.Append(pw.addr, pw.rec); err != nil {
		// Parents were resolved under the key lock; failure here is an
		// invariant break, not a user error.
		panic(fmt.Sprintf("version index append failed after durable log write: %v", err))
	}
	if pw.vecEntry != nil {
		if err := e.vectors.PutWithID(pw.vecID, pw.vecEntry); err != nil {
			// Vector validation ran before logging.
			panic(fmt.Sprintf("vector upsert failed after durable log write: %v", err))
		}
	}
	_ = e.bus.Dispatch(ctx, &eventbus.Event{
		Type:    eventbus.EventVersionCommitted,
		Time:    time.Now().UTC(),
		Address: pw.addr,
		Record:  pw.rec.Clone(),
	})
}

// stripesFor returns the distinct stripe locks for the addresses, in a
// stable order.
func (e *Engine) stripesFor(addrs []types.Address) []*sync.Mutex {
	idxSet := make(map[uint32]bool)
	for _, addr := range addrs {
		idxSet[e.stripeIndex(addr)] = true
	}
	idxs := make([]uint32, 0, len(idxSet))
	for i := range idxSet {
		idxs = append(idxs, i)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	locks := make([]*sync.Mutex, len(idxs))
	for i, idx := range idxs {
		locks[i] = &e.keyLocks[idx]
	}
	return locks
}
