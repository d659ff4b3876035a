// Package blobstore maps content IDs to blob bytes with refcounts and
// tier markers. Identical values share one blob; a blob exists iff its
// refcount is positive (or history retention pins it). The store is
// striped by content-ID prefix so writes of unrelated content never
// contend.
package blobstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/wal"
)

const shardCount = 256

// ColdFetcher reads blob bytes back from the log by frame position.
type ColdFetcher func(pos wal.Position) ([]byte, error)

// DeepFetcher reads blob bytes from the deep store.
type DeepFetcher func(id types.ContentID) ([]byte, error)

// ReleasePolicy gates physical deletion when a refcount reaches zero.
// Returning false keeps the blob (history retention).
type ReleasePolicy func(id types.ContentID) bool

type entry struct {
	raw        []byte // HOT: uncompressed bytes
	compressed []byte // WARM: s2-compressed bytes
	size       int64  // uncompressed size
	refcount   int64
	tier       types.Tier
	walPos     wal.Position
	corrupt    bool
}

type shard struct {
	mu    sync.RWMutex
	blobs map[types.ContentID]*entry
}

// Store is the content-addressed blob store.
type Store struct {
	shards    [shardCount]shard
	fetchCold ColdFetcher
	fetchDeep DeepFetcher
	release   ReleasePolicy

	statsMu sync.Mutex
	stats   map[types.Tier]*types.TierStats
}

// New creates an empty store. fetchCold and fetchDeep supply bytes for
// blobs whose tier left memory; release gates deletion at refcount zero.
func New(fetchCold ColdFetcher, fetchDeep DeepFetcher, release ReleasePolicy) *Store {
	s := &Store{
		fetchCold: fetchCold,
		fetchDeep: fetchDeep,
		release:   release,
		stats:     make(map[types.Tier]*types.TierStats),
	}
	for _, t := range []types.Tier{types.TierHot, types.TierWarm, types.TierCold, types.TierDeep} {
		s.stats[t] = &types.TierStats{}
	}
	for i := range s.shards {
		s.shards[i].blobs = make(map[types.ContentID]*entry)
	}
	return s
}

func (s *Store) shardFor(id types.ContentID) *shard {
	return &s.shards[id[0]]
}

// Insert stores bytes under id if new and increments the refcount either
// way. New blobs land in HOT. Returns true when the content was not
// previously present (the caller logged a blob_bytes frame at walPos).
func (s *Store) Insert(id types.ContentID, data []byte, walPos wal.Position) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.blobs[id]; ok {
		e.refcount++
		if e.walPos.IsZero() && !walPos.IsZero() {
			e.walPos = walPos
		}
		return false
	}
	e := &entry{
		raw:      append([]byte(nil), data...),
		size:     int64(len(data)),
		refcount: 1,
		tier:     types.TierHot,
		walPos:   walPos,
	}
	sh.blobs[id] = e
	s.accountAdd(types.TierHot, e.size)
	return true
}

// Restore re-creates a blob's bookkeeping at recovery without pulling
// its bytes into memory: the blob starts COLD, backed by its logged
// frame. A zero walPos means the bytes were lost with a damaged segment;
// the blob is marked unreadable so reads fail Corrupted until a peer
// refetch repairs it.
func (s *Store) Restore(id types.ContentID, size int64, walPos wal.Position, refcount int64) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.blobs[id]; ok {
		e.refcount = refcount
		return
	}
	e := &entry{
		size:     size,
		refcount: refcount,
		tier:     types.TierCold,
		walPos:   walPos,
		corrupt:  walPos.IsZero(),
	}
	sh.blobs[id] = e
	s.accountAdd(types.TierCold, size)
}

// AddRef increments the refcount of an existing blob.
func (s *Store) AddRef(id types.ContentID) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.blobs[id]
	if !ok {
		return fmt.Errorf("%w: blob %s", types.ErrNotFound, id)
	}
	e.refcount++
	return nil
}

// Release decrements the refcount. At zero, the blob is deleted if the
// release policy allows; otherwise it stays resident for history reads.
func (s *Store) Release(id types.ContentID) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.blobs[id]
	if !ok {
		return fmt.Errorf("%w: blob %s", types.ErrNotFound, id)
	}
	if e.refcount > 0 {
		e.refcount--
	}
	if e.refcount == 0 && s.release != nil && s.release(id) {
		s.accountRemove(e)
		delete(sh.blobs, id)
	}
	return nil
}

// Fetch returns the blob's uncompressed bytes, verifying content
// integrity for bytes that round-tripped through disk. HOT reads take
// only the shard read-latch; WARM/COLD/DEEP reads decompress or hit the
// log and report the access so the tier manager can promote.
func (s *Store) Fetch(id types.ContentID) ([]byte, types.Tier, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.blobs[id]
	if !ok {
		sh.mu.RUnlock()
		return nil, 0, fmt.Errorf("%w: blob %s", types.ErrNotFound, id)
	}
	if e.corrupt {
		sh.mu.RUnlock()
		return nil, 0, fmt.Errorf("%w: blob %s marked unreadable", types.ErrCorrupted, id)
	}
	tier := e.tier
	if tier == types.TierHot {
		data := e.raw
		sh.mu.RUnlock()
		return data, tier, nil
	}
	var compressed []byte
	var walPos wal.Position
	if tier == types.TierWarm {
		compressed = e.compressed
	} else {
		walPos = e.walPos
	}
	sh.mu.RUnlock()

	var data []byte
	var err error
	switch tier {
	case types.TierWarm:
		data, err = s2.Decode(nil, compressed)
		if err != nil {
			err = fmt.Errorf("%w: warm blob %s: %v", types.ErrCorrupted, id, err)
		}
	case types.TierCold:
		data, err = s.readCold(id, walPos)
	case types.TierDeep:
		if s.fetchDeep == nil {
			err = fmt.Errorf("%w: no deep store configured", types.ErrInternal)
		} else if data, err = s.fetchDeep(id); err == nil && canonical.HashBytes(data) != id {
			err = fmt.Errorf("%w: deep blob %s hash mismatch", types.ErrCorrupted, id)
		}
	}
	if err != nil {
		if errors.Is(err, types.ErrCorrupted) {
			s.markCorrupt(id)
		}
		return nil, tier, err
	}
	return data, tier, nil
}

func (s *Store) readCold(id types.ContentID, pos wal.Position) ([]byte, error) {
	if s.fetchCold == nil {
		return nil, fmt.Errorf("%w: no cold fetcher configured", types.ErrInternal)
	}
	data, err := s.fetchCold(pos)
	if err != nil {
		return nil, fmt.Errorf("cold blob %s: %w", id, err)
	}
	if canonical.HashBytes(data) != id {
		return nil, fmt.Errorf("%w: cold blob %s hash mismatch", types.ErrCorrupted, id)
	}
	return data, nil
}

func (s *Store) markCorrupt(id types.ContentID) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	if e, ok := sh.blobs[id]; ok {
		e.corrupt = true
	}
	sh.mu.Unlock()
}

// ClearCorrupt unmarks a blob after a successful refetch from a peer.
func (s *Store) ClearCorrupt(id types.ContentID, data []byte) error {
	if canonical.HashBytes(data) != id {
		return fmt.Errorf("%w: refetched blob does not match %s", types.ErrCorrupted, id)
	}
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.blobs[id]
	if !ok {
		return fmt.Errorf("%w: blob %s", types.ErrNotFound, id)
	}
	s.accountRemove(e)
	e.corrupt = false
	e.raw = append([]byte(nil), data...)
	e.compressed = nil
	e.tier = types.TierHot
	s.accountAdd(types.TierHot, e.size)
	return nil
}

// Contains reports whether the content is present.
func (s *Store) Contains(id types.ContentID) bool {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	_, ok := sh.blobs[id]
	return ok
}

// Refcount returns the blob's refcount, or zero when absent.
func (s *Store) Refcount(id types.ContentID) int64 {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if e, ok := sh.blobs[id]; ok {
		return e.refcount
	}
	return 0
}

// Tier returns the blob's current tier marker.
func (s *Store) Tier(id types.ContentID) (types.Tier, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if e, ok := sh.blobs[id]; ok {
		return e.tier, true
	}
	return 0, false
}

// Size returns the blob's uncompressed size.
func (s *Store) Size(id types.ContentID) (int64, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if e, ok := sh.blobs[id]; ok {
		return e.size, true
	}
	return 0, false
}
