package blobstore

import (
	"fmt"

	"github.com/klauspost/compress/s2"

	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/wal"
)

// Tier transitions. Only the tier manager calls these; the store itself
// never moves a blob.

// SetHot places uncompressed bytes back in memory (promotion).
func (s *Store) SetHot(id types.ContentID, data []byte) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.blobs[id]
	if !ok {
		return fmt.Errorf("%w: blob %s", types.ErrNotFound, id)
	}
	if e.tier == types.TierHot {
		return nil
	}
	s.accountRemove(e)
	e.raw = append([]byte(nil), data...)
	e.compressed = nil
	e.tier = types.TierHot
	s.accountAdd(types.TierHot, e.size)
	return nil
}

// SetWarm compresses the blob in place and drops the raw bytes
// (HOT -> WARM demotion).
func (s *Store) SetWarm(id types.ContentID) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.blobs[id]
	if !ok {
		return fmt.Errorf("%w: blob %s", types.ErrNotFound, id)
	}
	if e.tier != types.TierHot {
		return nil
	}
	s.accountRemove(e)
	e.compressed = s2.Encode(nil, e.raw)
	e.raw = nil
	e.tier = types.TierWarm
	s.statsMu.Lock()
	st := s.stats[types.TierWarm]
	st.Blobs++
	st.Bytes += int64(len(e.compressed))
	s.statsMu.Unlock()
	return nil
}

// SetCold drops in-memory bytes entirely; reads go back to the log at
// the blob's recorded frame position (WARM/HOT -> COLD demotion).
func (s *Store) SetCold(id types.ContentID) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.blobs[id]
	if !ok {
		return fmt.Errorf("%w: blob %s", types.ErrNotFound, id)
	}
	if e.tier == types.TierCold || e.tier == types.TierDeep {
		return nil
	}
	if e.walPos.IsZero() {
		return fmt.Errorf("%w: blob %s has no logged bytes to fall back to", types.ErrInternal, id)
	}
	s.accountRemove(e)
	e.raw = nil
	e.compressed = nil
	e.tier = types.TierCold
	s.accountAdd(types.TierCold, e.size)
	return nil
}

// SetDeep marks the blob as living in the deep store (COLD -> DEEP
// compaction).
func (s *Store) SetDeep(id types.ContentID) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.blobs[id]
	if !ok {
		return fmt.Errorf("%w: blob %s", types.ErrNotFound, id)
	}
	if e.tier == types.TierDeep {
		return nil
	}
	s.accountRemove(e)
	e.raw = nil
	e.compressed = nil
	e.tier = types.TierDeep
	s.accountAdd(types.TierDeep, e.size)
	return nil
}

// WalPos returns the blob's logged frame position.
func (s *Store) WalPos(id types.ContentID) (wal.Position, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if e, ok := sh.blobs[id]; ok {
		return e.walPos, true
	}
	return wal.Position{}, false
}

// InTier lists content IDs currently in the given tier. The snapshot is
// taken shard by shard; callers tolerate staleness.
func (s *Store) InTier(tier types.Tier) []types.ContentID {
	var out []types.ContentID
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id, e := range sh.blobs {
			if e.tier == tier {
				out = append(out, id)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *Store) accountAdd(t types.Tier, size int64) {
	s.statsMu.Lock()
	st := s.stats[t]
	st.Blobs++
	st.Bytes += size
	s.statsMu.Unlock()
}

func (s *Store) accountRemove(e *entry) {
	s.statsMu.Lock()
	st := s.stats[e.tier]
	st.Blobs--
	switch e.tier {
	case types.TierWarm:
		st.Bytes -= int64(len(e.compressed))
	default:
		st.Bytes -= e.size
	}
	s.statsMu.Unlock()
}

// Stats returns per-tier footprint snapshots.
func (s *Store) Stats() map[string]types.TierStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := make(map[string]types.TierStats, len(s.stats))
	for t, st := range s.stats {
		out[t.String()] = *st
	}
	return out
}

// MemoryBytes returns the resident HOT+WARM byte total.
func (s *Store) MemoryBytes() int64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats[types.TierHot].Bytes + s.stats[types.TierWarm].Bytes
}

// BlobCount returns the number of distinct blobs.
func (s *Store) BlobCount() int64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	var n int64
	for _, st := range s.stats {
		n += st.Blobs
	}
	return n
}
