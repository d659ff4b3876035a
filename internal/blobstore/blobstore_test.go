package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/wal"
)

func idFor(data []byte) types.ContentID { return canonical.HashBytes(data) }

func newTestStore() *Store {
	return New(nil, nil, func(types.ContentID) bool { return true })
}

func TestInsertDedup(t *testing.T) {
	s := newTestStore()
	data := []byte("shared content")
	id := idFor(data)

	assert.True(t, s.Insert(id, data, wal.Position{}))
	assert.False(t, s.Insert(id, data, wal.Position{}), "second insert of same content is a refcount bump")
	assert.Equal(t, int64(2), s.Refcount(id))
	assert.Equal(t, int64(1), s.BlobCount())
}

func TestFetchHot(t *testing.T) {
	s := newTestStore()
	data := []byte("hot bytes")
	id := idFor(data)
	s.Insert(id, data, wal.Position{})

	got, tier, err := s.Fetch(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, types.TierHot, tier)
}

func TestFetchMissing(t *testing.T) {
	s := newTestStore()
	_, _, err := s.Fetch(idFor([]byte("nope")))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestReleaseFreesAtZero(t *testing.T) {
	s := newTestStore()
	data := []byte("ephemeral")
	id := idFor(data)
	s.Insert(id, data, wal.Position{})
	s.Insert(id, data, wal.Position{})

	require.NoError(t, s.Release(id))
	assert.True(t, s.Contains(id), "refcount 1 remains")
	require.NoError(t, s.Release(id))
	assert.False(t, s.Contains(id), "refcount 0 with permissive policy frees the blob")
}

func TestReleasePolicyPinsHistory(t *testing.T) {
	s := New(nil, nil, func(types.ContentID) bool { return false })
	data := []byte("pinned")
	id := idFor(data)
	s.Insert(id, data, wal.Position{})
	require.NoError(t, s.Release(id))
	assert.True(t, s.Contains(id), "keep-history policy must pin the blob at refcount 0")
}

func TestWarmRoundTrip(t *testing.T) {
	s := newTestStore()
	data := []byte("warm warm warm warm warm warm warm warm")
	id := idFor(data)
	s.Insert(id, data, wal.Position{})

	require.NoError(t, s.SetWarm(id))
	tier, ok := s.Tier(id)
	require.True(t, ok)
	assert.Equal(t, types.TierWarm, tier)

	got, tier, err := s.Fetch(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, types.TierWarm, tier)
}

func TestColdFetchVerifiesHash(t *testing.T) {
	data := []byte("cold content")
	id := idFor(data)
	pos := wal.Position{Segment: 1, Offset: 100}

	served := data
	s := New(func(p wal.Position) ([]byte, error) {
		assert.Equal(t, pos, p)
		return served, nil
	}, nil, func(types.ContentID) bool { return true })

	s.Insert(id, data, pos)
	require.NoError(t, s.SetCold(id))

	got, tier, err := s.Fetch(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, types.TierCold, tier)

	// Serve tampered bytes: the fetch must fail Corrupted and the blob
	// is marked unreadable.
	served = []byte("tampered")
	_, _, err = s.Fetch(id)
	assert.ErrorIs(t, err, types.ErrCorrupted)
	_, _, err = s.Fetch(id)
	assert.ErrorIs(t, err, types.ErrCorrupted, "marked blob keeps failing without refetch")

	// A clean refetch from a peer restores it.
	require.NoError(t, s.ClearCorrupt(id, data))
	got, _, err = s.Fetch(id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSetColdRequiresWalPos(t *testing.T) {
	s := newTestStore()
	data := []byte("never logged")
	id := idFor(data)
	s.Insert(id, data, wal.Position{})
	assert.Error(t, s.SetCold(id))
}

func TestMemoryAccounting(t *testing.T) {
	s := newTestStore()
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i % 7) // compressible
	}
	id := idFor(data)
	s.Insert(id, data, wal.Position{Segment: 1, Offset: 16})

	assert.Equal(t, int64(1000), s.MemoryBytes())
	require.NoError(t, s.SetWarm(id))
	assert.Less(t, s.MemoryBytes(), int64(1000), "warm tier holds compressed bytes")
	require.NoError(t, s.SetCold(id))
	assert.Equal(t, int64(0), s.MemoryBytes())

	stats := s.Stats()
	assert.Equal(t, int64(1), stats["cold"].Blobs)
	assert.Equal(t, int64(0), stats["hot"].Blobs)
}

func TestInTier(t *testing.T) {
	s := newTestStore()
	a, b := []byte("aaa"), []byte("bbb")
	s.Insert(idFor(a), a, wal.Position{Segment: 1, Offset: 16})
	s.Insert(idFor(b), b, wal.Position{Segment: 1, Offset: 64})
	require.NoError(t, s.SetWarm(idFor(b)))

	assert.ElementsMatch(t, []types.ContentID{idFor(a)}, s.InTier(types.TierHot))
	assert.ElementsMatch(t, []types.ContentID{idFor(b)}, s.InTier(types.TierWarm))
}
