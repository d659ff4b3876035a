package versionindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swyrknt/koru-delta/internal/types"
)

var testAddr = types.Address{Namespace: "ns", Key: "k"}

func record(origin types.NodeID, seq uint64, ts time.Time, parents ...types.VersionID) *types.VersionRecord {
	return &types.VersionRecord{
		VersionID: types.NewVersionID(),
		ContentID: types.ContentID{byte(seq)},
		Parents:   parents,
		Timestamp: ts.UTC(),
		Origin:    origin,
		Seq:       seq,
	}
}

func TestAppendAndHead(t *testing.T) {
	ix := New()
	origin := types.NewNodeID()
	t0 := time.Now().UTC()

	r1 := record(origin, 1, t0)
	require.NoError(t, ix.Append(testAddr, r1))
	r2 := record(origin, 2, t0.Add(time.Millisecond), r1.VersionID)
	require.NoError(t, ix.Append(testAddr, r2))

	head, err := ix.Head(testAddr)
	require.NoError(t, err)
	assert.Equal(t, r2.VersionID, head.VersionID)
	assert.Equal(t, []types.VersionID{r1.VersionID}, head.Parents)
}

func TestHeadNotFound(t *testing.T) {
	ix := New()
	_, err := ix.Head(testAddr)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAppendRejectsMissingParent(t *testing.T) {
	ix := New()
	origin := types.NewNodeID()
	r := record(origin, 1, time.Now(), types.NewVersionID())
	assert.ErrorIs(t, ix.Append(testAddr, r), types.ErrNotFound)
}

func TestAppendRejectsSelfParent(t *testing.T) {
	ix := New()
	r := record(types.NewNodeID(), 1, time.Now())
	r.Parents = []types.VersionID{r.VersionID}
	assert.ErrorIs(t, ix.Append(testAddr, r), types.ErrInvalidValue)
}

func TestAppendIdempotent(t *testing.T) {
	ix := New()
	r := record(types.NewNodeID(), 1, time.Now())
	require.NoError(t, ix.Append(testAddr, r))
	require.NoError(t, ix.Append(testAddr, r))
	assert.Equal(t, int64(1), ix.VersionCount())
}

func TestSiblingHeadsAndDominance(t *testing.T) {
	ix := New()
	a, b := types.NewNodeID(), types.NewNodeID()
	hi, lo := a, b
	if b.Compare(a) > 0 {
		hi, lo = b, a
	}
	t0 := time.Now().UTC()

	base := record(lo, 1, t0)
	require.NoError(t, ix.Append(testAddr, base))
	// Two origins write concurrently with the same parent and equal
	// timestamps.
	s1 := record(lo, 2, t0.Add(time.Second), base.VersionID)
	s2 := record(hi, 1, t0.Add(time.Second), base.VersionID)
	require.NoError(t, ix.Append(testAddr, s1))
	require.NoError(t, ix.Append(testAddr, s2))

	heads := ix.Heads(testAddr)
	require.Len(t, heads, 2, "concurrent writes leave sibling heads")

	head, err := ix.Head(testAddr)
	require.NoError(t, err)
	assert.Equal(t, s2.VersionID, head.VersionID,
		"equal timestamps break ties by greater (origin, seq)")

	// A merge referencing both siblings collapses the head set.
	merge := record(lo, 3, t0.Add(2*time.Second), s1.VersionID, s2.VersionID)
	require.NoError(t, ix.Append(testAddr, merge))
	assert.Len(t, ix.Heads(testAddr), 1)
}

func TestHistoryOrder(t *testing.T) {
	ix := New()
	origin := types.NewNodeID()
	t0 := time.Now().UTC()
	var prev types.VersionID
	var ids []types.VersionID
	for i := 0; i < 5; i++ {
		var parents []types.VersionID
		if i > 0 {
			parents = []types.VersionID{prev}
		}
		r := record(origin, uint64(i+1), t0.Add(time.Duration(i)*time.Millisecond), parents...)
		require.NoError(t, ix.Append(testAddr, r))
		prev = r.VersionID
		ids = append(ids, r.VersionID)
	}
	hist, err := ix.History(testAddr)
	require.NoError(t, err)
	require.Len(t, hist, 5)
	for i := range hist {
		assert.Equal(t, ids[len(ids)-1-i], hist[i].VersionID, "history must be newest-first")
	}
	for i := 0; i < len(hist)-1; i++ {
		assert.False(t, hist[i].Timestamp.Before(hist[i+1].Timestamp))
	}
}

func TestGetAt(t *testing.T) {
	ix := New()
	origin := types.NewNodeID()
	t0 := time.Now().UTC()
	t1, t2, t3 := t0, t0.Add(time.Second), t0.Add(2*time.Second)

	r1 := record(origin, 1, t1)
	require.NoError(t, ix.Append(testAddr, r1))
	r2 := record(origin, 2, t2, r1.VersionID)
	require.NoError(t, ix.Append(testAddr, r2))
	r3 := record(origin, 3, t3, r2.VersionID)
	require.NoError(t, ix.Append(testAddr, r3))

	got, err := ix.GetAt(testAddr, t2.Add(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, r2.VersionID, got.VersionID)

	got, err = ix.GetAt(testAddr, t3.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, r3.VersionID, got.VersionID)

	got, err = ix.GetAt(testAddr, t2)
	require.NoError(t, err)
	assert.Equal(t, r2.VersionID, got.VersionID, "timestamp equality is inclusive")

	_, err = ix.GetAt(testAddr, t1.Add(-time.Millisecond))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetAtFollowsDominantChain(t *testing.T) {
	ix := New()
	a, b := types.NewNodeID(), types.NewNodeID()
	hi, lo := a, b
	if b.Compare(a) > 0 {
		hi, lo = b, a
	}
	t0 := time.Now().UTC()

	base := record(lo, 1, t0)
	require.NoError(t, ix.Append(testAddr, base))
	// Sibling on the losing origin carries a *later* intermediate write;
	// the dominant chain must still win time travel.
	loser := record(lo, 2, t0.Add(time.Second), base.VersionID)
	require.NoError(t, ix.Append(testAddr, loser))
	winner := record(hi, 1, t0.Add(2*time.Second), base.VersionID)
	require.NoError(t, ix.Append(testAddr, winner))

	got, err := ix.GetAt(testAddr, t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, winner.VersionID, got.VersionID)

	// At a time before the winner existed, only the dominant chain's
	// ancestors count: the loser's write is invisible.
	got, err = ix.GetAt(testAddr, t0.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, base.VersionID, got.VersionID)
}

func TestTombstoneSemantics(t *testing.T) {
	ix := New()
	origin := types.NewNodeID()
	t0 := time.Now().UTC()

	r1 := record(origin, 1, t0)
	require.NoError(t, ix.Append(testAddr, r1))
	tomb := record(origin, 2, t0.Add(time.Second), r1.VersionID)
	tomb.Tombstone = true
	require.NoError(t, ix.Append(testAddr, tomb))

	_, err := ix.Head(testAddr)
	assert.ErrorIs(t, err, types.ErrNotFound)

	hist, err := ix.History(testAddr)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "history survives deletion")

	got, err := ix.GetAt(testAddr, t0.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, r1.VersionID, got.VersionID, "time travel reaches past the tombstone")

	_, err = ix.GetAt(testAddr, t0.Add(2*time.Second))
	assert.ErrorIs(t, err, types.ErrNotFound, "time travel at the tombstone reads deleted")

	assert.Empty(t, ix.Keys("ns"), "deleted keys are not listed")

	// Put after tombstone revives the key.
	r3 := record(origin, 3, t0.Add(3*time.Second), tomb.VersionID)
	require.NoError(t, ix.Append(testAddr, r3))
	head, err := ix.Head(testAddr)
	require.NoError(t, err)
	assert.Equal(t, r3.VersionID, head.VersionID)
	assert.Equal(t, []string{"k"}, ix.Keys("ns"))
}

func TestNamespacesAndKeys(t *testing.T) {
	ix := New()
	origin := types.NewNodeID()
	now := time.Now()
	require.NoError(t, ix.Append(types.Address{Namespace: "b", Key: "x"}, record(origin, 1, now)))
	require.NoError(t, ix.Append(types.Address{Namespace: "a", Key: "y"}, record(origin, 2, now)))
	require.NoError(t, ix.Append(types.Address{Namespace: "a", Key: "z"}, record(origin, 3, now)))

	assert.Equal(t, []string{"a", "b"}, ix.Namespaces())
	assert.Equal(t, []string{"y", "z"}, ix.Keys("a"))
	assert.Equal(t, 3, ix.KeyCount())
}

func TestVersionVector(t *testing.T) {
	ix := New()
	a, b := types.NewNodeID(), types.NewNodeID()
	now := time.Now()
	require.NoError(t, ix.Append(testAddr, record(a, 1, now)))
	require.NoError(t, ix.Append(testAddr, record(a, 2, now.Add(time.Millisecond))))
	// Gap at seq 2 for origin b.
	require.NoError(t, ix.Append(types.Address{Namespace: "ns", Key: "other"}, record(b, 1, now)))
	require.NoError(t, ix.Append(types.Address{Namespace: "ns", Key: "other2"}, record(b, 3, now)))

	vv := ix.VersionVector()
	assert.Equal(t, uint64(2), vv[a])
	assert.Equal(t, uint64(1), vv[b], "gapped sequences stop the contiguous high-water mark")
}

func TestLookupGlobal(t *testing.T) {
	ix := New()
	origin := types.NewNodeID()
	r := record(origin, 1, time.Now())
	require.NoError(t, ix.Append(testAddr, r))

	addr, rec, ok := ix.Lookup(types.GlobalID{Origin: origin, Seq: 1})
	require.True(t, ok)
	assert.Equal(t, testAddr, addr)
	assert.Equal(t, r.VersionID, rec.VersionID)
	assert.True(t, ix.Contains(types.GlobalID{Origin: origin, Seq: 1}))
	assert.False(t, ix.Contains(types.GlobalID{Origin: origin, Seq: 2}))
}
