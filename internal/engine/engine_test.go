package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swyrknt/koru-delta/internal/config"
	"github.com/swyrknt/koru-delta/internal/types"
)

func memConfig() config.Config {
	cfg := config.Default()
	cfg.DataPath = ":memory:"
	return cfg
}

func diskConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.DataPath = dir
	cfg.FsyncMode = config.FsyncMode{Kind: "always"}
	return cfg
}

func openTest(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	return e
}

// crash tears the engine down without checkpoint, clean-state marker, or
// graceful flush: everything not already fsynced is lost, like kill -9.
func crash(e *Engine) {
	if e.stopCkpt != nil {
		e.stopCkpt()
		<-e.ckptDone
	}
	if e.repl != nil {
		e.repl.Close()
	}
	if e.tiers != nil {
		e.tiers.Close()
	}
	e.log.Close()
	if e.deep != nil {
		e.deep.Close()
	}
	if e.lock != nil {
		e.lock.Release()
	}
}

func obj(kv ...string) types.Value {
	m := make(map[string]types.Value)
	for i := 0; i < len(kv); i += 2 {
		m[kv[i]] = types.StringValue(kv[i+1])
	}
	return types.MapValue(m)
}

func TestPutGetRoundTrip(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	v := obj("n", "A")
	rec, err := e.Put(ctx, "users", "alice", v, PutOptions{})
	require.NoError(t, err)
	assert.Empty(t, rec.Parents, "first version has no parents")
	assert.False(t, rec.ContentID.IsZero())
	assert.Equal(t, e.NodeID(), rec.Origin)
	assert.Equal(t, uint64(1), rec.Seq)

	got, meta, err := e.Get(ctx, "users", "alice")
	require.NoError(t, err)
	assert.True(t, v.Equal(got))
	assert.Equal(t, rec.VersionID, meta.VersionID)
}

func TestGetMissing(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	_, _, err := e.Get(context.Background(), "ns", "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestDedupSharesBlob(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	v := obj("v", "1")
	r1, err := e.Put(ctx, "a", "x", v, PutOptions{})
	require.NoError(t, err)
	r2, err := e.Put(ctx, "b", "y", v, PutOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, r1.VersionID, r2.VersionID)
	assert.Equal(t, r1.ContentID, r2.ContentID, "identical values share a content id")
	assert.Equal(t, int64(1), e.blobs.BlobCount(), "identical values share one blob")
	assert.Equal(t, int64(2), e.blobs.Refcount(r1.ContentID))
}

func TestVersionChainParents(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	r1, err := e.Put(ctx, "k", "x", types.IntValue(1), PutOptions{})
	require.NoError(t, err)
	r2, err := e.Put(ctx, "k", "x", types.IntValue(2), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.VersionID{r1.VersionID}, r2.Parents)
	assert.Greater(t, r2.Seq, r1.Seq)
	assert.True(t, r2.Timestamp.After(r1.Timestamp), "timestamps are strictly monotonic per node")

	hist, err := e.History(ctx, "k", "x")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, r2.VersionID, hist[0].VersionID)
	assert.Equal(t, r1.VersionID, hist[1].VersionID)
}

func TestExplicitParents(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	r1, err := e.Put(ctx, "k", "x", types.IntValue(1), PutOptions{})
	require.NoError(t, err)
	_, err = e.Put(ctx, "k", "x", types.IntValue(2), PutOptions{})
	require.NoError(t, err)

	// A caller-side merge writes with explicit parents.
	r3, err := e.Put(ctx, "k", "x", types.IntValue(3), PutOptions{Parents: []types.VersionID{r1.VersionID}})
	require.NoError(t, err)
	assert.Equal(t, []types.VersionID{r1.VersionID}, r3.Parents)

	_, err = e.Put(ctx, "k", "x", types.IntValue(4), PutOptions{Parents: []types.VersionID{types.NewVersionID()}})
	assert.ErrorIs(t, err, types.ErrNotFound, "unknown parent is rejected")
}

func TestTimeTravel(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	r1, err := e.Put(ctx, "k", "x", types.IntValue(1), PutOptions{})
	require.NoError(t, err)
	r2, err := e.Put(ctx, "k", "x", types.IntValue(2), PutOptions{})
	require.NoError(t, err)
	_, err = e.Put(ctx, "k", "x", types.IntValue(3), PutOptions{})
	require.NoError(t, err)

	v, meta, err := e.GetAt(ctx, "k", "x", r2.Timestamp)
	require.NoError(t, err)
	assert.True(t, types.IntValue(2).Equal(v))
	assert.Equal(t, r2.VersionID, meta.VersionID)

	_, _, err = e.GetAt(ctx, "k", "x", r1.Timestamp.Add(-time.Second))
	assert.ErrorIs(t, err, types.ErrNotFound)

	v, _, err = e.GetAt(ctx, "k", "x", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, types.IntValue(3).Equal(v))
}

func TestDeleteTombstone(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	r1, err := e.Put(ctx, "k", "x", types.IntValue(1), PutOptions{})
	require.NoError(t, err)
	tomb, err := e.Delete(ctx, "k", "x")
	require.NoError(t, err)
	assert.True(t, tomb.Tombstone)
	assert.Equal(t, []types.VersionID{r1.VersionID}, tomb.Parents)

	_, _, err = e.Get(ctx, "k", "x")
	assert.ErrorIs(t, err, types.ErrNotFound)

	hist, err := e.History(ctx, "k", "x")
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	v, _, err := e.GetAt(ctx, "k", "x", tomb.Timestamp.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, types.IntValue(1).Equal(v))

	// Tombstone, put, tombstone again.
	_, err = e.Put(ctx, "k", "x", types.IntValue(2), PutOptions{})
	require.NoError(t, err)
	_, _, err = e.Get(ctx, "k", "x")
	require.NoError(t, err)
	_, err = e.Delete(ctx, "k", "x")
	require.NoError(t, err)
	_, _, err = e.Get(ctx, "k", "x")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPutBatchAtomicVisible(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	recs, err := e.PutBatch(ctx, []BatchEntry{
		{Namespace: "batch", Key: "a", Value: types.IntValue(1)},
		{Namespace: "batch", Key: "b", Value: types.IntValue(2)},
		{Namespace: "batch", Key: "c", Value: types.IntValue(1)}, // dedup within batch
	})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, k := range []string{"a", "b", "c"} {
		_, _, err := e.Get(ctx, "batch", k)
		require.NoError(t, err)
	}
	assert.Equal(t, recs[0].ContentID, recs[2].ContentID)
}

func TestPutBatchValidationFailsWhole(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	_, err := e.PutBatch(ctx, []BatchEntry{
		{Namespace: "batch", Key: "ok", Value: types.IntValue(1)},
		{Namespace: "", Key: "bad", Value: types.IntValue(2)},
	})
	require.ErrorIs(t, err, types.ErrInvalidValue)
	_, _, err = e.Get(ctx, "batch", "ok")
	assert.ErrorIs(t, err, types.ErrNotFound, "no entry of a failed batch may be visible")
}

func TestInvalidInputsRejected(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	_, err := e.Put(ctx, "", "k", types.IntValue(1), PutOptions{})
	assert.ErrorIs(t, err, types.ErrInvalidValue)
	_, err = e.Put(ctx, "ns", "", types.IntValue(1), PutOptions{})
	assert.ErrorIs(t, err, types.ErrInvalidValue)
	_, err = e.Put(ctx, "ns", "k", types.IntValue(1), PutOptions{Embedding: []float32{}})
	assert.ErrorIs(t, err, types.ErrInvalidVector)

	long := make([]byte, types.MaxKeyLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = e.Put(ctx, "ns", string(long), types.IntValue(1), PutOptions{})
	assert.ErrorIs(t, err, types.ErrInvalidValue)
}

func TestCancelledPut(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Put(ctx, "ns", "k", types.IntValue(1), PutOptions{})
	assert.ErrorIs(t, err, types.ErrCancelled)
	_, _, err = e.Get(context.Background(), "ns", "k")
	assert.ErrorIs(t, err, types.ErrNotFound, "cancelled validation leaves no state")
}

func TestSimilar(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	_, err := e.Put(ctx, "docs", "v1", types.IntValue(1), PutOptions{Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	_, err = e.Put(ctx, "docs", "v2", types.IntValue(2), PutOptions{Embedding: []float32{0.99, 0.1, 0}})
	require.NoError(t, err)
	_, err = e.Put(ctx, "docs", "v3", types.IntValue(3), PutOptions{Embedding: []float32{0, 1, 0}})
	require.NoError(t, err)

	hits, err := e.Similar(ctx, "docs", []float32{1, 0, 0}, 2, 0, "")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "v1", hits[0].Key)
	assert.Equal(t, "v2", hits[1].Key)
	assert.Greater(t, hits[1].Score, 0.9)

	_, err = e.Similar(ctx, "docs", []float32{1, 0}, 2, 0, "")
	assert.ErrorIs(t, err, types.ErrInvalidVector)
}

func TestListAndStats(t *testing.T) {
	e := openTest(t, memConfig())
	defer e.Close()
	ctx := context.Background()

	_, err := e.Put(ctx, "users", "alice", obj("n", "A"), PutOptions{})
	require.NoError(t, err)
	_, err = e.Put(ctx, "users", "bob", obj("n", "B"), PutOptions{})
	require.NoError(t, err)
	_, err = e.Put(ctx, "orders", "1", obj("sku", "s"), PutOptions{})
	require.NoError(t, err)

	namespaces, err := e.ListNamespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, namespaces)

	keys, err := e.ListKeys(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, keys)

	st, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Namespaces)
	assert.Equal(t, 3, st.Keys)
	assert.Equal(t, int64(3), st.Versions)
	assert.Equal(t, int64(3), st.Blobs)
	assert.Greater(t, st.DiskBytes, int64(0))
}

func TestRecoveryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	e := openTest(t, diskConfig(dir))
	const n = 50
	for i := 0; i < n; i++ {
		_, err := e.Put(ctx, "ns", fmt.Sprintf("key-%03d", i), types.IntValue(int64(i)), PutOptions{})
		require.NoError(t, err)
	}
	tomb, err := e.Delete(ctx, "ns", "key-007")
	require.NoError(t, err)
	crash(e)

	e2 := openTest(t, diskConfig(dir))
	defer e2.Close()

	keys, err := e2.ListKeys(ctx, "ns")
	require.NoError(t, err)
	assert.Len(t, keys, n-1, "all fsynced writes survive, tombstone included")

	v, _, err := e2.Get(ctx, "ns", "key-042")
	require.NoError(t, err)
	assert.True(t, types.IntValue(42).Equal(v))

	_, _, err = e2.Get(ctx, "ns", "key-007")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Time travel across restart still reaches the pre-delete value.
	v, _, err = e2.GetAt(ctx, "ns", "key-007", tomb.Timestamp.Add(-time.Nanosecond))
	require.NoError(t, err)
	assert.True(t, types.IntValue(7).Equal(v))

	// Sequence numbers continue, never reuse.
	rec, err := e2.Put(ctx, "ns", "after", types.IntValue(99), PutOptions{})
	require.NoError(t, err)
	assert.Greater(t, rec.Seq, tomb.Seq)
}

func TestRecoveryPreservesNodeID(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, diskConfig(dir))
	id := e.NodeID()
	require.NoError(t, e.Close())

	e2 := openTest(t, diskConfig(dir))
	defer e2.Close()
	assert.Equal(t, id, e2.NodeID())
}

func TestSecondOpenLocked(t *testing.T) {
	dir := t.TempDir()
	e := openTest(t, diskConfig(dir))
	defer e.Close()

	_, err := Open(context.Background(), diskConfig(dir))
	assert.Error(t, err)
}

func TestDiskBudgetRejectsWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := diskConfig(dir)
	cfg.MaxDiskBytes = 1 << 16
	e := openTest(t, cfg)
	defer e.Close()
	ctx := context.Background()

	big := make([]byte, 8192)
	var rejected bool
	for i := 0; i < 64; i++ {
		for j := range big {
			big[j] = 'a' + byte((i+j)%26)
		}
		_, err := e.Put(ctx, "ns", fmt.Sprintf("k%d", i), types.StringValue(string(big[:4096])+fmt.Sprint(i)), PutOptions{})
		if err != nil {
			require.ErrorIs(t, err, types.ErrResourceExhausted)
			rejected = true
			break
		}
	}
	assert.True(t, rejected, "writes past the disk ceiling must fail, not silently drop")
}

func TestTwoNodeConvergence(t *testing.T) {
	ctx := context.Background()

	cfgA := memConfig()
	cfgA.Replication.BindAddr = "127.0.0.1:0"
	cfgA.Replication.GossipInterval = time.Hour // exchanges driven explicitly
	a := openTest(t, cfgA)
	defer a.Close()

	cfgB := memConfig()
	cfgB.Replication.BindAddr = "127.0.0.1:0"
	cfgB.Replication.GossipInterval = time.Hour
	cfgB.Replication.JoinAddrs = []string{a.ListenAddr()}
	b := openTest(t, cfgB)
	defer b.Close()

	// Divergent writes on both sides.
	for i := 0; i < 20; i++ {
		_, err := a.Put(ctx, "ns", fmt.Sprintf("a-%02d", i), types.IntValue(int64(i)), PutOptions{})
		require.NoError(t, err)
		_, err = b.Put(ctx, "ns", fmt.Sprintf("b-%02d", i), types.IntValue(int64(i)), PutOptions{})
		require.NoError(t, err)
	}

	// B pulls from A; A learns B's address from the HELLO and pulls
	// back on its own rounds.
	require.NoError(t, b.Replicator().SyncNow(ctx))
	require.NoError(t, a.Replicator().SyncNow(ctx))

	keysA, err := a.ListKeys(ctx, "ns")
	require.NoError(t, err)
	keysB, err := b.ListKeys(ctx, "ns")
	require.NoError(t, err)
	assert.Len(t, keysA, 40)
	assert.Equal(t, keysA, keysB)

	// Every value agrees on both nodes.
	for _, k := range keysA {
		va, ra, err := a.Get(ctx, "ns", k)
		require.NoError(t, err)
		vb, rb, err := b.Get(ctx, "ns", k)
		require.NoError(t, err)
		assert.True(t, va.Equal(vb), "value mismatch for %s", k)
		assert.Equal(t, ra.VersionID, rb.VersionID, "dominant head mismatch for %s", k)
	}
}

func TestConvergentConflictSiblings(t *testing.T) {
	ctx := context.Background()

	cfgA := memConfig()
	cfgA.Replication.BindAddr = "127.0.0.1:0"
	cfgA.Replication.GossipInterval = time.Hour
	a := openTest(t, cfgA)
	defer a.Close()

	cfgB := memConfig()
	cfgB.Replication.BindAddr = "127.0.0.1:0"
	cfgB.Replication.GossipInterval = time.Hour
	cfgB.Replication.JoinAddrs = []string{a.ListenAddr()}
	b := openTest(t, cfgB)
	defer b.Close()

	// Both nodes write the same key while disconnected.
	_, err := a.Put(ctx, "ns", "shared", types.StringValue("from-a"), PutOptions{})
	require.NoError(t, err)
	_, err = b.Put(ctx, "ns", "shared", types.StringValue("from-b"), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Replicator().SyncNow(ctx))
	require.NoError(t, a.Replicator().SyncNow(ctx))
	require.NoError(t, b.Replicator().SyncNow(ctx))

	// Both nodes preserve both siblings and agree on the dominant head.
	ha, err := a.History(ctx, "ns", "shared")
	require.NoError(t, err)
	hb, err := b.History(ctx, "ns", "shared")
	require.NoError(t, err)
	assert.Len(t, ha, 2, "siblings are preserved, not resolved")
	assert.Len(t, hb, 2)

	_, ra, err := a.Get(ctx, "ns", "shared")
	require.NoError(t, err)
	_, rb, err := b.Get(ctx, "ns", "shared")
	require.NoError(t, err)
	assert.Equal(t, ra.VersionID, rb.VersionID, "tie-break must agree across nodes")

	// A subsequent write on either node merges both siblings.
	merged, err := a.Put(ctx, "ns", "shared", types.StringValue("merged"), PutOptions{})
	require.NoError(t, err)
	assert.Len(t, merged.Parents, 2)
}

func TestReplicationShipsEmbeddings(t *testing.T) {
	ctx := context.Background()

	cfgA := memConfig()
	cfgA.Replication.BindAddr = "127.0.0.1:0"
	cfgA.Replication.GossipInterval = time.Hour
	a := openTest(t, cfgA)
	defer a.Close()

	cfgB := memConfig()
	cfgB.Replication.GossipInterval = time.Hour
	cfgB.Replication.JoinAddrs = []string{a.ListenAddr()}
	b := openTest(t, cfgB)
	defer b.Close()

	_, err := a.Put(ctx, "docs", "v1", types.IntValue(1), PutOptions{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	require.NoError(t, b.Replicator().SyncNow(ctx))

	hits, err := b.Similar(ctx, "docs", []float32{1, 0}, 1, 0.5, "")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "v1", hits[0].Key)
}
