package koru

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPublicRoundTrip(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()

	v := Map(map[string]Value{"n": String("A")})
	rec, err := db.Put(ctx, "users", "alice", v)
	require.NoError(t, err)
	assert.Empty(t, rec.Parents)

	got, meta, err := db.Get(ctx, "users", "alice")
	require.NoError(t, err)
	assert.True(t, v.Equal(got))
	assert.Equal(t, rec.VersionID, meta.VersionID)
}

func TestPublicTimeTravelAndHistory(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()

	r1, err := db.Put(ctx, "k", "x", Int(1))
	require.NoError(t, err)
	_, err = db.Put(ctx, "k", "x", Int(2))
	require.NoError(t, err)

	v, _, err := db.GetAt(ctx, "k", "x", r1.Timestamp)
	require.NoError(t, err)
	assert.True(t, Int(1).Equal(v))

	hist, err := db.History(ctx, "k", "x")
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	v, _, err = db.GetVersion(ctx, "k", "x", r1.VersionID)
	require.NoError(t, err)
	assert.True(t, Int(1).Equal(v))
}

func TestPublicDeleteAndBatch(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()

	_, err := db.Put(ctx, "ns", "gone", Int(1))
	require.NoError(t, err)
	_, err = db.Delete(ctx, "ns", "gone")
	require.NoError(t, err)
	_, _, err = db.Get(ctx, "ns", "gone")
	assert.ErrorIs(t, err, ErrNotFound)

	recs, err := db.PutBatch(ctx, []BatchEntry{
		{Namespace: "ns", Key: "a", Value: Int(1)},
		{Namespace: "ns", Key: "b", Value: Int(2)},
	})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	keys, err := db.ListKeys(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestPublicSimilar(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()

	_, err := db.Put(ctx, "docs", "v1", Int(1), PutOptions{Embedding: []float32{1, 0, 0}})
	require.NoError(t, err)
	_, err = db.Put(ctx, "docs", "v2", Int(2), PutOptions{Embedding: []float32{0.99, 0.1, 0}})
	require.NoError(t, err)

	hits, err := db.Similar(ctx, "docs", []float32{1, 0, 0}, 2, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "v1", hits[0].Key)
}

func TestPublicStats(t *testing.T) {
	db := openMem(t)
	ctx := context.Background()
	_, err := db.Put(ctx, "ns", "k", String("v"))
	require.NoError(t, err)

	st, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Keys)
	assert.Equal(t, int64(1), st.Versions)
	assert.NotEmpty(t, st.NodeID)
}

func TestPublicPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.DataPath = dir
	ctx := context.Background()

	db, err := Open(ctx, cfg)
	require.NoError(t, err)
	_, err = db.Put(ctx, "ns", "k", String("survives"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer db2.Close()
	v, _, err := db2.Get(ctx, "ns", "k")
	require.NoError(t, err)
	assert.True(t, String("survives").Equal(v))
}

func TestPublicInvalidVectorAndMissingKey(t *testing.T) {
	db := openMem(t)
	_, err := db.Put(context.Background(), "ns", "k", Float(1.5), PutOptions{Embedding: []float32{}})
	assert.ErrorIs(t, err, ErrInvalidVector)

	_, _, err = db.GetAt(context.Background(), "ns", "nope", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}
