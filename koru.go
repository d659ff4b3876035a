// Package koru is the public API of koru-delta: a content-addressed,
// versioned key-value engine with time-travel queries, a tiered blob
// lifecycle, a checksummed write-ahead log, and peer-to-peer anti-entropy
// replication.
//
// Open a database, write versions, read them back at any point in their
// history:
//
//	db, err := koru.Open(ctx, koru.DefaultConfig())
//	rec, err := db.Put(ctx, "users", "alice", koru.Map(map[string]koru.Value{
//		"name": koru.String("Alice"),
//	}))
//	value, meta, err := db.Get(ctx, "users", "alice")
package koru

import (
	"context"
	"time"

	"github.com/swyrknt/koru-delta/internal/config"
	"github.com/swyrknt/koru-delta/internal/engine"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/vector"
)

// Core types re-exported for callers.
type (
	Kind          = types.Kind
	Value         = types.Value
	VersionRecord = types.VersionRecord
	VersionID     = types.VersionID
	ContentID     = types.ContentID
	NodeID        = types.NodeID
	Stats         = types.Stats
	Config        = config.Config
	PutOptions    = engine.PutOptions
	BatchEntry    = engine.BatchEntry
	SimilarHit    = vector.Result
)

// Error taxonomy; classify with errors.Is.
var (
	ErrInvalidValue      = types.ErrInvalidValue
	ErrInvalidVector     = types.ErrInvalidVector
	ErrNotFound          = types.ErrNotFound
	ErrResourceExhausted = types.ErrResourceExhausted
	ErrCorrupted         = types.ErrCorrupted
	ErrConflict          = types.ErrConflict
	ErrPeerUnavailable   = types.ErrPeerUnavailable
	ErrCancelled         = types.ErrCancelled
	ErrInternal          = types.ErrInternal
)

// Value kinds.
const (
	KindNull   = types.KindNull
	KindBool   = types.KindBool
	KindInt    = types.KindInt
	KindFloat  = types.KindFloat
	KindString = types.KindString
	KindSeq    = types.KindSeq
	KindMap    = types.KindMap
)

// Value constructors.
var (
	Null   = types.Null
	Bool   = types.BoolValue
	Int    = types.IntValue
	Float  = types.FloatValue
	String = types.StringValue
	Seq    = types.SeqValue
	Map    = types.MapValue
)

// DefaultConfig returns an in-memory configuration: no data directory,
// everything else at production defaults.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML config file with KORU_ environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// DB is an open engine node.
type DB struct {
	engine *engine.Engine
}

// Open brings up a node: acquires the data-directory lock, recovers from
// the log, and starts the background workers (and the replication mesh
// when configured).
func Open(ctx context.Context, cfg Config) (*DB, error) {
	e, err := engine.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{engine: e}, nil
}

// Close checkpoints, flushes, and releases the node.
func (db *DB) Close() error { return db.engine.Close() }

// NodeID returns this node's replication identity.
func (db *DB) NodeID() NodeID { return db.engine.NodeID() }

// Put writes a new version of a key. Options attach explicit parents or
// an embedding.
func (db *DB) Put(ctx context.Context, namespace, key string, value Value, opts ...PutOptions) (*VersionRecord, error) {
	var o PutOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return db.engine.Put(ctx, namespace, key, value, o)
}

// Get reads the current value and version record of a key.
func (db *DB) Get(ctx context.Context, namespace, key string) (Value, *VersionRecord, error) {
	return db.engine.Get(ctx, namespace, key)
}

// GetAt reads the value a key had at time t on its dominant chain.
func (db *DB) GetAt(ctx context.Context, namespace, key string, t time.Time) (Value, *VersionRecord, error) {
	return db.engine.GetAt(ctx, namespace, key, t)
}

// History lists a key's versions, newest first, tombstones included.
func (db *DB) History(ctx context.Context, namespace, key string) ([]*VersionRecord, error) {
	return db.engine.History(ctx, namespace, key)
}

// GetVersion materializes one specific version from a key's history.
func (db *DB) GetVersion(ctx context.Context, namespace, key string, id VersionID) (Value, *VersionRecord, error) {
	return db.engine.GetVersion(ctx, namespace, key, id)
}

// Delete appends a tombstone; history and time travel still see prior
// versions.
func (db *DB) Delete(ctx context.Context, namespace, key string) (*VersionRecord, error) {
	return db.engine.Delete(ctx, namespace, key)
}

// PutBatch writes several keys atomically on this node.
func (db *DB) PutBatch(ctx context.Context, entries []BatchEntry) ([]*VersionRecord, error) {
	return db.engine.PutBatch(ctx, entries)
}

// Similar returns the top-k keys whose current embeddings score at least
// threshold against the query, descending. Empty namespace searches all.
func (db *DB) Similar(ctx context.Context, namespace string, query []float32, k int, threshold float64) ([]SimilarHit, error) {
	return db.engine.Similar(ctx, namespace, query, k, threshold, "")
}

// SimilarByModel restricts the search to one embedding model.
func (db *DB) SimilarByModel(ctx context.Context, namespace string, query []float32, k int, threshold float64, modelTag string) ([]SimilarHit, error) {
	return db.engine.Similar(ctx, namespace, query, k, threshold, modelTag)
}

// ListNamespaces returns all namespaces holding versions.
func (db *DB) ListNamespaces(ctx context.Context) ([]string, error) {
	return db.engine.ListNamespaces(ctx)
}

// ListKeys returns a namespace's live (non-deleted) keys.
func (db *DB) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	return db.engine.ListKeys(ctx, namespace)
}

// Stats snapshots key counts, version counts, tier footprints, and peer
// health.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	return db.engine.Stats(ctx)
}

// SyncNow runs one synchronous anti-entropy exchange with every peer.
func (db *DB) SyncNow(ctx context.Context) error {
	return db.engine.Replicator().SyncNow(ctx)
}

// ApplyConfig applies the dynamic config subset (fsync mode, gossip
// interval) to a running node.
func (db *DB) ApplyConfig(cfg Config) { db.engine.ApplyConfig(cfg) }
