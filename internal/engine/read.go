package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/swyrknt/koru-delta/internal/canonical"
	"github.com/swyrknt/koru-delta/internal/metrics"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/vector"
)

// Get returns the key's current value and its version record.
func (e *Engine) Get(ctx context.Context, namespace, key string) (types.Value, *types.VersionRecord, error) {
	addr := types.Address{Namespace: namespace, Key: key}
	rec, err := e.index.Head(addr)
	if err != nil {
		return types.Value{}, nil, err
	}
	value, err := e.materialize(ctx, rec)
	if err != nil {
		return types.Value{}, nil, err
	}
	metrics.Engine.Gets.Add(ctx, 1)
	return value, rec, nil
}

// GetAt returns the key's value as of time t on the dominant chain.
func (e *Engine) GetAt(ctx context.Context, namespace, key string, t time.Time) (types.Value, *types.VersionRecord, error) {
	addr := types.Address{Namespace: namespace, Key: key}
	rec, err := e.index.GetAt(addr, t)
	if err != nil {
		return types.Value{}, nil, err
	}
	value, err := e.materialize(ctx, rec)
	if err != nil {
		return types.Value{}, nil, err
	}
	metrics.Engine.Gets.Add(ctx, 1)
	return value, rec, nil
}

// History lists the key's versions, newest first.
func (e *Engine) History(ctx context.Context, namespace, key string) ([]*types.VersionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	return e.index.History(types.Address{Namespace: namespace, Key: key})
}

// GetVersion materializes a specific version from a key's history.
func (e *Engine) GetVersion(ctx context.Context, namespace, key string, id types.VersionID) (types.Value, *types.VersionRecord, error) {
	addr := types.Address{Namespace: namespace, Key: key}
	rec, err := e.index.Get(addr, id)
	if err != nil {
		return types.Value{}, nil, err
	}
	if rec.Tombstone {
		return types.Value{}, nil, fmt.Errorf("%w: version %s is a tombstone", types.ErrNotFound, id)
	}
	value, err := e.materialize(ctx, rec)
	if err != nil {
		return types.Value{}, nil, err
	}
	return value, rec, nil
}

// materialize fetches and decodes a version's blob, reporting the access
// to the tier manager.
func (e *Engine) materialize(ctx context.Context, rec *types.VersionRecord) (types.Value, error) {
	if err := ctx.Err(); err != nil {
		return types.Value{}, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	data, tierSeen, err := e.blobs.Fetch(rec.ContentID)
	if err != nil {
		return types.Value{}, err
	}
	if e.tiers != nil {
		e.tiers.OnAccess(rec.ContentID, tierSeen)
	}
	value, err := canonical.Decode(data)
	if err != nil {
		return types.Value{}, fmt.Errorf("version %s: %w", rec.VersionID, err)
	}
	return value, nil
}

// Similar runs a top-k cosine search over current embeddings. An empty
// namespace searches everywhere.
func (e *Engine) Similar(ctx context.Context, namespace string, query []float32, k int, threshold float64, modelTag string) ([]vector.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	return e.vectors.Search(namespace, query, k, threshold, modelTag)
}

// ListNamespaces returns all namespaces.
func (e *Engine) ListNamespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	return e.index.Namespaces(), nil
}

// ListKeys returns the live keys of a namespace.
func (e *Engine) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	return e.index.Keys(namespace), nil
}

// Stats snapshots the node.
func (e *Engine) Stats(ctx context.Context) (*types.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCancelled, err)
	}
	st := &types.Stats{
		NodeID:      e.nodeID.String(),
		Namespaces:  len(e.index.Namespaces()),
		Keys:        e.index.KeyCount(),
		Versions:    e.index.VersionCount(),
		Blobs:       e.blobs.BlobCount(),
		Vectors:     e.vectors.Count(),
		Tiers:       e.blobs.Stats(),
		MemoryBytes: e.blobs.MemoryBytes(),
		DiskBytes:   e.log.DiskBytes(),
		WALSegments: e.log.SegmentCount(),
	}
	if e.deep != nil {
		st.DiskBytes += e.deep.TotalBytes()
	}
	if e.repl != nil {
		st.Peers = e.repl.PeerStats()
	}
	return st, nil
}
