// Package engine is the orchestrator: it owns every subsystem, admits
// and validates requests, and runs the write pipeline
// (serialize -> WAL -> blob store -> version index -> vector index ->
// replication). Nothing becomes visible before its WAL frames are
// durable under the active fsync policy.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/swyrknt/koru-delta/internal/blobstore"
	"github.com/swyrknt/koru-delta/internal/config"
	"github.com/swyrknt/koru-delta/internal/debug"
	"github.com/swyrknt/koru-delta/internal/eventbus"
	"github.com/swyrknt/koru-delta/internal/lockfile"
	"github.com/swyrknt/koru-delta/internal/replication"
	"github.com/swyrknt/koru-delta/internal/tier"
	"github.com/swyrknt/koru-delta/internal/types"
	"github.com/swyrknt/koru-delta/internal/vector"
	"github.com/swyrknt/koru-delta/internal/versionindex"
	"github.com/swyrknt/koru-delta/internal/wal"
)

const (
	nodeIDFile = "NODE"
	stateFile  = "STATE"
	stateOpen  = "open"
	stateClean = "clean"
	keyStripes = 64
)

// Engine is a single node of the store.
type Engine struct {
	cfg    config.Config
	nodeID types.NodeID

	lock    *lockfile.Lock
	log     *wal.Log
	blobs   *blobstore.Store
	index   *versionindex.Index
	vectors *vector.Index
	deep    *tier.DeepStore
	tiers   *tier.Manager
	repl    *replication.Replicator
	bus     *eventbus.Bus

	admission *semaphore.Weighted

	// keyLocks serialize the head-resolution + append window per key.
	keyLocks [keyStripes]sync.Mutex

	clockMu sync.Mutex
	lastTS  time.Time
	seq     uint64

	vecMu  sync.Mutex
	vecSeq uint64

	closeOnce sync.Once
	closeErr  error
	stopCkpt  context.CancelFunc
	ckptDone  chan struct{}
}

// Open brings up an engine node: lock the data directory, recover from
// the log, write a clean checkpoint, and start the background workers.
func Open(ctx context.Context, cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidValue, err)
	}
	e := &Engine{
		cfg:       cfg,
		bus:       eventbus.New(),
		index:     versionindex.New(),
		vectors:   vector.New(),
		admission: semaphore.NewWeighted(int64(cfg.MaxConcurrentWrites)),
		ckptDone:  make(chan struct{}),
	}

	var backend wal.Backend
	if cfg.InMemory() {
		e.nodeID = types.NewNodeID()
		backend = wal.OpenMem(cfg.WALSegmentSize)
	} else {
		if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		lock, err := lockfile.Acquire(cfg.DataPath)
		if err != nil {
			return nil, err
		}
		e.lock = lock
		if e.nodeID, err = loadOrCreateNodeID(cfg.DataPath); err != nil {
			lock.Release()
			return nil, err
		}
		if unclean, err := markOpen(cfg.DataPath); err != nil {
			lock.Release()
			return nil, err
		} else if unclean {
			debug.Logf("engine: previous shutdown was unclean, replaying log")
		}
		fsBackend, err := wal.OpenFS(filepath.Join(cfg.DataPath, "wal"), cfg.WALSegmentSize)
		if err != nil {
			lock.Release()
			return nil, err
		}
		backend = fsBackend
		if e.deep, err = tier.OpenDeep(cfg.DataPath); err != nil {
			fsBackend.Close()
			lock.Release()
			return nil, err
		}
	}

	e.log = wal.NewLog(backend, cfg.FsyncMode)

	deepFetch := blobstore.DeepFetcher(nil)
	if e.deep != nil {
		deepFetch = e.deep.Get
	}
	e.blobs = blobstore.New(e.fetchColdBlob, deepFetch, e.releasePolicy)

	if err := e.recover(); err != nil {
		e.teardown()
		return nil, err
	}

	e.tiers = tier.NewManager(tier.Options{
		Store:        e.blobs,
		Deep:         e.deep,
		Bus:          e.bus,
		MemoryBudget: cfg.MaxMemoryBytes,
		DiskBudget:   cfg.MaxDiskBytes,
		WALDiskBytes: e.log.DiskBytes,
		HotCacheSize: cfg.HotCacheSize,
		HalfLife:     cfg.TemperatureHalfLife,
	})

	e.repl = replication.New(e, cfg.Replication.GossipInterval)
	if cfg.Replication.BindAddr != "" || len(cfg.Replication.JoinAddrs) > 0 {
		if err := e.repl.Start(context.Background(), cfg.Replication.BindAddr, cfg.Replication.JoinAddrs); err != nil {
			e.teardown()
			return nil, err
		}
	}

	// A clean checkpoint before accepting writes bounds the next
	// recovery.
	if _, err := e.log.Checkpoint(ctx, e.checkpointPayload()); err != nil {
		e.teardown()
		return nil, err
	}

	ckptCtx, cancel := context.WithCancel(context.Background())
	e.stopCkpt = cancel
	go e.checkpointLoop(ckptCtx)

	return e, nil
}

func loadOrCreateNodeID(dir string) (types.NodeID, error) {
	path := filepath.Join(dir, nodeIDFile)
	if data, err := os.ReadFile(path); err == nil {
		id, err := types.ParseNodeID(strings.TrimSpace(string(data)))
		if err == nil {
			return id, nil
		}
	}
	id := types.NewNodeID()
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return types.NodeID{}, fmt.Errorf("failed to persist node id: %w", err)
	}
	return id, nil
}

// markOpen writes the open state marker, reporting whether the previous
// shutdown was unclean.
func markOpen(dir string) (bool, error) {
	path := filepath.Join(dir, stateFile)
	unclean := false
	if data, err := os.ReadFile(path); err == nil {
		unclean = strings.TrimSpace(string(data)) == stateOpen
	}
	if err := os.WriteFile(path, []byte(stateOpen+"\n"), 0o644); err != nil {
		return false, fmt.Errorf("failed to write state marker: %w", err)
	}
	return unclean, nil
}

func (e *Engine) releasePolicy(id types.ContentID) bool {
	if e.cfg.Retention.KeepHistory {
		return false
	}
	if e.tiers != nil {
		e.tiers.OnRelease(id)
	}
	return true
}

// fetchColdBlob reads a blob's bytes back from its logged frame.
func (e *Engine) fetchColdBlob(pos wal.Position) ([]byte, error) {
	f, err := e.log.ReadFrameAt(pos)
	if err != nil {
		return nil, err
	}
	if f.Kind != wal.KindBlobBytes {
		return nil, fmt.Errorf("%w: frame at %d/%d is not a blob", types.ErrCorrupted, pos.Segment, pos.Offset)
	}
	p, err := wal.DecodeBlob(f.Payload)
	if err != nil {
		return nil, err
	}
	return p.Bytes, nil
}

// NodeID returns this node's identity.
func (e *Engine) NodeID() types.NodeID { return e.nodeID }

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Replicator exposes the replication engine (CLI serve, tests).
func (e *Engine) Replicator() *replication.Replicator { return e.repl }

// ApplyConfig applies the dynamic config subset at runtime.
func (e *Engine) ApplyConfig(cfg config.Config) {
	e.log.SetFsyncMode(cfg.FsyncMode)
	e.repl.SetInterval(cfg.Replication.GossipInterval)
}

// nextWriteStamp issues the per-node monotonic timestamp and sequence
// number for a new version.
func (e *Engine) nextWriteStamp() (time.Time, uint64) {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	now := time.Now().UTC()
	if !now.After(e.lastTS) {
		now = e.lastTS.Add(time.Nanosecond)
	}
	e.lastTS = now
	e.seq++
	return now, e.seq
}

func (e *Engine) nextVectorID() uint64 {
	e.vecMu.Lock()
	defer e.vecMu.Unlock()
	e.vecSeq++
	return e.vecSeq
}

func (e *Engine) stripeIndex(addr types.Address) uint32 {
	h := fnv.New32a()
	h.Write([]byte(addr.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(addr.Key))
	return h.Sum32() % keyStripes
}

func (e *Engine) keyLock(addr types.Address) *sync.Mutex {
	return &e.keyLocks[e.stripeIndex(addr)]
}

func (e *Engine) checkpointPayload() wal.CheckpointPayload {
	e.clockMu.Lock()
	seq := e.seq
	e.clockMu.Unlock()
	return wal.CheckpointPayload{LocalSeq: seq, Vector: e.index.VersionVector()}
}

func (e *Engine) checkpointLoop(ctx context.Context) {
	defer close(e.ckptDone)
	interval := e.cfg.CheckpointInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.log.Checkpoint(ctx, e.checkpointPayload()); err != nil {
				debug.Logf("engine: periodic checkpoint failed: %v", err)
				continue
			}
			_ = e.bus.Dispatch(ctx, &eventbus.Event{Type: eventbus.EventCheckpoint, Time: time.Now().UTC()})
		}
	}
}

func (e *Engine) teardown() {
	if e.repl != nil {
		e.repl.Close()
	}
	if e.tiers != nil {
		e.tiers.Close()
	}
	if e.log != nil {
		e.log.Close()
	}
	if e.deep != nil {
		e.deep.Close()
	}
	if e.lock != nil {
		e.lock.Release()
	}
}

// Close flushes, checkpoints, marks the shutdown clean, and releases
// everything. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
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
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.log.Checkpoint(ctx, e.checkpointPayload()); err != nil {
			e.closeErr = err
		}
		if err := e.log.Close(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		if e.deep != nil {
			if err := e.deep.Close(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
		if !e.cfg.InMemory() {
			if err := os.WriteFile(filepath.Join(e.cfg.DataPath, stateFile), []byte(stateClean+"\n"), 0o644); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
		if e.lock != nil {
			if err := e.lock.Release(); err != nil && e.closeErr == nil {
				e.closeErr = err
			}
		}
	})
	return e.closeErr
}
