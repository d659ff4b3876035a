package tier

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/swyrknt/koru-delta/internal/blobstore"
	"github.com/swyrknt/koru-delta/internal/debug"
	"github.com/swyrknt/koru-delta/internal/eventbus"
	"github.com/swyrknt/koru-delta/internal/metrics"
	"github.com/swyrknt/koru-delta/internal/types"
)

// evictBatch bounds how many blobs one pressure pass demotes.
const evictBatch = 32

// softDiskRatio is the fraction of the disk budget at which compaction
// to DEEP starts; at the full budget writes are rejected.
const softDiskRatio = 0.9

// Manager owns blob placement. Reads and writes report access events;
// the manager's worker applies promotion hints and enforces the memory
// and disk budgets asynchronously, so a foreground read never waits on
// tier movement.
type Manager struct {
	store *blobstore.Store
	temp  *Temperature
	deep  *DeepStore // nil when running purely in memory
	bus   *eventbus.Bus

	memBudget  int64
	diskBudget int64
	walDisk    func() int64

	hot   *lru.Cache[types.ContentID, struct{}]
	hints chan types.ContentID

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options configures a Manager.
type Options struct {
	Store         *blobstore.Store
	Deep          *DeepStore
	Bus           *eventbus.Bus
	MemoryBudget  int64
	DiskBudget    int64
	WALDiskBytes  func() int64
	HotCacheSize  int
	HalfLife      time.Duration
	SweepInterval time.Duration
}

// NewManager creates and starts the tier worker.
func NewManager(opts Options) *Manager {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 100 * time.Millisecond
	}
	m := &Manager{
		store:      opts.Store,
		temp:       NewTemperature(opts.HalfLife),
		deep:       opts.Deep,
		bus:        opts.Bus,
		memBudget:  opts.MemoryBudget,
		diskBudget: opts.DiskBudget,
		walDisk:    opts.WALDiskBytes,
		hints:      make(chan types.ContentID, 1024),
		stop:       make(chan struct{}),
	}
	// The LRU bounds HOT membership by count; overflow demotes the
	// least-recent blob to WARM right away.
	cache, _ := lru.NewWithEvict(opts.HotCacheSize, func(id types.ContentID, _ struct{}) {
		if err := m.store.SetWarm(id); err == nil {
			metrics.Engine.Evictions.Add(context.Background(), 1)
			m.publishEviction(id, types.TierHot, types.TierWarm)
		}
	})
	m.hot = cache
	m.wg.Add(1)
	go m.run(opts.SweepInterval)
	return m
}

// Temperature exposes the tracker (refcount-zero cleanup, tests).
func (m *Manager) Temperature() *Temperature { return m.temp }

// OnInsert records a fresh write: the blob starts HOT at the write
// floor.
func (m *Manager) OnInsert(id types.ContentID) {
	m.temp.TouchWrite(id)
	m.hot.Add(id, struct{}{})
}

// OnAccess records a read. Non-HOT blobs get a promotion hint; the read
// itself never waits.
func (m *Manager) OnAccess(id types.ContentID, tier types.Tier) {
	m.temp.TouchRead(id)
	if tier == types.TierHot {
		m.hot.Add(id, struct{}{}) // refresh recency
		return
	}
	select {
	case m.hints <- id:
	default:
		// Hint queue full; the blob stays where it is until the next
		// access. Promotion is best-effort.
	}
}

// OnRelease drops bookkeeping for a reclaimed blob.
func (m *Manager) OnRelease(id types.ContentID) {
	m.temp.Forget(id)
	m.hot.Remove(id)
}

// DiskUsage returns current total disk bytes (log segments plus deep
// store).
func (m *Manager) DiskUsage() int64 {
	total := m.walDisk()
	if m.deep != nil {
		total += m.deep.TotalBytes()
	}
	return total
}

// DiskFull reports whether the hard disk ceiling is reached; the
// orchestrator rejects writes with ResourceExhausted while it holds.
func (m *Manager) DiskFull() bool {
	return m.DiskUsage() >= m.diskBudget
}

func (m *Manager) run(sweep time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case id := <-m.hints:
			m.promote(id)
		case <-ticker.C:
			m.enforceMemoryBudget()
			m.enforceDiskBudget()
		}
	}
}

// promote pulls a blob back to HOT.
func (m *Manager) promote(id types.ContentID) {
	tier, ok := m.store.Tier(id)
	if !ok || tier == types.TierHot {
		return
	}
	data, _, err := m.store.Fetch(id)
	if err != nil {
		debug.Logf("tier: promotion fetch of %s failed: %v", id, err)
		return
	}
	if err := m.store.SetHot(id, data); err != nil {
		debug.Logf("tier: promotion of %s failed: %v", id, err)
		return
	}
	metrics.Engine.Promotions.Add(context.Background(), 1)
	m.hot.Add(id, struct{}{})
}

// enforceMemoryBudget demotes in bounded batches until HOT+WARM fits:
// first HOT -> WARM by coldest temperature, then WARM -> COLD.
func (m *Manager) enforceMemoryBudget() {
	if m.store.MemoryBytes() <= m.memBudget {
		return
	}
	for _, id := range m.temp.Coldest(m.store.InTier(types.TierHot), evictBatch) {
		if m.store.MemoryBytes() <= m.memBudget {
			return
		}
		if err := m.store.SetWarm(id); err == nil {
			metrics.Engine.Evictions.Add(context.Background(), 1)
			m.hot.Remove(id)
			m.publishEviction(id, types.TierHot, types.TierWarm)
		}
	}
	if m.store.MemoryBytes() <= m.memBudget {
		return
	}
	for _, id := range m.temp.Coldest(m.store.InTier(types.TierWarm), evictBatch) {
		if m.store.MemoryBytes() <= m.memBudget {
			return
		}
		if err := m.store.SetCold(id); err == nil {
			metrics.Engine.Evictions.Add(context.Background(), 1)
			m.publishEviction(id, types.TierWarm, types.TierCold)
		}
	}
}

// enforceDiskBudget compacts cold blobs into the deep store once disk
// usage crosses the soft ceiling.
func (m *Manager) enforceDiskBudget() {
	if m.deep == nil {
		return
	}
	if float64(m.DiskUsage()) < softDiskRatio*float64(m.diskBudget) {
		return
	}
	for _, id := range m.temp.Coldest(m.store.InTier(types.TierCold), evictBatch) {
		data, _, err := m.store.Fetch(id)
		if err != nil {
			continue
		}
		if err := m.deep.Put(id, data); err != nil {
			debug.Logf("tier: deep compaction of %s failed: %v", id, err)
			continue
		}
		if err := m.store.SetDeep(id); err == nil {
			m.publishEviction(id, types.TierCold, types.TierDeep)
		}
	}
}

func (m *Manager) publishEviction(id types.ContentID, from, to types.Tier) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Dispatch(context.Background(), &eventbus.Event{
		Type:      eventbus.EventBlobEvicted,
		Time:      time.Now().UTC(),
		ContentID: id,
		FromTier:  from,
		ToTier:    to,
	})
}

// Sweep runs one budget pass synchronously (tests, shutdown drain).
func (m *Manager) Sweep() {
	m.enforceMemoryBudget()
	m.enforceDiskBudget()
}

// Close stops the worker.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}
