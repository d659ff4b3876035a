// Package versionindex maintains the per-key version DAG: every write
// appends an immutable version record, parents link the causal chain,
// and the head set is the frontier of versions with no local
// descendants. Sibling heads from concurrent origins coexist; the
// dominant head — the deterministic tie-break winner — is what single-
// head reads see.
package versionindex

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/swyrknt/koru-delta/internal/types"
)

// chain holds one key's DAG under its own lock.
type chain struct {
	mu       sync.Mutex
	versions map[types.VersionID]*types.VersionRecord
	heads    map[types.VersionID]struct{}
	// byTime orders versions by (timestamp, origin, seq) for history
	// listings and time-travel lookups.
	byTime *btree.BTreeG[*types.VersionRecord]
}

func lessRecord(a, b *types.VersionRecord) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if c := a.Origin.Compare(b.Origin); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

func newChain() *chain {
	return &chain{
		versions: make(map[types.VersionID]*types.VersionRecord),
		heads:    make(map[types.VersionID]struct{}),
		byTime:   btree.NewG(8, lessRecord),
	}
}

type globalRef struct {
	addr types.Address
	id   types.VersionID
}

// Index is the engine-wide version index.
type Index struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*chain
	global     map[types.GlobalID]globalRef
	count      int64
}

// New creates an empty index.
func New() *Index {
	return &Index{
		namespaces: make(map[string]map[string]*chain),
		global:     make(map[types.GlobalID]globalRef),
	}
}

func (ix *Index) chainFor(addr types.Address, create bool) *chain {
	ix.mu.RLock()
	keys := ix.namespaces[addr.Namespace]
	var c *chain
	if keys != nil {
		c = keys[addr.Key]
	}
	ix.mu.RUnlock()
	if c != nil || !create {
		return c
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	keys = ix.namespaces[addr.Namespace]
	if keys == nil {
		keys = make(map[string]*chain)
		ix.namespaces[addr.Namespace] = keys
	}
	c = keys[addr.Key]
	if c == nil {
		c = newChain()
		keys[addr.Key] = c
	}
	return c
}

// Append inserts a version record into the key's DAG. Every parent must
// already resolve locally; a record listing itself as a parent is
// rejected. Heads referenced as parents stop being heads; the new
// record joins the head set.
func (ix *Index) Append(addr types.Address, rec *types.VersionRecord) error {
	c := ix.chainFor(addr, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.versions[rec.VersionID]; dup {
		return nil // idempotent re-apply (recovery, replication)
	}
	for _, p := range rec.Parents {
		if p == rec.VersionID {
			return fmt.Errorf("%w: version cannot parent itself", types.ErrInvalidValue)
		}
		if _, ok := c.versions[p]; !ok {
			return fmt.Errorf("%w: parent version %s not present", types.ErrNotFound, p)
		}
	}

	stored := rec.Clone()
	c.versions[stored.VersionID] = stored
	c.byTime.ReplaceOrInsert(stored)
	for _, p := range stored.Parents {
		delete(c.heads, p)
	}
	c.heads[stored.VersionID] = struct{}{}

	ix.mu.Lock()
	ix.global[stored.Global()] = globalRef{addr: addr, id: stored.VersionID}
	ix.count++
	ix.mu.Unlock()
	return nil
}

// dominantLocked returns the head winning the tie-break, or nil for an
// empty chain.
func (c *chain) dominantLocked() *types.VersionRecord {
	var best *types.VersionRecord
	for id := range c.heads {
		rec := c.versions[id]
		if best == nil || rec.Dominates(best) {
			best = rec
		}
	}
	return best
}

// Head returns the dominant head. A tombstone head reads as not-found:
// the key is deleted, though its history remains queryable.
func (ix *Index) Head(addr types.Address) (*types.VersionRecord, error) {
	c := ix.chainFor(addr, false)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	best := c.dominantLocked()
	if best == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, addr)
	}
	if best.Tombstone {
		return nil, fmt.Errorf("%w: %s is deleted", types.ErrNotFound, addr)
	}
	return best.Clone(), nil
}

// Heads returns the full head set, dominant first. Callers use it to
// record merge parents.
func (ix *Index) Heads(addr types.Address) []*types.VersionRecord {
	c := ix.chainFor(addr, false)
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.VersionRecord, 0, len(c.heads))
	for id := range c.heads {
		out = append(out, c.versions[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dominates(out[j]) })
	return out
}

// History lists all versions of a key, newest first.
func (ix *Index) History(addr types.Address) ([]*types.VersionRecord, error) {
	c := ix.chainFor(addr, false)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.versions) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, addr)
	}
	out := make([]*types.VersionRecord, 0, len(c.versions))
	c.byTime.Descend(func(rec *types.VersionRecord) bool {
		out = append(out, rec.Clone())
		return true
	})
	return out, nil
}

// Get returns a specific version record by ID.
func (ix *Index) Get(addr types.Address, id types.VersionID) (*types.VersionRecord, error) {
	c := ix.chainFor(addr, false)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.versions[id]
	if !ok {
		return nil, fmt.Errorf("%w: version %s", types.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// GetAt resolves the key as of time t: the newest version with
// timestamp <= t on the chain reachable from the current dominant head.
// A tombstone at that point reads as not-found.
func (ix *Index) GetAt(addr types.Address, t time.Time) (*types.VersionRecord, error) {
	c := ix.chainFor(addr, false)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	dom := c.dominantLocked()
	if dom == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, addr)
	}

	// Ancestor closure of the dominant head; the dominant chain is what
	// a reader at time t would have been shown.
	reachable := make(map[types.VersionID]struct{})
	stack := []*types.VersionRecord{dom}
	for len(stack) > 0 {
		rec := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := reachable[rec.VersionID]; seen {
			continue
		}
		reachable[rec.VersionID] = struct{}{}
		for _, p := range rec.Parents {
			if parent, ok := c.versions[p]; ok {
				stack = append(stack, parent)
			}
		}
	}

	pivot := &types.VersionRecord{Timestamp: t.UTC(), Seq: ^uint64(0)}
	var maxOrigin types.NodeID
	for i := range maxOrigin {
		maxOrigin[i] = 0xff
	}
	pivot.Origin = maxOrigin

	var found *types.VersionRecord
	c.byTime.DescendLessOrEqual(pivot, func(rec *types.VersionRecord) bool {
		if rec.Timestamp.After(t) {
			return true
		}
		if _, ok := reachable[rec.VersionID]; ok {
			found = rec
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %s has no version at or before %s", types.ErrNotFound, addr, t.UTC().Format(time.RFC3339Nano))
	}
	if found.Tombstone {
		return nil, fmt.Errorf("%w: %s was deleted at %s", types.ErrNotFound, addr, found.Timestamp.Format(time.RFC3339Nano))
	}
	return found.Clone(), nil
}

// Lookup resolves a replication-global identity to its address and
// record.
func (ix *Index) Lookup(gid types.GlobalID) (types.Address, *types.VersionRecord, bool) {
	ix.mu.RLock()
	ref, ok := ix.global[gid]
	ix.mu.RUnlock()
	if !ok {
		return types.Address{}, nil, false
	}
	rec, err := ix.Get(ref.addr, ref.id)
	if err != nil {
		return types.Address{}, nil, false
	}
	return ref.addr, rec, true
}

// Contains reports whether the global identity is known.
func (ix *Index) Contains(gid types.GlobalID) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.global[gid]
	return ok
}

// Namespaces lists all namespaces with at least one version.
func (ix *Index) Namespaces() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]string, 0, len(ix.namespaces))
	for ns := range ix.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Keys lists the live keys of a namespace: those whose dominant head is
// not a tombstone.
func (ix *Index) Keys(namespace string) []string {
	ix.mu.RLock()
	keys := ix.namespaces[namespace]
	chains := make(map[string]*chain, len(keys))
	for k, c := range keys {
		chains[k] = c
	}
	ix.mu.RUnlock()

	out := make([]string, 0, len(chains))
	for k, c := range chains {
		c.mu.Lock()
		dom := c.dominantLocked()
		c.mu.Unlock()
		if dom != nil && !dom.Tombstone {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// KeyCount counts live keys across all namespaces.
func (ix *Index) KeyCount() int {
	n := 0
	for _, ns := range ix.Namespaces() {
		n += len(ix.Keys(ns))
	}
	return n
}

// VersionCount returns the total number of version records.
func (ix *Index) VersionCount() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.count
}

// VersionVector computes the highest contiguous per-origin sequence
// numbers present in the index. Used at recovery to rebuild replication
// state.
func (ix *Index) VersionVector() types.VersionVector {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seqs := make(map[types.NodeID][]uint64)
	for gid := range ix.global {
		seqs[gid.Origin] = append(seqs[gid.Origin], gid.Seq)
	}
	vv := make(types.VersionVector, len(seqs))
	for origin, list := range seqs {
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		var high uint64
		for _, s := range list {
			if s == high+1 {
				high = s
			} else if s > high+1 {
				break
			}
		}
		if high > 0 {
			vv[origin] = high
		}
	}
	return vv
}
