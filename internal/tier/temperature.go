// Package tier drives the blob lifecycle: temperature tracking, the
// bounded HOT set, demotion under memory pressure, and compaction of
// cold blobs into the deep store under disk pressure. Movement is
// asynchronous; foreground reads only ever drop a promotion hint.
package tier

import (
	"math"
	"sync"
	"time"

	"github.com/swyrknt/koru-delta/internal/types"
)

// WriteFloor is the temperature a write clamps a blob to.
const WriteFloor = 2.0

// readBoost is the temperature added by one read access.
const readBoost = 1.0

type tempEntry struct {
	value float64
	at    time.Time
}

// Temperature tracks a decaying access-heat scalar per blob. Heat decays
// exponentially with the configured half-life; decay is computed lazily
// on observation, so idle blobs cost nothing.
type Temperature struct {
	halfLife time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[types.ContentID]*tempEntry
}

// NewTemperature creates a tracker with the given half-life.
func NewTemperature(halfLife time.Duration) *Temperature {
	return &Temperature{
		halfLife: halfLife,
		now:      time.Now,
		entries:  make(map[types.ContentID]*tempEntry),
	}
}

func (t *Temperature) decayed(e *tempEntry, now time.Time) float64 {
	age := now.Sub(e.at)
	if age <= 0 {
		return e.value
	}
	return e.value * math.Exp2(-float64(age)/float64(t.halfLife))
}

// TouchRead adds one read's worth of heat.
func (t *Temperature) TouchRead(id types.ContentID) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &tempEntry{value: readBoost, at: now}
		return
	}
	e.value = t.decayed(e, now) + readBoost
	e.at = now
}

// TouchWrite raises heat to at least the warm floor; a blob already
// hotter than the floor keeps its current heat.
func (t *Temperature) TouchWrite(id types.ContentID) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		t.entries[id] = &tempEntry{value: WriteFloor, at: now}
		return
	}
	if cur := t.decayed(e, now); cur > WriteFloor {
		e.value = cur
	} else {
		e.value = WriteFloor
	}
	e.at = now
}

// Of returns the blob's current temperature.
func (t *Temperature) Of(id types.ContentID) float64 {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0
	}
	return t.decayed(e, now)
}

// Forget drops tracking for a reclaimed blob.
func (t *Temperature) Forget(id types.ContentID) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Coldest returns up to n tracked ids from the given candidate set,
// coldest first.
func (t *Temperature) Coldest(candidates []types.ContentID, n int) []types.ContentID {
	now := t.now()
	type scored struct {
		id   types.ContentID
		temp float64
	}
	t.mu.Lock()
	list := make([]scored, 0, len(candidates))
	for _, id := range candidates {
		var temp float64
		if e, ok := t.entries[id]; ok {
			temp = t.decayed(e, now)
		}
		list = append(list, scored{id: id, temp: temp})
	}
	t.mu.Unlock()

	// Partial selection sort: n is small (bounded eviction batches).
	if n > len(list) {
		n = len(list)
	}
	for i := 0; i < n; i++ {
		min := i
		for j := i + 1; j < len(list); j++ {
			if list[j].temp < list[min].temp {
				min = j
			}
		}
		list[i], list[min] = list[min], list[i]
	}
	out := make([]types.ContentID, n)
	for i := 0; i < n; i++ {
		out[i] = list[i].id
	}
	return out
}
