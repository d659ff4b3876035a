// Package vector is the embedding side-index: vectors stored alongside
// their owning version, searched by exact cosine similarity. The
// contract is exact top-k over the in-scope set; the scan is brute-force.
package vector

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/swyrknt/koru-delta/internal/types"
)

// Result is one similarity hit.
type Result struct {
	Namespace string
	Key       string
	VersionID types.VersionID
	Score     float64
}

// Index stores embeddings and serves top-k cosine searches.
type Index struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[uint64]*types.VectorEntry
	// dims pins the dimension per model tag; the first entry of a tag
	// fixes it.
	dims map[string]int
	// latest maps (namespace, key) to the vector of its newest version,
	// so searches rank keys by their current embedding.
	latest map[types.Address]uint64
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byID:   make(map[uint64]*types.VectorEntry),
		dims:   make(map[string]int),
		latest: make(map[types.Address]uint64),
	}
}

// Put stores an embedding and returns its vector ID. The first entry of
// a model tag fixes that tag's dimension; later mismatches fail with
// InvalidVector.
func (ix *Index) Put(e *types.VectorEntry) (uint64, error) {
	if err := types.ValidateVector(e.Vector); err != nil {
		return 0, err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if dim, ok := ix.dims[e.ModelTag]; ok && dim != len(e.Vector) {
		return 0, fmt.Errorf("%w: model %q expects dimension %d, got %d",
			types.ErrInvalidVector, e.ModelTag, dim, len(e.Vector))
	}
	ix.dims[e.ModelTag] = len(e.Vector)
	ix.nextID++
	id := ix.nextID
	stored := &types.VectorEntry{
		Namespace: e.Namespace,
		Key:       e.Key,
		VersionID: e.VersionID,
		ModelTag:  e.ModelTag,
		Vector:    append([]float32(nil), e.Vector...),
	}
	ix.byID[id] = stored
	ix.latest[types.Address{Namespace: e.Namespace, Key: e.Key}] = id
	return id, nil
}

// PutWithID restores an embedding under a known vector ID (recovery
// replay).
func (ix *Index) PutWithID(id uint64, e *types.VectorEntry) error {
	if err := types.ValidateVector(e.Vector); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.dims[e.ModelTag] = len(e.Vector)
	ix.byID[id] = &types.VectorEntry{
		Namespace: e.Namespace,
		Key:       e.Key,
		VersionID: e.VersionID,
		ModelTag:  e.ModelTag,
		Vector:    append([]float32(nil), e.Vector...),
	}
	ix.latest[types.Address{Namespace: e.Namespace, Key: e.Key}] = id
	if id > ix.nextID {
		ix.nextID = id
	}
	return nil
}

// Get returns the entry for a vector ID.
func (ix *Index) Get(id uint64) (*types.VectorEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.byID[id]
	return e, ok
}

// Count returns the number of stored embeddings.
func (ix *Index) Count() int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return int64(len(ix.byID))
}

// Search returns the top-k keys whose newest embedding scores at least
// threshold against the query, descending by score. An empty namespace
// searches every namespace; a non-empty modelTag restricts to that
// model. The query's dimension must match the in-scope model dimension.
func (ix *Index) Search(namespace string, query []float32, k int, threshold float64, modelTag string) ([]Result, error) {
	if err := types.ValidateVector(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", types.ErrInvalidVector)
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if dim, ok := ix.dims[modelTag]; ok && modelTag != "" && dim != len(query) {
		return nil, fmt.Errorf("%w: model %q expects dimension %d, got %d",
			types.ErrInvalidVector, modelTag, dim, len(query))
	}

	qnorm := norm(query)
	if qnorm == 0 {
		return nil, fmt.Errorf("%w: zero-magnitude query", types.ErrInvalidVector)
	}

	var hits []Result
	for addr, id := range ix.latest {
		e := ix.byID[id]
		if namespace != "" && e.Namespace != namespace {
			continue
		}
		if modelTag != "" && e.ModelTag != modelTag {
			continue
		}
		if len(e.Vector) != len(query) {
			return nil, fmt.Errorf("%w: stored dimension %d does not match query dimension %d",
				types.ErrInvalidVector, len(e.Vector), len(query))
		}
		score := cosine(query, qnorm, e.Vector)
		if score >= threshold {
			hits = append(hits, Result{
				Namespace: addr.Namespace,
				Key:       addr.Key,
				VersionID: e.VersionID,
				Score:     score,
			})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Namespace != hits[j].Namespace {
			return hits[i].Namespace < hits[j].Namespace
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosine(query []float32, qnorm float64, v []float32) float64 {
	var dot, vsum float64
	for i := range v {
		dot += float64(query[i]) * float64(v[i])
		vsum += float64(v[i]) * float64(v[i])
	}
	vnorm := math.Sqrt(vsum)
	if vnorm == 0 {
		return 0
	}
	return dot / (qnorm * vnorm)
}
