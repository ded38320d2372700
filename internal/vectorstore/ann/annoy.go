package ann

import (
	"fmt"
	"sync"

	"github.com/mariotoffia/goannoy/builder"
	"github.com/mariotoffia/goannoy/interfaces"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

// candidateFactor widens the approximate candidate set before exact rescoring.
const candidateFactor = 4

var _ Index = (*Annoy)(nil)

// Annoy is an approximate index over angular distance. Trees cannot grow
// after a build, so the forest is rebuilt lazily on the first search after
// a write. Candidates are rescored with the collection metric.
type Annoy struct {
	mu      sync.RWMutex
	metric  domain.Metric
	dim     int
	nTrees  int
	searchK int

	idx   interfaces.AnnoyIndex[float32, uint32]
	pos   map[int64]uint32
	ids   []int64
	vecs  []domain.Vector
	built bool
}

func NewAnnoy(metric domain.Metric, dim, nTrees, searchK int) *Annoy {
	return &Annoy{
		metric:  metric,
		dim:     dim,
		nTrees:  nTrees,
		searchK: searchK,
		pos:     make(map[int64]uint32),
	}
}

func (a *Annoy) Add(id int64, vec domain.Vector) error {
	if len(vec) != a.dim {
		return fmt.Errorf("dimension mismatch: expected %d, got %d", a.dim, len(vec))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.pos[id]; ok {
		a.vecs[p] = vec
	} else {
		a.pos[id] = uint32(len(a.ids))
		a.ids = append(a.ids, id)
		a.vecs = append(a.vecs, vec)
	}
	a.built = false
	return nil
}

func (a *Annoy) Search(query domain.Vector, k int) ([]Candidate, error) {
	if len(query) != a.dim {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", a.dim, len(query))
	}
	a.ensureBuilt()

	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.ids) == 0 || k <= 0 {
		return nil, nil
	}
	if !a.built {
		// written or closed since ensureBuilt
		return Rank(a.metric, a.scan(query), k), nil
	}

	n := min(len(a.ids), k*candidateFactor)
	searchCtx := a.idx.CreateContext()
	positions, _ := a.idx.GetNnsByVector(query, n, a.searchK, searchCtx)

	cands := make([]Candidate, 0, len(positions))
	for _, p := range positions {
		if int(p) >= len(a.ids) {
			continue
		}
		cands = append(cands, Candidate{ID: a.ids[p], Score: Score(a.metric, query, a.vecs[p])})
	}
	// Degenerate trees (few dimensions, near collinear vectors) can return
	// fewer items than asked for. Fall back to a full scan then.
	if len(cands) < n {
		cands = a.scan(query)
	}
	return Rank(a.metric, cands, k), nil
}

func (a *Annoy) scan(query domain.Vector) []Candidate {
	cands := make([]Candidate, len(a.ids))
	for p, id := range a.ids {
		cands[p] = Candidate{ID: id, Score: Score(a.metric, query, a.vecs[p])}
	}
	return cands
}

func (a *Annoy) ensureBuilt() {
	a.mu.RLock()
	built := a.built
	a.mu.RUnlock()
	if built {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.built || len(a.vecs) == 0 {
		return
	}
	idx := builder.Index[float32, uint32]().
		AngularDistance(a.dim).
		UseMultiWorkerPolicy().
		MmapIndexAllocator().
		Build()
	for p, v := range a.vecs {
		idx.AddItem(uint32(p), v)
	}
	idx.Build(a.nTrees, -1)
	if a.idx != nil {
		_ = a.idx.Close()
	}
	a.idx = idx
	a.built = true
}

func (a *Annoy) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}

// Close releases the built forest.
func (a *Annoy) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.idx == nil {
		return nil
	}
	err := a.idx.Close()
	a.idx = nil
	a.built = false
	return err
}
