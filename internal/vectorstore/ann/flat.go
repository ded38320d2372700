package ann

import (
	"fmt"
	"sync"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

var _ Index = (*Flat)(nil)

// Flat is a brute-force index.
type Flat struct {
	mu     sync.RWMutex
	metric domain.Metric
	dim    int
	pos    map[int64]int
	ids    []int64
	vecs   []domain.Vector
}

func NewFlat(metric domain.Metric, dim int) *Flat {
	return &Flat{metric: metric, dim: dim, pos: make(map[int64]int)}
}

func (f *Flat) Add(id int64, vec domain.Vector) error {
	if len(vec) != f.dim {
		return fmt.Errorf("dimension mismatch: expected %d, got %d", f.dim, len(vec))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pos[id]; ok {
		f.vecs[p] = vec
		return nil
	}
	f.pos[id] = len(f.ids)
	f.ids = append(f.ids, id)
	f.vecs = append(f.vecs, vec)
	return nil
}

func (f *Flat) Search(query domain.Vector, k int) ([]Candidate, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("dimension mismatch: expected %d, got %d", f.dim, len(query))
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	cands := make([]Candidate, len(f.ids))
	for i, v := range f.vecs {
		cands[i] = Candidate{ID: f.ids[i], Score: Score(f.metric, query, v)}
	}
	return Rank(f.metric, cands, k), nil
}

func (f *Flat) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}
