// Package ann holds the in-process vector indexes used by the embedded
// engines. Every index returns candidates scored exactly with the collection
// metric, best first.
package ann

import (
	"fmt"
	"math"
	"sort"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

// Candidate is a scored search result.
type Candidate struct {
	ID    int64
	Score float32
}

// Index is a mutable nearest neighbour index keyed by record id. Adding an
// existing id replaces its vector.
type Index interface {
	Add(id int64, vec domain.Vector) error
	Search(query domain.Vector, k int) ([]Candidate, error)
	Len() int
}

// New returns the index for params. FLAT, IVF_FLAT and HNSW are served by
// exact search; ANNOY uses random projection trees.
func New(params vectorstore.IndexParams, dim int) (Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dimension %d", dim)
	}
	switch params.Algorithm {
	case vectorstore.IndexFlat, vectorstore.IndexIVFFlat, vectorstore.IndexHNSW:
		return NewFlat(params.Metric, dim), nil
	case vectorstore.IndexAnnoy:
		return NewAnnoy(params.Metric, dim,
			params.BuildParam(vectorstore.ParamNTrees, vectorstore.DefaultNTrees),
			params.Search.Get(vectorstore.ParamSearchK, vectorstore.DefaultSearchK)), nil
	}
	return nil, fmt.Errorf("unsupported index algorithm %q", params.Algorithm)
}

// Score returns the native score of b against query a: cosine similarity,
// inner product, or euclidean distance.
func Score(metric domain.Metric, a, b domain.Vector) float32 {
	switch metric {
	case domain.MetricL2:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return float32(math.Sqrt(sum))
	case domain.MetricIP:
		return float32(dot(a, b))
	}
	na, nb := math.Sqrt(dot(a, a)), math.Sqrt(dot(b, b))
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot(a, b) / (na * nb))
}

func dot(a, b domain.Vector) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Rank sorts candidates best first and keeps at most k. Ties keep insertion
// order.
func Rank(metric domain.Metric, cands []Candidate, k int) []Candidate {
	higher := metric.HigherIsBetter()
	sort.SliceStable(cands, func(i, j int) bool {
		if higher {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Score < cands[j].Score
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}
