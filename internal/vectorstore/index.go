package vectorstore

import (
	"fmt"
	"strings"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

// IndexAlgorithm is the vector index type of a collection.
type IndexAlgorithm string

const (
	IndexFlat    IndexAlgorithm = "FLAT"
	IndexIVFFlat IndexAlgorithm = "IVF_FLAT"
	IndexHNSW    IndexAlgorithm = "HNSW"
	IndexAnnoy   IndexAlgorithm = "ANNOY"
)

// Build and search parameter names.
const (
	ParamNList          = "nlist"
	ParamNProbe         = "nprobe"
	ParamM              = "M"
	ParamEfConstruction = "efConstruction"
	ParamEf             = "ef"
	ParamNTrees         = "n_trees"
	ParamSearchK        = "search_k"
)

// Defaults applied by Normalize.
const (
	DefaultNList          = 128
	DefaultNProbe         = 16
	DefaultM              = 16
	DefaultEfConstruction = 200
	DefaultEf             = 64
	DefaultNTrees         = 8
	DefaultSearchK        = -1
)

// ParseIndexAlgorithm parses an algorithm name case-insensitively.
func ParseIndexAlgorithm(s string) (IndexAlgorithm, error) {
	switch a := IndexAlgorithm(strings.ToUpper(strings.TrimSpace(s))); a {
	case IndexFlat, IndexIVFFlat, IndexHNSW, IndexAnnoy:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown index algorithm %q", domain.ErrConfiguration, s)
}

// SearchParams are algorithm specific query parameters such as nprobe.
type SearchParams map[string]int

// Get returns the named parameter or def.
func (p SearchParams) Get(name string, def int) int {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// IndexParams declares the single vector index of a collection.
type IndexParams struct {
	Name      string         `json:"name"`
	Field     string         `json:"field"`
	Algorithm IndexAlgorithm `json:"algorithm"`
	Metric    domain.Metric  `json:"metric"`
	Build     map[string]int `json:"build,omitempty"`
	Search    SearchParams   `json:"search,omitempty"`
}

// BuildParam returns the named build parameter or def.
func (p IndexParams) BuildParam(name string, def int) int {
	if v, ok := p.Build[name]; ok {
		return v
	}
	return def
}

// Normalize fills in defaults and splits a flat parameter map into build and
// search parameters for the algorithm.
func Normalize(field string, algo IndexAlgorithm, metric domain.Metric, params map[string]int) IndexParams {
	p := IndexParams{
		Name:      field + "_index",
		Field:     field,
		Algorithm: algo,
		Metric:    metric,
		Build:     map[string]int{},
		Search:    SearchParams{},
	}
	get := func(name string, def int) int {
		if v, ok := params[name]; ok {
			return v
		}
		return def
	}
	switch algo {
	case IndexIVFFlat:
		p.Build[ParamNList] = get(ParamNList, DefaultNList)
		p.Search[ParamNProbe] = get(ParamNProbe, min(DefaultNProbe, p.Build[ParamNList]))
	case IndexHNSW:
		p.Build[ParamM] = get(ParamM, DefaultM)
		p.Build[ParamEfConstruction] = get(ParamEfConstruction, DefaultEfConstruction)
		p.Search[ParamEf] = get(ParamEf, DefaultEf)
	case IndexAnnoy:
		p.Build[ParamNTrees] = get(ParamNTrees, DefaultNTrees)
		p.Search[ParamSearchK] = get(ParamSearchK, DefaultSearchK)
	}
	return p
}

// Validate checks parameter ranges for the algorithm.
func (p IndexParams) Validate() error {
	if _, err := domain.ParseMetric(string(p.Metric)); err != nil {
		return err
	}
	bad := func(name string, v int, rng string) error {
		return fmt.Errorf("%w: %s index parameter %s=%d out of range %s", domain.ErrConfiguration, p.Algorithm, name, v, rng)
	}
	switch p.Algorithm {
	case IndexFlat:
	case IndexIVFFlat:
		nlist := p.BuildParam(ParamNList, DefaultNList)
		if nlist < 1 || nlist > 65536 {
			return bad(ParamNList, nlist, "[1, 65536]")
		}
		if nprobe := p.Search.Get(ParamNProbe, 1); nprobe < 1 || nprobe > nlist {
			return bad(ParamNProbe, nprobe, fmt.Sprintf("[1, %d]", nlist))
		}
	case IndexHNSW:
		if m := p.BuildParam(ParamM, DefaultM); m < 2 || m > 2048 {
			return bad(ParamM, m, "[2, 2048]")
		}
		if ef := p.BuildParam(ParamEfConstruction, DefaultEfConstruction); ef < 1 {
			return bad(ParamEfConstruction, ef, "[1, inf)")
		}
		if ef := p.Search.Get(ParamEf, DefaultEf); ef < 1 {
			return bad(ParamEf, ef, "[1, inf)")
		}
	case IndexAnnoy:
		if n := p.BuildParam(ParamNTrees, DefaultNTrees); n < 1 || n > 1024 {
			return bad(ParamNTrees, n, "[1, 1024]")
		}
		if k := p.Search.Get(ParamSearchK, DefaultSearchK); k == 0 || k < -1 {
			return bad(ParamSearchK, k, "-1 or [1, inf)")
		}
	default:
		return fmt.Errorf("%w: unknown index algorithm %q", domain.ErrConfiguration, p.Algorithm)
	}
	return nil
}
