package index

import (
	"fmt"
	"time"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

// Config describes one collection. It is copied into the Manager and never
// changed afterwards.
type Config struct {
	DBName       string
	Collection   string
	Dimension    int
	Metric       domain.Metric
	Algorithm    vectorstore.IndexAlgorithm
	Params       map[string]int
	Consistency  vectorstore.ConsistencyLevel
	Replicas     int
	LoadTimeout  time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns a 384 dimensional COSINE collection with an
// IVF_FLAT index of 128 clusters.
func DefaultConfig() Config {
	return Config{
		DBName:       "rag_demo",
		Collection:   "rag_collection",
		Dimension:    384,
		Metric:       domain.MetricCosine,
		Algorithm:    vectorstore.IndexIVFFlat,
		Params:       map[string]int{vectorstore.ParamNList: vectorstore.DefaultNList},
		Consistency:  vectorstore.ConsistencyStrong,
		Replicas:     1,
		LoadTimeout:  60 * time.Second,
		PollInterval: 200 * time.Millisecond,
	}
}

func (c Config) clone() Config {
	params := make(map[string]int, len(c.Params))
	for k, v := range c.Params {
		params[k] = v
	}
	c.Params = params
	return c
}

// Build validates the config and returns the collection schema and index
// declaration.
func (c Config) Build() (vectorstore.Schema, vectorstore.IndexParams, error) {
	if c.Collection == "" {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, fmt.Errorf("%w: collection name is empty", domain.ErrConfiguration)
	}
	if c.Dimension <= 0 {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, fmt.Errorf("%w: vector dimension must be positive, got %d", domain.ErrConfiguration, c.Dimension)
	}
	if c.Replicas < 1 {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, fmt.Errorf("%w: replica count must be positive, got %d", domain.ErrConfiguration, c.Replicas)
	}
	if c.LoadTimeout <= 0 {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, fmt.Errorf("%w: load timeout must be positive, got %s", domain.ErrConfiguration, c.LoadTimeout)
	}
	metric, err := domain.ParseMetric(string(c.Metric))
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	algo, err := vectorstore.ParseIndexAlgorithm(string(c.Algorithm))
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	if _, err := vectorstore.ParseConsistencyLevel(string(c.Consistency)); err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}

	schema := vectorstore.NewSchema(c.Collection, c.Dimension)
	params := vectorstore.Normalize(vectorstore.FieldVector, algo, metric, c.Params)
	if err := params.Validate(); err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	return schema, params, nil
}
