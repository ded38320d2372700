package domain

import (
	"context"
	"fmt"
	"strings"
)

// MaxTextBytes is the largest text payload a record may carry.
const MaxTextBytes = 65535

// Vector is a fixed-length embedding. Vectors produced by an Embedder are
// unit length.
type Vector []float32

// Chunk is a contiguous segment of a source document.
type Chunk struct {
	ID           int
	Text         string
	SourceOffset int // rune offset of Text in the source document
	Overlap      int // leading runes repeated from the previous chunk
}

// Record is a single row of a collection. ID is assigned by the caller and
// must be set for the record to be insertable.
type Record struct {
	ID     *int64
	Vector Vector
	Text   string
}

// NewRecord returns a record with the given id.
func NewRecord(id int64, vec Vector, text string) Record {
	return Record{ID: &id, Vector: vec, Text: text}
}

// SearchHit is one ranked search result. Rank starts at 1.
type SearchHit struct {
	Text  string  `json:"text"`
	Score float32 `json:"score"`
	Rank  int     `json:"rank"`
}

// Metric is the distance metric a collection index is built with.
type Metric string

const (
	MetricCosine Metric = "COSINE"
	MetricL2     Metric = "L2"
	MetricIP     Metric = "IP"
)

// ParseMetric parses a metric name case-insensitively.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(strings.ToUpper(strings.TrimSpace(s))); m {
	case MetricCosine, MetricL2, MetricIP:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown metric type %q", ErrConfiguration, s)
}

// HigherIsBetter reports whether larger scores mean closer matches.
func (m Metric) HigherIsBetter() bool {
	return m != MetricL2
}

// Chunker splits text into bounded, overlapping chunks.
type Chunker interface {
	Chunk(text string, maxSize, overlap int) ([]Chunk, error)
}

// Embedder converts texts into unit-length vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]Vector, error)
	Dimension() int
}
