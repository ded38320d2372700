package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/charmbracelet/log"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

// DefaultBatchSize bounds how many texts go through the model at once.
const DefaultBatchSize = 32

const poolingEpsilon = 1e-9

// Encoding is a tokenized batch. IDs and Mask are padded to the longest
// sequence of the batch.
type Encoding struct {
	Inputs []string
	IDs    [][]int64
	Mask   [][]int64
}

// Len returns the number of sequences in the batch.
func (e Encoding) Len() int { return len(e.IDs) }

// Model is a transformer-style encoder used for inference only.
// Implementations must not change their weights between calls.
type Model interface {
	Name() string
	Dimension() int
	Tokenize(ctx context.Context, texts []string) (Encoding, error)
	// Forward returns hidden states shaped [batch][sequence][dimension].
	Forward(ctx context.Context, enc Encoding) ([][][]float32, error)
}

var _ domain.Embedder = (*Embedder)(nil)

// Embedder turns texts into unit-length vectors with masked mean pooling over
// a Model's hidden states.
type Embedder struct {
	model     Model
	batchSize int
	logger    *log.Logger
}

// Option configures an Embedder.
type Option func(*Embedder)

// WithBatchSize sets the number of texts per forward pass.
func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Embedder) {
		if l != nil {
			e.logger = l
		}
	}
}

// New returns an Embedder backed by model.
func New(model Model, opts ...Option) *Embedder {
	e := &Embedder{
		model:     model,
		batchSize: DefaultBatchSize,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the underlying model name.
func (e *Embedder) Name() string { return e.model.Name() }

// Dimension returns the width of produced vectors.
func (e *Embedder) Dimension() int { return e.model.Dimension() }

// Embed returns one vector per text, in input order. It never returns a
// partial result.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([]domain.Vector, error) {
	out := make([]domain.Vector, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	e.logger.Debug("embedded texts", "model", e.model.Name(), "count", len(out))
	return out, nil
}

func (e *Embedder) embedBatch(ctx context.Context, texts []string) ([]domain.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewError(domain.ErrCancelled, "embed", "", err)
	}
	enc, err := e.model.Tokenize(ctx, texts)
	if err != nil {
		return nil, domain.NewError(domain.ErrModelInference, "tokenize", "", err)
	}
	if enc.Len() != len(texts) || len(enc.Mask) != len(texts) {
		return nil, domain.NewError(domain.ErrModelInference, "tokenize", "",
			fmt.Errorf("got %d sequences for %d texts", enc.Len(), len(texts)))
	}
	hidden, err := e.model.Forward(ctx, enc)
	if err != nil {
		return nil, domain.NewError(domain.ErrModelInference, "forward", "", err)
	}
	if len(hidden) != len(texts) {
		return nil, domain.NewError(domain.ErrModelInference, "forward", "",
			fmt.Errorf("got %d outputs for %d texts", len(hidden), len(texts)))
	}

	dim := e.model.Dimension()
	vecs := make([]domain.Vector, len(texts))
	for i := range hidden {
		v, err := MeanPool(hidden[i], enc.Mask[i], dim)
		if err != nil {
			return nil, domain.NewError(domain.ErrModelInference, "pool", "", fmt.Errorf("sequence %d: %w", i, err))
		}
		Normalize(v)
		vecs[i] = v
	}
	return vecs, nil
}

// MeanPool averages the token states whose mask is set.
func MeanPool(states [][]float32, mask []int64, dim int) (domain.Vector, error) {
	if len(states) != len(mask) {
		return nil, fmt.Errorf("%d token states for mask of length %d", len(states), len(mask))
	}
	sum := make([]float64, dim)
	var count float64
	for t, state := range states {
		if len(state) != dim {
			return nil, fmt.Errorf("token %d has width %d, want %d", t, len(state), dim)
		}
		m := float64(mask[t])
		if m == 0 {
			continue
		}
		for j, x := range state {
			sum[j] += float64(x) * m
		}
		count += m
	}
	count = math.Max(count, poolingEpsilon)
	v := make(domain.Vector, dim)
	for j := range sum {
		v[j] = float32(sum[j] / count)
	}
	return v, nil
}

// Normalize scales v to unit length in place. Zero vectors are left as is.
func Normalize(v domain.Vector) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
