// Package static provides a deterministic local embedding model. Words are
// hashed into a fixed-width embedding table, so it needs no weights on disk
// and gives identical vectors across runs and machines.
package static

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"

	"github.com/kxddry/rag-retrieval/internal/embedding"
)

const (
	DefaultDimension = 384
	DefaultMaxLength = 256

	PadID int64 = 0
	CLSID int64 = 1
	SEPID int64 = 2

	firstWordID   int64 = 3
	vocabSize     int64 = 1 << 40
	featuresPerID       = 16
	specialWeight       = 0.25
)

// Config configures the model.
type Config struct {
	Dimension int
	MaxLength int // including the [CLS] and [SEP] tokens
}

var _ embedding.Model = (*Model)(nil)

// Model is a bag-of-words encoder with hashed token embeddings.
type Model struct {
	dimension    int
	maxLength    int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// New returns a model. Zero config fields take their defaults.
func New(cfg Config) (*Model, error) {
	if cfg.Dimension == 0 {
		cfg.Dimension = DefaultDimension
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.Dimension < 0 {
		return nil, fmt.Errorf("invalid dimension %d", cfg.Dimension)
	}
	if cfg.MaxLength < 3 {
		return nil, fmt.Errorf("max length %d leaves no room for tokens", cfg.MaxLength)
	}
	return &Model{
		dimension:    cfg.Dimension,
		maxLength:    cfg.MaxLength,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
	}, nil
}

func (m *Model) Name() string   { return "static" }
func (m *Model) Dimension() int { return m.dimension }

// Words returns the lower-cased, stopword-filtered words of text.
func (m *Model) Words(text string) []string {
	raw := m.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, w := range raw {
		if _, isStop := m.stopwords[w]; isStop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Tokenize encodes texts as [CLS] words... [SEP], truncated to the max
// length and right-padded with [PAD] to the longest sequence.
func (m *Model) Tokenize(ctx context.Context, texts []string) (embedding.Encoding, error) {
	enc := embedding.Encoding{
		Inputs: texts,
		IDs:    make([][]int64, len(texts)),
		Mask:   make([][]int64, len(texts)),
	}
	longest := 0
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return embedding.Encoding{}, err
		}
		words := m.Words(text)
		if len(words) > m.maxLength-2 {
			words = words[:m.maxLength-2]
		}
		ids := make([]int64, 0, len(words)+2)
		ids = append(ids, CLSID)
		for _, w := range words {
			ids = append(ids, wordID(w))
		}
		ids = append(ids, SEPID)
		enc.IDs[i] = ids
		longest = max(longest, len(ids))
	}
	for i, ids := range enc.IDs {
		mask := make([]int64, longest)
		for j := range ids {
			mask[j] = 1
		}
		for len(ids) < longest {
			ids = append(ids, PadID)
		}
		enc.IDs[i] = ids
		enc.Mask[i] = mask
	}
	return enc, nil
}

// Forward looks up the embedding row of every token.
func (m *Model) Forward(ctx context.Context, enc embedding.Encoding) ([][][]float32, error) {
	out := make([][][]float32, len(enc.IDs))
	for i, ids := range enc.IDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(ids) > m.maxLength {
			return nil, fmt.Errorf("sequence %d has %d tokens, max is %d", i, len(ids), m.maxLength)
		}
		seq := make([][]float32, len(ids))
		for j, id := range ids {
			seq[j] = m.row(id)
		}
		out[i] = seq
	}
	return out, nil
}

// row derives the embedding of a token id. Rows of distinct words are close
// to orthogonal.
func (m *Model) row(id int64) []float32 {
	v := make([]float32, m.dimension)
	if id == PadID {
		return v
	}
	weight := float32(1 / math.Sqrt(featuresPerID))
	if id < firstWordID {
		weight *= specialWeight
	}
	state := uint64(id)
	for range featuresPerID {
		r := splitmix64(&state)
		idx := int(r % uint64(m.dimension))
		if r>>63 == 1 {
			v[idx] -= weight
		} else {
			v[idx] += weight
		}
	}
	return v
}

func wordID(w string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(w))
	return firstWordID + int64(h.Sum64()%uint64(vocabSize))
}

func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
