package summarizer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

type tableEmbedder struct {
	vectors map[string]domain.Vector
	calls   int
	err     error
}

func (e *tableEmbedder) Embed(_ context.Context, texts []string) ([]domain.Vector, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([]domain.Vector, len(texts))
	for i, t := range texts {
		out[i] = e.vectors[t]
	}
	return out, nil
}

func (e *tableEmbedder) Dimension() int { return 2 }

func TestSentences(t *testing.T) {
	assert.Equal(t, []string{"One.", "Two?", "three"}, Sentences("One. Two? three"))
	assert.Equal(t, []string{"Wow!"}, Sentences("  Wow!  "))
	assert.Empty(t, Sentences(""))
	assert.Empty(t, Sentences(" \n "))
}

func TestSummarizePicksCentralSentences(t *testing.T) {
	emb := &tableEmbedder{vectors: map[string]domain.Vector{
		"A.": {1, 0},
		"B.": {1, 0},
		"C.": {0.8, 0.6},
		"D.": {0, 1},
	}}
	got, err := NewCentroid(emb).Summarize(context.Background(), "A. B. C. D.", 2)
	require.NoError(t, err)
	assert.Equal(t, "A. C.", got)
	assert.Equal(t, 1, emb.calls)
}

func TestSummarizeShortTextSkipsEmbedding(t *testing.T) {
	emb := &tableEmbedder{}
	got, err := NewCentroid(emb).Summarize(context.Background(), "Only one. And two.", 0)
	require.NoError(t, err)
	assert.Equal(t, "Only one. And two.", got)
	assert.Zero(t, emb.calls)
}

func TestSummarizeEmbedError(t *testing.T) {
	emb := &tableEmbedder{err: errors.New("boom")}
	_, err := NewCentroid(emb).Summarize(context.Background(), "A. B. C. D.", 1)
	assert.Error(t, err)
}
