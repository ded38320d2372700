// Package summarizer builds short extractive summaries of ingested text.
package summarizer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

// DefaultMaxSentences is used when Summarize gets a non-positive limit.
const DefaultMaxSentences = 3

var sentenceRe = regexp.MustCompile(`(?m)(?U)([^.!?]+[.!?])`)

// Sentences splits text into trimmed sentences. Text after the last
// terminator is kept as a final sentence.
func Sentences(text string) []string {
	var out []string
	end := 0
	for _, loc := range sentenceRe.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[loc[0]:loc[1]]); s != "" {
			out = append(out, s)
		}
		end = loc[1]
	}
	if rest := strings.TrimSpace(text[end:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// Centroid picks the sentences whose embeddings lie closest to the mean
// embedding of the whole text.
type Centroid struct {
	embedder domain.Embedder
}

func NewCentroid(embedder domain.Embedder) *Centroid {
	return &Centroid{embedder: embedder}
}

// Summarize returns up to maxSentences sentences of text in their original
// order.
func (c *Centroid) Summarize(ctx context.Context, text string, maxSentences int) (string, error) {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}
	sentences := Sentences(text)
	if len(sentences) <= maxSentences {
		return strings.Join(sentences, " "), nil
	}

	vecs, err := c.embedder.Embed(ctx, sentences)
	if err != nil {
		return "", err
	}
	if len(vecs) != len(sentences) {
		return "", fmt.Errorf("got %d vectors for %d sentences", len(vecs), len(sentences))
	}

	centroid := make([]float64, len(vecs[0]))
	for _, v := range vecs {
		for i, x := range v {
			centroid[i] += float64(x)
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(vecs))
	for i, v := range vecs {
		var dot float64
		for j, x := range v {
			dot += float64(x) * centroid[j]
		}
		scores[i] = scored{idx: i, score: dot}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	selected := make([]int, maxSentences)
	for i := range selected {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, len(selected))
	for i, idx := range selected {
		out[i] = sentences[idx]
	}
	return strings.Join(out, " "), nil
}
