package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

func reassemble(chunks []domain.Chunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i == 0 {
			b.WriteString(c.Text)
			continue
		}
		b.WriteString(string([]rune(c.Text)[c.Overlap:]))
	}
	return b.String()
}

func assertChunkInvariants(t *testing.T, text string, chunks []domain.Chunk, size, overlap int) {
	t.Helper()
	for i, c := range chunks {
		assert.Equal(t, i, c.ID)
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), size, "chunk %d too long: %q", i, c.Text)
		assert.LessOrEqual(t, c.Overlap, overlap, "chunk %d overlap", i)
		assert.Equal(t, string([]rune(text)[c.SourceOffset:c.SourceOffset+utf8.RuneCountInString(c.Text)]), c.Text)
	}
	if len(chunks) > 0 {
		assert.Zero(t, chunks[0].Overlap)
	}
	assert.Equal(t, text, reassemble(chunks))
}

func TestChunkEmpty(t *testing.T) {
	chunks, err := NewRecursive().Chunk("", 20, 5)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkShortInputIsSingleChunk(t *testing.T) {
	text := "hello world"
	chunks, err := NewRecursive().Chunk(text, 200, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Zero(t, chunks[0].Overlap)
	assert.Zero(t, chunks[0].SourceOffset)
}

func TestChunkSentences(t *testing.T) {
	text := "The cat sat on the mat. The dog ran in the park."
	chunks, err := NewRecursive().Chunk(text, 20, 5)
	require.NoError(t, err)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	assert.Equal(t, []string{
		"The cat sat on the ",
		"the mat. ",
		"The dog ran in the ",
		"the park.",
	}, texts)
	assert.Equal(t, 4, chunks[1].Overlap)
	assert.Zero(t, chunks[2].Overlap)
	assertChunkInvariants(t, text, chunks, 20, 5)
}

func TestChunkPrefersParagraphs(t *testing.T) {
	text := "first paragraph here\n\nsecond one"
	chunks, err := NewRecursive().Chunk(text, 25, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first paragraph here\n\n", chunks[0].Text)
	assert.Equal(t, "second one", chunks[1].Text)
	assertChunkInvariants(t, text, chunks, 25, 0)
}

func TestChunkHardCut(t *testing.T) {
	text := strings.Repeat("x", 23)
	chunks, err := NewRecursive().Chunk(text, 10, 3)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, []int{0, 7, 14}, []int{chunks[0].SourceOffset, chunks[1].SourceOffset, chunks[2].SourceOffset})
	assert.Equal(t, 3, chunks[1].Overlap)
	assertChunkInvariants(t, text, chunks, 10, 3)
}

func TestChunkRoundTrip(t *testing.T) {
	texts := []string{
		"Lorem ipsum dolor sit amet, consectetur adipiscing elit. Sed do eiusmod tempor incididunt ut labore et dolore magna aliqua.\n\nUt enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat.",
		"Привет, мир! Как дела? Всё хорошо.\nСледующая строка с кириллицей и длинным словомбезпробеловвообще.",
		strings.Repeat("word ", 100),
		"a\nb\nc\n\n\n\nd. e. f? g! h",
	}
	sizes := []struct{ size, overlap int }{{8, 0}, {15, 4}, {40, 10}, {200, 10}}

	c := NewRecursive()
	for _, text := range texts {
		for _, s := range sizes {
			chunks, err := c.Chunk(text, s.size, s.overlap)
			require.NoError(t, err)
			assertChunkInvariants(t, text, chunks, s.size, s.overlap)
		}
	}
}

func TestChunkInvalidConfig(t *testing.T) {
	c := NewRecursive()
	for _, tc := range []struct{ size, overlap int }{{10, 10}, {10, 11}, {0, 0}, {-1, 0}, {10, -1}} {
		_, err := c.Chunk("some text", tc.size, tc.overlap)
		assert.ErrorIs(t, err, domain.ErrConfiguration, "size=%d overlap=%d", tc.size, tc.overlap)
	}
}

func TestCustomSeparators(t *testing.T) {
	text := "a,b,c,d,e,f"
	chunks, err := NewRecursive(",").Chunk(text, 4, 0)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "a,b,", chunks[0].Text)
	assertChunkInvariants(t, text, chunks, 4, 0)
}
