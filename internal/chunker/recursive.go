package chunker

import (
	"fmt"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

// DefaultSeparators splits on paragraphs, lines, sentences and words, in that
// order. Anything still too long is cut at the character level.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "? ", "! ", " "}

// Config sets chunk size and overlap, both measured in runes.
type Config struct {
	Size    int `yaml:"chunk_size"`
	Overlap int `yaml:"chunk_overlap"`
}

// DefaultConfig returns a 200 rune chunk size with 10 runes of overlap.
func DefaultConfig() Config {
	return Config{Size: 200, Overlap: 10}
}

// Validate rejects non-positive sizes and overlaps that are not smaller than
// the chunk size.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrConfiguration, c.Size)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("%w: chunk overlap must not be negative, got %d", domain.ErrConfiguration, c.Overlap)
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("%w: chunk overlap %d must be smaller than chunk size %d", domain.ErrConfiguration, c.Overlap, c.Size)
	}
	return nil
}

var _ domain.Chunker = (*Recursive)(nil)

// Recursive splits text with a hierarchy of separators, coarsest first.
// Separators stay attached to the piece they terminate, so every chunk is an
// exact substring of the input.
type Recursive struct {
	separators [][]rune
}

// NewRecursive returns a chunker using the given separators, or
// DefaultSeparators when none are given.
func NewRecursive(separators ...string) *Recursive {
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	seps := make([][]rune, 0, len(separators))
	for _, s := range separators {
		if s == "" {
			continue
		}
		seps = append(seps, []rune(s))
	}
	return &Recursive{separators: seps}
}

type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// Chunk splits text into chunks of at most maxSize runes. Each chunk after
// the first repeats up to overlap trailing runes of its predecessor.
func (c *Recursive) Chunk(text string, maxSize, overlap int) ([]domain.Chunk, error) {
	if err := (Config{Size: maxSize, Overlap: overlap}).Validate(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	runes := []rune(text)
	var spans []span
	c.split(runes, span{0, len(runes)}, 0, maxSize, overlap, &spans)

	chunks := make([]domain.Chunk, 0, len(spans))
	prevEnd := 0
	for i, sp := range spans {
		ov := 0
		if i > 0 && prevEnd > sp.start {
			ov = prevEnd - sp.start
		}
		chunks = append(chunks, domain.Chunk{
			ID:           i,
			Text:         string(runes[sp.start:sp.end]),
			SourceOffset: sp.start,
			Overlap:      ov,
		})
		prevEnd = sp.end
	}
	return chunks, nil
}

func (c *Recursive) split(runes []rune, seg span, level, maxSize, overlap int, out *[]span) {
	if seg.len() <= maxSize {
		*out = append(*out, seg)
		return
	}
	if level >= len(c.separators) {
		hardCut(seg, maxSize, overlap, out)
		return
	}

	var good []span
	for _, p := range splitKeep(runes, seg, c.separators[level]) {
		if p.len() <= maxSize {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			merge(good, maxSize, overlap, out)
			good = nil
		}
		c.split(runes, p, level+1, maxSize, overlap, out)
	}
	if len(good) > 0 {
		merge(good, maxSize, overlap, out)
	}
}

// splitKeep cuts seg after every occurrence of sep.
func splitKeep(runes []rune, seg span, sep []rune) []span {
	var pieces []span
	start := seg.start
	for i := seg.start; i+len(sep) <= seg.end; {
		if hasPrefix(runes[i:seg.end], sep) {
			end := i + len(sep)
			pieces = append(pieces, span{start, end})
			start = end
			i = end
			continue
		}
		i++
	}
	if start < seg.end {
		pieces = append(pieces, span{start, seg.end})
	}
	return pieces
}

func hasPrefix(s, prefix []rune) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}

// merge packs adjacent pieces into windows of at most maxSize runes, carrying
// trailing pieces that fit in overlap into the next window.
func merge(pieces []span, maxSize, overlap int, out *[]span) {
	var window []span
	total := 0
	for _, p := range pieces {
		if total+p.len() > maxSize && len(window) > 0 {
			*out = append(*out, span{window[0].start, window[len(window)-1].end})
			for len(window) > 0 && (total > overlap || total+p.len() > maxSize) {
				total -= window[0].len()
				window = window[1:]
			}
		}
		window = append(window, p)
		total += p.len()
	}
	if len(window) > 0 {
		*out = append(*out, span{window[0].start, window[len(window)-1].end})
	}
}

func hardCut(seg span, maxSize, overlap int, out *[]span) {
	for start := seg.start; ; start = start + maxSize - overlap {
		end := min(start+maxSize, seg.end)
		*out = append(*out, span{start, end})
		if end == seg.end {
			return
		}
	}
}
