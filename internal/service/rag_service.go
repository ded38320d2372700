package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/kxddry/rag-retrieval/internal/chunker"
	"github.com/kxddry/rag-retrieval/internal/domain"
)

// DefaultResponseLimit is the number of hits Query returns when no limit is
// given.
const DefaultResponseLimit = 3

// Index is the part of the index manager the service needs.
type Index interface {
	Insert(ctx context.Context, records []domain.Record) (int, error)
	Search(ctx context.Context, vec domain.Vector, limit int) ([]domain.SearchHit, error)
}

// IDSequence hands out record ids.
type IDSequence interface {
	// Reserve returns the first of n consecutive unused ids.
	Reserve(n int) int64
}

// Sequence is an in-process IDSequence.
type Sequence struct {
	next atomic.Int64
}

// NewSequence returns a sequence whose first id is start.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.next.Store(start)
	return s
}

func (s *Sequence) Reserve(n int) int64 {
	return s.next.Add(int64(n)) - int64(n)
}

// Summarizer condenses ingested text.
type Summarizer interface {
	Summarize(ctx context.Context, text string, maxSentences int) (string, error)
}

// IngestResult reports the outcome of an ingestion.
type IngestResult struct {
	Inserted int      `json:"inserted"`
	Files    []string `json:"files,omitempty"`
	Summary  string   `json:"summary,omitempty"`
}

// RAGService chunks, embeds and indexes documents, and answers queries
// against the index.
type RAGService struct {
	chunker       domain.Chunker
	embedder      domain.Embedder
	index         Index
	ids           IDSequence
	chunkCfg      chunker.Config
	responseLimit int
	summarizer    Summarizer
	summaryLen    int
	logger        *log.Logger
}

// Option configures a RAGService.
type Option func(*RAGService)

func WithChunkConfig(cfg chunker.Config) Option {
	return func(s *RAGService) { s.chunkCfg = cfg }
}

func WithResponseLimit(n int) Option {
	return func(s *RAGService) {
		if n > 0 {
			s.responseLimit = n
		}
	}
}

func WithIDSequence(ids IDSequence) Option {
	return func(s *RAGService) {
		if ids != nil {
			s.ids = ids
		}
	}
}

// WithSummarizer makes IngestFiles summarize the ingested files in at most
// maxSentences sentences.
func WithSummarizer(sum Summarizer, maxSentences int) Option {
	return func(s *RAGService) {
		s.summarizer = sum
		s.summaryLen = maxSentences
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *RAGService) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewRAGService(ch domain.Chunker, embedder domain.Embedder, index Index, opts ...Option) *RAGService {
	s := &RAGService{
		chunker:       ch,
		embedder:      embedder,
		index:         index,
		ids:           NewSequence(1),
		chunkCfg:      chunker.DefaultConfig(),
		responseLimit: DefaultResponseLimit,
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest chunks text, embeds every chunk in one call and inserts the
// resulting records. Text without any non-blank chunk inserts nothing.
func (s *RAGService) Ingest(ctx context.Context, text string, cfg chunker.Config) (int, error) {
	chunks, err := s.chunker.Chunk(text, cfg.Size, cfg.Overlap)
	if err != nil {
		return 0, err
	}
	texts := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		if strings.TrimSpace(ch.Text) == "" {
			continue
		}
		texts = append(texts, ch.Text)
	}
	if len(texts) == 0 {
		s.logger.Debug("nothing to ingest")
		return 0, nil
	}

	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vecs) != len(texts) {
		return 0, domain.NewError(domain.ErrModelInference, "embed", "", fmt.Errorf("got %d vectors for %d chunks", len(vecs), len(texts)))
	}

	first := s.ids.Reserve(len(texts))
	records := make([]domain.Record, len(texts))
	for i := range texts {
		records[i] = domain.NewRecord(first+int64(i), vecs[i], texts[i])
	}
	n, err := s.index.Insert(ctx, records)
	if err != nil {
		return 0, err
	}
	s.logger.Info("ingested document", "chunks", len(chunks), "inserted", n)
	return n, nil
}

// IngestDocument ingests text with the configured chunk size and overlap.
func (s *RAGService) IngestDocument(ctx context.Context, text string) (IngestResult, error) {
	n, err := s.Ingest(ctx, text, s.chunkCfg)
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Inserted: n}, nil
}

// IngestFiles ingests every .txt file matched by paths. Each path may be a
// glob pattern.
func (s *RAGService) IngestFiles(ctx context.Context, paths []string) (IngestResult, error) {
	var files []string
	for _, p := range paths {
		matches, err := filepath.Glob(p)
		if err != nil {
			return IngestResult{}, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			if strings.HasSuffix(strings.ToLower(m), ".txt") {
				files = append(files, m)
			}
		}
	}
	if len(files) == 0 {
		return IngestResult{}, fmt.Errorf("no .txt documents found")
	}

	res := IngestResult{Files: files}
	var all strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return res, err
		}
		n, err := s.Ingest(ctx, string(data), s.chunkCfg)
		if err != nil {
			return res, fmt.Errorf("ingest %s: %w", f, err)
		}
		res.Inserted += n
		all.Write(data)
		all.WriteString("\n")
	}
	if s.summarizer != nil {
		summary, err := s.summarizer.Summarize(ctx, all.String(), s.summaryLen)
		if err != nil {
			return res, fmt.Errorf("summarize: %w", err)
		}
		res.Summary = summary
	}
	return res, nil
}

// Query returns the stored chunks closest to text, best first. A
// non-positive limit uses the configured response limit.
func (s *RAGService) Query(ctx context.Context, text string, limit int) ([]domain.SearchHit, error) {
	if limit <= 0 {
		limit = s.responseLimit
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, domain.NewError(domain.ErrModelInference, "embed", "", fmt.Errorf("got %d vectors for 1 query", len(vecs)))
	}
	return s.index.Search(ctx, vecs[0], limit)
}
