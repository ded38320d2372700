package openai

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kxddry/rag-retrieval/internal/embedding"
)

// Config configures the OpenAI-compatible embeddings model.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
	Dimension int
	Timeout   time.Duration
}

var _ embedding.Model = (*Model)(nil)

// Model calls a remote embeddings endpoint. The endpoint returns already
// pooled vectors, so each text is exposed as a single-token sequence and the
// embedder's pooling leaves it unchanged.
type Model struct {
	client    *goopenai.Client
	model     string
	dimension int
}

// New creates a model using the API key found in cfg.APIKeyEnv.
func New(cfg Config) (*Model, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	return NewWithKey(cfg, key)
}

// NewWithKey creates a model with an explicit API key.
func NewWithKey(cfg Config, key string) (*Model, error) {
	if cfg.Model == "" {
		cfg.Model = string(goopenai.SmallEmbedding3)
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = defaultDimension(cfg.Model)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	oc := goopenai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Model{
		client:    goopenai.NewClientWithConfig(oc),
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

func defaultDimension(model string) int {
	switch goopenai.EmbeddingModel(model) {
	case goopenai.LargeEmbedding3:
		return 3072
	case goopenai.SmallEmbedding3, goopenai.AdaEmbeddingV2:
		return 1536
	}
	return 1536
}

func (m *Model) Name() string   { return "openai-" + m.model }
func (m *Model) Dimension() int { return m.dimension }

// Tokenize keeps the raw inputs; tokenization happens server side.
func (m *Model) Tokenize(_ context.Context, texts []string) (embedding.Encoding, error) {
	enc := embedding.Encoding{
		Inputs: texts,
		IDs:    make([][]int64, len(texts)),
		Mask:   make([][]int64, len(texts)),
	}
	for i := range texts {
		enc.IDs[i] = []int64{int64(i)}
		enc.Mask[i] = []int64{1}
	}
	return enc, nil
}

// Forward requests embeddings for the whole batch in one call.
func (m *Model) Forward(ctx context.Context, enc embedding.Encoding) ([][][]float32, error) {
	if len(enc.Inputs) == 0 {
		return nil, nil
	}
	req := goopenai.EmbeddingRequest{
		Model: goopenai.EmbeddingModel(m.model),
		Input: enc.Inputs,
	}
	if m.dimension != defaultDimension(m.model) {
		req.Dimensions = m.dimension
	}
	resp, err := m.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(enc.Inputs) {
		return nil, fmt.Errorf("openai embeddings: got %d embeddings for %d inputs", len(resp.Data), len(enc.Inputs))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	out := make([][][]float32, len(data))
	for i, d := range data {
		if len(d.Embedding) != m.dimension {
			return nil, fmt.Errorf("openai embeddings: input %d has dimension %d, want %d", i, len(d.Embedding), m.dimension)
		}
		out[i] = [][]float32{d.Embedding}
	}
	return out, nil
}
