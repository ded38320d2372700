package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 200, cfg.Chunker.ChunkSize)
	assert.Equal(t, 10, cfg.Chunker.ChunkOverlap)
	assert.Equal(t, 384, cfg.Embedder.Dimension)
	assert.Equal(t, 384, cfg.VectorStore.VectorDim)
	assert.Equal(t, "COSINE", cfg.VectorStore.MetricType)
	assert.Equal(t, "IVF_FLAT", cfg.VectorStore.Index.Algorithm)
	assert.Equal(t, 128, cfg.VectorStore.Index.Params["nlist"])
	assert.Equal(t, 1, cfg.VectorStore.ReplicaCount)
	assert.Equal(t, 3, cfg.Query.ResponseLimit)
	assert.Equal(t, "rag_demo", cfg.VectorStore.DBName)
	assert.Equal(t, "rag_collection", cfg.VectorStore.Collection)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chunker:
  chunk_size: 20
  chunk_overlap: 5
embedder:
  type: openai
  dimension: 1536
vector_store:
  type: qdrant
  uri: http://localhost:6333
  metric_type: l2
  index:
    algorithm: HNSW
    params: {M: 32, ef: 128}
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 20, cfg.Chunker.ChunkSize)
	require.NotNil(t, cfg.Embedder.OpenAI)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Embedder.OpenAI.APIKeyEnv)
	assert.Equal(t, 1536, cfg.VectorStore.VectorDim)

	ic, err := cfg.IndexConfig()
	require.NoError(t, err)
	assert.Equal(t, domain.MetricL2, ic.Metric)
	assert.Equal(t, vectorstore.IndexHNSW, ic.Algorithm)
	assert.Equal(t, 32, ic.Params["M"])
	assert.Equal(t, 60*time.Second, ic.LoadTimeout)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.VectorStore.Type = StoreSQLite
	cfg.VectorStore.URI = "file:rag.db"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunker: [1, 2"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"overlap not below size": func(c *AppConfig) { c.Chunker.ChunkOverlap = c.Chunker.ChunkSize },
		"dimension mismatch":     func(c *AppConfig) { c.VectorStore.VectorDim = 768 },
		"unknown metric":         func(c *AppConfig) { c.VectorStore.MetricType = "JACCARD" },
		"unknown algorithm":      func(c *AppConfig) { c.VectorStore.Index.Algorithm = "SCANN" },
		"nlist out of range":     func(c *AppConfig) { c.VectorStore.Index.Params = map[string]int{"nlist": 0} },
		"unknown store":          func(c *AppConfig) { c.VectorStore.Type = "redis" },
		"unknown embedder":       func(c *AppConfig) { c.Embedder.Type = "bert" },
		"bad log level":          func(c *AppConfig) { c.Log.Level = "loud" },
		"negative limit":         func(c *AppConfig) { c.Query.ResponseLimit = -1 },
		"no replicas":            func(c *AppConfig) { c.VectorStore.ReplicaCount = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), domain.ErrConfiguration)
		})
	}
}

func TestCredentials(t *testing.T) {
	cfg := Default()
	cfg.VectorStore.UsernameEnv = "RAG_TEST_USER"
	cfg.VectorStore.PasswordEnv = "RAG_TEST_PASSWORD"
	cfg.VectorStore.TokenEnv = "RAG_TEST_TOKEN"
	t.Setenv("RAG_TEST_USER", "alice")
	t.Setenv("RAG_TEST_PASSWORD", "secret")
	t.Setenv("RAG_TEST_TOKEN", "")

	creds := cfg.Credentials()
	assert.Equal(t, "alice", creds.Username)
	assert.Equal(t, "alice:secret", creds.Token)

	t.Setenv("RAG_TEST_TOKEN", "api-key")
	assert.Equal(t, "api-key", cfg.Credentials().Token)
}

func TestResolveURI(t *testing.T) {
	cfg := Default()
	cfg.VectorStore.URIEnv = "RAG_TEST_URI"
	t.Setenv("RAG_TEST_URI", "https://cluster.example.com")
	assert.Equal(t, "https://cluster.example.com", cfg.ResolveURI())

	cfg.VectorStore.URI = "http://localhost:19530"
	assert.Equal(t, "http://localhost:19530", cfg.ResolveURI())
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("RAG_TEST_FROM_DOTENV=hello\n"), 0o644))
	t.Setenv("RAG_TEST_FROM_DOTENV", "")
	require.NoError(t, os.Unsetenv("RAG_TEST_FROM_DOTENV"))

	require.NoError(t, LoadEnv(envFile, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "hello", os.Getenv("RAG_TEST_FROM_DOTENV"))
}
