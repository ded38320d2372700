package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kxddry/rag-retrieval/internal/chunker"
	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/index"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type      string                `yaml:"type"`
	Dimension int                   `yaml:"dimension"`
	MaxLength int                   `yaml:"max_length"`
	BatchSize int                   `yaml:"batch_size"`
	OpenAI    *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// IndexConfig declares the vector index of the collection.
type IndexConfig struct {
	Algorithm string         `yaml:"algorithm"`
	Params    map[string]int `yaml:"params,omitempty"`
}

// VectorStoreConfig selects the store engine and describes the collection.
// Secrets are never stored in the file; the *_env fields name the
// environment variables holding them.
type VectorStoreConfig struct {
	Type             string      `yaml:"type"`
	URI              string      `yaml:"uri"`
	URIEnv           string      `yaml:"uri_env"`
	UsernameEnv      string      `yaml:"username_env"`
	PasswordEnv      string      `yaml:"password_env"`
	TokenEnv         string      `yaml:"token_env"`
	DBName           string      `yaml:"db_name"`
	Collection       string      `yaml:"collection"`
	VectorDim        int         `yaml:"vector_dim"`
	MetricType       string      `yaml:"metric_type"`
	Index            IndexConfig `yaml:"index"`
	ConsistencyLevel string      `yaml:"consistency_level"`
	ReplicaCount     int         `yaml:"replica_count"`
	LoadTimeoutSecs  int         `yaml:"load_timeout_secs"`
	TimeoutSecs      int         `yaml:"timeout_secs"`
}

// QueryConfig configures query defaults.
type QueryConfig struct {
	ResponseLimit int `yaml:"response_limit"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Log         LogConfig         `yaml:"log"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Query       QueryConfig       `yaml:"query"`
}

// Store engine names.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreQdrant   = "qdrant"
	StorePgvector = "pgvector"
	StoreMilvus   = "milvus"
)

// Embedder names.
const (
	EmbedderStatic = "static"
	EmbedderOpenAI = "openai"
)

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/rag/config.yaml.
// If neither exists, it writes defaults to ~/.config/rag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadEnv loads .env files into the environment. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rag", "config.yaml"), nil
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	def := chunker.DefaultConfig()
	if cfg.Chunker.ChunkSize == 0 {
		cfg.Chunker.ChunkSize = def.Size
	}
	if cfg.Chunker.ChunkOverlap == 0 {
		cfg.Chunker.ChunkOverlap = def.Overlap
	}

	if cfg.Embedder.Type == "" {
		cfg.Embedder.Type = EmbedderStatic
	}
	if cfg.Embedder.Dimension == 0 {
		cfg.Embedder.Dimension = 384
	}
	if cfg.Embedder.MaxLength == 0 {
		cfg.Embedder.MaxLength = 256
	}
	if cfg.Embedder.BatchSize == 0 {
		cfg.Embedder.BatchSize = 32
	}
	if cfg.Embedder.Type == EmbedderOpenAI {
		if cfg.Embedder.OpenAI == nil {
			cfg.Embedder.OpenAI = &OpenAIEmbedderConfig{}
		}
		if cfg.Embedder.OpenAI.BaseURL == "" {
			cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Embedder.OpenAI.APIKeyEnv == "" {
			cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		}
		if cfg.Embedder.OpenAI.Model == "" {
			cfg.Embedder.OpenAI.Model = "text-embedding-3-small"
		}
		if cfg.Embedder.OpenAI.TimeoutSecs == 0 {
			cfg.Embedder.OpenAI.TimeoutSecs = 30
		}
	}

	vs := &cfg.VectorStore
	idx := index.DefaultConfig()
	if vs.Type == "" {
		vs.Type = StoreMemory
	}
	if vs.URIEnv == "" {
		vs.URIEnv = "URI"
	}
	if vs.UsernameEnv == "" {
		vs.UsernameEnv = "USERNAME"
	}
	if vs.PasswordEnv == "" {
		vs.PasswordEnv = "PASSWORD"
	}
	if vs.TokenEnv == "" {
		vs.TokenEnv = "TOKEN"
	}
	if vs.DBName == "" {
		vs.DBName = idx.DBName
	}
	if vs.Collection == "" {
		vs.Collection = idx.Collection
	}
	if vs.VectorDim == 0 {
		vs.VectorDim = cfg.Embedder.Dimension
	}
	if vs.MetricType == "" {
		vs.MetricType = string(idx.Metric)
	}
	if vs.Index.Algorithm == "" {
		vs.Index.Algorithm = string(idx.Algorithm)
		if vs.Index.Params == nil {
			vs.Index.Params = map[string]int{vectorstore.ParamNList: vectorstore.DefaultNList, vectorstore.ParamNProbe: vectorstore.DefaultNProbe}
		}
	}
	if vs.ConsistencyLevel == "" {
		vs.ConsistencyLevel = string(vectorstore.ConsistencyStrong)
	}
	if vs.ReplicaCount == 0 {
		vs.ReplicaCount = idx.Replicas
	}
	if vs.LoadTimeoutSecs == 0 {
		vs.LoadTimeoutSecs = int(idx.LoadTimeout / time.Second)
	}
	if vs.TimeoutSecs == 0 {
		vs.TimeoutSecs = 30
	}

	if cfg.Query.ResponseLimit == 0 {
		cfg.Query.ResponseLimit = 3
	}
}

// Validate reports every invalid option, wrapped in domain.ErrConfiguration.
func (c *AppConfig) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if err := c.ChunkConfig().Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Embedder.Type {
	case EmbedderStatic, EmbedderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown embedder type %q", c.Embedder.Type))
	}
	if c.Embedder.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedder.dimension must be positive, got %d", c.Embedder.Dimension))
	}
	if c.Embedder.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedder.batch_size must be positive, got %d", c.Embedder.BatchSize))
	}
	if c.Embedder.MaxLength < 3 {
		errs = append(errs, fmt.Errorf("embedder.max_length must be at least 3, got %d", c.Embedder.MaxLength))
	}

	switch c.VectorStore.Type {
	case StoreMemory, StoreSQLite, StoreQdrant, StorePgvector, StoreMilvus:
	default:
		errs = append(errs, fmt.Errorf("unknown vector store type %q", c.VectorStore.Type))
	}
	if c.VectorStore.VectorDim != c.Embedder.Dimension {
		errs = append(errs, fmt.Errorf("vector_store.vector_dim %d does not match embedder dimension %d", c.VectorStore.VectorDim, c.Embedder.Dimension))
	}
	if c.VectorStore.TimeoutSecs <= 0 {
		errs = append(errs, fmt.Errorf("vector_store.timeout_secs must be positive, got %d", c.VectorStore.TimeoutSecs))
	}
	ic, err := c.IndexConfig()
	if err != nil {
		errs = append(errs, err)
	} else if _, _, err := ic.Build(); err != nil {
		errs = append(errs, err)
	}

	if c.Query.ResponseLimit <= 0 {
		errs = append(errs, fmt.Errorf("query.response_limit must be positive, got %d", c.Query.ResponseLimit))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrConfiguration, errors.Join(errs...))
}

// ChunkConfig returns the chunker settings.
func (c *AppConfig) ChunkConfig() chunker.Config {
	return chunker.Config{Size: c.Chunker.ChunkSize, Overlap: c.Chunker.ChunkOverlap}
}

// IndexConfig converts the vector store section into an index manager config.
func (c *AppConfig) IndexConfig() (index.Config, error) {
	vs := c.VectorStore
	metric, err := domain.ParseMetric(vs.MetricType)
	if err != nil {
		return index.Config{}, err
	}
	algo, err := vectorstore.ParseIndexAlgorithm(vs.Index.Algorithm)
	if err != nil {
		return index.Config{}, err
	}
	level, err := vectorstore.ParseConsistencyLevel(vs.ConsistencyLevel)
	if err != nil {
		return index.Config{}, err
	}
	ic := index.DefaultConfig()
	ic.DBName = vs.DBName
	ic.Collection = vs.Collection
	ic.Dimension = vs.VectorDim
	ic.Metric = metric
	ic.Algorithm = algo
	ic.Params = vs.Index.Params
	ic.Consistency = level
	ic.Replicas = vs.ReplicaCount
	ic.LoadTimeout = time.Duration(vs.LoadTimeoutSecs) * time.Second
	return ic, nil
}

// ResolveURI returns the configured URI, falling back to the URI environment
// variable.
func (c *AppConfig) ResolveURI() string {
	if c.VectorStore.URI != "" {
		return c.VectorStore.URI
	}
	return os.Getenv(c.VectorStore.URIEnv)
}

// Credentials reads the store credentials from the environment. Without an
// explicit token, username and password form a "user:password" token.
func (c *AppConfig) Credentials() vectorstore.Credentials {
	creds := vectorstore.Credentials{
		Username: os.Getenv(c.VectorStore.UsernameEnv),
		Password: os.Getenv(c.VectorStore.PasswordEnv),
		Token:    os.Getenv(c.VectorStore.TokenEnv),
	}
	if creds.Token == "" && creds.Username != "" && creds.Password != "" {
		creds.Token = creds.Username + ":" + creds.Password
	}
	return creds
}
