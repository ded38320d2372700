package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/kxddry/rag-retrieval/internal/chunker"
	"github.com/kxddry/rag-retrieval/internal/config"
	"github.com/kxddry/rag-retrieval/internal/embedding"
	"github.com/kxddry/rag-retrieval/internal/embedding/openai"
	"github.com/kxddry/rag-retrieval/internal/embedding/static"
	"github.com/kxddry/rag-retrieval/internal/index"
	"github.com/kxddry/rag-retrieval/internal/service"
	"github.com/kxddry/rag-retrieval/internal/summarizer"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
	"github.com/kxddry/rag-retrieval/internal/vectorstore/memory"
	"github.com/kxddry/rag-retrieval/internal/vectorstore/milvus"
	"github.com/kxddry/rag-retrieval/internal/vectorstore/pgvector"
	"github.com/kxddry/rag-retrieval/internal/vectorstore/qdrant"
	"github.com/kxddry/rag-retrieval/internal/vectorstore/sqlite"
)

const defaultSQLitePath = "rag.db"

// app builds the pipeline for a command. The hooks are replaced in tests.
type app struct {
	loadConfig func(path string) (*config.AppConfig, error)
	connector  func(cfg *config.AppConfig) (vectorstore.Connector, error)
}

func newApp() *app {
	return &app{
		loadConfig: loadConfig,
		connector:  connectorFor,
	}
}

func loadConfig(path string) (*config.AppConfig, error) {
	if err := config.LoadEnv(); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		cfg, _, err := config.LoadDefault()
		return cfg, err
	}
	return config.Load(path)
}

func connectorFor(cfg *config.AppConfig) (vectorstore.Connector, error) {
	timeout := time.Duration(cfg.VectorStore.TimeoutSecs) * time.Second
	switch cfg.VectorStore.Type {
	case config.StoreMemory:
		return memory.NewStore(), nil
	case config.StoreSQLite:
		return sqlite.Connector{}, nil
	case config.StoreQdrant:
		return qdrant.Connector{Timeout: timeout}, nil
	case config.StorePgvector:
		return pgvector.Connector{}, nil
	case config.StoreMilvus:
		return milvus.Connector{DBName: cfg.VectorStore.DBName}, nil
	}
	return nil, fmt.Errorf("unknown vector store: %s", cfg.VectorStore.Type)
}

func newModel(cfg *config.AppConfig) (embedding.Model, error) {
	switch cfg.Embedder.Type {
	case config.EmbedderStatic:
		return static.New(static.Config{Dimension: cfg.Embedder.Dimension, MaxLength: cfg.Embedder.MaxLength})
	case config.EmbedderOpenAI:
		oc := cfg.Embedder.OpenAI
		if oc == nil {
			return nil, fmt.Errorf("openai embedder config missing")
		}
		return openai.New(openai.Config{
			BaseURL:   oc.BaseURL,
			APIKeyEnv: oc.APIKeyEnv,
			Model:     oc.Model,
			Dimension: cfg.Embedder.Dimension,
			Timeout:   time.Duration(oc.TimeoutSecs) * time.Second,
		})
	}
	return nil, fmt.Errorf("unknown embedder: %s", cfg.Embedder.Type)
}

func newLogger(cmd *cobra.Command, cfg *config.AppConfig) (*log.Logger, error) {
	level := cfg.Log.Level
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		Level:           lvl,
		Prefix:          "rag",
		ReportTimestamp: true,
	}), nil
}

// pipeline is everything one command needs. Close releases the store
// session.
type pipeline struct {
	cfg      *config.AppConfig
	logger   *log.Logger
	manager  *index.Manager
	embedder *embedding.Embedder
	service  *service.RAGService
	created  bool
}

func (p *pipeline) Close() error {
	return p.manager.Close()
}

// open loads the config, connects to the store and makes sure the collection
// exists and is loaded.
func (a *app) open(cmd *cobra.Command) (*pipeline, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := a.loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}
	emb := embedding.New(model,
		embedding.WithBatchSize(cfg.Embedder.BatchSize),
		embedding.WithLogger(logger))

	ic, err := cfg.IndexConfig()
	if err != nil {
		return nil, err
	}
	conn, err := a.connector(cfg)
	if err != nil {
		return nil, err
	}
	mgr := index.New(ic, conn, index.WithLogger(logger))

	uri := cfg.ResolveURI()
	if uri == "" && cfg.VectorStore.Type == config.StoreSQLite {
		uri = defaultSQLitePath
	}
	ctx := cmd.Context()
	if cfg.VectorStore.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.VectorStore.TimeoutSecs)*time.Second+ic.LoadTimeout)
		defer cancel()
	}

	p := &pipeline{cfg: cfg, logger: logger, manager: mgr, embedder: emb}
	if err := p.ensure(ctx, uri, cfg.Credentials()); err != nil {
		_ = mgr.Close()
		return nil, err
	}

	p.service = service.NewRAGService(chunker.NewRecursive(), emb, mgr,
		service.WithChunkConfig(cfg.ChunkConfig()),
		service.WithResponseLimit(cfg.Query.ResponseLimit),
		service.WithIDSequence(service.NewSequence(time.Now().UnixNano())),
		service.WithSummarizer(summarizer.NewCentroid(emb), summarizer.DefaultMaxSentences),
		service.WithLogger(logger),
	)
	return p, nil
}

func (p *pipeline) ensure(ctx context.Context, uri string, creds vectorstore.Credentials) error {
	if err := p.manager.Connect(ctx, uri, creds); err != nil {
		return err
	}
	if err := p.manager.PrepareSchema(); err != nil {
		return err
	}
	created, err := p.manager.EnsureCollection(ctx)
	p.created = created
	return err
}
