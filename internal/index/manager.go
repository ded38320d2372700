// Package index manages the lifecycle of a single vector collection: connect,
// declare the schema, create or reuse the collection, wait for it to load,
// then serve inserts and searches.
package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

// State is a lifecycle stage of a Manager.
type State int

const (
	Disconnected State = iota
	Connected
	SchemaPrepared
	CollectionCreated
	CollectionExists
	Loaded
)

func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case SchemaPrepared:
		return "SchemaPrepared"
	case CollectionCreated:
		return "CollectionCreated"
	case CollectionExists:
		return "CollectionExists"
	case Loaded:
		return "Loaded"
	}
	return "Disconnected"
}

// Stats summarizes a collection.
type Stats struct {
	Collection string `json:"collection"`
	State      string `json:"state"`
	LoadState  string `json:"load_state"`
	Records    int64  `json:"records"`
	Dimension  int    `json:"dimension"`
	Metric     string `json:"metric"`
	Algorithm  string `json:"algorithm"`
}

// Manager owns one collection in a vector store. Insert and Search are safe
// for concurrent use once the collection is loaded.
type Manager struct {
	cfg       Config
	connector vectorstore.Connector
	logger    *log.Logger

	mu     sync.RWMutex
	state  State
	sess   vectorstore.Session
	schema vectorstore.Schema
	params vectorstore.IndexParams
	level  vectorstore.ConsistencyLevel
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// New returns a disconnected Manager.
func New(cfg Config, connector vectorstore.Connector, opts ...Option) *Manager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	m := &Manager{
		cfg:       cfg.clone(),
		connector: connector,
		logger:    log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("collection", cfg.Collection)
	return m
}

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() Config { return m.cfg.clone() }

// State returns the current lifecycle stage.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) fail(kind error, op string, err error) error {
	return domain.NewError(kind, op, m.cfg.Collection, err)
}

// Open connects, prepares the schema and ensures the collection is loaded.
func (m *Manager) Open(ctx context.Context, uri string, creds vectorstore.Credentials) error {
	if err := m.Connect(ctx, uri, creds); err != nil {
		return err
	}
	if err := m.PrepareSchema(); err != nil {
		return err
	}
	_, err := m.EnsureCollection(ctx)
	return err
}

// Connect opens a store session.
func (m *Manager) Connect(ctx context.Context, uri string, creds vectorstore.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Disconnected {
		return m.fail(domain.ErrConnection, "connect", fmt.Errorf("already %s", m.state))
	}
	m.logger.Info("connecting", "uri", uri, "db", m.cfg.DBName)
	sess, err := m.connector.Connect(ctx, uri, creds)
	if err != nil {
		return m.fail(domain.ErrConnection, "connect", err)
	}
	m.sess = sess
	m.state = Connected
	m.logger.Info("connected", "uri", uri)
	return nil
}

// PrepareSchema declares the collection fields and vector index. It does no
// I/O.
func (m *Manager) PrepareSchema() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return m.fail(domain.ErrConfiguration, "prepare schema", fmt.Errorf("manager is %s, want %s", m.state, Connected))
	}
	schema, params, err := m.cfg.Build()
	if err != nil {
		return m.fail(domain.ErrConfiguration, "prepare schema", err)
	}
	level, err := vectorstore.ParseConsistencyLevel(string(m.cfg.Consistency))
	if err != nil {
		return m.fail(domain.ErrConfiguration, "prepare schema", err)
	}
	m.schema, m.params, m.level = schema, params, level
	m.state = SchemaPrepared
	m.logger.Debug("schema prepared", "dim", m.cfg.Dimension, "metric", params.Metric, "index", params.Algorithm)
	return nil
}

// EnsureCollection creates the collection and its index when missing, then
// loads it. created reports whether the collection was new.
func (m *Manager) EnsureCollection(ctx context.Context) (created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state < SchemaPrepared {
		return false, m.fail(domain.ErrConfiguration, "ensure collection", fmt.Errorf("manager is %s, want %s", m.state, SchemaPrepared))
	}

	exists, err := m.sess.HasCollection(ctx, m.cfg.Collection)
	if err != nil {
		return false, m.fail(domain.ErrLoad, "has collection", err)
	}
	if exists {
		m.logger.Info("collection already exists, loading it")
		if err := m.checkExisting(ctx); err != nil {
			return false, err
		}
		m.state = CollectionExists
	} else {
		m.logger.Info("creating collection", "dim", m.cfg.Dimension, "consistency", m.level)
		if err := m.sess.CreateCollection(ctx, m.schema, m.level); err != nil {
			return false, m.fail(domain.ErrLoad, "create collection", err)
		}
		if err := m.sess.CreateIndex(ctx, m.cfg.Collection, m.params); err != nil {
			return false, m.fail(domain.ErrLoad, "create index", err)
		}
		m.state = CollectionCreated
		created = true
	}
	if err := m.load(ctx); err != nil {
		return created, err
	}
	return created, nil
}

// checkExisting compares an existing collection with the configuration. The
// vector dimension and metric must match; a different index type is only
// logged since searches still work against it.
func (m *Manager) checkExisting(ctx context.Context) error {
	schema, params, err := m.sess.DescribeCollection(ctx, m.cfg.Collection)
	if err != nil {
		return m.fail(domain.ErrLoad, "describe collection", err)
	}
	if got, want := schema.Dimension(), m.schema.Dimension(); got != want {
		return m.fail(domain.ErrConfiguration, "describe collection",
			fmt.Errorf("collection vector dimension is %d, configured %d", got, want))
	}
	if params.Metric != "" && params.Metric != m.params.Metric {
		return m.fail(domain.ErrConfiguration, "describe collection",
			fmt.Errorf("collection metric is %s, configured %s", params.Metric, m.params.Metric))
	}
	if params.Algorithm != "" && params.Algorithm != m.params.Algorithm {
		m.logger.Warn("collection index differs from configuration", "index", params.Algorithm, "configured", m.params.Algorithm)
	}
	return nil
}

// Load requests the collection to be loaded and waits until it is.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state < CollectionCreated {
		return m.fail(domain.ErrLoad, "load", fmt.Errorf("manager is %s", m.state))
	}
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) error {
	m.logger.Info("loading collection", "replicas", m.cfg.Replicas)
	state, err := m.sess.LoadCollection(ctx, m.cfg.Collection, m.cfg.Replicas)
	if err != nil {
		return m.fail(domain.ErrLoad, "load", err)
	}

	deadline := time.NewTimer(m.cfg.LoadTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		switch state {
		case vectorstore.LoadStateLoaded:
			m.state = Loaded
			m.logger.Info("collection loaded", "load_state", state)
			return nil
		case vectorstore.LoadStateLoading:
		default:
			return m.fail(domain.ErrLoad, "load", fmt.Errorf("unexpected load state %s", state))
		}

		select {
		case <-ctx.Done():
			return m.fail(domain.ErrCancelled, "load", ctx.Err())
		case <-deadline.C:
			return m.fail(domain.ErrLoad, "load", fmt.Errorf("collection still %s after %s", state, m.cfg.LoadTimeout))
		case <-ticker.C:
		}

		state, err = m.sess.GetLoadState(ctx, m.cfg.Collection)
		if err != nil {
			return m.fail(domain.ErrLoad, "get load state", err)
		}
		m.logger.Debug("polled load state", "load_state", state)
	}
}

// Insert validates and writes records. A batch with any invalid record is
// rejected as a whole before the store is touched.
func (m *Manager) Insert(ctx context.Context, records []domain.Record) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Loaded {
		return 0, m.fail(domain.ErrLoad, "insert", fmt.Errorf("collection is %s", m.state))
	}
	if err := m.validate(records); err != nil {
		return 0, m.fail(domain.ErrValidation, "insert", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	n, err := m.sess.Insert(ctx, m.cfg.Collection, records)
	if err != nil {
		return 0, m.fail(domain.ErrInsert, "insert", err)
	}
	m.logger.Info("inserted records", "count", n)
	return n, nil
}

func (m *Manager) validate(records []domain.Record) error {
	var errs []error
	seen := make(map[int64]int, len(records))
	for i, r := range records {
		if r.ID == nil {
			errs = append(errs, fmt.Errorf("record %d has no id", i))
		} else if j, dup := seen[*r.ID]; dup {
			errs = append(errs, fmt.Errorf("record %d repeats id %d of record %d", i, *r.ID, j))
		} else {
			seen[*r.ID] = i
		}
		if len(r.Vector) != m.cfg.Dimension {
			errs = append(errs, fmt.Errorf("record %d has dimension %d, want %d", i, len(r.Vector), m.cfg.Dimension))
		}
		if len(r.Text) > domain.MaxTextBytes {
			errs = append(errs, fmt.Errorf("record %d text is %d bytes, max %d", i, len(r.Text), domain.MaxTextBytes))
		}
	}
	return errors.Join(errs...)
}

// Search returns at most limit hits for vec, best first.
func (m *Manager) Search(ctx context.Context, vec domain.Vector, limit int) ([]domain.SearchHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Loaded {
		return nil, m.fail(domain.ErrLoad, "search", fmt.Errorf("collection is %s", m.state))
	}
	if limit <= 0 {
		return nil, m.fail(domain.ErrValidation, "search", fmt.Errorf("limit must be positive, got %d", limit))
	}
	if len(vec) != m.cfg.Dimension {
		return nil, m.fail(domain.ErrValidation, "search", fmt.Errorf("query has dimension %d, want %d", len(vec), m.cfg.Dimension))
	}

	m.logger.Debug("searching", "metric", m.params.Metric, "limit", limit)
	res, err := m.sess.Search(ctx, vectorstore.SearchRequest{
		Collection:   m.cfg.Collection,
		Field:        vectorstore.FieldVector,
		Vectors:      []domain.Vector{vec},
		Metric:       m.params.Metric,
		Limit:        limit,
		Params:       m.params.Search,
		OutputFields: []string{vectorstore.FieldText},
		Consistency:  m.level,
	})
	if err != nil {
		return nil, m.fail(domain.ErrSearch, "search", err)
	}
	if len(res) != 1 {
		return nil, m.fail(domain.ErrSearch, "search", fmt.Errorf("got %d result sets for 1 query", len(res)))
	}

	hits := res[0]
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]domain.SearchHit, len(hits))
	for i, h := range hits {
		out[i] = domain.SearchHit{Text: h.Text, Score: h.Score, Rank: i + 1}
	}
	return out, nil
}

// Stats reports the collection's load state and record count.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Collection: m.cfg.Collection,
		State:      m.state.String(),
		Dimension:  m.cfg.Dimension,
		Metric:     string(m.params.Metric),
		Algorithm:  string(m.params.Algorithm),
	}
	if m.state < CollectionCreated {
		return st, m.fail(domain.ErrLoad, "stats", fmt.Errorf("collection is %s", m.state))
	}
	ls, err := m.sess.GetLoadState(ctx, m.cfg.Collection)
	if err != nil {
		return st, m.fail(domain.ErrLoad, "get load state", err)
	}
	st.LoadState = ls.String()
	n, err := m.sess.Count(ctx, m.cfg.Collection)
	if err != nil {
		return st, m.fail(domain.ErrSearch, "count", err)
	}
	st.Records = n
	return st, nil
}

// Close releases the session. It is safe to call in any state.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		m.state = Disconnected
		return nil
	}
	err := m.sess.Close()
	m.sess = nil
	m.state = Disconnected
	m.logger.Debug("session closed")
	if err != nil {
		return m.fail(domain.ErrConnection, "close", err)
	}
	return nil
}
