package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
	"github.com/kxddry/rag-retrieval/internal/vectorstore/ann"
)

// ErrClosed is returned by a session after Close.
var ErrClosed = errors.New("session closed")

// Store is an in-memory vector store. Collections live as long as the Store
// and are shared by all of its sessions.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

type collection struct {
	schema vectorstore.Schema
	level  vectorstore.ConsistencyLevel
	params *vectorstore.IndexParams
	index  ann.Index
	order  []int64
	rows   map[int64]domain.Record
	loaded bool
}

func NewStore() *Store {
	return &Store{collections: make(map[string]*collection)}
}

// Connect opens a session. The uri and credentials are ignored.
func (s *Store) Connect(ctx context.Context, _ string, _ vectorstore.Credentials) (vectorstore.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Session{store: s}, nil
}

var _ vectorstore.Connector = (*Store)(nil)
var _ vectorstore.Session = (*Session)(nil)

// Session is a handle on a Store.
type Session struct {
	store  *Store
	mu     sync.RWMutex
	closed bool
}

func (s *Session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Session) get(name string) (*collection, error) {
	c, ok := s.store.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}
	return c, nil
}

func (s *Session) HasCollection(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	_, ok := s.store.collections[name]
	return ok, nil
}

func (s *Session) DescribeCollection(ctx context.Context, name string) (vectorstore.Schema, vectorstore.IndexParams, error) {
	if err := s.check(ctx); err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	c, err := s.get(name)
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	var params vectorstore.IndexParams
	if c.params != nil {
		params = *c.params
	}
	return c.schema, params, nil
}

func (s *Session) CreateCollection(ctx context.Context, schema vectorstore.Schema, level vectorstore.ConsistencyLevel) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := schema.Validate(); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.collections[schema.Name]; ok {
		return fmt.Errorf("collection %q already exists", schema.Name)
	}
	s.store.collections[schema.Name] = &collection{
		schema: schema,
		level:  level,
		rows:   make(map[int64]domain.Record),
	}
	return nil
}

func (s *Session) CreateIndex(ctx context.Context, name string, params vectorstore.IndexParams) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	c, err := s.get(name)
	if err != nil {
		return err
	}
	if c.params != nil {
		return fmt.Errorf("collection %q already has index %q", name, c.params.Name)
	}
	idx, err := ann.New(params, c.schema.Dimension())
	if err != nil {
		return err
	}
	for _, id := range c.order {
		if err := idx.Add(id, c.rows[id].Vector); err != nil {
			return err
		}
	}
	c.params = &params
	c.index = idx
	return nil
}

func (s *Session) LoadCollection(ctx context.Context, name string, replicas int) (vectorstore.LoadState, error) {
	if err := s.check(ctx); err != nil {
		return vectorstore.LoadStateUnknown, err
	}
	if replicas < 1 {
		return vectorstore.LoadStateUnknown, fmt.Errorf("replica number must be positive, got %d", replicas)
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	c, err := s.get(name)
	if err != nil {
		return vectorstore.LoadStateNotExist, err
	}
	if c.index == nil {
		return vectorstore.LoadStateNotLoad, fmt.Errorf("collection %q has no index", name)
	}
	c.loaded = true
	return vectorstore.LoadStateLoaded, nil
}

func (s *Session) GetLoadState(ctx context.Context, name string) (vectorstore.LoadState, error) {
	if err := s.check(ctx); err != nil {
		return vectorstore.LoadStateUnknown, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	c, ok := s.store.collections[name]
	switch {
	case !ok:
		return vectorstore.LoadStateNotExist, nil
	case c.loaded:
		return vectorstore.LoadStateLoaded, nil
	}
	return vectorstore.LoadStateNotLoad, nil
}

// Insert adds records, replacing rows with the same id.
func (s *Session) Insert(ctx context.Context, name string, records []domain.Record) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	c, err := s.get(name)
	if err != nil {
		return 0, err
	}
	dim := c.schema.Dimension()
	for i, r := range records {
		if r.ID == nil {
			return 0, fmt.Errorf("record %d has no id", i)
		}
		if len(r.Vector) != dim {
			return 0, fmt.Errorf("record %d: dimension mismatch: expected %d, got %d", i, dim, len(r.Vector))
		}
	}
	for _, r := range records {
		id := *r.ID
		if _, ok := c.rows[id]; !ok {
			c.order = append(c.order, id)
		}
		c.rows[id] = r
		if c.index != nil {
			if err := c.index.Add(id, r.Vector); err != nil {
				return 0, err
			}
		}
	}
	return len(records), nil
}

func (s *Session) Search(ctx context.Context, req vectorstore.SearchRequest) ([][]vectorstore.Hit, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	c, err := s.get(req.Collection)
	if err != nil {
		return nil, err
	}
	if !c.loaded {
		return nil, fmt.Errorf("collection %q is not loaded", req.Collection)
	}
	out := make([][]vectorstore.Hit, len(req.Vectors))
	for i, q := range req.Vectors {
		cands, err := c.index.Search(q, req.Limit)
		if err != nil {
			return nil, err
		}
		hits := make([]vectorstore.Hit, len(cands))
		for j, cand := range cands {
			hits[j] = vectorstore.Hit{ID: cand.ID, Score: cand.Score, Text: c.rows[cand.ID].Text}
		}
		out[i] = hits
	}
	return out, nil
}

func (s *Session) Count(ctx context.Context, name string) (int64, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	s.store.mu.RLock()
	defer s.store.mu.RUnlock()
	c, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return int64(len(c.rows)), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
