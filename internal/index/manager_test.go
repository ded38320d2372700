package index

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
	"github.com/kxddry/rag-retrieval/internal/vectorstore/memory"
)

// spySession counts store calls and can script load states and failures.
type spySession struct {
	vectorstore.Session

	mu         sync.Mutex
	creates    int
	indexes    int
	inserts    int
	loadStates []vectorstore.LoadState
	insertErr  error
	searchErr  error
}

func (s *spySession) CreateCollection(ctx context.Context, schema vectorstore.Schema, level vectorstore.ConsistencyLevel) error {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return s.Session.CreateCollection(ctx, schema, level)
}

func (s *spySession) CreateIndex(ctx context.Context, name string, params vectorstore.IndexParams) error {
	s.mu.Lock()
	s.indexes++
	s.mu.Unlock()
	return s.Session.CreateIndex(ctx, name, params)
}

func (s *spySession) nextState() (vectorstore.LoadState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.loadStates) == 0 {
		return 0, false
	}
	st := s.loadStates[0]
	if len(s.loadStates) > 1 {
		s.loadStates = s.loadStates[1:]
	}
	return st, true
}

func (s *spySession) LoadCollection(ctx context.Context, name string, replicas int) (vectorstore.LoadState, error) {
	st, err := s.Session.LoadCollection(ctx, name, replicas)
	if scripted, ok := s.nextState(); ok {
		return scripted, err
	}
	return st, err
}

func (s *spySession) GetLoadState(ctx context.Context, name string) (vectorstore.LoadState, error) {
	if err := ctx.Err(); err != nil {
		return vectorstore.LoadStateUnknown, err
	}
	if scripted, ok := s.nextState(); ok {
		return scripted, nil
	}
	return s.Session.GetLoadState(ctx, name)
}

func (s *spySession) Insert(ctx context.Context, name string, records []domain.Record) (int, error) {
	s.mu.Lock()
	s.inserts++
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.Session.Insert(ctx, name, records)
}

func (s *spySession) Search(ctx context.Context, req vectorstore.SearchRequest) ([][]vectorstore.Hit, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	return s.Session.Search(ctx, req)
}

type fixture struct {
	store *memory.Store
	spy   *spySession
}

func (f *fixture) connector() vectorstore.Connector {
	return vectorstore.ConnectorFunc(func(ctx context.Context, uri string, creds vectorstore.Credentials) (vectorstore.Session, error) {
		sess, err := f.store.Connect(ctx, uri, creds)
		if err != nil {
			return nil, err
		}
		f.spy = &spySession{Session: sess}
		return f.spy, nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Collection = "test_docs"
	cfg.Dimension = 3
	cfg.Algorithm = vectorstore.IndexFlat
	cfg.Params = nil
	cfg.LoadTimeout = time.Second
	cfg.PollInterval = time.Millisecond
	return cfg
}

func openManager(t *testing.T, cfg Config) (*Manager, *fixture) {
	t.Helper()
	f := &fixture{store: memory.NewStore()}
	m := New(cfg, f.connector())
	require.NoError(t, m.Open(context.Background(), "memory://", vectorstore.Credentials{}))
	t.Cleanup(func() { _ = m.Close() })
	return m, f
}

func vec(x, y, z float32) domain.Vector { return domain.Vector{x, y, z} }

func TestStateTransitions(t *testing.T) {
	ctx := context.Background()
	f := &fixture{store: memory.NewStore()}
	m := New(testConfig(), f.connector())
	assert.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Connect(ctx, "memory://", vectorstore.Credentials{}))
	assert.Equal(t, Connected, m.State())

	require.NoError(t, m.PrepareSchema())
	assert.Equal(t, SchemaPrepared, m.State())

	created, err := m.EnsureCollection(ctx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Loaded, m.State())

	require.NoError(t, m.Close())
	assert.Equal(t, Disconnected, m.State())
	require.NoError(t, m.Close())
}

func TestEnsureCollectionTwice(t *testing.T) {
	m, f := openManager(t, testConfig())
	assert.Equal(t, 1, f.spy.creates)
	assert.Equal(t, 1, f.spy.indexes)

	created, err := m.EnsureCollection(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, Loaded, m.State())
	assert.Equal(t, 1, f.spy.creates)
	assert.Equal(t, 1, f.spy.indexes)

	// a second process sees the existing collection
	other := New(testConfig(), f.connector())
	require.NoError(t, other.Connect(context.Background(), "memory://", vectorstore.Credentials{}))
	require.NoError(t, other.PrepareSchema())
	created, err = other.EnsureCollection(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Zero(t, f.spy.creates)
	require.NoError(t, other.Close())
}

func TestEnsureCollectionRejectsMismatchedCollection(t *testing.T) {
	cases := map[string]func(*Config){
		"dimension": func(c *Config) { c.Dimension = 8 },
		"metric":    func(c *Config) { c.Metric = domain.MetricL2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, f := openManager(t, testConfig())

			cfg := testConfig()
			mutate(&cfg)
			other := New(cfg, f.connector())
			err := other.Open(context.Background(), "memory://", vectorstore.Credentials{})
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
			assert.Equal(t, SchemaPrepared, other.State())
			assert.Zero(t, f.spy.creates)
			require.NoError(t, other.Close())
		})
	}
}

func TestEnsureCollectionAcceptsDifferentIndex(t *testing.T) {
	_, f := openManager(t, testConfig())

	cfg := testConfig()
	cfg.Algorithm = vectorstore.IndexHNSW
	other := New(cfg, f.connector())
	require.NoError(t, other.Open(context.Background(), "memory://", vectorstore.Credentials{}))
	assert.Equal(t, Loaded, other.State())
	require.NoError(t, other.Close())
}

func TestPrepareSchemaRejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"zero dimension":   func(c *Config) { c.Dimension = 0 },
		"unknown metric":   func(c *Config) { c.Metric = "HAMMING" },
		"unknown index":    func(c *Config) { c.Algorithm = "DISKANN" },
		"nlist too large":  func(c *Config) { c.Algorithm = vectorstore.IndexIVFFlat; c.Params = map[string]int{"nlist": 1 << 20} },
		"no replicas":      func(c *Config) { c.Replicas = 0 },
		"empty collection": func(c *Config) { c.Collection = "" },
		"bad consistency":  func(c *Config) { c.Consistency = "Linearizable" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			f := &fixture{store: memory.NewStore()}
			m := New(cfg, f.connector())
			require.NoError(t, m.Connect(context.Background(), "", vectorstore.Credentials{}))
			err := m.PrepareSchema()
			assert.ErrorIs(t, err, domain.ErrConfiguration)
			assert.Equal(t, Connected, m.State())
		})
	}
}

func TestPrepareSchemaRequiresConnection(t *testing.T) {
	m := New(testConfig(), memory.NewStore())
	assert.ErrorIs(t, m.PrepareSchema(), domain.ErrConfiguration)
}

func TestConnectFailure(t *testing.T) {
	cause := errors.New("authentication failed")
	m := New(testConfig(), vectorstore.ConnectorFunc(func(context.Context, string, vectorstore.Credentials) (vectorstore.Session, error) {
		return nil, cause
	}))
	err := m.Connect(context.Background(), "https://example.invalid", vectorstore.Credentials{Token: "u:p"})
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "test_docs")
	assert.Equal(t, Disconnected, m.State())
}

func TestLoadPollsUntilLoaded(t *testing.T) {
	f := &fixture{store: memory.NewStore()}
	m := New(testConfig(), f.connector())
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "", vectorstore.Credentials{}))
	require.NoError(t, m.PrepareSchema())
	f.spy.loadStates = []vectorstore.LoadState{vectorstore.LoadStateLoading, vectorstore.LoadStateLoading, vectorstore.LoadStateLoaded}

	_, err := m.EnsureCollection(ctx)
	require.NoError(t, err)
	assert.Equal(t, Loaded, m.State())
}

func TestLoadFailures(t *testing.T) {
	for _, st := range []vectorstore.LoadState{vectorstore.LoadStateUnknown, vectorstore.LoadStateNotExist, vectorstore.LoadStateNotLoad} {
		t.Run(st.String(), func(t *testing.T) {
			f := &fixture{store: memory.NewStore()}
			m := New(testConfig(), f.connector())
			ctx := context.Background()
			require.NoError(t, m.Connect(ctx, "", vectorstore.Credentials{}))
			require.NoError(t, m.PrepareSchema())
			f.spy.loadStates = []vectorstore.LoadState{vectorstore.LoadStateLoading, st}

			_, err := m.EnsureCollection(ctx)
			assert.ErrorIs(t, err, domain.ErrLoad)
			assert.NotEqual(t, Loaded, m.State())

			_, err = m.Insert(ctx, []domain.Record{domain.NewRecord(1, vec(1, 0, 0), "x")})
			assert.ErrorIs(t, err, domain.ErrLoad)
		})
	}
}

func TestLoadTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.LoadTimeout = 20 * time.Millisecond
	f := &fixture{store: memory.NewStore()}
	m := New(cfg, f.connector())
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, "", vectorstore.Credentials{}))
	require.NoError(t, m.PrepareSchema())
	f.spy.loadStates = []vectorstore.LoadState{vectorstore.LoadStateLoading}

	_, err := m.EnsureCollection(ctx)
	assert.ErrorIs(t, err, domain.ErrLoad)
	assert.NotErrorIs(t, err, domain.ErrCancelled)
}

func TestLoadCancelled(t *testing.T) {
	f := &fixture{store: memory.NewStore()}
	m := New(testConfig(), f.connector())
	require.NoError(t, m.Connect(context.Background(), "", vectorstore.Credentials{}))
	require.NoError(t, m.PrepareSchema())
	f.spy.loadStates = []vectorstore.LoadState{vectorstore.LoadStateLoading}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := m.EnsureCollection(ctx)
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestInsertRejectsNilID(t *testing.T) {
	m, f := openManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Insert(ctx, []domain.Record{domain.NewRecord(1, vec(1, 0, 0), "kept")})
	require.NoError(t, err)

	_, err = m.Insert(ctx, []domain.Record{
		domain.NewRecord(2, vec(0, 1, 0), "valid"),
		{Vector: vec(0, 0, 1), Text: "no id"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, f.spy.inserts)

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Records)
}

func TestInsertValidation(t *testing.T) {
	m, f := openManager(t, testConfig())
	ctx := context.Background()

	cases := map[string][]domain.Record{
		"duplicate id":    {domain.NewRecord(1, vec(1, 0, 0), "a"), domain.NewRecord(1, vec(0, 1, 0), "b")},
		"wrong dimension": {domain.NewRecord(1, domain.Vector{1, 0}, "a")},
		"text too long":   {domain.NewRecord(1, vec(1, 0, 0), strings.Repeat("x", domain.MaxTextBytes+1))},
	}
	for name, records := range cases {
		_, err := m.Insert(ctx, records)
		assert.ErrorIs(t, err, domain.ErrValidation, name)
	}
	assert.Zero(t, f.spy.inserts)

	n, err := m.Insert(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.spy.inserts)
}

func TestSearchLimitAndOrder(t *testing.T) {
	m, _ := openManager(t, testConfig())
	ctx := context.Background()

	records := []domain.Record{
		domain.NewRecord(1, vec(1, 0, 0), "x axis"),
		domain.NewRecord(2, vec(0, 1, 0), "y axis"),
		domain.NewRecord(3, vec(0, 0, 1), "z axis"),
		domain.NewRecord(4, vec(0.9, 0.1, 0), "mostly x"),
		domain.NewRecord(5, vec(0.5, 0.5, 0), "x and y"),
	}
	n, err := m.Insert(ctx, records)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	hits, err := m.Search(ctx, vec(1, 0.05, 0), 3)
	require.NoError(t, err)
	require.LessOrEqual(t, len(hits), 3)
	require.Len(t, hits, 3)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
	assert.Equal(t, "x axis", hits[0].Text)
	assert.Equal(t, []int{1, 2, 3}, []int{hits[0].Rank, hits[1].Rank, hits[2].Rank})
}

func TestSearchL2AscendingDistance(t *testing.T) {
	cfg := testConfig()
	cfg.Metric = domain.MetricL2
	m, _ := openManager(t, cfg)
	ctx := context.Background()

	_, err := m.Insert(ctx, []domain.Record{
		domain.NewRecord(1, vec(0, 0, 0), "origin"),
		domain.NewRecord(2, vec(5, 0, 0), "far"),
		domain.NewRecord(3, vec(1, 0, 0), "near"),
	})
	require.NoError(t, err)

	hits, err := m.Search(ctx, vec(0.9, 0, 0), 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].Text)
	assert.Equal(t, "origin", hits[1].Text)
	assert.Less(t, hits[0].Score, hits[1].Score)
}

func TestSearchValidation(t *testing.T) {
	m, _ := openManager(t, testConfig())
	ctx := context.Background()

	_, err := m.Search(ctx, vec(1, 0, 0), 0)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = m.Search(ctx, domain.Vector{1, 0}, 3)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStoreFailures(t *testing.T) {
	m, f := openManager(t, testConfig())
	ctx := context.Background()

	f.spy.insertErr = errors.New("disk full")
	_, err := m.Insert(ctx, []domain.Record{domain.NewRecord(1, vec(1, 0, 0), "x")})
	assert.ErrorIs(t, err, domain.ErrInsert)
	assert.ErrorIs(t, err, f.spy.insertErr)

	f.spy.searchErr = fmt.Errorf("rpc: %w", context.DeadlineExceeded)
	_, err = m.Search(ctx, vec(1, 0, 0), 1)
	assert.ErrorIs(t, err, domain.ErrCancelled)

	f.spy.searchErr = errors.New("node down")
	hits, err := m.Search(ctx, vec(1, 0, 0), 1)
	assert.ErrorIs(t, err, domain.ErrSearch)
	assert.Nil(t, hits)
}

func TestOperationsRequireLoadedCollection(t *testing.T) {
	m := New(testConfig(), memory.NewStore())
	ctx := context.Background()

	_, err := m.Insert(ctx, []domain.Record{domain.NewRecord(1, vec(1, 0, 0), "x")})
	assert.ErrorIs(t, err, domain.ErrLoad)
	_, err = m.Search(ctx, vec(1, 0, 0), 1)
	assert.ErrorIs(t, err, domain.ErrLoad)
	_, err = m.EnsureCollection(ctx)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = m.Stats(ctx)
	assert.ErrorIs(t, err, domain.ErrLoad)
}

func TestConcurrentInsertAndSearch(t *testing.T) {
	m, _ := openManager(t, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 25 {
				id := int64(w*100 + i)
				_, err := m.Insert(ctx, []domain.Record{domain.NewRecord(id, vec(float32(i), 1, float32(w)), "x")})
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for range 25 {
				_, err := m.Search(ctx, vec(1, 1, 1), 3)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	st, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), st.Records)
	assert.Equal(t, "Loaded", st.LoadState)
}
