// Package sqlite is an embedded vector store. Collections and records are
// persisted in a SQLite file; loading a collection builds its vector index
// in memory from the stored rows.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/ncruces/go-sqlite3/gormlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
	"github.com/kxddry/rag-retrieval/internal/vectorstore/ann"
)

const batchSize = 100

type CollectionModel struct {
	Name        string `gorm:"primaryKey"`
	Schema      datatypes.JSONType[vectorstore.Schema]
	Consistency string
	HasIndex    bool
	IndexParams datatypes.JSONType[vectorstore.IndexParams]
}

func (CollectionModel) TableName() string { return "collections" }

type RecordModel struct {
	ID         uint   `gorm:"primaryKey"`
	Collection string `gorm:"uniqueIndex:idx_collection_record"`
	RecordID   int64  `gorm:"uniqueIndex:idx_collection_record"`
	Vector     datatypes.JSONSlice[float32]
	Text       string
}

func (RecordModel) TableName() string { return "records" }

// Connector opens SQLite databases. The uri is a file path or a file: DSN,
// optionally prefixed with sqlite://.
type Connector struct{}

var _ vectorstore.Connector = Connector{}
var _ vectorstore.Session = (*Session)(nil)

func (Connector) Connect(ctx context.Context, uri string, _ vectorstore.Credentials) (vectorstore.Session, error) {
	dsn := strings.TrimPrefix(uri, "sqlite://")
	if dsn == "" {
		return nil, errors.New("sqlite path is empty")
	}
	db, err := gorm.Open(gormlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).AutoMigrate(&CollectionModel{}, &RecordModel{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate %s: %w", dsn, err)
	}
	return &Session{db: db, loaded: make(map[string]*loadedCollection)}, nil
}

type loadedCollection struct {
	dim    int
	params vectorstore.IndexParams
	index  ann.Index
}

// Session serves searches from the collections it has loaded.
type Session struct {
	db *gorm.DB

	mu     sync.RWMutex
	loaded map[string]*loadedCollection
}

func (s *Session) collection(ctx context.Context, name string) (*CollectionModel, error) {
	var m CollectionModel
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Session) mustCollection(ctx context.Context, name string) (*CollectionModel, error) {
	m, err := s.collection(ctx, name)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}
	return m, nil
}

func (s *Session) HasCollection(ctx context.Context, name string) (bool, error) {
	m, err := s.collection(ctx, name)
	return m != nil, err
}

// DescribeCollection returns the stored schema and, once created, the index
// declaration.
func (s *Session) DescribeCollection(ctx context.Context, name string) (vectorstore.Schema, vectorstore.IndexParams, error) {
	m, err := s.mustCollection(ctx, name)
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	var params vectorstore.IndexParams
	if m.HasIndex {
		params = m.IndexParams.Data()
	}
	return m.Schema.Data(), params, nil
}

func (s *Session) CreateCollection(ctx context.Context, schema vectorstore.Schema, level vectorstore.ConsistencyLevel) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	m := CollectionModel{
		Name:        schema.Name,
		Schema:      datatypes.NewJSONType(schema),
		Consistency: string(level),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("create collection %q: %w", schema.Name, err)
	}
	return nil
}

func (s *Session) CreateIndex(ctx context.Context, name string, params vectorstore.IndexParams) error {
	m, err := s.mustCollection(ctx, name)
	if err != nil {
		return err
	}
	if m.HasIndex {
		return fmt.Errorf("collection %q already has index %q", name, m.IndexParams.Data().Name)
	}
	if _, err := ann.New(params, m.Schema.Data().Dimension()); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&CollectionModel{}).
		Where("name = ?", name).
		Updates(map[string]any{"has_index": true, "index_params": datatypes.NewJSONType(params)}).Error
}

// LoadCollection rebuilds the in-memory index from the stored rows.
func (s *Session) LoadCollection(ctx context.Context, name string, replicas int) (vectorstore.LoadState, error) {
	if replicas < 1 {
		return vectorstore.LoadStateUnknown, fmt.Errorf("replica number must be positive, got %d", replicas)
	}
	m, err := s.collection(ctx, name)
	if err != nil {
		return vectorstore.LoadStateUnknown, err
	}
	if m == nil {
		return vectorstore.LoadStateNotExist, fmt.Errorf("collection %q does not exist", name)
	}
	if !m.HasIndex {
		return vectorstore.LoadStateNotLoad, fmt.Errorf("collection %q has no index", name)
	}

	lc := &loadedCollection{dim: m.Schema.Data().Dimension(), params: m.IndexParams.Data()}
	if lc.index, err = ann.New(lc.params, lc.dim); err != nil {
		return vectorstore.LoadStateNotLoad, err
	}

	var rows []RecordModel
	res := s.db.WithContext(ctx).Model(&RecordModel{}).
		Where("collection = ?", name).
		FindInBatches(&rows, batchSize, func(tx *gorm.DB, batch int) error {
			for _, r := range rows {
				if err := lc.index.Add(r.RecordID, domain.Vector(r.Vector)); err != nil {
					return fmt.Errorf("record %d: %w", r.RecordID, err)
				}
			}
			return nil
		})
	if res.Error != nil {
		return vectorstore.LoadStateNotLoad, res.Error
	}

	s.mu.Lock()
	old := s.loaded[name]
	s.loaded[name] = lc
	s.mu.Unlock()
	if old != nil {
		closeIndex(old.index)
	}
	return vectorstore.LoadStateLoaded, nil
}

// GetLoadState reports Loaded only for collections loaded by this session.
func (s *Session) GetLoadState(ctx context.Context, name string) (vectorstore.LoadState, error) {
	s.mu.RLock()
	_, ok := s.loaded[name]
	s.mu.RUnlock()
	if ok {
		return vectorstore.LoadStateLoaded, nil
	}
	m, err := s.collection(ctx, name)
	switch {
	case err != nil:
		return vectorstore.LoadStateUnknown, err
	case m == nil:
		return vectorstore.LoadStateNotExist, nil
	}
	return vectorstore.LoadStateNotLoad, nil
}

// Insert upserts records in one transaction.
func (s *Session) Insert(ctx context.Context, name string, records []domain.Record) (int, error) {
	m, err := s.mustCollection(ctx, name)
	if err != nil {
		return 0, err
	}
	dim := m.Schema.Data().Dimension()
	rows := make([]RecordModel, len(records))
	for i, r := range records {
		if r.ID == nil {
			return 0, fmt.Errorf("record %d has no id", i)
		}
		if len(r.Vector) != dim {
			return 0, fmt.Errorf("record %d: dimension mismatch: expected %d, got %d", i, dim, len(r.Vector))
		}
		rows[i] = RecordModel{
			Collection: name,
			RecordID:   *r.ID,
			Vector:     datatypes.NewJSONSlice([]float32(r.Vector)),
			Text:       r.Text,
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vector", "text"}),
		}).CreateInBatches(&rows, batchSize).Error
	})
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	lc := s.loaded[name]
	s.mu.RUnlock()
	if lc != nil {
		for _, r := range records {
			if err := lc.index.Add(*r.ID, r.Vector); err != nil {
				return 0, err
			}
		}
	}
	return len(records), nil
}

func (s *Session) Search(ctx context.Context, req vectorstore.SearchRequest) ([][]vectorstore.Hit, error) {
	s.mu.RLock()
	lc := s.loaded[req.Collection]
	s.mu.RUnlock()
	if lc == nil {
		return nil, fmt.Errorf("collection %q is not loaded", req.Collection)
	}

	out := make([][]vectorstore.Hit, len(req.Vectors))
	for i, q := range req.Vectors {
		cands, err := lc.index.Search(q, req.Limit)
		if err != nil {
			return nil, err
		}
		texts, err := s.texts(ctx, req.Collection, cands)
		if err != nil {
			return nil, err
		}
		hits := make([]vectorstore.Hit, len(cands))
		for j, c := range cands {
			hits[j] = vectorstore.Hit{ID: c.ID, Score: c.Score, Text: texts[c.ID]}
		}
		out[i] = hits
	}
	return out, nil
}

func (s *Session) texts(ctx context.Context, name string, cands []ann.Candidate) (map[int64]string, error) {
	out := make(map[int64]string, len(cands))
	if len(cands) == 0 {
		return out, nil
	}
	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	var rows []RecordModel
	err := s.db.WithContext(ctx).
		Select("record_id", "text").
		Where("collection = ? AND record_id IN ?", name, ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.RecordID] = r.Text
	}
	return out, nil
}

func (s *Session) Count(ctx context.Context, name string) (int64, error) {
	if _, err := s.mustCollection(ctx, name); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&RecordModel{}).Where("collection = ?", name).Count(&n).Error
	return n, err
}

func closeIndex(idx ann.Index) {
	if c, ok := idx.(io.Closer); ok {
		_ = c.Close()
	}
}

func (s *Session) Close() error {
	s.mu.Lock()
	for name, lc := range s.loaded {
		closeIndex(lc.index)
		delete(s.loaded, name)
	}
	s.mu.Unlock()

	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
