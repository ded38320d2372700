// Package milvus adapts the Milvus Go SDK to vectorstore sessions.
package milvus

import (
	"context"
	"errors"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

const (
	shardsNum  = 1
	countField = "count(*)"
)

// Connector dials a Milvus or Zilliz Cloud endpoint.
type Connector struct {
	DBName string
}

var _ vectorstore.Connector = Connector{}
var _ vectorstore.Session = (*Session)(nil)

func (c Connector) Connect(ctx context.Context, uri string, creds vectorstore.Credentials) (vectorstore.Session, error) {
	if uri == "" {
		return nil, errors.New("milvus uri is empty")
	}
	cfg := client.Config{
		Address:  uri,
		Username: creds.Username,
		Password: creds.Password,
		APIKey:   creds.Token,
		DBName:   c.DBName,
	}
	cli, err := client.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Session{cli: cli}, nil
}

// Session forwards every call to the SDK client.
type Session struct {
	cli client.Client
}

func (s *Session) HasCollection(ctx context.Context, name string) (bool, error) {
	return s.cli.HasCollection(ctx, name)
}

func (s *Session) CreateCollection(ctx context.Context, schema vectorstore.Schema, level vectorstore.ConsistencyLevel) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	sch, err := toSchema(schema)
	if err != nil {
		return err
	}
	if err := s.cli.CreateCollection(ctx, sch, shardsNum, client.WithConsistencyLevel(toConsistency(level))); err != nil {
		return err
	}
	return s.cli.CreateIndex(ctx, schema.Name, vectorstore.FieldID, entity.NewScalarIndexWithType(entity.Sorted), false,
		client.WithIndexName(vectorstore.FieldID+"_index"))
}

// DescribeCollection reads the collection schema and the index on the
// vector field.
func (s *Session) DescribeCollection(ctx context.Context, name string) (vectorstore.Schema, vectorstore.IndexParams, error) {
	coll, err := s.cli.DescribeCollection(ctx, name)
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	schema, err := fromSchema(coll.Schema)
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	indexes, err := s.cli.DescribeIndex(ctx, name, vectorstore.FieldVector)
	if err != nil || len(indexes) == 0 {
		// Milvus reports a missing index as an error; the load step fails on it.
		return schema, vectorstore.IndexParams{}, nil
	}
	params, err := fromIndex(indexes[0])
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	return schema, params, nil
}

func (s *Session) CreateIndex(ctx context.Context, collection string, params vectorstore.IndexParams) error {
	idx, err := toIndex(params)
	if err != nil {
		return err
	}
	return s.cli.CreateIndex(ctx, collection, params.Field, idx, false, client.WithIndexName(params.Name))
}

// LoadCollection requests an asynchronous load; the caller polls
// GetLoadState.
func (s *Session) LoadCollection(ctx context.Context, name string, replicas int) (vectorstore.LoadState, error) {
	if replicas < 1 {
		return vectorstore.LoadStateUnknown, fmt.Errorf("replica number must be positive, got %d", replicas)
	}
	if err := s.cli.LoadCollection(ctx, name, true, client.WithReplicaNumber(int32(replicas))); err != nil {
		return vectorstore.LoadStateUnknown, err
	}
	return s.GetLoadState(ctx, name)
}

func (s *Session) GetLoadState(ctx context.Context, name string) (vectorstore.LoadState, error) {
	st, err := s.cli.GetLoadState(ctx, name, nil)
	if err != nil {
		return vectorstore.LoadStateUnknown, err
	}
	return fromLoadState(st), nil
}

func (s *Session) Insert(ctx context.Context, collection string, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	ids, vectors, texts, err := toColumns(records)
	if err != nil {
		return 0, err
	}
	if _, err := s.cli.Insert(ctx, collection, "", ids, vectors, texts); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *Session) Search(ctx context.Context, req vectorstore.SearchRequest) ([][]vectorstore.Hit, error) {
	metric, err := toMetric(req.Metric)
	if err != nil {
		return nil, err
	}
	sp, err := toSearchParam(req.Params)
	if err != nil {
		return nil, err
	}
	vectors := make([]entity.Vector, len(req.Vectors))
	for i, v := range req.Vectors {
		vectors[i] = entity.FloatVector(v)
	}
	field := req.Field
	if field == "" {
		field = vectorstore.FieldVector
	}
	output := req.OutputFields
	if len(output) == 0 {
		output = []string{vectorstore.FieldText}
	}

	results, err := s.cli.Search(ctx, req.Collection, nil, "", output, vectors, field, metric, req.Limit, sp,
		client.WithSearchQueryConsistencyLevel(toConsistency(req.Consistency)))
	if err != nil {
		return nil, err
	}

	out := make([][]vectorstore.Hit, len(results))
	for i, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		hits, err := toHits(r.IDs, r.Fields, r.Scores, r.ResultCount)
		if err != nil {
			return nil, err
		}
		out[i] = hits
	}
	return out, nil
}

func (s *Session) Count(ctx context.Context, collection string) (int64, error) {
	rs, err := s.cli.Query(ctx, collection, nil, "", []string{countField},
		client.WithSearchQueryConsistencyLevel(entity.ClStrong))
	if err != nil {
		return 0, err
	}
	col, ok := rs.GetColumn(countField).(*entity.ColumnInt64)
	if !ok || col.Len() == 0 {
		return 0, fmt.Errorf("count of %q returned no rows", collection)
	}
	return col.Data()[0], nil
}

func (s *Session) Close() error {
	return s.cli.Close()
}
