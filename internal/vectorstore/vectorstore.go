// Package vectorstore defines the capability every vector store engine
// provides to the index manager: sessions over named collections with a
// fixed schema, one vector index, bulk insert and top-k search.
package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/kxddry/rag-retrieval/internal/domain"
)

// Collection field names.
const (
	FieldID     = "id"
	FieldVector = "vector"
	FieldText   = "text"
)

// Credentials authenticate a session. Token takes precedence over
// Username/Password where an engine supports both.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Connector opens sessions against a store.
type Connector interface {
	Connect(ctx context.Context, uri string, creds Credentials) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, uri string, creds Credentials) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, uri string, creds Credentials) (Session, error) {
	return f(ctx, uri, creds)
}

// Session is an open connection to a store. Sessions are safe for
// concurrent use.
type Session interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	// DescribeCollection returns the schema of an existing collection and
	// its index declaration. The index is the zero value when none exists.
	DescribeCollection(ctx context.Context, name string) (Schema, IndexParams, error)
	CreateCollection(ctx context.Context, schema Schema, level ConsistencyLevel) error
	CreateIndex(ctx context.Context, collection string, params IndexParams) error
	// LoadCollection requests the collection to be made searchable and
	// returns the state right after the request.
	LoadCollection(ctx context.Context, name string, replicas int) (LoadState, error)
	GetLoadState(ctx context.Context, name string) (LoadState, error)
	Insert(ctx context.Context, collection string, records []domain.Record) (int, error)
	Search(ctx context.Context, req SearchRequest) ([][]Hit, error)
	Count(ctx context.Context, collection string) (int64, error)
	Close() error
}

// ConsistencyLevel is the read-after-write guarantee of a collection.
type ConsistencyLevel string

const (
	ConsistencyStrong     ConsistencyLevel = "Strong"
	ConsistencyBounded    ConsistencyLevel = "Bounded"
	ConsistencySession    ConsistencyLevel = "Session"
	ConsistencyEventually ConsistencyLevel = "Eventually"
)

// ParseConsistencyLevel parses a level name case-insensitively. An empty
// name means Strong.
func ParseConsistencyLevel(s string) (ConsistencyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strong":
		return ConsistencyStrong, nil
	case "bounded":
		return ConsistencyBounded, nil
	case "session":
		return ConsistencySession, nil
	case "eventually":
		return ConsistencyEventually, nil
	}
	return "", fmt.Errorf("%w: unknown consistency level %q", domain.ErrConfiguration, s)
}

// LoadState reports whether a collection is ready for search.
type LoadState int

const (
	LoadStateUnknown LoadState = iota
	LoadStateNotExist
	LoadStateNotLoad
	LoadStateLoading
	LoadStateLoaded
)

func (s LoadState) String() string {
	switch s {
	case LoadStateNotExist:
		return "NotExist"
	case LoadStateNotLoad:
		return "NotLoad"
	case LoadStateLoading:
		return "Loading"
	case LoadStateLoaded:
		return "Loaded"
	}
	return "Unknown"
}

// FieldType is the data type of a collection field.
type FieldType string

const (
	FieldTypeInt64       FieldType = "INT64"
	FieldTypeFloatVector FieldType = "FLOAT_VECTOR"
	FieldTypeVarChar     FieldType = "VARCHAR"
)

// Field describes one column of a collection.
type Field struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	PrimaryKey  bool      `json:"primary_key,omitempty"`
	Dim         int       `json:"dim,omitempty"`
	MaxLength   int       `json:"max_length,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Schema describes a collection.
type Schema struct {
	Name               string  `json:"name"`
	Description        string  `json:"description,omitempty"`
	AutoID             bool    `json:"auto_id"`
	EnableDynamicField bool    `json:"enable_dynamic_field"`
	Fields             []Field `json:"fields"`
}

// NewSchema returns the id/vector/text schema used for every collection.
func NewSchema(name string, dim int) Schema {
	return Schema{
		Name:               name,
		Description:        "text chunks and their embeddings",
		AutoID:             false,
		EnableDynamicField: true,
		Fields: []Field{
			{Name: FieldID, Type: FieldTypeInt64, PrimaryKey: true, Description: "primary id"},
			{Name: FieldVector, Type: FieldTypeFloatVector, Dim: dim, Description: "vector"},
			{Name: FieldText, Type: FieldTypeVarChar, MaxLength: domain.MaxTextBytes, Description: "text content"},
		},
	}
}

// Dimension returns the width of the vector field, or 0 without one.
func (s Schema) Dimension() int {
	for _, f := range s.Fields {
		if f.Type == FieldTypeFloatVector {
			return f.Dim
		}
	}
	return 0
}

// Validate checks that the schema has a primary key and a vector field.
func (s Schema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: collection name is empty", domain.ErrConfiguration)
	}
	var hasPK bool
	for _, f := range s.Fields {
		if f.PrimaryKey {
			hasPK = true
		}
		if f.Type == FieldTypeFloatVector && f.Dim <= 0 {
			return fmt.Errorf("%w: vector field %q needs a positive dimension, got %d", domain.ErrConfiguration, f.Name, f.Dim)
		}
	}
	if !hasPK {
		return fmt.Errorf("%w: schema %q has no primary key", domain.ErrConfiguration, s.Name)
	}
	if s.Dimension() == 0 {
		return fmt.Errorf("%w: schema %q has no vector field", domain.ErrConfiguration, s.Name)
	}
	return nil
}

// SearchRequest is a top-k query against one collection.
type SearchRequest struct {
	Collection   string
	Field        string
	Vectors      []domain.Vector
	Metric       domain.Metric
	Limit        int
	Params       SearchParams
	OutputFields []string
	Consistency  ConsistencyLevel
}

// Hit is one search result. Score is the engine's native score for the
// metric: similarity for COSINE and IP, distance for L2.
type Hit struct {
	ID    int64
	Score float32
	Text  string
}
