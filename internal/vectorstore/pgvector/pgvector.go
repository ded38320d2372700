// Package pgvector stores collections in PostgreSQL tables with the pgvector
// extension. Every collection is one table; a catalog table keeps the schema
// and index declaration.
package pgvector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

const catalogTable = "rag_collections"

// Connector opens PostgreSQL connections through the pgx driver. The uri is
// a postgres:// URL or a keyword/value DSN. Credentials are used only when
// the DSN names no user.
type Connector struct{}

var _ vectorstore.Connector = Connector{}
var _ vectorstore.Session = (*Session)(nil)

func (Connector) Connect(ctx context.Context, uri string, creds vectorstore.Credentials) (vectorstore.Session, error) {
	dsn, err := withCredentials(uri, creds)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Session{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// withCredentials adds creds to a DSN that names no user.
func withCredentials(uri string, creds vectorstore.Credentials) (string, error) {
	if uri == "" {
		return "", errors.New("postgres dsn is empty")
	}
	if _, err := pgx.ParseConfig(uri); err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	if creds.Username == "" {
		return uri, nil
	}
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" {
		if strings.Contains(uri, "user=") {
			return uri, nil
		}
		dsn := uri + " user=" + quoteKV(creds.Username)
		if creds.Password != "" {
			dsn += " password=" + quoteKV(creds.Password)
		}
		return dsn, nil
	}
	if u.User != nil {
		return uri, nil
	}
	if creds.Password != "" {
		u.User = url.UserPassword(creds.Username, creds.Password)
	} else {
		u.User = url.User(creds.Username)
	}
	return u.String(), nil
}

func quoteKV(v string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}

// Session is a pool of connections to one database.
type Session struct {
	db *sql.DB
}

func (s *Session) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS ` + catalogTable + ` (
			name TEXT PRIMARY KEY,
			schema JSONB NOT NULL,
			consistency TEXT NOT NULL,
			index_params JSONB
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func tableName(collection string) string {
	return pgx.Identifier{collection}.Sanitize()
}

type catalogEntry struct {
	schema vectorstore.Schema
	params *vectorstore.IndexParams
}

func (s *Session) lookup(ctx context.Context, name string) (*catalogEntry, error) {
	var schemaJSON []byte
	var paramsJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT schema, index_params FROM `+catalogTable+` WHERE name = $1`, name,
	).Scan(&schemaJSON, &paramsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e := &catalogEntry{}
	if err := json.Unmarshal(schemaJSON, &e.schema); err != nil {
		return nil, fmt.Errorf("decode schema of %q: %w", name, err)
	}
	if paramsJSON.Valid {
		e.params = &vectorstore.IndexParams{}
		if err := json.Unmarshal([]byte(paramsJSON.String), e.params); err != nil {
			return nil, fmt.Errorf("decode index of %q: %w", name, err)
		}
	}
	return e, nil
}

func (s *Session) mustLookup(ctx context.Context, name string) (*catalogEntry, error) {
	e, err := s.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}
	return e, nil
}

func (s *Session) HasCollection(ctx context.Context, name string) (bool, error) {
	e, err := s.lookup(ctx, name)
	return e != nil, err
}

// DescribeCollection reads the schema and index declaration from the
// catalog table.
func (s *Session) DescribeCollection(ctx context.Context, name string) (vectorstore.Schema, vectorstore.IndexParams, error) {
	e, err := s.mustLookup(ctx, name)
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	var params vectorstore.IndexParams
	if e.params != nil {
		params = *e.params
	}
	return e.schema, params, nil
}

func (s *Session) CreateCollection(ctx context.Context, schema vectorstore.Schema, level vectorstore.ConsistencyLevel) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+catalogTable+` (name, schema, consistency) VALUES ($1, $2, $3)`,
			schema.Name, string(data), string(level),
		); err != nil {
			return fmt.Errorf("register collection %q: %w", schema.Name, err)
		}
		_, err := tx.ExecContext(ctx, createTableSQL(schema))
		return err
	})
}

func createTableSQL(schema vectorstore.Schema) string {
	return fmt.Sprintf(`CREATE TABLE %s (
		%s BIGINT PRIMARY KEY,
		%s vector(%d) NOT NULL,
		%s TEXT NOT NULL CHECK (octet_length(%s) <= %d)
	)`,
		tableName(schema.Name),
		vectorstore.FieldID,
		vectorstore.FieldVector, schema.Dimension(),
		vectorstore.FieldText, vectorstore.FieldText, domain.MaxTextBytes,
	)
}

// operators maps a metric to its pgvector distance operator, operator class
// and the expression turning the distance into the native score.
func operators(m domain.Metric) (op, opclass, score string, err error) {
	col := vectorstore.FieldVector
	switch m {
	case domain.MetricCosine:
		return "<=>", "vector_cosine_ops", "1 - (" + col + " <=> $1)", nil
	case domain.MetricL2:
		return "<->", "vector_l2_ops", col + " <-> $1", nil
	case domain.MetricIP:
		return "<#>", "vector_ip_ops", "(" + col + " <#> $1) * -1", nil
	}
	return "", "", "", fmt.Errorf("unsupported metric %q", m)
}

// indexSQL returns the DDL for params, or "" for FLAT which scans the table.
func indexSQL(collection string, params vectorstore.IndexParams) (string, error) {
	_, opclass, _, err := operators(params.Metric)
	if err != nil {
		return "", err
	}
	var method, with string
	switch params.Algorithm {
	case vectorstore.IndexFlat:
		return "", nil
	case vectorstore.IndexIVFFlat:
		method = "ivfflat"
		with = fmt.Sprintf("lists = %d", params.BuildParam(vectorstore.ParamNList, vectorstore.DefaultNList))
	case vectorstore.IndexHNSW:
		method = "hnsw"
		with = fmt.Sprintf("m = %d, ef_construction = %d",
			params.BuildParam(vectorstore.ParamM, vectorstore.DefaultM),
			params.BuildParam(vectorstore.ParamEfConstruction, vectorstore.DefaultEfConstruction))
	default:
		return "", fmt.Errorf("pgvector does not support %s indexes", params.Algorithm)
	}
	return fmt.Sprintf("CREATE INDEX %s ON %s USING %s (%s %s) WITH (%s)",
		pgx.Identifier{collection + "_" + params.Name}.Sanitize(),
		tableName(collection), method, vectorstore.FieldVector, opclass, with,
	), nil
}

func (s *Session) CreateIndex(ctx context.Context, name string, params vectorstore.IndexParams) error {
	e, err := s.mustLookup(ctx, name)
	if err != nil {
		return err
	}
	if e.params != nil {
		return fmt.Errorf("collection %q already has index %q", name, e.params.Name)
	}
	ddl, err := indexSQL(name, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if ddl != "" {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE `+catalogTable+` SET index_params = $2 WHERE name = $1`, name, string(data))
		return err
	})
}

// LoadCollection reports the collection state. PostgreSQL serves tables
// without an explicit load step.
func (s *Session) LoadCollection(ctx context.Context, name string, replicas int) (vectorstore.LoadState, error) {
	if replicas < 1 {
		return vectorstore.LoadStateUnknown, fmt.Errorf("replica number must be positive, got %d", replicas)
	}
	return s.GetLoadState(ctx, name)
}

func (s *Session) GetLoadState(ctx context.Context, name string) (vectorstore.LoadState, error) {
	e, err := s.lookup(ctx, name)
	switch {
	case err != nil:
		return vectorstore.LoadStateUnknown, err
	case e == nil:
		return vectorstore.LoadStateNotExist, nil
	case e.params == nil:
		return vectorstore.LoadStateNotLoad, nil
	}
	return vectorstore.LoadStateLoaded, nil
}

// Insert upserts records in one transaction.
func (s *Session) Insert(ctx context.Context, name string, records []domain.Record) (int, error) {
	e, err := s.mustLookup(ctx, name)
	if err != nil {
		return 0, err
	}
	dim := e.schema.Dimension()
	for i, r := range records {
		if r.ID == nil {
			return 0, fmt.Errorf("record %d has no id", i)
		}
		if len(r.Vector) != dim {
			return 0, fmt.Errorf("record %d: dimension mismatch: expected %d, got %d", i, dim, len(r.Vector))
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s, %s, %s) VALUES ($1, $2, $3)
		ON CONFLICT (%s) DO UPDATE SET %s = EXCLUDED.%s, %s = EXCLUDED.%s`,
		tableName(name), vectorstore.FieldID, vectorstore.FieldVector, vectorstore.FieldText,
		vectorstore.FieldID,
		vectorstore.FieldVector, vectorstore.FieldVector,
		vectorstore.FieldText, vectorstore.FieldText,
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, *r.ID, formatVector(r.Vector), r.Text); err != nil {
				return fmt.Errorf("upsert record %d: %w", *r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// searchSettings returns the SET LOCAL statements for the query parameters.
func searchSettings(params vectorstore.SearchParams) []string {
	var out []string
	if v, ok := params[vectorstore.ParamNProbe]; ok {
		out = append(out, "SET LOCAL ivfflat.probes = "+strconv.Itoa(v))
	}
	if v, ok := params[vectorstore.ParamEf]; ok {
		out = append(out, "SET LOCAL hnsw.ef_search = "+strconv.Itoa(v))
	}
	return out
}

func searchSQL(collection string, metric domain.Metric) (string, error) {
	op, _, score, err := operators(metric)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`SELECT %s, %s, %s AS score FROM %s ORDER BY %s %s $1 LIMIT $2`,
		vectorstore.FieldID, vectorstore.FieldText, score,
		tableName(collection), vectorstore.FieldVector, op,
	), nil
}

func (s *Session) Search(ctx context.Context, req vectorstore.SearchRequest) ([][]vectorstore.Hit, error) {
	query, err := searchSQL(req.Collection, req.Metric)
	if err != nil {
		return nil, err
	}
	out := make([][]vectorstore.Hit, len(req.Vectors))
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range searchSettings(req.Params) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		for i, v := range req.Vectors {
			hits, err := queryHits(ctx, tx, query, formatVector(v), req.Limit)
			if err != nil {
				return err
			}
			out[i] = hits
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func queryHits(ctx context.Context, tx *sql.Tx, query, vec string, limit int) ([]vectorstore.Hit, error) {
	rows, err := tx.QueryContext(ctx, query, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	hits := make([]vectorstore.Hit, 0, limit)
	for rows.Next() {
		var h vectorstore.Hit
		var score float64
		if err := rows.Scan(&h.ID, &h.Text, &score); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		h.Score = float32(score)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *Session) Count(ctx context.Context, name string) (int64, error) {
	if _, err := s.mustLookup(ctx, name); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+tableName(name)).Scan(&n)
	return n, err
}

func (s *Session) Close() error {
	return s.db.Close()
}

func (s *Session) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// formatVector renders v in pgvector's text format: "[0.1,0.2,0.3]".
func formatVector(v domain.Vector) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
