package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

// errNotFound marks a 404 response.
var errNotFound = errors.New("not found")

// Connector opens sessions against the Qdrant REST API.
type Connector struct {
	Timeout time.Duration
}

var _ vectorstore.Connector = Connector{}
var _ vectorstore.Session = (*Session)(nil)

// Connect checks that the server answers and accepts the credentials. The
// token, if any, is sent as the api-key header.
func (c Connector) Connect(ctx context.Context, uri string, creds vectorstore.Credentials) (vectorstore.Session, error) {
	if uri == "" {
		return nil, errors.New("qdrant url is empty")
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	s := &Session{
		url:     strings.TrimRight(uri, "/"),
		apiKey:  creds.Token,
		client:  &http.Client{Timeout: timeout},
		pending: make(map[string]pendingCollection),
		exact:   make(map[string]bool),
		async:   make(map[string]bool),
	}
	if err := s.do(ctx, http.MethodGet, "/collections", nil, nil); err != nil {
		return nil, err
	}
	return s, nil
}

type pendingCollection struct {
	schema vectorstore.Schema
	level  vectorstore.ConsistencyLevel
}

// Session is a Qdrant REST client bound to one server.
//
// Qdrant fixes the distance function when a collection is created, while
// the metric arrives with the index declaration. CreateCollection therefore
// only records the schema and CreateIndex creates the collection.
type Session struct {
	url    string
	apiKey string
	client *http.Client

	mu      sync.Mutex
	pending map[string]pendingCollection
	exact   map[string]bool
	async   map[string]bool
}

func distance(m domain.Metric) (string, error) {
	switch m {
	case domain.MetricCosine:
		return "Cosine", nil
	case domain.MetricL2:
		return "Euclid", nil
	case domain.MetricIP:
		return "Dot", nil
	}
	return "", fmt.Errorf("unsupported metric %q", m)
}

func metricOf(dist string) (domain.Metric, error) {
	switch dist {
	case "Cosine":
		return domain.MetricCosine, nil
	case "Euclid":
		return domain.MetricL2, nil
	case "Dot":
		return domain.MetricIP, nil
	}
	return "", fmt.Errorf("unsupported distance %q", dist)
}

func collectionPath(name string, rest ...string) string {
	return "/collections/" + url.PathEscape(name) + strings.Join(rest, "")
}

func (s *Session) HasCollection(ctx context.Context, name string) (bool, error) {
	var resp struct {
		Result struct {
			Exists bool `json:"exists"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodGet, collectionPath(name, "/exists"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Result.Exists, nil
}

type collectionInfo struct {
	Status string `json:"status"`
	Config struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
		HNSW struct {
			M           int `json:"m"`
			EfConstruct int `json:"ef_construct"`
		} `json:"hnsw_config"`
	} `json:"config"`
}

func (s *Session) info(ctx context.Context, name string) (collectionInfo, error) {
	var resp struct {
		Result collectionInfo `json:"result"`
	}
	err := s.do(ctx, http.MethodGet, collectionPath(name), nil, &resp)
	return resp.Result, err
}

// DescribeCollection reads the vector size and distance of a collection.
// Qdrant always keeps an HNSW graph; the index is reported as FLAT when this
// session created it for exact search.
func (s *Session) DescribeCollection(ctx context.Context, name string) (vectorstore.Schema, vectorstore.IndexParams, error) {
	info, err := s.info(ctx, name)
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}
	vec := info.Config.Params.Vectors
	metric, err := metricOf(vec.Distance)
	if err != nil {
		return vectorstore.Schema{}, vectorstore.IndexParams{}, err
	}

	s.mu.Lock()
	exact := s.exact[name]
	s.mu.Unlock()
	algo := vectorstore.IndexHNSW
	if exact {
		algo = vectorstore.IndexFlat
	}
	build := map[string]int{}
	if h := info.Config.HNSW; h.M > 0 && h.EfConstruct > 0 {
		build[vectorstore.ParamM] = h.M
		build[vectorstore.ParamEfConstruction] = h.EfConstruct
	}
	params := vectorstore.Normalize(vectorstore.FieldVector, algo, metric, build)
	return vectorstore.NewSchema(name, vec.Size), params, nil
}

func (s *Session) CreateCollection(ctx context.Context, schema vectorstore.Schema, level vectorstore.ConsistencyLevel) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := schema.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[schema.Name] = pendingCollection{schema: schema, level: level}
	return nil
}

func (s *Session) CreateIndex(ctx context.Context, name string, params vectorstore.IndexParams) error {
	s.mu.Lock()
	pc, ok := s.pending[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("collection %q was not declared in this session", name)
	}
	dist, err := distance(params.Metric)
	if err != nil {
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     pc.schema.Dimension(),
			"distance": dist,
		},
	}
	if params.Algorithm == vectorstore.IndexHNSW {
		body["hnsw_config"] = map[string]any{
			"m":            params.BuildParam(vectorstore.ParamM, vectorstore.DefaultM),
			"ef_construct": params.BuildParam(vectorstore.ParamEfConstruction, vectorstore.DefaultEfConstruction),
		}
	}
	if err := s.do(ctx, http.MethodPut, collectionPath(name), body, nil); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, name)
	s.exact[name] = params.Algorithm == vectorstore.IndexFlat
	s.async[name] = pc.level != vectorstore.ConsistencyStrong
	return nil
}

// LoadCollection reports the collection status. Qdrant serves collections
// without an explicit load step.
func (s *Session) LoadCollection(ctx context.Context, name string, replicas int) (vectorstore.LoadState, error) {
	if replicas < 1 {
		return vectorstore.LoadStateUnknown, fmt.Errorf("replica number must be positive, got %d", replicas)
	}
	return s.GetLoadState(ctx, name)
}

func (s *Session) GetLoadState(ctx context.Context, name string) (vectorstore.LoadState, error) {
	info, err := s.info(ctx, name)
	if errors.Is(err, errNotFound) {
		return vectorstore.LoadStateNotExist, nil
	}
	if err != nil {
		return vectorstore.LoadStateUnknown, err
	}
	switch info.Status {
	case "green", "yellow", "grey":
		return vectorstore.LoadStateLoaded, nil
	case "red":
		return vectorstore.LoadStateNotLoad, nil
	}
	return vectorstore.LoadStateUnknown, nil
}

func (s *Session) Insert(ctx context.Context, name string, records []domain.Record) (int, error) {
	points := make([]map[string]any, len(records))
	for i, r := range records {
		if r.ID == nil || *r.ID < 0 {
			return 0, fmt.Errorf("record %d: qdrant point ids must be non-negative", i)
		}
		points[i] = map[string]any{
			"id":      *r.ID,
			"vector":  r.Vector,
			"payload": map[string]any{vectorstore.FieldText: r.Text},
		}
	}
	// Strong collections wait for the upsert to be applied before returning.
	s.mu.Lock()
	wait := !s.async[name]
	s.mu.Unlock()
	path := collectionPath(name, fmt.Sprintf("/points?wait=%t", wait))
	body := map[string]any{"points": points}
	if err := s.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return 0, err
	}
	return len(records), nil
}

type scoredPoint struct {
	ID      int64          `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func (s *Session) Search(ctx context.Context, req vectorstore.SearchRequest) ([][]vectorstore.Hit, error) {
	s.mu.Lock()
	exact := s.exact[req.Collection]
	s.mu.Unlock()

	params := map[string]any{"exact": exact}
	if ef, ok := req.Params[vectorstore.ParamEf]; ok {
		params["hnsw_ef"] = ef
	}
	fields := req.OutputFields
	if len(fields) == 0 {
		fields = []string{vectorstore.FieldText}
	}

	out := make([][]vectorstore.Hit, len(req.Vectors))
	for i, v := range req.Vectors {
		body := map[string]any{
			"vector":       v,
			"limit":        req.Limit,
			"with_payload": fields,
			"params":       params,
		}
		var resp struct {
			Result []scoredPoint `json:"result"`
		}
		if err := s.do(ctx, http.MethodPost, collectionPath(req.Collection, "/points/search"), body, &resp); err != nil {
			return nil, err
		}
		hits := make([]vectorstore.Hit, len(resp.Result))
		for j, p := range resp.Result {
			text, _ := p.Payload[vectorstore.FieldText].(string)
			hits[j] = vectorstore.Hit{ID: p.ID, Score: p.Score, Text: text}
		}
		out[i] = hits
	}
	return out, nil
}

func (s *Session) Count(ctx context.Context, name string) (int64, error) {
	var resp struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, collectionPath(name, "/points/count"), map[string]any{"exact": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (s *Session) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *Session) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("qdrant %s %s: %w", method, path, errNotFound)
	}
	if resp.StatusCode >= 300 {
		var status struct {
			Status struct {
				Error string `json:"error"`
			} `json:"status"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&status)
		if status.Status.Error != "" {
			return fmt.Errorf("qdrant %s %s failed: %s: %s", method, path, resp.Status, status.Status.Error)
		}
		return fmt.Errorf("qdrant %s %s failed: %s", method, path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
