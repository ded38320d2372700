package milvus

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

func toSchema(s vectorstore.Schema) (*entity.Schema, error) {
	sch := entity.NewSchema().
		WithName(s.Name).
		WithDescription(s.Description).
		WithAutoID(s.AutoID).
		WithDynamicFieldEnabled(s.EnableDynamicField)
	for _, f := range s.Fields {
		field := entity.NewField().
			WithName(f.Name).
			WithDescription(f.Description).
			WithIsPrimaryKey(f.PrimaryKey)
		switch f.Type {
		case vectorstore.FieldTypeInt64:
			field = field.WithDataType(entity.FieldTypeInt64)
		case vectorstore.FieldTypeFloatVector:
			field = field.WithDataType(entity.FieldTypeFloatVector).WithDim(int64(f.Dim))
		case vectorstore.FieldTypeVarChar:
			field = field.WithDataType(entity.FieldTypeVarChar).WithMaxLength(int64(f.MaxLength))
		default:
			return nil, fmt.Errorf("unsupported field type %q", f.Type)
		}
		sch = sch.WithField(field)
	}
	return sch, nil
}

func fromSchema(sch *entity.Schema) (vectorstore.Schema, error) {
	if sch == nil {
		return vectorstore.Schema{}, fmt.Errorf("collection has no schema")
	}
	out := vectorstore.Schema{
		Name:               sch.CollectionName,
		Description:        sch.Description,
		AutoID:             sch.AutoID,
		EnableDynamicField: sch.EnableDynamicField,
	}
	for _, f := range sch.Fields {
		field := vectorstore.Field{Name: f.Name, PrimaryKey: f.PrimaryKey, Description: f.Description}
		switch f.DataType {
		case entity.FieldTypeInt64:
			field.Type = vectorstore.FieldTypeInt64
		case entity.FieldTypeFloatVector:
			dim, err := strconv.Atoi(f.TypeParams[entity.TypeParamDim])
			if err != nil {
				return vectorstore.Schema{}, fmt.Errorf("field %q: bad dim: %w", f.Name, err)
			}
			field.Type, field.Dim = vectorstore.FieldTypeFloatVector, dim
		case entity.FieldTypeVarChar:
			field.Type = vectorstore.FieldTypeVarChar
			field.MaxLength, _ = strconv.Atoi(f.TypeParams[entity.TypeParamMaxLength])
		default:
			continue
		}
		out.Fields = append(out.Fields, field)
	}
	return out, nil
}

func toMetric(m domain.Metric) (entity.MetricType, error) {
	switch m {
	case domain.MetricCosine:
		return entity.COSINE, nil
	case domain.MetricL2:
		return entity.L2, nil
	case domain.MetricIP:
		return entity.IP, nil
	}
	return "", fmt.Errorf("unsupported metric %q", m)
}

func toConsistency(l vectorstore.ConsistencyLevel) entity.ConsistencyLevel {
	switch l {
	case vectorstore.ConsistencyBounded:
		return entity.ClBounded
	case vectorstore.ConsistencySession:
		return entity.ClSession
	case vectorstore.ConsistencyEventually:
		return entity.ClEventually
	}
	return entity.ClStrong
}

func fromLoadState(s entity.LoadState) vectorstore.LoadState {
	switch s {
	case entity.LoadStateNotExist:
		return vectorstore.LoadStateNotExist
	case entity.LoadStateNotLoad:
		return vectorstore.LoadStateNotLoad
	case entity.LoadStateLoading:
		return vectorstore.LoadStateLoading
	case entity.LoadStateLoaded:
		return vectorstore.LoadStateLoaded
	}
	return vectorstore.LoadStateUnknown
}

func toIndex(p vectorstore.IndexParams) (entity.Index, error) {
	metric, err := toMetric(p.Metric)
	if err != nil {
		return nil, err
	}
	switch p.Algorithm {
	case vectorstore.IndexFlat:
		return entity.NewIndexFlat(metric)
	case vectorstore.IndexIVFFlat:
		return entity.NewIndexIvfFlat(metric, p.BuildParam(vectorstore.ParamNList, vectorstore.DefaultNList))
	case vectorstore.IndexHNSW:
		return entity.NewIndexHNSW(metric,
			p.BuildParam(vectorstore.ParamM, vectorstore.DefaultM),
			p.BuildParam(vectorstore.ParamEfConstruction, vectorstore.DefaultEfConstruction))
	}
	return nil, fmt.Errorf("milvus does not support %s indexes", p.Algorithm)
}

// fromIndex reads an index description. Build parameters arrive either
// JSON encoded under "params" or as top level keys.
func fromIndex(idx entity.Index) (vectorstore.IndexParams, error) {
	kv := idx.Params()
	metric, err := domain.ParseMetric(kv["metric_type"])
	if err != nil {
		return vectorstore.IndexParams{}, err
	}
	algo := vectorstore.IndexAlgorithm(idx.IndexType())
	if t, ok := kv["index_type"]; ok && t != "" {
		algo = vectorstore.IndexAlgorithm(t)
	}

	build := map[string]int{}
	if raw, ok := kv["params"]; ok && raw != "" {
		var nested map[string]any
		if err := json.Unmarshal([]byte(raw), &nested); err != nil {
			return vectorstore.IndexParams{}, fmt.Errorf("decode index params: %w", err)
		}
		for k, v := range nested {
			if n, ok := intValue(v); ok {
				build[k] = n
			}
		}
	}
	for _, k := range []string{vectorstore.ParamNList, vectorstore.ParamM, vectorstore.ParamEfConstruction} {
		if n, err := strconv.Atoi(kv[k]); err == nil {
			build[k] = n
		}
	}

	params := vectorstore.Normalize(vectorstore.FieldVector, algo, metric, build)
	params.Name = idx.Name()
	return params, nil
}

func intValue(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case string:
		n, err := strconv.Atoi(x)
		return n, err == nil
	}
	return 0, false
}

// toSearchParam picks the search parameter type from the keys present.
func toSearchParam(p vectorstore.SearchParams) (entity.SearchParam, error) {
	if ef, ok := p[vectorstore.ParamEf]; ok {
		return entity.NewIndexHNSWSearchParam(ef)
	}
	if nprobe, ok := p[vectorstore.ParamNProbe]; ok {
		return entity.NewIndexIvfFlatSearchParam(nprobe)
	}
	return entity.NewIndexFlatSearchParam()
}

func toColumns(records []domain.Record) (ids, vectors, texts entity.Column, err error) {
	idData := make([]int64, len(records))
	vecData := make([][]float32, len(records))
	textData := make([]string, len(records))
	dim := len(records[0].Vector)
	for i, r := range records {
		if r.ID == nil {
			return nil, nil, nil, fmt.Errorf("record %d has no id", i)
		}
		if len(r.Vector) != dim {
			return nil, nil, nil, fmt.Errorf("record %d: dimension mismatch: expected %d, got %d", i, dim, len(r.Vector))
		}
		idData[i] = *r.ID
		vecData[i] = r.Vector
		textData[i] = r.Text
	}
	return entity.NewColumnInt64(vectorstore.FieldID, idData),
		entity.NewColumnFloatVector(vectorstore.FieldVector, dim, vecData),
		entity.NewColumnVarChar(vectorstore.FieldText, textData),
		nil
}

func toHits(ids entity.Column, fields []entity.Column, scores []float32, n int) ([]vectorstore.Hit, error) {
	idCol, ok := ids.(*entity.ColumnInt64)
	if !ok {
		return nil, fmt.Errorf("unexpected id column type %T", ids)
	}
	var texts []string
	for _, f := range fields {
		if f.Name() != vectorstore.FieldText {
			continue
		}
		col, ok := f.(*entity.ColumnVarChar)
		if !ok {
			return nil, fmt.Errorf("unexpected text column type %T", f)
		}
		texts = col.Data()
	}

	idData := idCol.Data()
	n = min(n, len(idData), len(scores))
	hits := make([]vectorstore.Hit, n)
	for i := range n {
		hits[i] = vectorstore.Hit{ID: idData[i], Score: scores[i]}
		if i < len(texts) {
			hits[i].Text = texts[i]
		}
	}
	return hits, nil
}
