package milvus

import (
	"context"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kxddry/rag-retrieval/internal/domain"
	"github.com/kxddry/rag-retrieval/internal/vectorstore"
)

func TestToSchema(t *testing.T) {
	sch, err := toSchema(vectorstore.NewSchema("rag_collection", 384))
	require.NoError(t, err)

	assert.Equal(t, "rag_collection", sch.CollectionName)
	assert.False(t, sch.AutoID)
	assert.True(t, sch.EnableDynamicField)
	require.Len(t, sch.Fields, 3)

	assert.Equal(t, vectorstore.FieldID, sch.Fields[0].Name)
	assert.Equal(t, entity.FieldTypeInt64, sch.Fields[0].DataType)
	assert.True(t, sch.Fields[0].PrimaryKey)

	assert.Equal(t, entity.FieldTypeFloatVector, sch.Fields[1].DataType)
	assert.Equal(t, "384", sch.Fields[1].TypeParams[entity.TypeParamDim])

	assert.Equal(t, entity.FieldTypeVarChar, sch.Fields[2].DataType)
	assert.Equal(t, "65535", sch.Fields[2].TypeParams[entity.TypeParamMaxLength])

	bad := vectorstore.NewSchema("x", 2)
	bad.Fields[2].Type = "JSON"
	_, err = toSchema(bad)
	assert.Error(t, err)
}

func TestToMetric(t *testing.T) {
	for in, want := range map[domain.Metric]entity.MetricType{
		domain.MetricCosine: entity.COSINE,
		domain.MetricL2:     entity.L2,
		domain.MetricIP:     entity.IP,
	} {
		got, err := toMetric(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := toMetric("JACCARD")
	assert.Error(t, err)
}

func TestToConsistency(t *testing.T) {
	assert.Equal(t, entity.ClStrong, toConsistency(vectorstore.ConsistencyStrong))
	assert.Equal(t, entity.ClStrong, toConsistency(""))
	assert.Equal(t, entity.ClBounded, toConsistency(vectorstore.ConsistencyBounded))
	assert.Equal(t, entity.ClSession, toConsistency(vectorstore.ConsistencySession))
	assert.Equal(t, entity.ClEventually, toConsistency(vectorstore.ConsistencyEventually))
}

func TestFromLoadState(t *testing.T) {
	assert.Equal(t, vectorstore.LoadStateNotExist, fromLoadState(entity.LoadStateNotExist))
	assert.Equal(t, vectorstore.LoadStateNotLoad, fromLoadState(entity.LoadStateNotLoad))
	assert.Equal(t, vectorstore.LoadStateLoading, fromLoadState(entity.LoadStateLoading))
	assert.Equal(t, vectorstore.LoadStateLoaded, fromLoadState(entity.LoadStateLoaded))
}

func TestToIndex(t *testing.T) {
	ivf := vectorstore.Normalize(vectorstore.FieldVector, vectorstore.IndexIVFFlat, domain.MetricCosine, map[string]int{"nlist": 64})
	idx, err := toIndex(ivf)
	require.NoError(t, err)
	assert.Equal(t, entity.IvfFlat, idx.IndexType())
	assert.JSONEq(t, `{"nlist":"64"}`, idx.Params()["params"])
	assert.Equal(t, "COSINE", idx.Params()["metric_type"])

	idx, err = toIndex(vectorstore.Normalize(vectorstore.FieldVector, vectorstore.IndexIVFFlat, domain.MetricCosine, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"nlist":"128"}`, idx.Params()["params"])

	hnsw := vectorstore.Normalize(vectorstore.FieldVector, vectorstore.IndexHNSW, domain.MetricL2, nil)
	idx, err = toIndex(hnsw)
	require.NoError(t, err)
	assert.Equal(t, entity.HNSW, idx.IndexType())
	assert.JSONEq(t, `{"M":"16","efConstruction":"200"}`, idx.Params()["params"])

	flat := vectorstore.Normalize(vectorstore.FieldVector, vectorstore.IndexFlat, domain.MetricIP, nil)
	idx, err = toIndex(flat)
	require.NoError(t, err)
	assert.Equal(t, entity.Flat, idx.IndexType())

	_, err = toIndex(vectorstore.Normalize(vectorstore.FieldVector, vectorstore.IndexAnnoy, domain.MetricIP, nil))
	assert.Error(t, err)
}

func TestToSearchParam(t *testing.T) {
	sp, err := toSearchParam(vectorstore.SearchParams{"nprobe": 8})
	require.NoError(t, err)
	assert.Equal(t, 8, sp.Params()["nprobe"])

	sp, err = toSearchParam(vectorstore.SearchParams{"ef": 32})
	require.NoError(t, err)
	assert.Equal(t, 32, sp.Params()["ef"])

	sp, err = toSearchParam(nil)
	require.NoError(t, err)
	assert.Empty(t, sp.Params())
}

func TestToColumns(t *testing.T) {
	ids, vecs, texts, err := toColumns([]domain.Record{
		domain.NewRecord(1, domain.Vector{1, 0}, "a"),
		domain.NewRecord(2, domain.Vector{0, 1}, "b"),
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids.(*entity.ColumnInt64).Data())
	assert.Equal(t, 2, vecs.(*entity.ColumnFloatVector).Dim())
	assert.Equal(t, []string{"a", "b"}, texts.(*entity.ColumnVarChar).Data())

	_, _, _, err = toColumns([]domain.Record{{Vector: domain.Vector{1}, Text: "x"}})
	assert.Error(t, err)

	_, _, _, err = toColumns([]domain.Record{
		domain.NewRecord(1, domain.Vector{1, 0}, "a"),
		domain.NewRecord(2, domain.Vector{0}, "b"),
	})
	assert.Error(t, err)
}

func TestToHits(t *testing.T) {
	ids := entity.NewColumnInt64(vectorstore.FieldID, []int64{7, 3})
	texts := entity.NewColumnVarChar(vectorstore.FieldText, []string{"seven", "three"})

	hits, err := toHits(ids, []entity.Column{texts}, []float32{0.9, 0.4}, 2)
	require.NoError(t, err)
	assert.Equal(t, []vectorstore.Hit{
		{ID: 7, Score: 0.9, Text: "seven"},
		{ID: 3, Score: 0.4, Text: "three"},
	}, hits)

	_, err = toHits(entity.NewColumnVarChar(vectorstore.FieldID, []string{"x"}), nil, []float32{1}, 1)
	assert.Error(t, err)
}

func TestConnectRejectsEmptyURI(t *testing.T) {
	_, err := Connector{}.Connect(context.Background(), "", vectorstore.Credentials{})
	assert.Error(t, err)
}

func TestFromSchema(t *testing.T) {
	sch, err := toSchema(vectorstore.NewSchema("rag_collection", 384))
	require.NoError(t, err)

	got, err := fromSchema(sch)
	require.NoError(t, err)
	assert.Equal(t, "rag_collection", got.Name)
	assert.Equal(t, 384, got.Dimension())
	require.Len(t, got.Fields, 3)
	assert.True(t, got.Fields[0].PrimaryKey)
	assert.Equal(t, 65535, got.Fields[2].MaxLength)

	_, err = fromSchema(nil)
	assert.Error(t, err)
}

func TestFromIndex(t *testing.T) {
	idx, err := toIndex(vectorstore.Normalize(vectorstore.FieldVector, vectorstore.IndexIVFFlat, domain.MetricL2, map[string]int{"nlist": 64}))
	require.NoError(t, err)

	params, err := fromIndex(idx)
	require.NoError(t, err)
	assert.Equal(t, vectorstore.IndexIVFFlat, params.Algorithm)
	assert.Equal(t, domain.MetricL2, params.Metric)
	assert.Equal(t, 64, params.BuildParam(vectorstore.ParamNList, 0))

	// Servers may flatten build parameters into top level keys.
	described := entity.NewGenericIndex("vector_index", entity.HNSW, map[string]string{
		"metric_type":    "IP",
		"M":              "8",
		"efConstruction": "100",
	})
	params, err = fromIndex(described)
	require.NoError(t, err)
	assert.Equal(t, "vector_index", params.Name)
	assert.Equal(t, vectorstore.IndexHNSW, params.Algorithm)
	assert.Equal(t, domain.MetricIP, params.Metric)
	assert.Equal(t, 8, params.BuildParam(vectorstore.ParamM, 0))
	assert.Equal(t, 100, params.BuildParam(vectorstore.ParamEfConstruction, 0))

	_, err = fromIndex(entity.NewGenericIndex("bad", entity.Flat, map[string]string{"metric_type": "HAMMING"}))
	assert.Error(t, err)
}
