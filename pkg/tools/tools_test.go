package tools

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehsavchenko/ava/pkg/docstore"
	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/registry"
	"github.com/olehsavchenko/ava/pkg/vectorstore"
)

func testGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	dir := t.TempDir()

	knowledge, err := vectorstore.New(vectorstore.Config{
		DBPath: filepath.Join(dir, "knowledge.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { knowledge.Close() })

	records, err := docstore.New(docstore.Config{
		DBPath: filepath.Join(dir, "records.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	reg := registry.New()
	require.NoError(t, RegisterKnowledgeTools(reg, knowledge))
	require.NoError(t, RegisterRecordTools(reg, records))
	reg.Freeze()

	return gateway.New(reg, gateway.Config{})
}

func TestKnowledgeAddAndSearch(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	result := g.Execute(ctx, gateway.CallRequest{
		ID:   "c1",
		Tool: "knowledge_add",
		Arguments: map[string]interface{}{
			"content":  "Our warranty covers hardware defects for two years",
			"metadata": map[string]interface{}{"source": "faq"},
		},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)

	result = g.Execute(ctx, gateway.CallRequest{
		ID:   "c2",
		Tool: "knowledge_search",
		Arguments: map[string]interface{}{
			"query": "warranty",
		},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)

	payload := result.Payload.(map[string]interface{})
	results := payload["results"].([]vectorstore.SearchResult)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Content, "warranty")
}

func TestKnowledgeStats(t *testing.T) {
	g := testGateway(t)

	result := g.Execute(context.Background(), gateway.CallRequest{ID: "c1", Tool: "knowledge_stats"})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)

	stats := result.Payload.(vectorstore.Stats)
	assert.Equal(t, 0, stats.Documents)
}

func TestRecordsQuery_SeededProducts(t *testing.T) {
	g := testGateway(t)

	result := g.Execute(context.Background(), gateway.CallRequest{
		ID:   "c1",
		Tool: "records_query",
		Arguments: map[string]interface{}{
			"collection": "products",
			"filter":     map[string]interface{}{"category": "electronics"},
		},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)

	payload := result.Payload.(map[string]interface{})
	records := payload["results"].([]docstore.Record)
	assert.Len(t, records, 2)
}

func TestRecordsQuery_One(t *testing.T) {
	g := testGateway(t)

	result := g.Execute(context.Background(), gateway.CallRequest{
		ID:   "c1",
		Tool: "records_query",
		Arguments: map[string]interface{}{
			"collection": "users",
			"filter":     map[string]interface{}{"email": "john@example.com"},
			"one":        true,
		},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)

	payload := result.Payload.(map[string]interface{})
	rec := payload["result"].(*docstore.Record)
	require.NotNil(t, rec)
	assert.Equal(t, "John Doe", rec.Data["name"])
}

func TestRecordsQuery_UnknownCollection(t *testing.T) {
	g := testGateway(t)

	result := g.Execute(context.Background(), gateway.CallRequest{
		ID:        "c1",
		Tool:      "records_query",
		Arguments: map[string]interface{}{"collection": "orders"},
	})

	// The enum constraint rejects it before the handler runs.
	assert.Equal(t, gateway.StatusFailure, result.Status)
	assert.Equal(t, gateway.KindValidation, result.ErrorKind)
}

func TestRecordsCount(t *testing.T) {
	g := testGateway(t)

	result := g.Execute(context.Background(), gateway.CallRequest{
		ID:   "c1",
		Tool: "records_count",
		Arguments: map[string]interface{}{
			"collection": "products",
			"filter":     map[string]interface{}{"in_stock": true},
		},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)

	payload := result.Payload.(map[string]interface{})
	assert.Equal(t, 2, payload["count"])
}

func TestRecordsInsertUpdateDelete(t *testing.T) {
	g := testGateway(t)
	ctx := context.Background()

	result := g.Execute(ctx, gateway.CallRequest{
		ID:   "c1",
		Tool: "records_insert",
		Arguments: map[string]interface{}{
			"collection": "products",
			"data":       map[string]interface{}{"name": "Keyboard", "price": 90, "category": "electronics", "in_stock": true},
		},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)
	assert.NotEmpty(t, result.Payload.(map[string]interface{})["inserted_id"])

	result = g.Execute(ctx, gateway.CallRequest{
		ID:   "c2",
		Tool: "records_update",
		Arguments: map[string]interface{}{
			"collection": "products",
			"filter":     map[string]interface{}{"name": "Keyboard"},
			"data":       map[string]interface{}{"in_stock": false},
		},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)
	assert.Equal(t, 1, result.Payload.(map[string]interface{})["modified_count"])

	result = g.Execute(ctx, gateway.CallRequest{
		ID:   "c3",
		Tool: "records_delete",
		Arguments: map[string]interface{}{
			"collection": "products",
			"filter":     map[string]interface{}{"name": "Keyboard"},
		},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)
	assert.Equal(t, 1, result.Payload.(map[string]interface{})["deleted_count"])
}

func TestCountProducts(t *testing.T) {
	g := testGateway(t)

	result := g.Execute(context.Background(), gateway.CallRequest{
		ID:   "c1",
		Tool: "count_products",
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)
	assert.Equal(t, 3, result.Payload.(map[string]interface{})["count"])

	result = g.Execute(context.Background(), gateway.CallRequest{
		ID:        "c2",
		Tool:      "count_products",
		Arguments: map[string]interface{}{"in_stock": true},
	})
	require.Equal(t, gateway.StatusSuccess, result.Status, result.Error)
	assert.Equal(t, 2, result.Payload.(map[string]interface{})["count"])
}
