// Package tools wires the builtin tool set over the knowledge and record
// stores.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/olehsavchenko/ava/pkg/gateway"
	"github.com/olehsavchenko/ava/pkg/registry"
	"github.com/olehsavchenko/ava/pkg/vectorstore"
)

// RegisterKnowledgeTools registers the knowledge base tools
func RegisterKnowledgeTools(reg *registry.Registry, store *vectorstore.Store) error {
	tools := []registry.Descriptor{
		{
			Name:        "knowledge_search",
			Description: "Search the knowledge base for documents relevant to a query",
			Parameters: []registry.Parameter{
				{
					Name:        "query",
					Type:        "string",
					Description: "Search query",
					Required:    true,
				},
				{
					Name:        "k",
					Type:        "integer",
					Description: "Maximum number of results to return",
					Default:     5,
				},
				{
					Name:        "min_score",
					Type:        "number",
					Description: "Minimum relevance score threshold",
					Default:     0.0,
				},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				var params struct {
					Query    string  `json:"query"`
					K        int     `json:"k"`
					MinScore float64 `json:"min_score"`
				}
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}

				results, err := store.Search(ctx, params.Query, &vectorstore.SearchOptions{
					Limit:    params.K,
					MinScore: params.MinScore,
				})
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"results": results}, nil
			},
		},
		{
			Name:        "knowledge_add",
			Description: "Add a document to the knowledge base",
			Parameters: []registry.Parameter{
				{
					Name:        "content",
					Type:        "string",
					Description: "Document content",
					Required:    true,
				},
				{
					Name:        "metadata",
					Type:        "object",
					Description: "Optional document metadata",
				},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				var params struct {
					Content  string                 `json:"content"`
					Metadata map[string]interface{} `json:"metadata"`
				}
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}

				ids, err := store.Add(ctx, []vectorstore.Document{
					{Content: params.Content, Metadata: params.Metadata},
				})
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"id": ids[0]}, nil
			},
		},
		{
			Name:        "knowledge_delete",
			Description: "Delete documents from the knowledge base by ID",
			Parameters: []registry.Parameter{
				{
					Name:        "ids",
					Type:        "array",
					Description: "Document IDs to delete",
					Required:    true,
				},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				var params struct {
					IDs []string `json:"ids"`
				}
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}

				deleted, err := store.Delete(ctx, params.IDs)
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"deleted": deleted}, nil
			},
		},
		{
			Name:        "knowledge_stats",
			Description: "Get knowledge base statistics",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				stats, err := store.GetStats(ctx)
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return stats, nil
			},
		},
	}

	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

// decodeArgs round-trips validated arguments into a typed params struct
func decodeArgs(args map[string]interface{}, out interface{}) error {
	jsonData, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := json.Unmarshal(jsonData, out); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return nil
}

// wrapStoreErr marks transient SQLite failures so the gateway retries them
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range []string{"database is locked", "unable to open database", "disk I/O error"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", gateway.ErrStoreUnavailable, err)
		}
	}
	return err
}
