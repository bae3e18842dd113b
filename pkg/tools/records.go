package tools

import (
	"context"
	"fmt"

	"github.com/olehsavchenko/ava/pkg/docstore"
	"github.com/olehsavchenko/ava/pkg/registry"
)

// RegisterRecordTools registers the structured record tools
func RegisterRecordTools(reg *registry.Registry, store *docstore.Store) error {
	collectionParam := registry.Parameter{
		Name:        "collection",
		Type:        "string",
		Description: "The collection to operate on",
		Required:    true,
		Enum:        store.Collections(),
	}
	filterParam := registry.Parameter{
		Name:        "filter",
		Type:        "object",
		Description: "Equality filter criteria, for example {\"category\": \"electronics\"}",
	}

	tools := []registry.Descriptor{
		{
			Name:        "records_query",
			Description: "Find records in a collection matching a filter",
			Parameters: []registry.Parameter{
				collectionParam,
				filterParam,
				{
					Name:        "limit",
					Type:        "integer",
					Description: "Maximum number of records to return",
					Default:     20,
				},
				{
					Name:        "one",
					Type:        "boolean",
					Description: "Return only the first matching record",
					Default:     false,
				},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				var params struct {
					Collection string                 `json:"collection"`
					Filter     map[string]interface{} `json:"filter"`
					Limit      int                    `json:"limit"`
					One        bool                   `json:"one"`
				}
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}

				if params.One {
					rec, err := store.QueryOne(ctx, params.Collection, params.Filter)
					if err != nil {
						return nil, wrapStoreErr(err)
					}
					return map[string]interface{}{"result": rec}, nil
				}

				records, err := store.Query(ctx, params.Collection, params.Filter, params.Limit)
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"results": records}, nil
			},
		},
		{
			Name:        "records_count",
			Description: "Count records in a collection matching a filter",
			Parameters:  []registry.Parameter{collectionParam, filterParam},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				var params struct {
					Collection string                 `json:"collection"`
					Filter     map[string]interface{} `json:"filter"`
				}
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}

				count, err := store.Count(ctx, params.Collection, params.Filter)
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"count": count}, nil
			},
		},
		{
			Name:        "records_insert",
			Description: "Insert a record into a collection",
			Parameters: []registry.Parameter{
				collectionParam,
				{
					Name:        "data",
					Type:        "object",
					Description: "The record to insert",
					Required:    true,
				},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				var params struct {
					Collection string                 `json:"collection"`
					Data       map[string]interface{} `json:"data"`
				}
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}

				id, err := store.Insert(ctx, params.Collection, params.Data)
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"inserted_id": id}, nil
			},
		},
		{
			Name:        "records_update",
			Description: "Update every record matching a filter",
			Parameters: []registry.Parameter{
				collectionParam,
				filterParam,
				{
					Name:        "data",
					Type:        "object",
					Description: "Fields to set on matching records",
					Required:    true,
				},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				var params struct {
					Collection string                 `json:"collection"`
					Filter     map[string]interface{} `json:"filter"`
					Data       map[string]interface{} `json:"data"`
				}
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}

				matched, modified, err := store.Update(ctx, params.Collection, params.Filter, params.Data)
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"matched_count": matched, "modified_count": modified}, nil
			},
		},
		{
			Name:        "records_delete",
			Description: "Delete every record matching a filter",
			Parameters:  []registry.Parameter{collectionParam, filterParam},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				var params struct {
					Collection string                 `json:"collection"`
					Filter     map[string]interface{} `json:"filter"`
				}
				if err := decodeArgs(args, &params); err != nil {
					return nil, err
				}

				deleted, err := store.Delete(ctx, params.Collection, params.Filter)
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"deleted_count": deleted}, nil
			},
		},
		{
			Name:        "count_products",
			Description: "Count products, optionally only those in stock",
			Parameters: []registry.Parameter{
				{
					Name:        "in_stock",
					Type:        "boolean",
					Description: "Count only products currently in stock",
				},
			},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				filter := map[string]interface{}{}
				if inStock, ok := args["in_stock"].(bool); ok {
					filter["in_stock"] = inStock
				}

				count, err := store.Count(ctx, "products", filter)
				if err != nil {
					return nil, wrapStoreErr(err)
				}
				return map[string]interface{}{"count": count}, nil
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
