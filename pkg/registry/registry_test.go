package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoDescriptor() Descriptor {
	return Descriptor{
		Name:        "echo",
		Description: "Echoes its input",
		Parameters: []Parameter{
			{Name: "message", Type: "string", Description: "Message to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["message"], nil
		},
	}
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))

	desc, err := r.Lookup("echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", desc.Name)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DuplicateName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))

	err := r.Register(echoDescriptor())
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestRegistry_LookupNotFound(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))

	tests := []string{"Echo", "echo ", "echoo", "", "unknown"}
	for _, name := range tests {
		_, err := r.Lookup(name)
		assert.ErrorIs(t, err, ErrToolNotFound, name)
	}
}

func TestRegistry_RegisterAfterFreeze(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))
	r.Freeze()

	desc := echoDescriptor()
	desc.Name = "echo2"
	assert.ErrorIs(t, r.Register(desc), ErrFrozen)

	// Lookups still work after freeze.
	_, err := r.Lookup("echo")
	assert.NoError(t, err)
}

func TestRegistry_InvalidDescriptor(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Descriptor)
	}{
		{"empty name", func(d *Descriptor) { d.Name = "" }},
		{"empty description", func(d *Descriptor) { d.Description = "" }},
		{"nil handler", func(d *Descriptor) { d.Handler = nil }},
		{"bad param type", func(d *Descriptor) { d.Parameters[0].Type = "tuple" }},
		{"empty param description", func(d *Descriptor) { d.Parameters[0].Description = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := echoDescriptor()
			tt.mod(&desc)
			assert.Error(t, New().Register(desc))
		})
	}
}

func TestValidate_Success(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))

	desc, err := r.Lookup("echo")
	require.NoError(t, err)

	args, err := desc.Validate(map[string]interface{}{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", args["message"])
}

func TestValidate_AppliesDefaults(t *testing.T) {
	r := New()
	desc := Descriptor{
		Name:        "knowledge_search",
		Description: "Searches the knowledge base",
		Parameters: []Parameter{
			{Name: "query", Type: "string", Description: "Search query", Required: true},
			{Name: "k", Type: "integer", Description: "Result count", Default: 3},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil },
	}
	require.NoError(t, r.Register(desc))

	d, err := r.Lookup("knowledge_search")
	require.NoError(t, err)

	args, err := d.Validate(map[string]interface{}{"query": "what is mcp"})
	require.NoError(t, err)
	assert.Equal(t, 3, args["k"])
}

func TestValidate_EnumeratesAllFieldErrors(t *testing.T) {
	r := New()
	desc := Descriptor{
		Name:        "records_query",
		Description: "Queries records",
		Parameters: []Parameter{
			{Name: "collection", Type: "string", Description: "Collection name", Required: true},
			{Name: "limit", Type: "integer", Description: "Max records", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil },
	}
	require.NoError(t, r.Register(desc))

	d, err := r.Lookup("records_query")
	require.NoError(t, err)

	// Missing both required fields plus an undeclared one: three problems.
	_, err = d.Validate(map[string]interface{}{"extra": true})
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "records_query", verr.Tool)
	assert.GreaterOrEqual(t, len(verr.Fields), 3)
}

func TestValidate_WrongType(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoDescriptor()))

	d, _ := r.Lookup("echo")
	_, err := d.Validate(map[string]interface{}{"message": 42})

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Fields, 1)
}

func TestInputSchema(t *testing.T) {
	desc := echoDescriptor()
	schema := desc.InputSchema()

	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]interface{})
	assert.Contains(t, props, "message")
	assert.Equal(t, []string{"message"}, schema["required"])
}
