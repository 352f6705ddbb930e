package explorer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func todoSpec() map[string]any {
	return map[string]any{
		"openapi": "3.0.0",
		"info":    map[string]any{"title": "Todo API", "version": "1.0.0"},
		"paths": map[string]any{
			"/todos": map[string]any{
				"get": map[string]any{
					"summary": "List todos",
					"parameters": []any{
						map[string]any{
							"name": "page", "in": "query",
							"schema": map[string]any{"type": "integer", "minimum": float64(1)},
						},
					},
					"responses": map[string]any{
						"200": map[string]any{
							"content": map[string]any{
								"application/json": map[string]any{
									"schema": map[string]any{
										"type":  "array",
										"items": map[string]any{"$ref": "#/components/schemas/Todo"},
									},
								},
							},
						},
					},
				},
				"post": map[string]any{
					"summary": "Create a todo",
					"requestBody": map[string]any{
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{"$ref": "#/components/schemas/Todo"},
							},
						},
					},
					"responses": map[string]any{"201": map[string]any{"description": "created"}},
				},
			},
			"/todos/{todoId}": map[string]any{
				"parameters": []any{
					map[string]any{
						"name": "todoId", "in": "path", "required": true,
						"schema":  map[string]any{"type": "integer"},
						"example": float64(42),
					},
				},
				"get":    map[string]any{"summary": "Get a todo"},
				"delete": map[string]any{"summary": "Delete a todo", "security": []any{map[string]any{"bearerAuth": []any{}}}},
			},
		},
		"components": map[string]any{
			"schemas": map[string]any{
				"Todo": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":     map[string]any{"type": "string"},
						"completed": map[string]any{"type": "boolean"},
					},
				},
			},
			"securitySchemes": map[string]any{
				"bearerAuth": map[string]any{"type": "http", "scheme": "bearer"},
			},
		},
	}
}

func TestParseOpenAPISpecRequiresVersionField(t *testing.T) {
	d := NewDiscoverer("http://localhost", DefaultConfig())
	_, err := d.ParseOpenAPISpec(map[string]any{"paths": map[string]any{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestParseOpenAPISpecBasics(t *testing.T) {
	d := NewDiscoverer("http://localhost", DefaultConfig())
	actions, err := d.ParseOpenAPISpec(todoSpec())
	require.NoError(t, err)
	require.Len(t, actions, 4)

	byKey := map[string]Action{}
	for _, a := range actions {
		byKey[a.Method+" "+a.Endpoint] = a
	}

	get := byKey["GET /todos"]
	assert.Equal(t, "List todos", get.Description)
	assert.Equal(t, 1, get.Params["page"], "minimum used as the query example")

	post := byKey["POST /todos"]
	body, ok := post.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", body["title"])
	assert.Equal(t, true, body["completed"])

	getOne := byKey["GET /todos/{todoId}"]
	pathParams, ok := getOne.Params[PathParamsKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(42), pathParams["todoId"])
	assert.False(t, getOne.RequiresAuth)

	del := byKey["DELETE /todos/{todoId}"]
	assert.True(t, del.RequiresAuth)
	assert.Equal(t, "http", d.AuthTypeFor("DELETE", "/todos/{todoId}"))
}

func TestParseOpenAPISpecGlobalSecurityOverride(t *testing.T) {
	spec := map[string]any{
		"openapi":  "3.0.0",
		"security": []any{map[string]any{"apiKey": []any{}}},
		"paths": map[string]any{
			"/public": map[string]any{
				"get": map[string]any{"security": []any{}},
			},
			"/private": map[string]any{
				"get": map[string]any{},
			},
		},
	}
	d := NewDiscoverer("", DefaultConfig())
	actions, err := d.ParseOpenAPISpec(spec)
	require.NoError(t, err)

	auth := map[string]bool{}
	for _, a := range actions {
		auth[a.Endpoint] = a.RequiresAuth
	}
	assert.False(t, auth["/public"], "explicit empty list disables auth")
	assert.True(t, auth["/private"], "global security applies")
}

func TestParseOpenAPISpecCookieParams(t *testing.T) {
	spec := map[string]any{
		"openapi": "3.0.0",
		"paths": map[string]any{
			"/session": map[string]any{
				"get": map[string]any{
					"parameters": []any{
						map[string]any{"name": "sid", "in": "cookie", "example": "s1"},
						map[string]any{"name": "theme", "in": "cookie", "example": "dark"},
					},
				},
			},
		},
	}
	d := NewDiscoverer("", DefaultConfig())
	actions, err := d.ParseOpenAPISpec(spec)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "sid=s1; theme=dark", actions[0].Headers["Cookie"])
}

func TestParseOpenAPISpecSkipsNonMapPathItems(t *testing.T) {
	spec := map[string]any{
		"openapi": "3.0.0",
		"paths": map[string]any{
			"/good": map[string]any{"get": map[string]any{}},
			"/bad":  "not a path item",
		},
	}
	d := NewDiscoverer("", DefaultConfig())
	actions, err := d.ParseOpenAPISpec(spec)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "/good", actions[0].Endpoint)
}

func TestParseOpenAPISpecIncludeExclude(t *testing.T) {
	config := DefaultConfig()
	config.ExcludePatterns = []string{"/admin"}
	d := NewDiscoverer("", config)
	actions, err := d.ParseOpenAPISpec(map[string]any{
		"openapi": "3.0.0",
		"paths": map[string]any{
			"/admin/users": map[string]any{"get": map[string]any{}},
			"/todos":       map[string]any{"get": map[string]any{}},
		},
	})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "/todos", actions[0].Endpoint)

	config = DefaultConfig()
	config.IncludePatterns = []string{"/todos"}
	d = NewDiscoverer("", config)
	actions, err = d.ParseOpenAPISpec(map[string]any{
		"openapi": "3.0.0",
		"paths": map[string]any{
			"/todos": map[string]any{"get": map[string]any{}},
			"/other": map[string]any{"get": map[string]any{}},
		},
	})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "/todos", actions[0].Endpoint)
}

func TestParseOpenAPISpecFromYAMLString(t *testing.T) {
	yamlSpec := `
openapi: 3.0.0
info:
  title: Mini
  version: "1.0"
paths:
  /ping:
    get:
      summary: Ping
      responses:
        200:
          description: pong
`
	d := NewDiscoverer("", DefaultConfig())
	actions, err := d.ParseOpenAPISpec(yamlSpec)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "GET", actions[0].Method)
	assert.Equal(t, "/ping", actions[0].Endpoint)
}

func TestParseOpenAPISpecFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"openapi":"3.0.0","paths":{"/x":{"get":{}}}}`), 0o644))

	d := NewDiscoverer("", DefaultConfig())
	actions, err := d.ParseOpenAPISpec(path)
	require.NoError(t, err)
	require.Len(t, actions, 1)
}

func TestSwagger2Accepted(t *testing.T) {
	d := NewDiscoverer("", DefaultConfig())
	actions, err := d.ParseOpenAPISpec(map[string]any{
		"swagger": "2.0",
		"paths":   map[string]any{"/x": map[string]any{"get": map[string]any{}}},
	})
	require.NoError(t, err)
	assert.Len(t, actions, 1)
}

func TestBuildExampleFromSchemaPrecedence(t *testing.T) {
	d := NewDiscoverer("", DefaultConfig())

	tests := []struct {
		name   string
		schema map[string]any
		want   any
	}{
		{"explicit example", map[string]any{"type": "string", "example": "given"}, "given"},
		{"default over enum", map[string]any{"type": "string", "default": "d", "enum": []any{"e"}}, "d"},
		{"enum first", map[string]any{"type": "string", "enum": []any{"first", "second"}}, "first"},
		{"email format", map[string]any{"type": "string", "format": "email"}, "user@example.com"},
		{"uuid format", map[string]any{"type": "string", "format": "uuid"}, "123e4567-e89b-12d3-a456-426614174000"},
		{"byte format", map[string]any{"type": "string", "format": "byte"}, "dGVzdA=="},
		{"min length padding", map[string]any{"type": "string", "minLength": float64(4)}, "xxxx"},
		{"plain string", map[string]any{"type": "string"}, "string"},
		{"integer minimum", map[string]any{"type": "integer", "minimum": float64(5)}, 5},
		{"integer exclusive minimum", map[string]any{"type": "integer", "exclusiveMinimum": float64(5)}, 6},
		{"integer zero", map[string]any{"type": "integer"}, 0},
		{"number zero", map[string]any{"type": "number"}, 0.0},
		{"boolean default true", map[string]any{"type": "boolean"}, true},
		{"boolean default kept", map[string]any{"type": "boolean", "default": false}, false},
		{"null type", map[string]any{"type": "null"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.buildExampleFromSchema(tt.schema, nil))
		})
	}
}

func TestBuildExampleFromSchemaContainers(t *testing.T) {
	d := NewDiscoverer("", DefaultConfig())

	arr := d.buildExampleFromSchema(map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "integer"},
	}, nil)
	assert.Equal(t, []any{0}, arr)

	obj := d.buildExampleFromSchema(map[string]any{
		"type":                 "object",
		"additionalProperties": map[string]any{"type": "string"},
	}, nil)
	assert.Equal(t, map[string]any{"additionalProp1": "string"}, obj)

	inferred := d.buildExampleFromSchema(map[string]any{
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
	}, nil)
	assert.Equal(t, map[string]any{"name": "string"}, inferred)
}

func TestBuildExampleFromSchemaComposition(t *testing.T) {
	d := NewDiscoverer("", DefaultConfig())

	merged := d.buildExampleFromSchema(map[string]any{
		"allOf": []any{
			map[string]any{"type": "object", "properties": map[string]any{"a": map[string]any{"type": "integer"}}},
			map[string]any{"type": "object", "properties": map[string]any{"b": map[string]any{"type": "boolean"}}},
		},
	}, nil)
	assert.Equal(t, map[string]any{"a": 0, "b": true}, merged)

	first := d.buildExampleFromSchema(map[string]any{
		"oneOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "integer"},
		},
	}, nil)
	assert.Equal(t, "string", first)
}

func TestBuildExampleFromSchemaRefCycle(t *testing.T) {
	spec := map[string]any{
		"openapi": "3.0.0",
		"paths":   map[string]any{},
		"components": map[string]any{
			"schemas": map[string]any{
				"Node": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
						"children": map[string]any{
							"type":  "array",
							"items": map[string]any{"$ref": "#/components/schemas/Node"},
						},
					},
				},
			},
		},
	}
	d := NewDiscoverer("", DefaultConfig())
	_, err := d.ParseOpenAPISpec(spec)
	require.NoError(t, err)

	example := d.buildExampleFromSchema(map[string]any{"$ref": "#/components/schemas/Node"}, nil)
	node, ok := example.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "string", node["name"])
	require.Contains(t, node, "children")

	children, ok := node["children"].([]any)
	require.True(t, ok)
	require.Len(t, children, 1)
	assert.Equal(t, map[string]any{}, children[0], "cycle breaks with an empty object")
}

func TestResolveRefExternalAndMissing(t *testing.T) {
	d := NewDiscoverer("", DefaultConfig())
	assert.Empty(t, d.resolveRef("https://example.com/schema.json#/Foo"))
	assert.Empty(t, d.resolveRef("#/components/schemas/Missing"))
}

func TestCaptureResponseSchemas(t *testing.T) {
	d := NewDiscoverer("", DefaultConfig())
	_, err := d.ParseOpenAPISpec(todoSpec())
	require.NoError(t, err)

	schemas := d.ResponseSchemas()
	require.Contains(t, schemas, "GET /todos")
	assert.Equal(t, "array", schemas["GET /todos"]["type"])
}

func TestAddSeedEndpoints(t *testing.T) {
	d := NewDiscoverer("http://localhost:8080", DefaultConfig())
	d.AddSeedEndpoints([][2]string{
		{"get", "http://localhost:8080/todos/"},
		{"BOGUS", "/nope"},
		{"post", "todos"},
	})

	actions := d.DiscoveredActions()
	require.Len(t, actions, 2)
	assert.Equal(t, "/todos", actions[0].Endpoint)
	assert.Equal(t, "GET", actions[0].Method)
	assert.Equal(t, "/todos", actions[1].Endpoint)
	assert.Equal(t, 1, d.EndpointCount())

	d.Clear()
	assert.Empty(t, d.DiscoveredActions())
	assert.Zero(t, d.EndpointCount())
}
