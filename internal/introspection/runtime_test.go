package introspection

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/fedgraph/internal/executor"
	"github.com/hanpama/fedgraph/internal/language"
	"github.com/hanpama/fedgraph/internal/schema"
)

const testSDL = `
type Query {
  hello: String
  user(id: ID!): User
}

"A person."
type User implements Node {
  id: ID!
  name: String @deprecated(reason: "use handle")
  handle: String
  role: Role
}

interface Node {
  id: ID!
}

enum Role {
  ADMIN
  MEMBER
}
`

func execute(t *testing.T, query string) map[string]any {
	t.Helper()
	sch, err := schema.BuildFromSDL("test", testSDL)
	require.NoError(t, err)
	rt := executor.NewMockRuntime(map[string]executor.MockResolver{
		"Query.hello": executor.NewMockValueResolver("world"),
	})
	w := Wrap(rt, sch)
	doc, err := language.ParseQuery(query)
	require.NoError(t, err)
	res := executor.NewExecutor(w.Runtime, w.Schema).ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Empty(t, res.Errors)
	return res.Data
}

func TestSchemaRootTypes(t *testing.T) {
	got := execute(t, `{ __schema { queryType { name kind } mutationType { name } } }`)
	want := map[string]any{"__schema": map[string]any{
		"queryType":    map[string]any{"name": "Query", "kind": "OBJECT"},
		"mutationType": nil,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("introspection mismatch (-want +got):\n%s", diff)
	}
}

func TestTypeFieldsAndWrappers(t *testing.T) {
	got := execute(t, `{
		__type(name: "User") {
			name
			description
			interfaces { name }
			fields { name type { kind name ofType { kind name } } }
		}
	}`)
	want := map[string]any{"__type": map[string]any{
		"name":        "User",
		"description": "A person.",
		"interfaces":  []any{map[string]any{"name": "Node"}},
		"fields": []any{
			map[string]any{"name": "id", "type": map[string]any{
				"kind": "NON_NULL", "name": nil, "ofType": map[string]any{"kind": "SCALAR", "name": "ID"},
			}},
			map[string]any{"name": "handle", "type": map[string]any{"kind": "SCALAR", "name": "String", "ofType": nil}},
			map[string]any{"name": "role", "type": map[string]any{"kind": "ENUM", "name": "Role", "ofType": nil}},
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("introspection mismatch (-want +got):\n%s", diff)
	}
}

func TestIncludeDeprecated(t *testing.T) {
	got := execute(t, `{ __type(name: "User") { fields(includeDeprecated: true) { name isDeprecated deprecationReason } } }`)
	fields := got["__type"].(map[string]any)["fields"].([]any)
	require.Len(t, fields, 4)
	require.Equal(t, map[string]any{"name": "name", "isDeprecated": true, "deprecationReason": "use handle"}, fields[1])
}

func TestUnknownTypeIsNull(t *testing.T) {
	got := execute(t, `{ __type(name: "Nope") { name } }`)
	require.Equal(t, map[string]any{"__type": nil}, got)
}

func TestOrdinaryFieldsDelegate(t *testing.T) {
	got := execute(t, `{ hello __typename }`)
	require.Equal(t, map[string]any{"hello": "world", "__typename": "Query"}, got)
}

func TestWrapLeavesSchemaUntouched(t *testing.T) {
	sch, err := schema.BuildFromSDL("test", testSDL)
	require.NoError(t, err)
	before := len(sch.GetQueryType().Fields)
	w := Wrap(executor.NewMockRuntime(nil), sch)
	require.Len(t, sch.GetQueryType().Fields, before)
	require.NotNil(t, w.Schema.GetQueryType().Field("__schema"))
	require.NotNil(t, w.Schema.Types["__TypeKind"])
}
