package executor

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/fedgraph/internal/response"
	"github.com/stretchr/testify/require"
)

const nullSDL = `
	type Query {
		me: User
		strictMe: User!
		users: [User]
		strictUsers: [User!]
		greeting(name: String! = "world", times: Int): String
	}
	type User {
		id: ID!
		name: String
		strictName: String!
	}
`

func TestNullPropagation(t *testing.T) {
	sch := mustBuildSchema(t, nullSDL)
	user := map[string]any{"id": "1", "name": "Ada"}

	cases := []struct {
		name  string
		query string
		rt    map[string]MockResolver
		want  *ExecutionResult
	}{
		{
			name:  "non-null field error nulls nearest nullable parent",
			query: `{ me { id strictName } }`,
			rt: map[string]MockResolver{
				"Query.me":        NewMockValueResolver(user),
				"User.strictName": NewMockErrorResolver(fmt.Errorf("boom")),
			},
			want: &ExecutionResult{
				Data:   map[string]any{"me": nil},
				Errors: []response.Error{{Message: "boom", Path: []any{"me", "strictName"}}},
			},
		},
		{
			name:  "chain of non-null fields reaches the root",
			query: `{ strictMe { strictName } }`,
			rt: map[string]MockResolver{
				"Query.strictMe":  NewMockValueResolver(user),
				"User.strictName": NewMockErrorResolver(fmt.Errorf("boom")),
			},
			want: &ExecutionResult{
				Data:   nil,
				Errors: []response.Error{{Message: "boom", Path: []any{"strictMe", "strictName"}}},
			},
		},
		{
			name:  "null for non-null field records one error",
			query: `{ me { strictName } }`,
			rt: map[string]MockResolver{
				"Query.me": NewMockValueResolver(user),
			},
			want: &ExecutionResult{
				Data:   map[string]any{"me": nil},
				Errors: []response.Error{{Message: "Cannot return null for non-nullable field strictName.", Path: []any{"me", "strictName"}}},
			},
		},
		{
			name:  "nullable list item absorbs",
			query: `{ users { strictName } }`,
			rt: map[string]MockResolver{
				"Query.users": NewMockValueResolver([]any{
					map[string]any{"strictName": "a"},
					map[string]any{},
				}),
			},
			want: &ExecutionResult{
				Data: map[string]any{"users": []any{map[string]any{"strictName": "a"}, nil}},
				Errors: []response.Error{{
					Message: "Cannot return null for non-nullable field strictName.",
					Path:    []any{"users", 1, "strictName"},
				}},
			},
		},
		{
			name:  "non-null list item nulls the list",
			query: `{ strictUsers { id } }`,
			rt: map[string]MockResolver{
				"Query.strictUsers": NewMockValueResolver([]any{user, nil}),
			},
			want: &ExecutionResult{
				Data: map[string]any{"strictUsers": nil},
				Errors: []response.Error{{
					Message: "Cannot return null for non-nullable field strictUsers.",
					Path:    []any{"strictUsers", 1},
				}},
			},
		},
		{
			name:  "sibling fields survive",
			query: `{ me { id } strictMe { name } }`,
			rt: map[string]MockResolver{
				"Query.me":       NewMockErrorResolver(fmt.Errorf("down")),
				"Query.strictMe": NewMockValueResolver(user),
			},
			want: &ExecutionResult{
				Data:   map[string]any{"me": nil, "strictMe": map[string]any{"name": "Ada"}},
				Errors: []response.Error{{Message: "down", Path: []any{"me"}}},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewExecutor(NewMockRuntime(tc.rt), sch)
			got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, tc.query), "", nil, nil)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestErrorPaths(t *testing.T) {
	sch := mustBuildSchema(t, nullSDL)
	failFor := func(id string) MockResolver {
		return func(ctx context.Context, src any, args map[string]any) (any, error) {
			u := src.(map[string]any)
			if u["id"] == id {
				return nil, fmt.Errorf("boom")
			}
			return u["name"], nil
		}
	}
	users := []any{
		map[string]any{"id": "1", "name": "Ada"},
		map[string]any{"id": "2", "name": "Bob"},
	}

	cases := []struct {
		name  string
		query string
		rt    map[string]MockResolver
		want  *ExecutionResult
	}{
		{
			name:  "root field",
			query: `{ greeting }`,
			rt:    map[string]MockResolver{"Query.greeting": NewMockErrorResolver(fmt.Errorf("boom"))},
			want: &ExecutionResult{
				Data:   map[string]any{"greeting": nil},
				Errors: []response.Error{{Message: "boom", Path: []any{"greeting"}}},
			},
		},
		{
			name:  "nested field uses the alias",
			query: `{ who: me { called: name } }`,
			rt: map[string]MockResolver{
				"Query.me":  NewMockValueResolver(users[0]),
				"User.name": failFor("1"),
			},
			want: &ExecutionResult{
				Data:   map[string]any{"who": map[string]any{"called": nil}},
				Errors: []response.Error{{Message: "boom", Path: []any{"who", "called"}}},
			},
		},
		{
			name:  "list index",
			query: `{ users { name } }`,
			rt: map[string]MockResolver{
				"Query.users": NewMockValueResolver(users),
				"User.name":   failFor("2"),
			},
			want: &ExecutionResult{
				Data:   map[string]any{"users": []any{map[string]any{"name": "Ada"}, map[string]any{"name": nil}}},
				Errors: []response.Error{{Message: "boom", Path: []any{"users", 1, "name"}}},
			},
		},
		{
			name:  "error under non-null parent nulls the list item",
			query: `{ users { id strictName } }`,
			rt: map[string]MockResolver{
				"Query.users":     NewMockValueResolver(users),
				"User.strictName": failFor("2"),
			},
			want: &ExecutionResult{
				Data:   map[string]any{"users": []any{map[string]any{"id": "1", "strictName": "Ada"}, nil}},
				Errors: []response.Error{{Message: "boom", Path: []any{"users", 1, "strictName"}}},
			},
		},
		{
			name:  "error under non-null list item nulls the list",
			query: `{ strictUsers { strictName } }`,
			rt: map[string]MockResolver{
				"Query.strictUsers": NewMockValueResolver(users),
				"User.strictName":   failFor("1"),
			},
			want: &ExecutionResult{
				Data:   map[string]any{"strictUsers": nil},
				Errors: []response.Error{{Message: "boom", Path: []any{"strictUsers", 0, "strictName"}}},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewExecutor(NewMockRuntime(tc.rt), sch)
			got := exec.ExecuteRequest(context.Background(), mustParseQuery(t, tc.query), "", nil, nil)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSkipSuppressesNestedSelections(t *testing.T) {
	sch := mustBuildSchema(t, nullSDL)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.me": NewMockValueResolver(map[string]any{"id": "1", "name": "Ada"}),
	})
	exec := NewExecutor(rt, sch)
	doc := mustParseQuery(t, `query($skip: Boolean!) { me @skip(if: $skip) { id name } strictMe: me { id } }`)

	got := exec.ExecuteRequest(context.Background(), doc, "", map[string]any{"skip": true}, nil)

	require.Empty(t, got.Errors)
	require.Equal(t, map[string]any{"strictMe": map[string]any{"id": "1"}}, got.Data)
	for _, c := range rt.GetCalls() {
		require.NotEqual(t, "name", c.Field, "skipped sub-selection must not resolve")
	}
}

func TestAbstractTypeCompletion(t *testing.T) {
	sch := mustBuildSchema(t, `
		interface Node { id: ID! }
		type User implements Node { id: ID! name: String }
		type Bot implements Node { id: ID! model: String }
		type Query { nodes: [Node] }
	`)
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.nodes": NewMockValueResolver([]any{
			map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
			map[string]any{"__typename": "Bot", "id": "2", "model": "r2"},
			map[string]any{"__typename": "Query"},
		}),
	})
	exec := NewExecutor(rt, sch)
	doc := mustParseQuery(t, `{ nodes { __typename id ... on User { name } ... on Bot { model } } }`)

	got := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)

	want := &ExecutionResult{
		Data: map[string]any{"nodes": []any{
			map[string]any{"__typename": "User", "id": "1", "name": "Ada"},
			map[string]any{"__typename": "Bot", "id": "2", "model": "r2"},
			nil,
		}},
		Errors: []response.Error{{
			Message: `Abstract type Node must resolve to an object type at runtime, got "Query"`,
			Path:    []any{"nodes", 2},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ExecutionResult mismatch (-want +got):\n%s", diff)
	}
}

func TestArgumentsAndVariables(t *testing.T) {
	sch := mustBuildSchema(t, nullSDL)
	var seen []map[string]any
	rt := NewMockRuntime(map[string]MockResolver{
		"Query.greeting": func(ctx context.Context, source any, args map[string]any) (any, error) {
			seen = append(seen, args)
			return fmt.Sprintf("hello %v", args["name"]), nil
		},
	})
	exec := NewExecutor(rt, sch)

	t.Run("defaults and variables", func(t *testing.T) {
		seen = nil
		doc := mustParseQuery(t, `query($n: String, $times: Int) { a: greeting b: greeting(name: $n) c: greeting(name: "x", times: $times) }`)
		got := exec.ExecuteRequest(context.Background(), doc, "", map[string]any{"n": "Ada", "times": 2.0}, nil)
		require.Empty(t, got.Errors)
		require.Equal(t, map[string]any{"a": "hello world", "b": "hello Ada", "c": "hello x"}, got.Data)
		want := []map[string]any{
			{"name": "world"},
			{"name": "Ada"},
			{"name": "x", "times": 2},
		}
		if diff := cmp.Diff(want, seen); diff != "" {
			t.Fatalf("args mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid argument is a field error", func(t *testing.T) {
		doc := mustParseQuery(t, `{ greeting(times: 1.5) }`)
		got := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)
		require.Equal(t, map[string]any{"greeting": nil}, got.Data)
		require.Len(t, got.Errors, 1)
		require.Equal(t, []any{"greeting"}, got.Errors[0].Path)
	})

	t.Run("missing required variable fails the request", func(t *testing.T) {
		doc := mustParseQuery(t, `query($n: String!) { greeting(name: $n) }`)
		got := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)
		require.Nil(t, got.Data)
		require.Len(t, got.Errors, 1)
	})
}

func TestOperationSelection(t *testing.T) {
	sch := mustBuildSchema(t, nullSDL)
	exec := NewExecutor(NewMockRuntime(map[string]MockResolver{
		"Query.me": NewMockValueResolver(map[string]any{"id": "1"}),
	}), sch)
	doc := mustParseQuery(t, `query A { me { id } } query B { me { __typename } }`)

	got := exec.ExecuteRequest(context.Background(), doc, "B", nil, nil)
	require.Equal(t, map[string]any{"me": map[string]any{"__typename": "User"}}, got.Data)

	got = exec.ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Nil(t, got.Data)
	require.Len(t, got.Errors, 1)

	got = exec.ExecuteRequest(context.Background(), doc, "C", nil, nil)
	require.Nil(t, got.Data)
	require.Len(t, got.Errors, 1)
}

func TestLinkedPathSlice(t *testing.T) {
	var root *LinkedPath
	require.Nil(t, root.Slice())
	p := root.Key("users").Index(3).Key("name")
	require.Equal(t, []any{"users", 3, "name"}, p.Slice())
}

const inputSDL = `
	type Query {
		search(filter: Filter!, order: Order = ASC): [String]
	}
	input Filter {
		term: String!
		limit: Int = 10
		tags: [String!]
	}
	enum Order { ASC DESC }
`

func TestInputCoercion(t *testing.T) {
	sch := mustBuildSchema(t, inputSDL)
	var seen map[string]any
	exec := NewExecutor(NewMockRuntime(map[string]MockResolver{
		"Query.search": func(ctx context.Context, source any, args map[string]any) (any, error) {
			seen = args
			return []any{}, nil
		},
	}), sch)

	t.Run("defaults and single item lists", func(t *testing.T) {
		doc := mustParseQuery(t, `query($f: Filter!) { search(filter: $f, order: DESC) }`)
		got := exec.ExecuteRequest(context.Background(), doc, "", map[string]any{"f": map[string]any{"term": "go", "tags": "x"}}, nil)
		require.Empty(t, got.Errors)
		want := map[string]any{
			"filter": map[string]any{"term": "go", "limit": 10, "tags": []any{"x"}},
			"order":  "DESC",
		}
		if diff := cmp.Diff(want, seen); diff != "" {
			t.Fatalf("args mismatch (-want +got):\n%s", diff)
		}
	})

	for name, vars := range map[string]map[string]any{
		"unknown field":     {"f": map[string]any{"term": "go", "nope": 1.0}},
		"missing required":  {"f": map[string]any{"limit": 1.0}},
		"not an object":     {"f": "go"},
		"null list element": {"f": map[string]any{"term": "go", "tags": []any{nil}}},
	} {
		t.Run(name, func(t *testing.T) {
			doc := mustParseQuery(t, `query($f: Filter!) { search(filter: $f) }`)
			got := exec.ExecuteRequest(context.Background(), doc, "", vars, nil)
			require.Nil(t, got.Data)
			require.Len(t, got.Errors, 1)
		})
	}

	t.Run("unknown enum value is a field error", func(t *testing.T) {
		doc := mustParseQuery(t, `{ search(filter: {term: "go"}, order: SIDEWAYS) }`)
		got := exec.ExecuteRequest(context.Background(), doc, "", nil, nil)
		require.Equal(t, map[string]any{"search": nil}, got.Data)
		require.Len(t, got.Errors, 1)
		require.Equal(t, []any{"search"}, got.Errors[0].Path)
	})
}
