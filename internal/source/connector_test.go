package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const connectorSDL = `
type Query {
  user(id: ID!): User
}

type User {
  id: ID!
  name: String
  city: String
  posts: [Post]
}

type Post {
  title: String
}
`

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/1", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, `{"id": "1", "name": "Ada", "profile": {"city": "London"}}`)
	})
	mux.HandleFunc("GET /users/1/posts", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, `{"items": [{"title": "a"}, {"title": "b"}]}`)
	})
	mux.HandleFunc("GET /users/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewConnector(ConnectorConfig{
		Name:    "users",
		SDL:     connectorSDL,
		BaseURL: srv.URL,
		Fields: map[string]Binding{
			"Query.user": {URL: "/users/{$args.id}"},
			"User.city":  {URL: "/users/{$this.id}", Select: "profile.city"},
			"User.posts": {URL: "/users/{$this.id}/posts", Select: "items"},
		},
		Entities: map[string]Binding{
			"User": {URL: "/users/{$this.id}"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestConnectorFieldBindings(t *testing.T) {
	c := newTestConnector(t)
	resp, err := c.Fetch(context.Background(), Request{
		Operation: `query($id: ID!) { user(id: $id) { name city posts { title } } }`,
		Variables: map[string]any{"id": "1"},
	})
	require.NoError(t, err)

	want := &Response{Data: map[string]any{"user": map[string]any{
		"name":  "Ada",
		"city":  "London",
		"posts": []any{map[string]any{"title": "a"}, map[string]any{"title": "b"}},
	}}}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestConnectorNotFoundIsNull(t *testing.T) {
	c := newTestConnector(t)
	resp, err := c.Fetch(context.Background(), Request{Operation: `{ user(id: "2") { name } }`})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"user": nil}, resp.Data)
	require.Empty(t, resp.Errors)
}

func TestConnectorEntities(t *testing.T) {
	c := newTestConnector(t)
	resp, err := c.Fetch(context.Background(), Request{
		Operation: `query($representations: [_Any!]!) { _entities(representations: $representations) { ... on User { name city } } }`,
		Variables: map[string]any{"representations": []any{map[string]any{"__typename": "User", "id": "1"}}},
	})
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	require.Equal(t, map[string]any{"_entities": []any{map[string]any{"name": "Ada", "city": "London"}}}, resp.Data)
}

func TestConnectorOperationErrors(t *testing.T) {
	c := newTestConnector(t)

	resp, err := c.Fetch(context.Background(), Request{Operation: `{ user(`})
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	require.Nil(t, resp.Data)

	resp, err = c.Fetch(context.Background(), Request{Operation: `{ user(id: "1") { nope } }`})
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	require.Equal(t, `Cannot query field "nope" on type "User".`, resp.Errors[0].Message)
}

func TestConnectorConfigErrors(t *testing.T) {
	cases := map[string]ConnectorConfig{
		"unknown field":  {Name: "c", SDL: connectorSDL, Fields: map[string]Binding{"User.age": {URL: "/x"}}},
		"missing url":    {Name: "c", SDL: connectorSDL, Fields: map[string]Binding{"Query.user": {}}},
		"bad select":     {Name: "c", SDL: connectorSDL, Fields: map[string]Binding{"Query.user": {URL: "/x", Select: "[["}}},
		"unknown entity": {Name: "c", SDL: connectorSDL, Entities: map[string]Binding{"Nope": {URL: "/x"}}},
		"invalid sdl":    {Name: "c", SDL: `type Query {`},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConnector(cfg)
			require.Error(t, err)
		})
	}
}

func TestExpandTemplate(t *testing.T) {
	c := &Connector{}
	got, err := c.expand("/users/{$args.id}/posts/{$this.post.slug}", map[string]any{"id": 7.0}, map[string]any{"post": map[string]any{"slug": "a b"}})
	require.NoError(t, err)
	require.Equal(t, "/users/7/posts/a%20b", got)

	_, err = c.expand("/users/{$args.id}", nil, nil)
	require.EqualError(t, err, `url template "/users/{$args.id}": $args.id is not set`)
}

func TestConnectorIntrospection(t *testing.T) {
	c := newTestConnector(t)
	resp, err := c.Fetch(context.Background(), Request{Operation: `{ __schema { queryType { name } } __type(name: "_Entity") { kind possibleTypes { name } } }`})
	require.NoError(t, err)
	require.Empty(t, resp.Errors)
	require.Equal(t, map[string]any{
		"__schema": map[string]any{"queryType": map[string]any{"name": "Query"}},
		"__type":   map[string]any{"kind": "UNION", "possibleTypes": []any{map[string]any{"name": "User"}}},
	}, resp.Data)
}
