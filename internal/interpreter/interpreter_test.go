package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/respath"
	"github.com/hanpama/fedgraph/internal/response"
	"github.com/hanpama/fedgraph/internal/rewrite"
	"github.com/hanpama/fedgraph/internal/source"
)

type handler func(ctx context.Context, req source.Request) (*source.Response, error)

type fakeFetcher struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []source.Request
}

func newFakeFetcher(handlers map[string]handler) *fakeFetcher {
	return &fakeFetcher{handlers: handlers}
}

func (f *fakeFetcher) Fetch(ctx context.Context, req source.Request) (*source.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	h, ok := f.handlers[req.Target]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", source.ErrUnknownSource, req.Target)
	}
	return h(ctx, req)
}

func (f *fakeFetcher) callsTo(target string) []source.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []source.Request
	for _, c := range f.calls {
		if c.Target == target {
			out = append(out, c)
		}
	}
	return out
}

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

// respond decodes body on every call so no two fetches share a tree.
func respond(t *testing.T, body string) handler {
	return func(ctx context.Context, req source.Request) (*source.Response, error) {
		var resp source.Response
		if err := json.Unmarshal([]byte(body), &resp); err != nil {
			t.Errorf("bad fixture %s: %v", body, err)
			return nil, err
		}
		return &resp, nil
	}
}

func entityID(req source.Request) string {
	reps := req.Variables["representations"].([]any)
	return reps[0].(map[string]any)["id"].(string)
}

func execute(t *testing.T, in *Interpreter, node plan.Node, vars map[string]any) ([]response.Payload, error) {
	t.Helper()
	var c response.Collector
	err := in.Execute(context.Background(), Request{Plan: &plan.Plan{Name: t.Name(), Node: node}, Variables: vars}, &c)
	return c.Payloads, err
}

func counterValue(in *Interpreter) float64 {
	return testutil.ToFloat64(in.metrics.InvariantViolations)
}

func userFetch() *plan.Fetch {
	return &plan.Fetch{ServiceName: "accounts", Operation: "{ user { id } }"}
}

func nameFetch(service string, requires ...string) *plan.Fetch {
	f := &plan.Fetch{ServiceName: service, Operation: "query($representations: [_Any!]!) { _entities(representations: $representations) { ... on User { name } } }"}
	for _, r := range requires {
		f.Requires = append(f.Requires, &plan.Field{Name: r})
	}
	return f
}

func TestSequenceMergesEntityFetch(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"accounts": respond(t, `{"data": {"user": {"id": "1"}}}`),
		"names":    respond(t, `{"data": {"name": "Ada"}}`),
	})
	in := New(ff)

	got, err := execute(t, in, &plan.Sequence{Nodes: []plan.Node{
		userFetch(),
		&plan.Flatten{Path: respath.MustParse("user"), Node: nameFetch("names", "id")},
	}}, nil)
	require.NoError(t, err)

	want := []response.Payload{{Data: decode(t, `{"user": {"id": "1", "name": "Ada"}}`)}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payloads mismatch (-want +got):\n%s", diff)
	}
	calls := ff.callsTo("names")
	require.Len(t, calls, 1)
	require.Equal(t, map[string]any{"representations": []any{map[string]any{"id": "1"}}}, calls[0].Variables)
	require.Equal(t, plan.OperationQuery, calls[0].OperationKind)
}

func TestSequenceWaitsForPreviousMerge(t *testing.T) {
	var (
		mu  sync.Mutex
		log []string
	)
	record := func(s string) {
		mu.Lock()
		log = append(log, s)
		mu.Unlock()
	}
	ff := newFakeFetcher(map[string]handler{
		"a": func(ctx context.Context, req source.Request) (*source.Response, error) {
			record("a:start")
			time.Sleep(20 * time.Millisecond)
			record("a:end")
			return &source.Response{Data: map[string]any{"a": true}}, nil
		},
		"b": func(ctx context.Context, req source.Request) (*source.Response, error) {
			record("b:start")
			return &source.Response{Data: map[string]any{"b": true}}, nil
		},
	})

	got, err := execute(t, New(ff), &plan.Sequence{Nodes: []plan.Node{
		&plan.Fetch{ServiceName: "a", Operation: "{a}"},
		&plan.Fetch{ServiceName: "b", Operation: "{b}"},
	}}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"a:start", "a:end", "b:start"}, log)
	require.Equal(t, map[string]any{"a": true, "b": true}, got[0].Data)
}

func TestParallelMergeIsOrderIndependent(t *testing.T) {
	run := func(delayA, delayB time.Duration) any {
		ff := newFakeFetcher(map[string]handler{
			"a": func(ctx context.Context, req source.Request) (*source.Response, error) {
				time.Sleep(delayA)
				return &source.Response{Data: map[string]any{"shared": map[string]any{"a": 1.0}, "onlyA": "x"}}, nil
			},
			"b": func(ctx context.Context, req source.Request) (*source.Response, error) {
				time.Sleep(delayB)
				return &source.Response{Data: map[string]any{"shared": map[string]any{"b": 2.0}}}, nil
			},
		})
		got, err := execute(t, New(ff), &plan.Parallel{Nodes: []plan.Node{
			&plan.Fetch{ServiceName: "a", Operation: "{a}"},
			&plan.Fetch{ServiceName: "b", Operation: "{b}"},
		}}, nil)
		require.NoError(t, err)
		require.Len(t, got, 1)
		return got[0].Data
	}

	first := run(0, 30*time.Millisecond)
	second := run(30*time.Millisecond, 0)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("completion order changed the result (-a first +b first):\n%s", diff)
	}
	require.Equal(t, decode(t, `{"shared": {"a": 1, "b": 2}, "onlyA": "x"}`), first)
}

func TestFlattenPreservesIndexOrder(t *testing.T) {
	var completed []string
	var mu sync.Mutex
	ff := newFakeFetcher(map[string]handler{
		"accounts": respond(t, `{"data": {"users": [{"id": "1"}, {"id": "2"}, null, {"id": "3"}]}}`),
		"names": func(ctx context.Context, req source.Request) (*source.Response, error) {
			id := entityID(req)
			// Later elements finish first.
			delay := map[string]time.Duration{"1": 40, "2": 20, "3": 0}[id]
			time.Sleep(delay * time.Millisecond)
			mu.Lock()
			completed = append(completed, id)
			mu.Unlock()
			return &source.Response{Data: map[string]any{"_entities": []any{map[string]any{"name": "n" + id}}}}, nil
		},
	})

	got, err := execute(t, New(ff), &plan.Sequence{Nodes: []plan.Node{
		&plan.Fetch{ServiceName: "accounts", Operation: "{ users { id } }"},
		&plan.Flatten{Path: respath.MustParse("users", "@"), Node: nameFetch("names", "id")},
	}}, nil)
	require.NoError(t, err)

	want := decode(t, `{"users": [{"id": "1", "name": "n1"}, {"id": "2", "name": "n2"}, null, {"id": "3", "name": "n3"}]}`)
	if diff := cmp.Diff(want, got[0].Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, completed, 3)
	require.Len(t, ff.callsTo("names"), 3, "null elements are not fetched")
}

func TestFlattenWithoutLocationsIsNoop(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"accounts": respond(t, `{"data": {"user": null}}`),
	})
	got, err := execute(t, New(ff), &plan.Sequence{Nodes: []plan.Node{
		userFetch(),
		&plan.Flatten{Path: respath.MustParse("user"), Node: nameFetch("names", "id")},
		&plan.Flatten{Path: respath.MustParse("missing", "@"), Node: nameFetch("names", "id")},
	}}, nil)
	require.NoError(t, err)
	require.Equal(t, []response.Payload{{Data: map[string]any{"user": nil}}}, got)
	require.Empty(t, ff.callsTo("names"))
}

func TestEntityTypeConditionSkipsFetch(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"search": respond(t, `{"data": {"results": [{"__typename": "User", "id": "1"}, {"__typename": "Bot", "id": "2"}]}}`),
		"names":  respond(t, `{"data": {"_entities": [{"name": "Ada"}]}}`),
	})
	fetch := nameFetch("names")
	fetch.Requires = plan.SelectionSet{&plan.InlineFragment{TypeCondition: "User", Selections: plan.SelectionSet{
		&plan.Field{Name: "__typename"},
		&plan.Field{Name: "id"},
	}}}

	got, err := execute(t, New(ff), &plan.Sequence{Nodes: []plan.Node{
		&plan.Fetch{ServiceName: "search", Operation: "{ results { __typename id } }"},
		&plan.Flatten{Path: respath.MustParse("results", "@"), Node: fetch},
	}}, nil)
	require.NoError(t, err)

	want := decode(t, `{"results": [{"__typename": "User", "id": "1", "name": "Ada"}, {"__typename": "Bot", "id": "2"}]}`)
	if diff := cmp.Diff(want, got[0].Data); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, ff.callsTo("names"), 1)
}

func TestRewrites(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"accounts": respond(t, `{"data": {"user": {"__typename": "User", "id": "1"}}}`),
		"names":    respond(t, `{"data": {"_entities": [{"fullName": "Ada Lovelace"}]}}`),
	})
	fetch := nameFetch("names", "__typename", "id")
	fetch.InputRewrites = rewrite.List{&rewrite.ValueSetter{Path: respath.MustParse("... on User", "__typename"), SetValueTo: "Person"}}
	fetch.OutputRewrites = rewrite.List{&rewrite.KeyRenamer{Path: respath.MustParse("fullName"), RenameKeyTo: "name"}}

	got, err := execute(t, New(ff), &plan.Sequence{Nodes: []plan.Node{
		userFetch(),
		&plan.Flatten{Path: respath.MustParse("user"), Node: fetch},
	}}, nil)
	require.NoError(t, err)

	require.Equal(t, decode(t, `{"user": {"__typename": "User", "id": "1", "name": "Ada Lovelace"}}`), got[0].Data)
	calls := ff.callsTo("names")
	require.Len(t, calls, 1)
	require.Equal(t, []any{map[string]any{"__typename": "Person", "id": "1"}}, calls[0].Variables["representations"])
}

func TestFetchErrorsAreCollected(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"accounts": respond(t, `{"data": {"users": [{"id": "1"}, {"id": "2"}]}}`),
		"names": func(ctx context.Context, req source.Request) (*source.Response, error) {
			if entityID(req) == "2" {
				return nil, errors.New("connection refused")
			}
			return &source.Response{
				Data:   map[string]any{"_entities": []any{map[string]any{"name": nil}}},
				Errors: []response.Error{{Message: "name unavailable", Path: []any{"_entities", 0, "name"}}},
			}, nil
		},
		"reviews": func(ctx context.Context, req source.Request) (*source.Response, error) {
			return nil, errors.New("status 503")
		},
		"products": respond(t, `{"data": {"top": ["p1"]}}`),
	})

	got, err := execute(t, New(ff), &plan.Parallel{Nodes: []plan.Node{
		&plan.Sequence{Nodes: []plan.Node{
			&plan.Fetch{ServiceName: "accounts", Operation: "{ users { id } }"},
			&plan.Flatten{Path: respath.MustParse("users", "@"), Node: nameFetch("names", "id")},
		}},
		&plan.Fetch{ServiceName: "reviews", Operation: "{ reviews }"},
		&plan.Fetch{ServiceName: "products", Operation: "{ top }"},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	want := response.Payload{
		Data: decode(t, `{"users": [{"id": "1", "name": null}, {"id": "2"}], "top": ["p1"]}`),
		Errors: []response.Error{
			{Message: "name unavailable", Path: []any{"users", 0, "name"}, Extensions: map[string]any{"service": "names"}},
			{
				Message:    "HTTP fetch failed from 'names': connection refused",
				Path:       []any{"users", 1},
				Extensions: map[string]any{"code": response.CodeSubrequestHTTPError, "service": "names"},
			},
			{
				Message:    "HTTP fetch failed from 'reviews': status 503",
				Extensions: map[string]any{"code": response.CodeSubrequestHTTPError, "service": "reviews"},
			},
		},
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestEntityErrorAtEntitiesRoot(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"accounts": respond(t, `{"data": {"user": {"id": "1"}}}`),
		"names":    respond(t, `{"data": {"_entities": null}, "errors": [{"message": "resolver failed", "path": ["_entities"]}]}`),
	})

	got, err := execute(t, New(ff), &plan.Sequence{Nodes: []plan.Node{
		userFetch(),
		&plan.Flatten{Path: respath.MustParse("user"), Node: nameFetch("names", "id")},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)

	want := response.Payload{
		Data: decode(t, `{"user": {"id": "1"}}`),
		Errors: []response.Error{
			{Message: "resolver failed", Path: []any{"user"}, Extensions: map[string]any{"service": "names"}},
		},
	}
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestCondition(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"yes": respond(t, `{"data": {"branch": "if"}}`),
		"no":  respond(t, `{"data": {"branch": "else"}}`),
	})
	node := &plan.Condition{
		Condition:  "flag",
		IfClause:   &plan.Fetch{ServiceName: "yes", Operation: "{branch}"},
		ElseClause: &plan.Fetch{ServiceName: "no", Operation: "{branch}"},
	}
	cases := []struct {
		name string
		vars map[string]any
		want any
	}{
		{"true", map[string]any{"flag": true}, map[string]any{"branch": "if"}},
		{"false", map[string]any{"flag": false}, map[string]any{"branch": "else"}},
		{"missing", nil, map[string]any{"branch": "else"}},
		{"not a boolean", map[string]any{"flag": "true"}, map[string]any{"branch": "else"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := execute(t, New(ff), &plan.Sequence{Nodes: []plan.Node{node}}, tc.vars)
			require.NoError(t, err)
			require.Equal(t, tc.want, got[0].Data)
		})
	}

	t.Run("missing branch yields no data", func(t *testing.T) {
		got, err := execute(t, New(ff), &plan.Condition{Condition: "flag", IfClause: node.IfClause}, nil)
		require.NoError(t, err)
		require.Equal(t, []response.Payload{{Data: map[string]any{}}}, got)
	})
}

func TestVariableUsages(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"a": respond(t, `{"data": {"ok": true}}`),
	})
	_, err := execute(t, New(ff), &plan.Fetch{
		ServiceName:    "a",
		Operation:      "query($id: ID, $locale: String) { ok }",
		VariableUsages: []string{"id", "locale"},
		InputRewrites:  rewrite.List{&rewrite.ValueSetter{Path: respath.MustParse("locale"), SetValueTo: "en"}},
	}, map[string]any{"id": "7", "locale": "fr", "unused": 1})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": "7", "locale": "en"}, ff.callsTo("a")[0].Variables)
}

func TestDeferDeliversDependenciesFirst(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{
		"accounts": respond(t, `{"data": {"user": {"id": "1"}}}`),
		"slow": func(ctx context.Context, req source.Request) (*source.Response, error) {
			time.Sleep(30 * time.Millisecond)
			return &source.Response{Data: map[string]any{"name": "Ada"}}, nil
		},
		"greeter": func(ctx context.Context, req source.Request) (*source.Response, error) {
			rep := req.Variables["representations"].([]any)[0].(map[string]any)
			return &source.Response{Data: map[string]any{"greeting": "hi " + rep["name"].(string)}}, nil
		},
		"fast": respond(t, `{"data": {"age": 36}}`),
	})

	node := &plan.Defer{
		Primary: plan.Primary{Node: userFetch()},
		Deferred: []*plan.DeferredNode{
			{ID: "a", Label: "slow", QueryPath: respath.MustParse("user"), Node: &plan.Flatten{Path: respath.MustParse("user"), Node: nameFetch("slow", "id")}},
			{ID: "b", Label: "dependent", Depends: []plan.Dependency{{ID: "a"}}, QueryPath: respath.MustParse("user"),
				Node: &plan.Flatten{Path: respath.MustParse("user"), Node: nameFetch("greeter", "id", "name")}},
			{Label: "fast", QueryPath: respath.MustParse("user"), Node: &plan.Flatten{Path: respath.MustParse("user"), Node: nameFetch("fast", "id")}},
		},
	}

	got, err := execute(t, New(ff), node, nil)
	require.NoError(t, err)
	require.Len(t, got, 4)

	require.Equal(t, response.Payload{Data: decode(t, `{"user": {"id": "1"}}`), HasNext: response.Bool(true)}, got[0])

	index := map[string]int{}
	for i, p := range got[1:] {
		index[p.Label] = i + 1
		require.Equal(t, []any{"user"}, p.Path)
		require.Equal(t, i < 2, *p.HasNext, "payload %d hasNext", i+1)
	}
	require.Less(t, index["slow"], index["dependent"])
	require.Equal(t, decode(t, `{"id": "1", "name": "Ada", "greeting": "hi Ada"}`), got[index["dependent"]].Data)
	require.Equal(t, decode(t, `{"id": "1", "age": 36}`), got[index["fast"]].Data)
}

func TestDeferWithoutDeferredBlocks(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{"accounts": respond(t, `{"data": {"user": {"id": "1"}}}`)})
	got, err := execute(t, New(ff), &plan.Defer{Primary: plan.Primary{Node: userFetch()}}, nil)
	require.NoError(t, err)
	require.Equal(t, []response.Payload{{Data: decode(t, `{"user": {"id": "1"}}`)}}, got)
}

func TestInvariantViolations(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{"accounts": respond(t, `{"data": {"user": {"id": "1"}}}`)})
	cases := []struct {
		name string
		node plan.Node
	}{
		{"nested defer", &plan.Sequence{Nodes: []plan.Node{userFetch(), &plan.Defer{}}}},
		{"subscription root", &plan.Subscription{Primary: userFetch()}},
		{"nested subscription", &plan.Parallel{Nodes: []plan.Node{&plan.Subscription{Primary: userFetch()}}}},
		{"unknown source", &plan.Fetch{ServiceName: "nowhere", Operation: "{a}"}},
		{"unknown dependency", &plan.Defer{Deferred: []*plan.DeferredNode{{ID: "a", Depends: []plan.Dependency{{ID: "zz"}}}}}},
		{"dependency cycle", &plan.Defer{Deferred: []*plan.DeferredNode{
			{ID: "a", Depends: []plan.Dependency{{ID: "b"}}},
			{ID: "b", Depends: []plan.Dependency{{ID: "a"}}},
		}}},
		{"nil child", &plan.Sequence{Nodes: []plan.Node{nil}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := New(ff)
			_, err := execute(t, in, tc.node, nil)
			var ie *InvariantError
			require.ErrorAs(t, err, &ie)
			require.Equal(t, 1.0, counterValue(in))
		})
	}
}

func TestExecuteNodeMergesIntoInput(t *testing.T) {
	ff := newFakeFetcher(map[string]handler{"names": respond(t, `{"data": {"name": "Ada"}}`)})
	input := decode(t, `{"userCreated": {"id": "1"}}`)

	got, errs, err := New(ff).ExecuteNode(context.Background(),
		&plan.Flatten{Path: respath.MustParse("userCreated"), Node: nameFetch("names", "id")}, nil, input)
	require.NoError(t, err)
	require.Empty(t, errs)
	require.Equal(t, decode(t, `{"userCreated": {"id": "1", "name": "Ada"}}`), got)
	require.Equal(t, decode(t, `{"userCreated": {"id": "1"}}`), input, "input must not be modified")
}

func TestMaxParallelism(t *testing.T) {
	var (
		mu        sync.Mutex
		cur, peak int
	)
	ff := newFakeFetcher(map[string]handler{
		"accounts": respond(t, `{"data": {"users": [{"id": "1"}, {"id": "2"}, {"id": "3"}, {"id": "4"}, {"id": "5"}, {"id": "6"}]}}`),
		"names": func(ctx context.Context, req source.Request) (*source.Response, error) {
			mu.Lock()
			cur++
			peak = max(peak, cur)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			cur--
			mu.Unlock()
			return &source.Response{Data: map[string]any{"name": "n" + entityID(req)}}, nil
		},
	})

	got, err := execute(t, New(ff, WithMaxParallelism(2)), &plan.Sequence{Nodes: []plan.Node{
		&plan.Fetch{ServiceName: "accounts", Operation: "{ users { id } }"},
		&plan.Flatten{Path: respath.MustParse("users", "@"), Node: nameFetch("names", "id")},
	}}, nil)
	require.NoError(t, err)
	require.LessOrEqual(t, peak, 2)
	users := got[0].Data.(map[string]any)["users"].([]any)
	require.Len(t, users, 6)
	require.Equal(t, "n6", users[5].(map[string]any)["name"])
}
