package rewrite

import (
	stdjson "encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/fedgraph/internal/respath"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, stdjson.Unmarshal([]byte(s), &v))
	return v
}

func TestValueSetter(t *testing.T) {
	in := decode(t, `{"__typename": "Product", "upc": "1", "ctx": {"locale": "en"}}`)
	rw := &ValueSetter{Path: respath.MustParse("... on Product", "ctx", "locale"), SetValueTo: "fr"}

	got := Apply(rw, in)

	want := decode(t, `{"__typename": "Product", "upc": "1", "ctx": {"locale": "fr"}}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Apply mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "en", in.(map[string]any)["ctx"].(map[string]any)["locale"], "input must not be modified")
}

func TestValueSetterMissingPathIsNoop(t *testing.T) {
	in := decode(t, `{"__typename": "Product"}`)
	got := Apply(&ValueSetter{Path: respath.MustParse("... on User", "name"), SetValueTo: "x"}, in)
	require.Equal(t, in, got)
	got = Apply(&ValueSetter{Path: respath.MustParse("missing", "deep"), SetValueTo: "x"}, in)
	require.Equal(t, in, got)
}

func TestKeyRenamer(t *testing.T) {
	in := decode(t, `{"items": [{"__typename": "A", "old": 1}, {"__typename": "B", "old": 2}, {"__typename": "A"}]}`)
	rw := &KeyRenamer{Path: respath.MustParse("items", "@|[A]", "old"), RenameKeyTo: "new"}

	got := Apply(rw, in)

	want := decode(t, `{"items": [{"__typename": "A", "new": 1}, {"__typename": "B", "old": 2}, {"__typename": "A"}]}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Apply mismatch (-want +got):\n%s", diff)
	}
}

func TestKeyRenamerTerminalTypeCondition(t *testing.T) {
	rw := &KeyRenamer{Path: respath.MustParse("u", "id|[A]"), RenameKeyTo: "key"}

	other := decode(t, `{"u": {"__typename": "B", "id": "1"}}`)
	require.Equal(t, other, Apply(rw, other))

	untyped := decode(t, `{"u": {"id": "1"}}`)
	require.Equal(t, untyped, Apply(rw, untyped))

	got := Apply(rw, decode(t, `{"u": {"__typename": "A", "id": "1"}}`))
	want := decode(t, `{"u": {"__typename": "A", "key": "1"}}`)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Apply mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyAllObservesEarlierRewrites(t *testing.T) {
	in := decode(t, `{"a": 1}`)
	rws := []Rewrite{
		&KeyRenamer{Path: respath.MustParse("a"), RenameKeyTo: "b"},
		&ValueSetter{Path: respath.MustParse("b"), SetValueTo: 2.0},
		&KeyRenamer{Path: respath.MustParse("a"), RenameKeyTo: "c"},
	}
	got := ApplyAll(rws, in)
	require.Equal(t, map[string]any{"b": 2.0}, got)
	require.Equal(t, map[string]any{"a": 1.0}, in)
}

func TestListJSON(t *testing.T) {
	var l List
	err := stdjson.Unmarshal([]byte(`[
		{"kind": "ValueSetter", "path": ["... on T", "__typename"], "setValueTo": "T2"},
		{"kind": "KeyRenamer", "path": ["x"], "renameKeyTo": "y"}
	]`), &l)
	require.NoError(t, err)
	require.Len(t, l, 2)
	vs, ok := l[0].(*ValueSetter)
	require.True(t, ok)
	require.Equal(t, "T2", vs.SetValueTo)
	require.True(t, respath.MustParse("... on T", "__typename").Equal(vs.Path))

	b, err := stdjson.Marshal(l)
	require.NoError(t, err)
	require.JSONEq(t, `[
		{"kind": "ValueSetter", "path": ["... on T", "__typename"], "setValueTo": "T2"},
		{"kind": "KeyRenamer", "path": ["x"], "renameKeyTo": "y"}
	]`, string(b))

	require.Error(t, stdjson.Unmarshal([]byte(`[{"kind": "Nope"}]`), &l))
}
