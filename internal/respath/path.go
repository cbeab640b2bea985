// Package respath addresses locations inside a JSON response tree.
//
// A Path is a sequence of elements that may fan out (AnyIndex) or filter by
// runtime type (type conditions, Fragment). Locate resolves a Path against a
// tree into zero or more concrete locations; Merge and InsertAt write values
// back. Trees are the generic JSON shapes produced by encoding/json style
// decoders: map[string]any, []any, string, float64, bool and nil.
//
// Locations that do not exist are skipped silently. A type condition that
// does not match the runtime __typename, a missing intermediate object, and a
// non-list under AnyIndex all produce zero locations, which lets callers
// target shapes that only sometimes exist (for example inside a union).
package respath

import (
	"fmt"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ElementKind discriminates path elements.
type ElementKind int

const (
	KindKey ElementKind = iota + 1
	KindAnyIndex
	KindFragment
)

// Element is one step of a Path.
type Element struct {
	Kind ElementKind
	// Name is the object key for KindKey and the type name for KindFragment.
	Name string
	// TypeConditions restricts KindKey and KindAnyIndex steps to objects whose
	// __typename is listed. Empty means unconditional.
	TypeConditions []string
}

// Key steps into an object field.
func Key(name string, typeConditions ...string) Element {
	return Element{Kind: KindKey, Name: name, TypeConditions: typeConditions}
}

// AnyIndex applies the rest of the path to every element of a list.
func AnyIndex(typeConditions ...string) Element {
	return Element{Kind: KindAnyIndex, TypeConditions: typeConditions}
}

// Fragment keeps the current value only if its __typename is typeName.
func Fragment(typeName string) Element {
	return Element{Kind: KindFragment, Name: typeName}
}

func (e Element) String() string {
	var s string
	switch e.Kind {
	case KindKey:
		s = e.Name
	case KindAnyIndex:
		s = "@"
	case KindFragment:
		return "... on " + e.Name
	default:
		return "?"
	}
	if len(e.TypeConditions) > 0 {
		s += "|[" + strings.Join(e.TypeConditions, ",") + "]"
	}
	return s
}

// Equal compares two elements structurally.
func (e Element) Equal(o Element) bool {
	return e.Kind == o.Kind && e.Name == o.Name && slices.Equal(e.TypeConditions, o.TypeConditions)
}

// Path is an ordered list of elements.
type Path []Element

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, e := range p {
		parts[i] = e.String()
	}
	return strings.Join(parts, "/")
}

// Equal compares two paths structurally.
func (p Path) Equal(o Path) bool {
	return slices.EqualFunc(p, o, Element.Equal)
}

// Append returns a new path with elems appended; p is not modified.
func (p Path) Append(elems ...Element) Path {
	out := make(Path, 0, len(p)+len(elems))
	out = append(out, p...)
	return append(out, elems...)
}

// Parse decodes the textual segment form used in plans:
//
//	"name", "name|[A,B]", "@", "@|[A,B]", "... on T"
func Parse(segments []string) (Path, error) {
	p := make(Path, 0, len(segments))
	for _, seg := range segments {
		e, err := parseElement(seg)
		if err != nil {
			return nil, err
		}
		p = append(p, e)
	}
	return p, nil
}

// MustParse is Parse for literals known to be valid. It panics otherwise.
func MustParse(segments ...string) Path {
	p, err := Parse(segments)
	if err != nil {
		panic(err)
	}
	return p
}

func parseElement(seg string) (Element, error) {
	if rest, ok := strings.CutPrefix(seg, "... on "); ok {
		name := strings.TrimSpace(rest)
		if name == "" {
			return Element{}, fmt.Errorf("respath: empty fragment type in %q", seg)
		}
		return Fragment(name), nil
	}
	head, conds, hasConds := strings.Cut(seg, "|")
	var tc []string
	if hasConds {
		if !strings.HasPrefix(conds, "[") || !strings.HasSuffix(conds, "]") {
			return Element{}, fmt.Errorf("respath: malformed type conditions in %q", seg)
		}
		for _, c := range strings.Split(conds[1:len(conds)-1], ",") {
			if c = strings.TrimSpace(c); c != "" {
				tc = append(tc, c)
			}
		}
	}
	if head == "@" {
		return AnyIndex(tc...), nil
	}
	if head == "" {
		return Element{}, fmt.Errorf("respath: empty key in %q", seg)
	}
	return Key(head, tc...), nil
}

func (p Path) MarshalJSON() ([]byte, error) {
	segs := make([]string, len(p))
	for i, e := range p {
		segs[i] = e.String()
	}
	return json.Marshal(segs)
}

func (p *Path) UnmarshalJSON(b []byte) error {
	var segs []string
	if err := json.Unmarshal(b, &segs); err != nil {
		return fmt.Errorf("respath: path must be a list of strings: %w", err)
	}
	parsed, err := Parse(segs)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Typename returns the __typename of v when v is an object carrying one.
func Typename(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	tn, ok := obj["__typename"].(string)
	return tn, ok
}

// Admits reports whether an object v passes e's type conditions.
func (e Element) Admits(v any) bool {
	return matchesConditions(v, e.TypeConditions)
}

// matchesConditions reports whether v satisfies the type conditions. An empty
// condition list always matches; otherwise v must be an object whose
// __typename is listed.
func matchesConditions(v any, conds []string) bool {
	if len(conds) == 0 {
		return true
	}
	tn, ok := Typename(v)
	return ok && slices.Contains(conds, tn)
}
