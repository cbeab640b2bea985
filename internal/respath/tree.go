package respath

import (
	"strconv"
	"strings"
)

// Location is one concrete position matched by Locate.
type Location struct {
	// Path holds string keys and int indices from the root to Value.
	Path  []any
	Value any
}

// Locate returns every location in tree matched by path, in document order.
// An empty path matches the root itself.
func Locate(path Path, tree any) []Location {
	var out []Location
	locate(path, tree, nil, &out)
	return out
}

func locate(path Path, v any, prefix []any, out *[]Location) {
	if len(path) == 0 {
		*out = append(*out, Location{Path: append([]any(nil), prefix...), Value: v})
		return
	}
	el := path[0]
	switch el.Kind {
	case KindKey:
		obj, ok := v.(map[string]any)
		if !ok || !matchesConditions(obj, el.TypeConditions) {
			return
		}
		child, ok := obj[el.Name]
		if !ok {
			return
		}
		if child == nil && len(path) > 1 {
			return
		}
		locate(path[1:], child, extend(prefix, el.Name), out)
	case KindAnyIndex:
		arr, ok := v.([]any)
		if !ok {
			return
		}
		for i, item := range arr {
			if !matchesConditions(item, el.TypeConditions) {
				continue
			}
			if item == nil && len(path) > 1 {
				continue
			}
			locate(path[1:], item, extend(prefix, i), out)
		}
	case KindFragment:
		if tn, ok := Typename(v); !ok || tn != el.Name {
			return
		}
		locate(path[1:], v, prefix, out)
	}
}

// extend appends seg without sharing the backing array of prefix.
func extend(prefix []any, seg any) []any {
	out := make([]any, len(prefix)+1)
	copy(out, prefix)
	out[len(prefix)] = seg
	return out
}

// Get reads the value at a concrete path.
func Get(tree any, concrete []any) (any, bool) {
	cur := tree
	for _, seg := range concrete {
		switch s := seg.(type) {
		case string:
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = obj[s]
			if !ok {
				return nil, false
			}
		case int:
			arr, ok := cur.([]any)
			if !ok || s < 0 || s >= len(arr) {
				return nil, false
			}
			cur = arr[s]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Merge deep-merges value into every location of tree matched by path and
// returns the root. Sibling keys and array order are preserved. Paths that
// match nothing leave tree unchanged.
func Merge(tree any, path Path, value any) any {
	for _, loc := range Locate(path, tree) {
		tree = update(tree, loc.Path, func(old any) any { return DeepMerge(old, Clone(value)) })
	}
	return tree
}

// Replace overwrites every location of tree matched by path with value.
func Replace(tree any, path Path, value any) any {
	for _, loc := range Locate(path, tree) {
		tree = update(tree, loc.Path, func(any) any { return Clone(value) })
	}
	return tree
}

// InsertAt deep-merges value at a concrete path, creating intermediate
// objects and padding arrays with nil as needed. It returns the root, which
// is newly allocated when tree is nil.
func InsertAt(tree any, concrete []any, value any) any {
	if len(concrete) == 0 {
		return DeepMerge(tree, value)
	}
	switch s := concrete[0].(type) {
	case string:
		obj, ok := tree.(map[string]any)
		if !ok {
			obj = map[string]any{}
		}
		obj[s] = InsertAt(obj[s], concrete[1:], value)
		return obj
	case int:
		arr, ok := tree.([]any)
		if !ok {
			arr = nil
		}
		for len(arr) <= s {
			arr = append(arr, nil)
		}
		arr[s] = InsertAt(arr[s], concrete[1:], value)
		return arr
	}
	return tree
}

// update applies fn to the value at an existing concrete path.
func update(tree any, concrete []any, fn func(old any) any) any {
	if len(concrete) == 0 {
		return fn(tree)
	}
	switch s := concrete[0].(type) {
	case string:
		if obj, ok := tree.(map[string]any); ok {
			obj[s] = update(obj[s], concrete[1:], fn)
		}
	case int:
		if arr, ok := tree.([]any); ok && s >= 0 && s < len(arr) {
			arr[s] = update(arr[s], concrete[1:], fn)
		}
	}
	return tree
}

// DeepMerge merges src into dst and returns the result. Objects merge key by
// key, arrays merge element-wise by index, a nil src never overwrites an
// existing value, and any other src value replaces dst.
func DeepMerge(dst, src any) any {
	switch s := src.(type) {
	case nil:
		return dst
	case map[string]any:
		d, ok := dst.(map[string]any)
		if !ok {
			return s
		}
		for k, sv := range s {
			if dv, exists := d[k]; exists {
				d[k] = DeepMerge(dv, sv)
			} else {
				d[k] = sv
			}
		}
		return d
	case []any:
		d, ok := dst.([]any)
		if !ok {
			return s
		}
		for i, sv := range s {
			if i < len(d) {
				d[i] = DeepMerge(d[i], sv)
			} else {
				d = append(d, sv)
			}
		}
		return d
	default:
		return src
	}
}

// Clone returns a deep copy of a JSON tree.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = Clone(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = Clone(x)
		}
		return out
	default:
		return v
	}
}

// Format renders a concrete path as a dotted string, e.g. "users.1.name".
func Format(concrete []any) string {
	var b strings.Builder
	for i, seg := range concrete {
		if i > 0 {
			b.WriteByte('.')
		}
		switch s := seg.(type) {
		case string:
			b.WriteString(s)
		case int:
			b.WriteString(strconv.Itoa(s))
		}
	}
	return b.String()
}
