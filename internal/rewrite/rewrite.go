// Package rewrite applies small structural edits to JSON trees. Rewrites
// thread values between fetches: input rewrites reshape entity
// representations before they are sent, output rewrites reshape a
// sub-response before it is merged.
package rewrite

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/hanpama/fedgraph/internal/respath"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Rewrite is either a *ValueSetter or a *KeyRenamer.
type Rewrite interface {
	apply(tree any) any
	isRewrite()
}

// ValueSetter forces the value at Path to SetValueTo.
type ValueSetter struct {
	Path       respath.Path `json:"path"`
	SetValueTo any          `json:"setValueTo"`
}

// KeyRenamer renames the terminal key of Path to RenameKeyTo.
type KeyRenamer struct {
	Path        respath.Path `json:"path"`
	RenameKeyTo string       `json:"renameKeyTo"`
}

func (*ValueSetter) isRewrite() {}
func (*KeyRenamer) isRewrite()  {}

func (r *ValueSetter) apply(tree any) any {
	return respath.Replace(tree, r.Path, r.SetValueTo)
}

func (r *KeyRenamer) apply(tree any) any {
	if len(r.Path) == 0 {
		return tree
	}
	last := r.Path[len(r.Path)-1]
	if last.Kind != respath.KindKey {
		return tree
	}
	for _, loc := range respath.Locate(r.Path[:len(r.Path)-1], tree) {
		obj, ok := loc.Value.(map[string]any)
		if !ok || !last.Admits(obj) {
			continue
		}
		v, ok := obj[last.Name]
		if !ok {
			continue
		}
		delete(obj, last.Name)
		obj[r.RenameKeyTo] = v
	}
	return tree
}

// Apply returns a copy of tree with rw applied. tree is not modified.
func Apply(rw Rewrite, tree any) any {
	return rw.apply(respath.Clone(tree))
}

// ApplyAll applies rws in order to a copy of tree; later rewrites observe
// the effects of earlier ones. tree is not modified.
func ApplyAll(rws []Rewrite, tree any) any {
	if len(rws) == 0 {
		return tree
	}
	out := respath.Clone(tree)
	for _, rw := range rws {
		out = rw.apply(out)
	}
	return out
}

// List decodes a JSON array of rewrites discriminated by "kind".
type List []Rewrite

func (l *List) UnmarshalJSON(b []byte) error {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(List, 0, len(raw))
	for i, r := range raw {
		var head struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(r, &head); err != nil {
			return fmt.Errorf("rewrite %d: %w", i, err)
		}
		switch head.Kind {
		case "ValueSetter":
			var vs ValueSetter
			if err := json.Unmarshal(r, &vs); err != nil {
				return fmt.Errorf("rewrite %d: %w", i, err)
			}
			out = append(out, &vs)
		case "KeyRenamer":
			var kr KeyRenamer
			if err := json.Unmarshal(r, &kr); err != nil {
				return fmt.Errorf("rewrite %d: %w", i, err)
			}
			out = append(out, &kr)
		default:
			return fmt.Errorf("rewrite %d: unknown kind %q", i, head.Kind)
		}
	}
	*l = out
	return nil
}

func (l List) MarshalJSON() ([]byte, error) {
	out := make([]any, len(l))
	for i, rw := range l {
		switch r := rw.(type) {
		case *ValueSetter:
			out[i] = struct {
				Kind string `json:"kind"`
				*ValueSetter
			}{"ValueSetter", r}
		case *KeyRenamer:
			out[i] = struct {
				Kind string `json:"kind"`
				*KeyRenamer
			}{"KeyRenamer", r}
		}
	}
	return json.Marshal(out)
}
