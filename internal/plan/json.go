package plan

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/hanpama/fedgraph/internal/respath"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type kindHeader struct {
	Kind string `json:"kind"`
}

// Decode parses a plan document: either {"kind":"QueryPlan","node":...} or a
// bare node.
func Decode(name string, b []byte) (*Plan, error) {
	var head struct {
		Kind string              `json:"kind"`
		Node jsoniter.RawMessage `json:"node"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, fmt.Errorf("plan %s: %w", name, err)
	}
	raw := jsoniter.RawMessage(b)
	if head.Kind == "QueryPlan" {
		raw = head.Node
	}
	node, err := decodeNode(raw)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", name, err)
	}
	return &Plan{Name: name, Node: node}, nil
}

// Encode renders p as a QueryPlan document.
func Encode(p *Plan) ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Node Node   `json:"node"`
	}{"QueryPlan", p.Node})
}

func isNull(raw jsoniter.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// decodeNode returns nil for an absent or null node.
func decodeNode(raw jsoniter.RawMessage) (Node, error) {
	if isNull(raw) {
		return nil, nil
	}
	var head kindHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.Kind {
	case "Fetch":
		var f Fetch
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("Fetch: %w", err)
		}
		return &f, nil

	case "Sequence", "Parallel":
		var aux struct {
			Nodes []jsoniter.RawMessage `json:"nodes"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, fmt.Errorf("%s: %w", head.Kind, err)
		}
		nodes := make([]Node, 0, len(aux.Nodes))
		for i, r := range aux.Nodes {
			n, err := decodeNode(r)
			if err != nil {
				return nil, fmt.Errorf("%s.nodes[%d]: %w", head.Kind, i, err)
			}
			nodes = append(nodes, n)
		}
		if head.Kind == "Sequence" {
			return &Sequence{Nodes: nodes}, nil
		}
		return &Parallel{Nodes: nodes}, nil

	case "Flatten":
		var aux struct {
			Path respath.Path        `json:"path"`
			Node jsoniter.RawMessage `json:"node"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, fmt.Errorf("Flatten: %w", err)
		}
		n, err := decodeNode(aux.Node)
		if err != nil {
			return nil, fmt.Errorf("Flatten.node: %w", err)
		}
		return &Flatten{Path: aux.Path, Node: n}, nil

	case "Defer":
		return decodeDefer(raw)

	case "Condition":
		var aux struct {
			Condition  string              `json:"condition"`
			IfClause   jsoniter.RawMessage `json:"ifClause"`
			ElseClause jsoniter.RawMessage `json:"elseClause"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, fmt.Errorf("Condition: %w", err)
		}
		c := &Condition{Condition: aux.Condition}
		var err error
		if c.IfClause, err = decodeNode(aux.IfClause); err != nil {
			return nil, fmt.Errorf("Condition.ifClause: %w", err)
		}
		if c.ElseClause, err = decodeNode(aux.ElseClause); err != nil {
			return nil, fmt.Errorf("Condition.elseClause: %w", err)
		}
		return c, nil

	case "Subscription":
		var aux struct {
			Primary jsoniter.RawMessage `json:"primary"`
			Rest    jsoniter.RawMessage `json:"rest"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, fmt.Errorf("Subscription: %w", err)
		}
		primary, err := decodeNode(aux.Primary)
		if err != nil {
			return nil, fmt.Errorf("Subscription.primary: %w", err)
		}
		f, ok := primary.(*Fetch)
		if !ok {
			return nil, fmt.Errorf("Subscription.primary must be a Fetch")
		}
		rest, err := decodeNode(aux.Rest)
		if err != nil {
			return nil, fmt.Errorf("Subscription.rest: %w", err)
		}
		return &Subscription{Primary: f, Rest: rest}, nil
	}
	return nil, fmt.Errorf("unknown node kind %q", head.Kind)
}

func decodeDefer(raw jsoniter.RawMessage) (Node, error) {
	var aux struct {
		Primary struct {
			Subselection string              `json:"subselection"`
			Node         jsoniter.RawMessage `json:"node"`
		} `json:"primary"`
		Deferred []struct {
			ID           string              `json:"id"`
			Depends      []Dependency        `json:"depends"`
			Label        string              `json:"label"`
			QueryPath    respath.Path        `json:"queryPath"`
			Subselection string              `json:"subselection"`
			Node         jsoniter.RawMessage `json:"node"`
		} `json:"deferred"`
	}
	if err := json.Unmarshal(raw, &aux); err != nil {
		return nil, fmt.Errorf("Defer: %w", err)
	}
	d := &Defer{Primary: Primary{Subselection: aux.Primary.Subselection}}
	var err error
	if d.Primary.Node, err = decodeNode(aux.Primary.Node); err != nil {
		return nil, fmt.Errorf("Defer.primary: %w", err)
	}
	for i, b := range aux.Deferred {
		n, err := decodeNode(b.Node)
		if err != nil {
			return nil, fmt.Errorf("Defer.deferred[%d]: %w", i, err)
		}
		d.Deferred = append(d.Deferred, &DeferredNode{
			ID:           b.ID,
			Depends:      b.Depends,
			Label:        b.Label,
			QueryPath:    b.QueryPath,
			Subselection: b.Subselection,
			Node:         n,
		})
	}
	return d, nil
}

func (f *Fetch) MarshalJSON() ([]byte, error) {
	type fetch Fetch
	return json.Marshal(struct {
		Kind string `json:"kind"`
		*fetch
	}{"Fetch", (*fetch)(f)})
}

func (s *Sequence) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind  string `json:"kind"`
		Nodes []Node `json:"nodes"`
	}{"Sequence", s.Nodes})
}

func (p *Parallel) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind  string `json:"kind"`
		Nodes []Node `json:"nodes"`
	}{"Parallel", p.Nodes})
}

func (f *Flatten) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind string       `json:"kind"`
		Path respath.Path `json:"path"`
		Node Node         `json:"node"`
	}{"Flatten", f.Path, f.Node})
}

func (d *Defer) MarshalJSON() ([]byte, error) {
	type primary struct {
		Subselection string `json:"subselection,omitempty"`
		Node         Node   `json:"node,omitempty"`
	}
	type deferred struct {
		ID           string       `json:"id,omitempty"`
		Depends      []Dependency `json:"depends"`
		Label        string       `json:"label,omitempty"`
		QueryPath    respath.Path `json:"queryPath"`
		Subselection string       `json:"subselection,omitempty"`
		Node         Node         `json:"node,omitempty"`
	}
	out := struct {
		Kind     string     `json:"kind"`
		Primary  primary    `json:"primary"`
		Deferred []deferred `json:"deferred"`
	}{Kind: "Defer", Primary: primary{d.Primary.Subselection, d.Primary.Node}}
	for _, b := range d.Deferred {
		deps := b.Depends
		if deps == nil {
			deps = []Dependency{}
		}
		out.Deferred = append(out.Deferred, deferred{b.ID, deps, b.Label, b.QueryPath, b.Subselection, b.Node})
	}
	return json.Marshal(out)
}

func (c *Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind       string `json:"kind"`
		Condition  string `json:"condition"`
		IfClause   Node   `json:"ifClause,omitempty"`
		ElseClause Node   `json:"elseClause,omitempty"`
	}{"Condition", c.Condition, c.IfClause, c.ElseClause})
}

func (s *Subscription) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind    string `json:"kind"`
		Primary *Fetch `json:"primary"`
		Rest    Node   `json:"rest,omitempty"`
	}{"Subscription", s.Primary, s.Rest})
}

func (s *SelectionSet) UnmarshalJSON(b []byte) error {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(SelectionSet, 0, len(raw))
	for i, r := range raw {
		var head kindHeader
		if err := json.Unmarshal(r, &head); err != nil {
			return fmt.Errorf("selection %d: %w", i, err)
		}
		switch head.Kind {
		case "Field":
			var f Field
			if err := json.Unmarshal(r, &f); err != nil {
				return fmt.Errorf("selection %d: %w", i, err)
			}
			out = append(out, &f)
		case "InlineFragment":
			var f InlineFragment
			if err := json.Unmarshal(r, &f); err != nil {
				return fmt.Errorf("selection %d: %w", i, err)
			}
			out = append(out, &f)
		default:
			return fmt.Errorf("selection %d: unknown kind %q", i, head.Kind)
		}
	}
	*s = out
	return nil
}

func (s SelectionSet) MarshalJSON() ([]byte, error) {
	out := make([]any, len(s))
	for i, sel := range s {
		switch v := sel.(type) {
		case *Field:
			out[i] = struct {
				Kind string `json:"kind"`
				*Field
			}{"Field", v}
		case *InlineFragment:
			out[i] = struct {
				Kind string `json:"kind"`
				*InlineFragment
			}{"InlineFragment", v}
		}
	}
	return json.Marshal(out)
}
