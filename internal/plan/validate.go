package plan

import (
	"fmt"
	"strings"
)

// ValidationError lists every structural problem found in a plan.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid plan: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structural rules the interpreter relies on: no nil
// children, Defer only at the root or under a root Condition, Subscription
// only at the root, known and acyclic deferred dependencies, and a target
// on every Fetch.
func Validate(p *Plan) error {
	v := &validator{}
	if p == nil || p.Node == nil {
		v.addf("root: missing node")
		return v.err()
	}
	switch n := p.Node.(type) {
	case *Subscription:
		v.fetch("root.primary", n.Primary)
		if n.Primary != nil && n.Primary.OperationKind != "" && n.Primary.OperationKind != OperationSubscription {
			v.addf("root.primary: operation kind %q, want %q", n.Primary.OperationKind, OperationSubscription)
		}
		if n.Rest != nil {
			v.walk("root.rest", n.Rest)
		}
	case *Defer:
		v.deferNode("root", n)
	case *Condition:
		for _, br := range []struct {
			name string
			node Node
		}{{"ifClause", n.IfClause}, {"elseClause", n.ElseClause}} {
			if d, ok := br.node.(*Defer); ok {
				v.deferNode("root."+br.name, d)
			} else if br.node != nil {
				v.walk("root."+br.name, br.node)
			}
		}
		if n.Condition == "" {
			v.addf("root: Condition without variable")
		}
	default:
		v.walk("root", p.Node)
	}
	return v.err()
}

type validator struct {
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}

func (v *validator) fetch(at string, f *Fetch) {
	if f == nil {
		v.addf("%s: missing Fetch", at)
		return
	}
	if f.ServiceName == "" {
		v.addf("%s: Fetch without serviceName", at)
	}
	if f.Operation == "" {
		v.addf("%s: Fetch without operation", at)
	}
}

func (v *validator) deferNode(at string, d *Defer) {
	if d.Primary.Node != nil {
		v.walk(at+".primary", d.Primary.Node)
	}
	for i, b := range d.Deferred {
		if b == nil {
			v.addf("%s.deferred[%d]: missing block", at, i)
			continue
		}
		if b.Node != nil {
			v.walk(fmt.Sprintf("%s.deferred[%d]", at, i), b.Node)
		}
	}
	if _, err := d.DependencyIndex(); err != nil {
		v.addf("%s: %v", at, err)
	}
}

// walk checks a node below the root, where Defer and Subscription are not
// allowed.
func (v *validator) walk(at string, n Node) {
	switch n := n.(type) {
	case nil:
		v.addf("%s: missing node", at)
	case *Fetch:
		v.fetch(at, n)
	case *Sequence:
		for i, c := range n.Nodes {
			v.walk(fmt.Sprintf("%s.nodes[%d]", at, i), c)
		}
	case *Parallel:
		for i, c := range n.Nodes {
			v.walk(fmt.Sprintf("%s.nodes[%d]", at, i), c)
		}
	case *Flatten:
		v.walk(at+".node", n.Node)
	case *Condition:
		if n.Condition == "" {
			v.addf("%s: Condition without variable", at)
		}
		if n.IfClause != nil {
			v.walk(at+".ifClause", n.IfClause)
		}
		if n.ElseClause != nil {
			v.walk(at+".elseClause", n.ElseClause)
		}
	case *Defer:
		v.addf("%s: Defer is only allowed at the root", at)
	case *Subscription:
		v.addf("%s: Subscription is only allowed at the root", at)
	}
}

// DependencyIndex resolves every block's Depends ids to block indices. It
// fails on duplicate or unknown ids and on cycles.
func (d *Defer) DependencyIndex() ([][]int, error) {
	byID := make(map[string]int, len(d.Deferred))
	for i, b := range d.Deferred {
		if b == nil || b.ID == "" {
			continue
		}
		if _, dup := byID[b.ID]; dup {
			return nil, fmt.Errorf("duplicate deferred id %q", b.ID)
		}
		byID[b.ID] = i
	}
	deps := make([][]int, len(d.Deferred))
	for i, b := range d.Deferred {
		if b == nil {
			continue
		}
		for _, dep := range b.Depends {
			j, ok := byID[dep.ID]
			if !ok {
				return nil, fmt.Errorf("deferred block %d depends on unknown id %q", i, dep.ID)
			}
			deps[i] = append(deps[i], j)
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(deps))
	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visiting:
			return fmt.Errorf("deferred dependency cycle through block %d", i)
		case done:
			return nil
		}
		state[i] = visiting
		for _, j := range deps[i] {
			if err := visit(j); err != nil {
				return err
			}
		}
		state[i] = done
		return nil
	}
	for i := range deps {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return deps, nil
}
