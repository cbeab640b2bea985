// Package plan defines the immutable query plan tree executed by the
// interpreter, its JSON encoding, structural validation, and a directory
// backed store of named plans.
package plan

import (
	"github.com/hanpama/fedgraph/internal/respath"
	"github.com/hanpama/fedgraph/internal/rewrite"
)

// Node is one of *Fetch, *Sequence, *Parallel, *Flatten, *Defer,
// *Condition or *Subscription.
type Node interface {
	Kind() string
	isNode()
}

// Operation kinds carried by Fetch.OperationKind.
const (
	OperationQuery        = "query"
	OperationMutation     = "mutation"
	OperationSubscription = "subscription"
)

// Fetch sends one sub-operation to the source named ServiceName.
type Fetch struct {
	ID             string       `json:"id,omitempty"`
	ServiceName    string       `json:"serviceName"`
	Operation      string       `json:"operation"`
	OperationName  string       `json:"operationName,omitempty"`
	OperationKind  string       `json:"operationKind,omitempty"`
	VariableUsages []string     `json:"variableUsages,omitempty"`
	Requires       SelectionSet `json:"requires,omitempty"`
	InputRewrites  rewrite.List `json:"inputRewrites,omitempty"`
	OutputRewrites rewrite.List `json:"outputRewrites,omitempty"`
}

// Sequence runs Nodes in order; each sees the merged output of the previous.
type Sequence struct {
	Nodes []Node
}

// Parallel runs Nodes with no ordering dependency.
type Parallel struct {
	Nodes []Node
}

// Flatten runs Node once per location of Path in the accumulated data.
type Flatten struct {
	Path respath.Path
	Node Node
}

// Defer delivers Primary first and each Deferred block once its
// dependencies have been delivered.
type Defer struct {
	Primary  Primary
	Deferred []*DeferredNode
}

type Primary struct {
	Subselection string
	Node         Node
}

type DeferredNode struct {
	ID           string
	Depends      []Dependency
	Label        string
	QueryPath    respath.Path
	Subselection string
	Node         Node
}

// Dependency names a deferred block by ID.
type Dependency struct {
	ID         string `json:"id"`
	DeferLabel string `json:"deferLabel,omitempty"`
}

// Condition selects IfClause when the boolean variable Condition is true and
// ElseClause otherwise. Either branch may be nil.
type Condition struct {
	Condition  string
	IfClause   Node
	ElseClause Node
}

// Subscription opens Primary against one source and runs Rest for every
// event.
type Subscription struct {
	Primary *Fetch
	Rest    Node
}

func (*Fetch) Kind() string        { return "Fetch" }
func (*Sequence) Kind() string     { return "Sequence" }
func (*Parallel) Kind() string     { return "Parallel" }
func (*Flatten) Kind() string      { return "Flatten" }
func (*Defer) Kind() string        { return "Defer" }
func (*Condition) Kind() string    { return "Condition" }
func (*Subscription) Kind() string { return "Subscription" }

func (*Fetch) isNode()        {}
func (*Sequence) isNode()     {}
func (*Parallel) isNode()     {}
func (*Flatten) isNode()      {}
func (*Defer) isNode()        {}
func (*Condition) isNode()    {}
func (*Subscription) isNode() {}

// Selection is a *Field or *InlineFragment of a Fetch's requires selection.
type Selection interface {
	isSelection()
}

type Field struct {
	Name       string       `json:"name"`
	Alias      string       `json:"alias,omitempty"`
	Selections SelectionSet `json:"selections,omitempty"`
}

type InlineFragment struct {
	TypeCondition string       `json:"typeCondition,omitempty"`
	Selections    SelectionSet `json:"selections"`
}

func (*Field) isSelection()          {}
func (*InlineFragment) isSelection() {}

// ResponseName is the alias when present, otherwise the field name.
func (f *Field) ResponseName() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// SelectionSet decodes a JSON array of selections discriminated by "kind".
type SelectionSet []Selection

// Plan is a named root node.
type Plan struct {
	Name string
	Node Node
}

// IsSubscription reports whether the plan root is a Subscription.
func (p *Plan) IsSubscription() bool {
	_, ok := p.Node.(*Subscription)
	return ok
}
