package executor

import (
	language "github.com/hanpama/fedgraph/internal/language"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// GroupedFieldSet preserves field order from the original query.
type GroupedFieldSet struct {
	fields []CollectedField
	index  map[string]int
}

// CollectedField is every field node sharing one response key.
type CollectedField struct {
	ResponseName string
	Fields       []*language.Field
}

func newGroupedFieldSet() *GroupedFieldSet {
	return &GroupedFieldSet{index: make(map[string]int)}
}

func (g *GroupedFieldSet) add(responseName string, field *language.Field) {
	if idx, exists := g.index[responseName]; exists {
		g.fields[idx].Fields = append(g.fields[idx].Fields, field)
		return
	}
	g.index[responseName] = len(g.fields)
	g.fields = append(g.fields, CollectedField{
		ResponseName: responseName,
		Fields:       []*language.Field{field},
	})
}

// Fields returns the groups in first-appearance order.
func (g *GroupedFieldSet) Fields() []CollectedField {
	return g.fields
}

// Len returns the number of response keys.
func (g *GroupedFieldSet) Len() int {
	return len(g.fields)
}

// collectFields collects fields from a selection set
func collectFields(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet) *GroupedFieldSet {
	grouped := newGroupedFieldSet()
	collectFieldsImpl(state, objectType, selectionSet, grouped, make(map[string]bool))
	return grouped
}

func collectFieldsImpl(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, grouped *GroupedFieldSet, visitedFragments map[string]bool) {
	for _, selection := range selectionSet {
		switch sel := selection.(type) {
		case *language.Field:
			if !shouldIncludeNode(state, sel.Directives) {
				continue
			}
			responseName := sel.Alias
			if responseName == "" {
				responseName = sel.Name
			}
			grouped.add(responseName, sel)

		case *language.InlineFragment:
			if !shouldIncludeNode(state, sel.Directives) {
				continue
			}
			if !doesFragmentTypeApply(state.schema, objectType, sel.TypeCondition) {
				continue
			}
			collectFieldsImpl(state, objectType, sel.SelectionSet, grouped, visitedFragments)

		case *language.FragmentSpread:
			if !shouldIncludeNode(state, sel.Directives) {
				continue
			}
			if visitedFragments[sel.Name] {
				continue
			}
			visitedFragments[sel.Name] = true

			fragmentDef := state.document.Fragments.ForName(sel.Name)
			if fragmentDef == nil {
				continue
			}
			if !doesFragmentTypeApply(state.schema, objectType, fragmentDef.TypeCondition) {
				continue
			}
			collectFieldsImpl(state, objectType, fragmentDef.SelectionSet, grouped, visitedFragments)
		}
	}
}

// doesFragmentTypeApply matches object types by name and abstract types by
// membership.
func doesFragmentTypeApply(s *schema.Schema, objectType *schema.Type, typeCondition string) bool {
	if typeCondition == "" || typeCondition == objectType.Name {
		return true
	}
	if s == nil {
		return false
	}
	return s.IsPossibleType(typeCondition, objectType.Name)
}

// shouldIncludeNode evaluates @skip and @include. A directive whose "if"
// does not resolve to a boolean is ignored.
func shouldIncludeNode(state *executionState, directives language.DirectiveList) bool {
	if skip := directives.ForName("skip"); skip != nil {
		if b, ok := directiveCondition(state, skip); ok && b {
			return false
		}
	}
	if include := directives.ForName("include"); include != nil {
		if b, ok := directiveCondition(state, include); ok && !b {
			return false
		}
	}
	return true
}

func directiveCondition(state *executionState, directive *language.Directive) (bool, bool) {
	arg := directive.Arguments.ForName("if")
	if arg == nil || arg.Value == nil {
		return false, false
	}
	var v any
	if arg.Value.Kind == language.Variable {
		val, ok := state.variableValues[arg.Value.Raw]
		if !ok {
			return false, false
		}
		v = val
	} else {
		v = astValueToGo(arg.Value)
	}
	b, ok := v.(bool)
	return b, ok
}

// mergeSelectionSets concatenates the sub-selections of same-key fields.
func mergeSelectionSets(fields []*language.Field) language.SelectionSet {
	if len(fields) == 1 {
		return fields[0].SelectionSet
	}
	var out language.SelectionSet
	for _, f := range fields {
		out = append(out, f.SelectionSet...)
	}
	return out
}
