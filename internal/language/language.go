package language

import (
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/vektah/gqlparser/v2/parser"
)

// Error is a syntax or validation error carrying source locations.
type Error = gqlerror.Error

func ParseQuery(source string) (*QueryDocument, error) {
	doc, err := parser.ParseQuery(&ast.Source{Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func ParseSchema(name, source string) (*SchemaDocument, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: name, Input: source})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// OperationKind returns the operation type of the named operation in
// source, or of its only operation when name is empty.
func OperationKind(source, name string) (Operation, error) {
	doc, err := ParseQuery(source)
	if err != nil {
		return "", err
	}
	if name == "" && len(doc.Operations) == 1 {
		return doc.Operations[0].Operation, nil
	}
	if op := doc.Operations.ForName(name); op != nil {
		return op.Operation, nil
	}
	return "", gqlerror.Errorf("operation %q not found", name)
}
