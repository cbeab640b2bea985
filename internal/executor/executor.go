package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	language "github.com/hanpama/fedgraph/internal/language"
	"github.com/hanpama/fedgraph/internal/response"
	schema "github.com/hanpama/fedgraph/internal/schema"
)

// errPropagateNull unwinds completion up to the nearest nullable position.
// It is never returned to callers of ExecuteRequest.
var errPropagateNull = errors.New("propagate null")

// executionState holds the state during query execution
type executionState struct {
	runtime        Runtime
	schema         *schema.Schema
	document       *language.QueryDocument
	variableValues map[string]any
	context        context.Context
	errors         []response.Error
}

type Executor struct {
	runtime Runtime
	schema  *schema.Schema
}

func NewExecutor(runtime Runtime, schema *schema.Schema) *Executor {
	return &Executor{runtime: runtime, schema: schema}
}

// Schema returns the schema the executor was built with.
func (e *Executor) Schema() *schema.Schema {
	return e.schema
}

// ExecuteRequest runs one operation of document. Fields of every operation
// type execute serially.
func (e *Executor) ExecuteRequest(
	ctx context.Context,
	document *language.QueryDocument,
	operationName string,
	variableValues map[string]any,
	initialValue any,
) *ExecutionResult {
	operation, err := getOperation(document, operationName)
	if err != nil {
		return &ExecutionResult{Errors: []response.Error{{Message: err.Error()}}}
	}

	coercedVariableValues, err := coerceVariableValues(e.schema, operation, variableValues)
	if err != nil {
		return &ExecutionResult{Errors: []response.Error{{Message: err.Error()}}}
	}

	var rootType *schema.Type
	switch operation.Operation {
	case language.Query:
		rootType = e.schema.GetQueryType()
	case language.Mutation:
		rootType = e.schema.GetMutationType()
	case language.Subscription:
		rootType = e.schema.GetSubscriptionType()
	default:
		return &ExecutionResult{Errors: []response.Error{{Message: fmt.Sprintf("unsupported operation type: %s", operation.Operation)}}}
	}
	if rootType == nil {
		return &ExecutionResult{Errors: []response.Error{{Message: fmt.Sprintf("root type not found for %s operation", operation.Operation)}}}
	}

	state := &executionState{
		runtime:        e.runtime,
		schema:         e.schema,
		document:       document,
		variableValues: coercedVariableValues,
		context:        ctx,
	}

	data, err := executeSelectionSet(state, rootType, operation.SelectionSet, initialValue, nil)
	if err != nil {
		return &ExecutionResult{Data: nil, Errors: state.errors}
	}
	return &ExecutionResult{Data: data, Errors: state.errors}
}

func getOperation(document *language.QueryDocument, operationName string) (*language.OperationDefinition, error) {
	if operationName == "" {
		if len(document.Operations) == 1 {
			return document.Operations[0], nil
		}
		return nil, fmt.Errorf("must provide operation name if query contains multiple operations")
	}
	if op := document.Operations.ForName(operationName); op != nil {
		return op, nil
	}
	return nil, fmt.Errorf("unknown operation named %q", operationName)
}

// executeSelectionSet returns errPropagateNull when a non-null field below
// objectValue produced null.
func executeSelectionSet(state *executionState, objectType *schema.Type, selectionSet language.SelectionSet, objectValue any, path *LinkedPath) (map[string]any, error) {
	grouped := collectFields(state, objectType, selectionSet)
	result := make(map[string]any, grouped.Len())

	for _, cf := range grouped.Fields() {
		fieldName := cf.Fields[0].Name
		fieldPath := path.Key(cf.ResponseName)

		if fieldName == "__typename" {
			result[cf.ResponseName] = objectType.Name
			continue
		}

		fieldDef := objectType.Field(fieldName)
		if fieldDef == nil {
			state.addError(fmt.Sprintf("Cannot query field %q on type %q.", fieldName, objectType.Name), fieldPath)
			continue
		}

		value, err := executeField(state, objectType, objectValue, fieldDef, cf.Fields, fieldPath)
		if err != nil {
			return nil, err
		}
		result[cf.ResponseName] = value
	}
	return result, nil
}

// executeField resolves and completes one grouped field. A propagated null is
// absorbed here when the field type is nullable.
func executeField(state *executionState, objectType *schema.Type, objectValue any, fieldDef *schema.Field, fields []*language.Field, path *LinkedPath) (any, error) {
	args, err := coerceArgumentValues(state.schema, fieldDef, fields[0].Arguments, state.variableValues)
	if err != nil {
		state.addError(err.Error(), path)
		return nullFor(fieldDef.Type)
	}

	resolved, err := state.runtime.ResolveField(state.context, objectType.Name, fieldDef.Name, objectValue, args)
	if err != nil {
		state.addError(err.Error(), path)
		return nullFor(fieldDef.Type)
	}

	value, err := completeValue(state, fieldDef.Type, fields, resolved, path)
	if err != nil {
		return nullFor(fieldDef.Type)
	}
	return value, nil
}

func nullFor(t *schema.TypeRef) (any, error) {
	if schema.IsNonNull(t) {
		return nil, errPropagateNull
	}
	return nil, nil
}

func completeValue(state *executionState, fieldType *schema.TypeRef, fields []*language.Field, result any, path *LinkedPath) (any, error) {
	if schema.IsNonNull(fieldType) {
		value, err := completeValue(state, schema.Unwrap(fieldType), fields, result, path)
		if err != nil {
			return nil, err
		}
		if value == nil {
			if !state.hasErrorAtPath(path) {
				state.addError(fmt.Sprintf("Cannot return null for non-nullable field %s.", fieldLabel(fields)), path)
			}
			return nil, errPropagateNull
		}
		return value, nil
	}

	if isNullish(result) {
		return nil, nil
	}

	if schema.IsList(fieldType) {
		return completeListValue(state, schema.Unwrap(fieldType), fields, result, path)
	}

	namedType := state.schema.Types[schema.GetNamedType(fieldType)]
	if namedType == nil {
		state.addError(fmt.Sprintf("unknown type %s", schema.GetNamedType(fieldType)), path)
		return nil, nil
	}

	switch namedType.Kind {
	case schema.TypeKindScalar, schema.TypeKindEnum:
		v, err := state.runtime.SerializeLeafValue(state.context, namedType.Name, result)
		if err != nil {
			state.addError(err.Error(), path)
			return nil, nil
		}
		return v, nil

	case schema.TypeKindInterface, schema.TypeKindUnion:
		typeName, err := state.runtime.ResolveType(state.context, namedType.Name, result)
		if err != nil {
			state.addError(err.Error(), path)
			return nil, nil
		}
		objectType := state.schema.Types[typeName]
		if objectType == nil || objectType.Kind != schema.TypeKindObject || !state.schema.IsPossibleType(namedType.Name, typeName) {
			state.addError(fmt.Sprintf("Abstract type %s must resolve to an object type at runtime, got %q", namedType.Name, typeName), path)
			return nil, nil
		}
		return completeObjectValue(state, objectType, fields, result, path)

	case schema.TypeKindObject:
		return completeObjectValue(state, namedType, fields, result, path)
	}

	state.addError(fmt.Sprintf("cannot complete value of type %s", namedType.Name), path)
	return nil, nil
}

func completeListValue(state *executionState, itemType *schema.TypeRef, fields []*language.Field, result any, path *LinkedPath) (any, error) {
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		state.addError(fmt.Sprintf("Expected a list for field %s, got %T", fieldLabel(fields), result), path)
		return nil, nil
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item, err := completeValue(state, itemType, fields, rv.Index(i).Interface(), path.Index(i))
		if err != nil {
			if schema.IsNonNull(itemType) {
				return nil, err
			}
			item = nil
		}
		out[i] = item
	}
	return out, nil
}

func completeObjectValue(state *executionState, objectType *schema.Type, fields []*language.Field, result any, path *LinkedPath) (any, error) {
	value, err := executeSelectionSet(state, objectType, mergeSelectionSets(fields), result, path)
	if err != nil {
		return nil, err
	}
	return value, nil
}

func isNullish(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func fieldLabel(fields []*language.Field) string {
	f := fields[0]
	if f.ObjectDefinition != nil {
		return f.ObjectDefinition.Name + "." + f.Name
	}
	return f.Name
}

func typeRefFromAST(t *language.Type) *schema.TypeRef {
	if t == nil {
		return nil
	}
	var inner *schema.TypeRef
	if t.Elem != nil {
		inner = schema.ListType(typeRefFromAST(t.Elem))
	} else {
		inner = schema.NamedType(t.NamedType)
	}
	if t.NonNull {
		return schema.NonNullType(inner)
	}
	return inner
}

func (state *executionState) addError(message string, path *LinkedPath) {
	state.errors = append(state.errors, response.Error{Message: message, Path: path.Slice()})
}

// hasErrorAtPath reports whether an error with the given path already exists.
func (state *executionState) hasErrorAtPath(path *LinkedPath) bool {
	p := path.Slice()
	for _, err := range state.errors {
		if reflect.DeepEqual(err.Path, p) {
			return true
		}
	}
	return false
}
