package executor

import (
	"context"
)

// Runtime is the host integration surface for field resolution, abstract
// type resolution, and leaf serialization.
//
//   - objectType is the GraphQL type name of the parent ("Query" for root
//     fields), field is the field name on that type.
//   - source is the parent object value; for root fields it is the root value
//     passed to ExecuteRequest.
//   - args holds already-coerced argument values.
//
// Implementations must not mutate source or args. Errors become located
// GraphQL errors at the field path.
type Runtime interface {
	// ResolveField returns the raw value of one field. (nil, nil) is null.
	ResolveField(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error)

	// ResolveType returns the concrete object type name of a value whose
	// static type is the interface or union abstractType.
	ResolveType(ctx context.Context, abstractType string, value any) (string, error)

	// SerializeLeafValue turns a scalar or enum value into a JSON-safe value.
	SerializeLeafValue(ctx context.Context, scalarOrEnumTypeName string, value any) (any, error)
}
