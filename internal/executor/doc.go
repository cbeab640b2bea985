// Package executor implements the GraphQL field execution algorithm used by
// resolver-backed sources.
//
// # Execution Model
//
// Execution is a plain recursive descent over one selection set at a time:
//
//  1. CollectFields walks the selection set for a concrete object type,
//     evaluates @skip/@include, expands fragments whose type condition
//     applies, and groups field nodes by response key in document order.
//  2. Each grouped field is resolved through Runtime.ResolveField and then
//     completed against its declared return type.
//  3. Completion recurses into lists (one index segment per element), leaf
//     types (Runtime.SerializeLeafValue), abstract types (Runtime.ResolveType
//     followed by object completion) and object types (a new CollectFields
//     round).
//
// The response path of the field being executed is a LinkedPath: a
// reverse-linked list extended on the call stack and materialized only when
// an error has to be reported.
//
// # Errors and Null Propagation
//
// A resolver error or a null in a Non-Null position records one located
// error and returns errPropagateNull. The signal travels up until it reaches
// a nullable position (a nullable field or a nullable list element), which
// becomes null. When it reaches the operation root, the result data is null.
//
// # Directives
//
// @skip and @include accept a literal or a variable. When the "if" argument
// is absent, refers to an undefined variable, or is not a boolean, the
// directive is ignored and the selection is kept.
package executor
