// Package response defines the client-visible payload and error shapes shared
// by the field execution core, the plan interpreter, and the server.
package response

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Extension codes attached to errors so clients can tell failure classes apart.
const (
	CodeSubrequestHTTPError       = "SUBREQUEST_HTTP_ERROR"
	CodeSubrequestMalformed       = "SUBREQUEST_MALFORMED_RESPONSE"
	CodeSubscriptionConfigReload  = "SUBSCRIPTION_CONFIG_RELOAD"
	CodeSubscriptionSchemaReload  = "SUBSCRIPTION_SCHEMA_RELOAD"
	CodeSubscriptionJWTExpired    = "SUBSCRIPTION_JWT_EXPIRED"
	CodeSubscriptionFetchError    = "SUBSCRIPTION_FETCH_ERROR"
	CodeInvalidGraphQLRequest     = "INVALID_GRAPHQL_REQUEST"
	CodePlanNotFound              = "PLAN_NOT_FOUND"
	CodeInternalServerError       = "INTERNAL_SERVER_ERROR"
	CodeSubscriptionLimitExceeded = "SUBSCRIPTION_LIMIT_EXCEEDED"
)

// Error is a located GraphQL error.
type Error struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

func (e Error) Error() string {
	return e.Message
}

// NewError builds an error carrying an extension code.
func NewError(message, code string, path []any) Error {
	return Error{Message: message, Path: path, Extensions: map[string]any{"code": code}}
}

// Code returns the extension code, or "" when none is set.
func (e Error) Code() string {
	c, _ := e.Extensions["code"].(string)
	return c
}

// WithPrefix returns a copy of e whose path is rooted under prefix.
func (e Error) WithPrefix(prefix []any) Error {
	if len(prefix) == 0 {
		return e
	}
	p := make([]any, 0, len(prefix)+len(e.Path))
	p = append(p, prefix...)
	p = append(p, e.Path...)
	e.Path = p
	return e
}

// Payload is one unit of a (possibly incremental) response.
//
// The primary payload carries no path. Deferred payloads carry the path their
// data attaches to and, optionally, the defer label. HasNext is nil for
// single-shot responses.
type Payload struct {
	Data       any            `json:"data"`
	Path       []any          `json:"path,omitempty"`
	Label      string         `json:"label,omitempty"`
	HasNext    *bool          `json:"hasNext,omitempty"`
	Errors     []Error        `json:"errors,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`

	// ReceivedAt is stamped by the subscription loop when an upstream event
	// arrives. It is not serialized.
	ReceivedAt time.Time `json:"-"`
}

// MarshalJSON renders path whenever it is non-nil, including the empty root
// path of a deferred payload, and omits data from subsequent payloads that
// carry none.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, 6)
	if p.Data != nil || p.Path == nil {
		out["data"] = p.Data
	}
	if p.Path != nil {
		out["path"] = p.Path
	}
	if p.Label != "" {
		out["label"] = p.Label
	}
	if p.HasNext != nil {
		out["hasNext"] = *p.HasNext
	}
	if len(p.Errors) > 0 {
		out["errors"] = p.Errors
	}
	if len(p.Extensions) > 0 {
		out["extensions"] = p.Extensions
	}
	return json.Marshal(out)
}

// Bool returns a pointer to b, for Payload.HasNext.
func Bool(b bool) *bool { return &b }

// Sender receives payloads produced by an evaluation. A non-nil error means
// the consumer is gone and no further payloads should be produced.
type Sender interface {
	Send(p Payload) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(p Payload) error

func (f SenderFunc) Send(p Payload) error { return f(p) }

// Collector is a Sender that stores every payload. It is safe for a single
// producer; the interpreter serializes its sends.
type Collector struct {
	Payloads []Payload
}

func (c *Collector) Send(p Payload) error {
	c.Payloads = append(c.Payloads, p)
	return nil
}
