// Package source implements the fetch capability: a closed set of source
// variants (remote GraphQL subgraphs and locally resolved REST connectors)
// addressed by service name.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hanpama/fedgraph/internal/response"
)

var (
	// ErrUnknownSource is returned when a request names no registered source.
	ErrUnknownSource = errors.New("source: unknown source")
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("source: no endpoints available")
	// ErrSubscriptionUnsupported is returned by sources that cannot stream.
	ErrSubscriptionUnsupported = errors.New("source: subscriptions not supported")
)

// Request is one sub-operation addressed to Target.
type Request struct {
	Target        string
	Operation     string
	OperationName string
	OperationKind string
	Variables     map[string]any
}

// Response is the decoded GraphQL response of a sub-request.
type Response struct {
	Data   any              `json:"data"`
	Errors []response.Error `json:"errors,omitempty"`
}

// Fetcher sends sub-requests. Implementations own retries; callers see
// them only as latency.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*Response, error)
}

// Event is one message of a subscription stream. A non-nil Err ends the
// stream.
type Event struct {
	Response
	Err error
}

// Stream is an open subscription. Events is closed when the upstream ends;
// Close releases the connection.
type Stream interface {
	Events() <-chan Event
	Close() error
}

// Subscriber opens subscription streams.
type Subscriber interface {
	Subscribe(ctx context.Context, req Request) (Stream, error)
}

// Source is *Subgraph or *Connector.
type Source interface {
	Name() string
	isSource()
}

func (*Subgraph) isSource()  {}
func (*Connector) isSource() {}

// Registry dispatches requests to sources by name.
type Registry struct {
	sources map[string]Source
}

func NewRegistry(sources ...Source) (*Registry, error) {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		if _, dup := r.sources[s.Name()]; dup {
			return nil, fmt.Errorf("source %q registered twice", s.Name())
		}
		r.sources[s.Name()] = s
	}
	return r, nil
}

// Names returns the registered source names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.sources))
	for n := range r.sources {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the source registered under name.
func (r *Registry) Lookup(name string) (Source, bool) {
	s, ok := r.sources[name]
	return s, ok
}

func (r *Registry) Fetch(ctx context.Context, req Request) (*Response, error) {
	src, ok := r.sources[req.Target]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSource, req.Target)
	}
	switch s := src.(type) {
	case *Subgraph:
		return s.Fetch(ctx, req)
	case *Connector:
		return s.Fetch(ctx, req)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownSource, req.Target)
}

func (r *Registry) Subscribe(ctx context.Context, req Request) (Stream, error) {
	src, ok := r.sources[req.Target]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSource, req.Target)
	}
	switch s := src.(type) {
	case *Subgraph:
		return s.Subscribe(ctx, req)
	case *Connector:
		return nil, fmt.Errorf("%w: connector %q", ErrSubscriptionUnsupported, s.Name())
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownSource, req.Target)
}

// Close releases resources held by every source.
func (r *Registry) Close() error {
	var errs []error
	for _, s := range r.sources {
		if sg, ok := s.(*Subgraph); ok {
			errs = append(errs, sg.Close())
		}
	}
	return errors.Join(errs...)
}
