package source

import (
	"context"
	"sync"
)

// EndpointProvider returns the URLs serving a source. Implementations may
// integrate with service discovery and must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, service string) ([]string, error)
}

// StaticEndpoints is a provider backed by an in-memory map from source name
// to URLs. Set replaces the URLs of one source, e.g. on configuration
// reload.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		cp[k] = append([]string(nil), v...)
	}
	return &StaticEndpoints{data: cp}
}

func (s *StaticEndpoints) Set(service string, urls []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[service] = append([]string(nil), urls...)
}

func (s *StaticEndpoints) Endpoints(_ context.Context, service string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[service]
	if len(arr) == 0 {
		return nil, ErrNoEndpoints
	}
	return append([]string(nil), arr...), nil
}

type staticList []string

func (l staticList) Endpoints(context.Context, string) ([]string, error) {
	if len(l) == 0 {
		return nil, ErrNoEndpoints
	}
	return l, nil
}
