package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/respath"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrCircuitOpen is returned while a subgraph's circuit breaker rejects
	// requests.
	ErrCircuitOpen = errors.New("source: circuit open")
	// ErrMalformedResponse is returned when a subgraph answers with a body
	// that is not a GraphQL response.
	ErrMalformedResponse = errors.New("source: malformed response")
)

// StatusError is a non-2xx answer from a subgraph.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "status " + strconv.Itoa(e.Code)
	}
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// retryable reports whether a later attempt may succeed.
func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// wireRequest is the body of a GraphQL-over-HTTP POST.
type wireRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Subgraph is a remote GraphQL service reached over HTTP, with websocket
// subscriptions.
type Subgraph struct {
	name    string
	opts    *Options
	breaker *gobreaker.CircuitBreaker[*Response]
	flight  singleflight.Group
	logger  log.Logger
	closed  atomic.Bool
}

func NewSubgraph(name string, opts ...Option) *Subgraph {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	s := &Subgraph{name: name, opts: o, logger: log.With(o.Logger, "source", name)}
	s.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:    name,
		Timeout: o.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return o.BreakerFailures > 0 && c.ConsecutiveFailures >= o.BreakerFailures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(s.logger).Log("msg", "circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return s
}

func (s *Subgraph) Name() string { return s.name }

// breakerSuccess counts only failures that say something about the
// subgraph's health.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedResponse) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.retryable()
	}
	return false
}

// Fetch posts the request. Queries are retried with exponential backoff and
// identical in-flight queries share one round trip; the caller always gets
// its own copy of the data.
func (s *Subgraph) Fetch(ctx context.Context, req Request) (*Response, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("source %s: closed", s.name)
	}
	if s.opts.Provider == nil {
		return nil, fmt.Errorf("source %s: provider not configured", s.name)
	}
	if _, ok := ctx.Deadline(); !ok && s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(wireRequest{Query: req.Operation, OperationName: req.OperationName, Variables: req.Variables})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	query := req.OperationKind == "" || req.OperationKind == plan.OperationQuery
	tries := uint(1)
	if query {
		tries += s.opts.MaxRetries
	}
	send := func(ctx context.Context) (*Response, error) {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.opts.RetryInterval
		return backoff.Retry(ctx, func() (*Response, error) {
			return s.attempt(ctx, body)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(tries),
			backoff.WithNotify(func(err error, next time.Duration) {
				level.Debug(s.logger).Log("msg", "retrying fetch", "err", err, "backoff", next)
			}),
		)
	}

	if !query || !s.opts.Dedup {
		return send(ctx)
	}
	key := dedupKey(ctx, req.Operation, body)
	ch := s.flight.DoChan(key, func() (any, error) {
		// Shared by every waiter; each gives up on its own context.
		sctx := context.WithoutCancel(ctx)
		if s.opts.Timeout > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(sctx, s.opts.Timeout)
			defer cancel()
		}
		return send(sctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := res.Val.(*Response)
		if res.Shared {
			return &Response{Data: respath.Clone(resp.Data), Errors: append(resp.Errors[:0:0], resp.Errors...)}, nil
		}
		return resp, nil
	}
}

// dedupKey covers the forwarded headers, so requests of different callers
// never share a response.
func dedupKey(ctx context.Context, operation string, body []byte) string {
	h := xxhash.New()
	_, _ = h.WriteString(operation)
	_, _ = h.Write(forwardedHeaders(ctx).bytes())
	_, _ = h.Write(body)
	return strconv.FormatUint(h.Sum64(), 16)
}

// attempt sends one request through the circuit breaker.
func (s *Subgraph) attempt(ctx context.Context, body []byte) (*Response, error) {
	resp, err := s.breaker.Execute(func() (*Response, error) {
		return s.post(ctx, body)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, backoff.Permanent(fmt.Errorf("%w: %s", ErrCircuitOpen, s.name))
	case err != nil && ctx.Err() != nil:
		return nil, backoff.Permanent(ctx.Err())
	}
	return resp, err
}

func (s *Subgraph) endpoint(ctx context.Context) (string, error) {
	endpoints, err := s.opts.Provider.Endpoints(ctx, s.name)
	if err != nil {
		return "", err
	}
	if len(endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	return endpoints[rand.IntN(len(endpoints))], nil
}

func (s *Subgraph) post(ctx context.Context, body []byte) (*Response, error) {
	endpoint, err := s.endpoint(ctx)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/graphql-response+json, application/json")
	forwardedHeaders(ctx).apply(httpReq.Header)

	httpResp, err := s.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		se := &StatusError{Code: httpResp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
		if !se.retryable() {
			return nil, backoff.Permanent(se)
		}
		return nil, se
	}

	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return &out, nil
}

// Close rejects further requests.
func (s *Subgraph) Close() error {
	s.closed.Store(true)
	return nil
}

// headers is the forwarded client metadata carried in the outgoing context.
type headers metadata.MD

func forwardedHeaders(ctx context.Context) headers {
	md, _ := metadata.FromOutgoingContext(ctx)
	return headers(md)
}

func (h headers) apply(dst http.Header) {
	for k, vs := range h {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func (h headers) bytes() []byte {
	b, _ := json.Marshal(map[string][]string(h))
	return b
}
