// Package server exposes plan evaluation over HTTP: JSON responses for
// single-shot plans, multipart/mixed for deferred plans, and
// graphql-transport-ws websockets for subscriptions.
package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/atomic"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/fedgraph/internal/eventbus"
	"github.com/hanpama/fedgraph/internal/events"
	"github.com/hanpama/fedgraph/internal/interpreter"
	"github.com/hanpama/fedgraph/internal/metrics"
	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/reload"
	"github.com/hanpama/fedgraph/internal/reqid"
	"github.com/hanpama/fedgraph/internal/response"
	"github.com/hanpama/fedgraph/internal/source"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RequestIDHeader carries the request id to clients and sources.
const RequestIDHeader = "X-Request-Id"

// Plans looks plans up by name. *plan.Store implements it.
type Plans interface {
	Get(name string) (*plan.Plan, bool)
}

// Handler is an http.Handler serving a GraphQL endpoint backed by
// pre-computed plans.
type Handler struct {
	plans Plans
	exec  *interpreter.Interpreter
	opt   Options

	// open counts subscription slots reserved against MaxSubscriptions.
	open atomic.Int64
}

type Options struct {
	// Timeout sets a default timeout if the incoming request context has none.
	// 0 means no default timeout. Subscriptions are not bounded by it.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// ForwardHeaders lists HTTP headers forwarded to sources.
	// Header names are case-insensitive. Default is none.
	ForwardHeaders []string

	// Subscriber opens upstream subscriptions. Nil disables the websocket
	// endpoint.
	Subscriber source.Subscriber
	// InitTimeout bounds the wait for connection_init on a websocket.
	InitTimeout time.Duration
	// MaxSubscriptions caps the subscriptions open on this handler. 0 means
	// no cap.
	MaxSubscriptions int64

	ConfigReloads *reload.Broadcaster
	SchemaReloads *reload.Broadcaster

	Metrics *metrics.Metrics
	Logger  log.Logger
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithForwardHeaders(headers ...string) Option {
	return func(o *Options) { o.ForwardHeaders = headers }
}

// WithSubscriptions enables the websocket endpoint.
func WithSubscriptions(sub source.Subscriber, maxOpen int64) Option {
	return func(o *Options) {
		o.Subscriber = sub
		o.MaxSubscriptions = maxOpen
	}
}

func WithInitTimeout(d time.Duration) Option { return func(o *Options) { o.InitTimeout = d } }

// WithReloads connects subscriptions to reload notifications.
func WithReloads(config, schema *reload.Broadcaster) Option {
	return func(o *Options) {
		o.ConfigReloads = config
		o.SchemaReloads = schema
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(o *Options) { o.Metrics = m } }
func WithLogger(l log.Logger) Option        { return func(o *Options) { o.Logger = l } }

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

func New(plans Plans, exec *interpreter.Interpreter, opts ...Option) *Handler {
	op := Options{Timeout: 10 * time.Second, InitTimeout: 10 * time.Second}
	for _, f := range opts {
		f(&op)
	}
	if op.Logger == nil {
		op.Logger = log.NewNopLogger()
	}
	if op.Metrics == nil {
		op.Metrics = metrics.New(nil)
	}
	return &Handler{plans: plans, exec: exec, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var rid string
	if id := r.Header.Get(RequestIDHeader); id != "" {
		ctx, rid = reqid.WithID(ctx, id)
	} else {
		ctx, rid = reqid.NewContext(ctx)
	}
	w.Header().Set(RequestIDHeader, rid)
	ctx = metadata.NewOutgoingContext(ctx, h.forwarded(r.Header, rid))

	status := http.StatusOK
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Duration: time.Since(start)})
	}()

	if h.opt.Subscriber != nil && websocket.IsWebSocketUpgrade(r) {
		status = h.serveWebsocket(ctx, w, r)
		return
	}

	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, requestError("method not allowed"), h.opt.Pretty)
		return
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status = http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, response.Payload{Errors: []response.Error{*berr}}, h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if batch != nil {
		out := make([]response.Payload, len(batch))
		for i := range batch {
			c := &collector{}
			if err := h.executeOne(ctx, batch[i], c); err != nil {
				c.fail(err)
			}
			out[i] = c.result()
		}
		writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	rw := newResponder(w, acceptsMultipart(r.Header.Get("Accept")), h.opt.Pretty)
	if err := h.executeOne(ctx, req, rw); err != nil {
		rw.fail(err)
	}
	status = rw.finish()
}

// forwarded maps the configured request headers into outgoing metadata.
func (h *Handler) forwarded(hdr http.Header, rid string) metadata.MD {
	md := metadata.MD{}
	for _, name := range h.opt.ForwardHeaders {
		if vs := hdr.Values(name); len(vs) > 0 {
			md[strings.ToLower(name)] = append([]string(nil), vs...)
		}
	}
	md[strings.ToLower(RequestIDHeader)] = []string{rid}
	return md
}

// lookup returns the plan a request names.
func (h *Handler) lookup(req GraphQLRequest) (*plan.Plan, *response.Error) {
	name := req.PlanID()
	if name == "" {
		e := response.NewError("request must name a plan through operationName or extensions.planId", response.CodeInvalidGraphQLRequest, nil)
		return nil, &e
	}
	p, ok := h.plans.Get(name)
	if !ok {
		e := response.NewError("no plan named '"+name+"'", response.CodePlanNotFound, nil)
		return nil, &e
	}
	return p, nil
}

// executeOne evaluates one request. Request errors are sent as a payload;
// the returned error reports an aborted evaluation.
func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest, sender response.Sender) error {
	p, perr := h.lookup(req)
	if perr != nil {
		return sender.Send(response.Payload{Errors: []response.Error{*perr}})
	}
	if p.IsSubscription() {
		e := response.NewError("subscriptions are served over a graphql-transport-ws websocket", response.CodeInvalidGraphQLRequest, nil)
		return sender.Send(response.Payload{Errors: []response.Error{e}})
	}
	err := h.exec.Execute(ctx, interpreter.Request{Plan: p, OperationName: req.OperationName, Variables: req.Variables}, sender)
	if err != nil {
		level.Error(h.opt.Logger).Log("msg", "plan evaluation aborted", "plan", p.Name, "err", err)
	}
	return err
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// PlanID is extensions.planId when set, otherwise the operation name.
func (r GraphQLRequest) PlanID() string {
	if id, ok := r.Extensions["planId"].(string); ok && id != "" {
		return id
	}
	return r.OperationName
}

func badRequest(msg string) *response.Error {
	e := response.NewError(msg, response.CodeInvalidGraphQLRequest, nil)
	return &e
}

func requestError(msg string) response.Payload {
	return response.Payload{Errors: []response.Error{*badRequest(msg)}}
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *response.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		req := GraphQLRequest{Query: q.Get("query"), OperationName: q.Get("operationName"), Variables: map[string]any{}}
		if v := q.Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Variables); err != nil {
				return GraphQLRequest{}, nil, badRequest("invalid 'variables' JSON")
			}
		}
		if v := q.Get("extensions"); v != "" {
			if err := json.Unmarshal([]byte(v), &req.Extensions); err != nil {
				return GraphQLRequest{}, nil, badRequest("invalid 'extensions' JSON")
			}
		}
		return req, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return GraphQLRequest{}, nil, badRequest("unsupported Content-Type")
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return GraphQLRequest{}, nil, badRequest("failed to read body")
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return GraphQLRequest{}, nil, badRequest(errBodyTooLargeMessage)
	}

	// Try array (batch)
	if len(body) > 0 && body[0] == '[' {
		var arr []GraphQLRequest
		if err := json.Unmarshal(body, &arr); err != nil {
			return GraphQLRequest{}, nil, badRequest("invalid JSON")
		}
		if len(arr) == 0 {
			return GraphQLRequest{}, nil, badRequest("empty batch")
		}
		return GraphQLRequest{}, arr, nil
	}
	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return GraphQLRequest{}, nil, badRequest("invalid JSON")
	}
	if req.Variables == nil {
		req.Variables = map[string]any{}
	}
	return req, nil, nil
}

const errBodyTooLargeMessage = "body too large"

// ------------------ Response writing ------------------

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" || !originAllowed(opts, origin) {
		return
	}
	if contains(opts.AllowedOrigins, "*") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Expose-Headers", RequestIDHeader)
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}

func originAllowed(opts CORSOptions, origin string) bool {
	for _, o := range opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func acceptsMultipart(accept string) bool {
	for _, p := range strings.Split(accept, ",") {
		if strings.HasPrefix(strings.TrimSpace(p), "multipart/mixed") {
			return true
		}
	}
	return false
}
