package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmespath/go-jmespath"
	"golang.org/x/sync/errgroup"

	"github.com/hanpama/fedgraph/internal/executor"
	"github.com/hanpama/fedgraph/internal/introspection"
	"github.com/hanpama/fedgraph/internal/language"
	"github.com/hanpama/fedgraph/internal/response"
	"github.com/hanpama/fedgraph/internal/schema"
)

// Binding resolves a field or an entity with one HTTP call.
//
// URL is a template: {$args.name} expands to a field argument and
// {$this.name} to a field of the parent object (or of the entity
// representation). Relative URLs resolve against the connector's base URL.
// Select is an optional JMESPath expression applied to the decoded body.
type Binding struct {
	Method string `mapstructure:"method"`
	URL    string `mapstructure:"url"`
	Select string `mapstructure:"select"`
}

type ConnectorConfig struct {
	Name    string
	SDL     string
	BaseURL string
	// Fields maps "Type.field" to its binding. Unbound fields read the
	// same-named key of their parent object.
	Fields map[string]Binding
	// Entities maps an entity type name to the binding that loads one
	// entity from its representation.
	Entities map[string]Binding

	// CacheSize bounds the parsed operation cache. Zero means 256.
	CacheSize  int
	HTTPClient *http.Client
	Logger     log.Logger
}

// Connector serves GraphQL operations locally by resolving each field
// against a REST backend.
type Connector struct {
	name    string
	cfg     ConnectorConfig
	base    *url.URL
	exec    *executor.Executor
	docs    *lru.Cache[uint64, *language.QueryDocument]
	selects map[string]*jmespath.JMESPath
	client  *http.Client
	logger  log.Logger
}

func NewConnector(cfg ConnectorConfig) (*Connector, error) {
	sch, err := schema.BuildFromSDL(cfg.Name, cfg.SDL+entitiesSDL(cfg.Entities))
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", cfg.Name, err)
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 256
	}
	docs, err := lru.New[uint64, *language.QueryDocument](size)
	if err != nil {
		return nil, err
	}
	c := &Connector{
		name:    cfg.Name,
		cfg:     cfg,
		docs:    docs,
		selects: map[string]*jmespath.JMESPath{},
		client:  cfg.HTTPClient,
		logger:  cfg.Logger,
	}
	if c.client == nil {
		c.client = http.DefaultClient
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	c.logger = log.With(c.logger, "source", cfg.Name)
	if cfg.BaseURL != "" {
		if c.base, err = url.Parse(cfg.BaseURL); err != nil {
			return nil, fmt.Errorf("connector %s: base url: %w", cfg.Name, err)
		}
	}

	for key, b := range cfg.Fields {
		typeName, fieldName, ok := strings.Cut(key, ".")
		t := sch.Types[typeName]
		if !ok || t == nil || t.Field(fieldName) == nil {
			return nil, fmt.Errorf("connector %s: binding %q names no field of the schema", cfg.Name, key)
		}
		if err := c.compile(key, b); err != nil {
			return nil, err
		}
	}
	for typeName, b := range cfg.Entities {
		if sch.Types[typeName] == nil {
			return nil, fmt.Errorf("connector %s: entity binding for unknown type %q", cfg.Name, typeName)
		}
		if err := c.compile(typeName, b); err != nil {
			return nil, err
		}
	}
	w := introspection.Wrap(c, sch)
	c.exec = executor.NewExecutor(w.Runtime, w.Schema)
	return c, nil
}

func (c *Connector) compile(key string, b Binding) error {
	if b.URL == "" {
		return fmt.Errorf("connector %s: binding %q has no url", c.name, key)
	}
	if b.Select == "" {
		return nil
	}
	jp, err := jmespath.Compile(b.Select)
	if err != nil {
		return fmt.Errorf("connector %s: binding %q: select: %w", c.name, key, err)
	}
	c.selects[key] = jp
	return nil
}

// entitiesSDL declares the _entities entry point over the bound entity types.
func entitiesSDL(entities map[string]Binding) string {
	if len(entities) == 0 {
		return ""
	}
	names := make([]string, 0, len(entities))
	for n := range entities {
		names = append(names, n)
	}
	sort.Strings(names)
	return "\nscalar _Any\nunion _Entity = " + strings.Join(names, " | ") +
		"\nextend type Query {\n  _entities(representations: [_Any!]!): [_Entity]!\n}\n"
}

func (c *Connector) Name() string { return c.name }

// Fetch executes req against the connector schema. Operation errors are
// reported in the response, never as a transport error.
func (c *Connector) Fetch(ctx context.Context, req Request) (*Response, error) {
	doc, err := c.document(req.Operation)
	if err != nil {
		return &Response{Errors: []response.Error{{Message: err.Error()}}}, nil
	}
	res := c.exec.ExecuteRequest(ctx, doc, req.OperationName, req.Variables, nil)
	out := &Response{Errors: res.Errors}
	if res.Data != nil {
		out.Data = res.Data
	}
	return out, nil
}

func (c *Connector) document(operation string) (*language.QueryDocument, error) {
	key := xxhash.Sum64String(operation)
	if doc, ok := c.docs.Get(key); ok {
		return doc, nil
	}
	doc, err := language.ParseQuery(operation)
	if err != nil {
		return nil, err
	}
	c.docs.Add(key, doc)
	return doc, nil
}

func (c *Connector) ResolveField(ctx context.Context, objectType, field string, src any, args map[string]any) (any, error) {
	if field == "_entities" && objectType == c.exec.Schema().QueryType {
		reps, _ := args["representations"].([]any)
		return c.resolveEntities(ctx, reps)
	}
	key := objectType + "." + field
	if b, ok := c.cfg.Fields[key]; ok {
		return c.call(ctx, key, b, args, src)
	}
	obj, _ := src.(map[string]any)
	return obj[field], nil
}

func (c *Connector) resolveEntities(ctx context.Context, reps []any) (any, error) {
	out := make([]any, len(reps))
	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range reps {
		rep, _ := raw.(map[string]any)
		typeName, _ := rep["__typename"].(string)
		b, ok := c.cfg.Entities[typeName]
		if !ok {
			return nil, fmt.Errorf("no entity binding for type %q", typeName)
		}
		g.Go(func() error {
			v, err := c.call(gctx, typeName, b, nil, rep)
			if err != nil {
				return err
			}
			obj, ok := v.(map[string]any)
			if !ok {
				return nil
			}
			for k, kv := range rep {
				if _, set := obj[k]; !set {
					obj[k] = kv
				}
			}
			obj["__typename"] = typeName
			out[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Connector) ResolveType(_ context.Context, abstractType string, value any) (string, error) {
	obj, _ := value.(map[string]any)
	if tn, ok := obj["__typename"].(string); ok {
		return tn, nil
	}
	return "", fmt.Errorf("cannot resolve concrete type of %s without __typename", abstractType)
}

func (c *Connector) SerializeLeafValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

// call performs the HTTP request of one binding. A 404 answer is null.
func (c *Connector) call(ctx context.Context, key string, b Binding, args map[string]any, this any) (any, error) {
	target, err := c.expand(b.URL, args, this)
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(b.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if method != http.MethodGet && method != http.MethodDelete && len(args) > 0 {
		buf, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	forwardedHeaders(ctx).apply(httpReq.Header)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		level.Debug(c.logger).Log("msg", "connector call failed", "binding", key, "status", resp.StatusCode)
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if jp, ok := c.selects[key]; ok {
		return jp.Search(v)
	}
	return v, nil
}

var templateVar = regexp.MustCompile(`\{\$(args|this)\.([A-Za-z_][A-Za-z0-9_.]*)\}`)

// expand fills the URL template and resolves it against the base URL.
func (c *Connector) expand(tmpl string, args map[string]any, this any) (string, error) {
	var missing string
	out := templateVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := templateVar.FindStringSubmatch(m)
		var root any = args
		if sub[1] == "this" {
			root = this
		}
		v, ok := lookup(root, strings.Split(sub[2], "."))
		if !ok || v == nil {
			missing = "$" + sub[1] + "." + sub[2]
			return ""
		}
		return url.PathEscape(formatValue(v))
	})
	if missing != "" {
		return "", fmt.Errorf("url template %q: %s is not set", tmpl, missing)
	}
	if c.base == nil {
		return out, nil
	}
	ref, err := url.Parse(out)
	if err != nil {
		return "", err
	}
	return c.base.ResolveReference(ref).String(), nil
}

func lookup(v any, keys []string) (any, bool) {
	for _, k := range keys {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = obj[k]; !ok {
			return nil, false
		}
	}
	return v, true
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}
