package interpreter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/hanpama/fedgraph/internal/eventbus"
	"github.com/hanpama/fedgraph/internal/events"
	"github.com/hanpama/fedgraph/internal/metrics"
	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/respath"
	"github.com/hanpama/fedgraph/internal/response"
	"github.com/hanpama/fedgraph/internal/rewrite"
	"github.com/hanpama/fedgraph/internal/source"
)

var fetchIDs = atomic.NewUint64(0)

// fetch sends one sub-operation. With Requires, data is the entity the
// enclosing Flatten located and the request carries its representation;
// an entity that does not match the requires selection is skipped.
func (in *Interpreter) fetch(ctx context.Context, r *run, f *plan.Fetch, data any, at []any) (any, []response.Error, error) {
	vars := selectVariables(r.vars, f.VariableUsages)
	entity := len(f.Requires) > 0
	if entity {
		rep, ok := representation(f.Requires, data)
		if !ok {
			return nil, nil, nil
		}
		vars["representations"] = []any{rewrite.ApplyAll(f.InputRewrites, rep)}
	} else if len(f.InputRewrites) > 0 {
		vars, _ = rewrite.ApplyAll(f.InputRewrites, vars).(map[string]any)
	}

	kind := f.OperationKind
	if kind == "" {
		kind = plan.OperationQuery
	}
	req := source.Request{
		Target:        f.ServiceName,
		Operation:     f.Operation,
		OperationName: f.OperationName,
		OperationKind: kind,
		Variables:     vars,
	}

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
		defer r.sem.Release(1)
	}

	id := fetchIDs.Inc()
	start := time.Now()
	eventbus.Publish(ctx, events.FetchStart{ID: id, Service: f.ServiceName, OperationName: f.OperationName, OperationKind: kind, Path: at})
	resp, err := in.fetcher.Fetch(ctx, req)
	elapsed := time.Since(start)
	in.observeFetch(ctx, id, f.ServiceName, resp, err, elapsed)

	if err != nil {
		if errors.Is(err, source.ErrUnknownSource) {
			return nil, nil, invariantf("fetch targets unknown source %q", f.ServiceName)
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		level.Warn(in.logger).Log("msg", "fetch failed", "service", f.ServiceName, "path", respath.Format(at), "err", err)
		code := response.CodeSubrequestHTTPError
		if errors.Is(err, source.ErrMalformedResponse) {
			code = response.CodeSubrequestMalformed
		}
		e := response.NewError(fmt.Sprintf("HTTP fetch failed from '%s': %v", f.ServiceName, err), code, at)
		e.Extensions["service"] = f.ServiceName
		return nil, []response.Error{e}, nil
	}

	out := resp.Data
	if entity {
		out = entityData(out)
	}
	out = rewrite.ApplyAll(f.OutputRewrites, out)
	return out, rerootErrors(resp.Errors, at, entity, f.ServiceName), nil
}

func (in *Interpreter) observeFetch(ctx context.Context, id uint64, service string, resp *source.Response, err error, elapsed time.Duration) {
	outcome, nerrs := metrics.OutcomeSuccess, 0
	switch {
	case err != nil:
		outcome = metrics.OutcomeFailure
	case len(resp.Errors) > 0:
		outcome, nerrs = metrics.OutcomeGraphQLError, len(resp.Errors)
	}
	in.metrics.FetchTotal.WithLabelValues(service, outcome).Inc()
	in.metrics.FetchDuration.WithLabelValues(service).Observe(elapsed.Seconds())
	eventbus.Publish(ctx, events.FetchFinish{ID: id, Service: service, Errors: nerrs, Err: err, Duration: elapsed})
}

func selectVariables(vars map[string]any, usages []string) map[string]any {
	out := make(map[string]any, len(usages)+1)
	for _, name := range usages {
		if v, ok := vars[name]; ok {
			out[name] = v
		}
	}
	return out
}

// entityData unwraps the single entity of an _entities response. Data
// without an _entities key is used as-is.
func entityData(data any) any {
	obj, ok := data.(map[string]any)
	if !ok {
		return data
	}
	raw, ok := obj["_entities"]
	if !ok {
		return data
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	return list[0]
}

// rerootErrors moves source errors under at. Entity errors located at
// _entities, with or without an index, attach to the entity itself.
func rerootErrors(errs []response.Error, at []any, entity bool, service string) []response.Error {
	if len(errs) == 0 {
		return nil
	}
	out := make([]response.Error, len(errs))
	for i, e := range errs {
		if entity && len(e.Path) > 0 && e.Path[0] == "_entities" {
			e.Path = e.Path[1:]
			if len(e.Path) > 0 {
				if _, ok := e.Path[0].(string); !ok {
					e.Path = e.Path[1:]
				}
			}
			if len(e.Path) == 0 {
				e.Path = nil
			}
		}
		if len(at) > 0 {
			e = e.WithPrefix(at)
		}
		ext := make(map[string]any, len(e.Extensions)+1)
		for k, v := range e.Extensions {
			ext[k] = v
		}
		ext["service"] = service
		e.Extensions = ext
		out[i] = e
	}
	return out
}

// representation projects v through the requires selection. ok is false when
// v is not an object, lacks a required field, or matches no fragment.
func representation(sels plan.SelectionSet, v any) (any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := map[string]any{}
	if !project(sels, obj, out) || len(out) == 0 {
		return nil, false
	}
	return out, true
}

func project(sels plan.SelectionSet, obj map[string]any, out map[string]any) bool {
	for _, sel := range sels {
		switch s := sel.(type) {
		case *plan.Field:
			name := s.ResponseName()
			val, ok := obj[name]
			if !ok {
				return false
			}
			if len(s.Selections) == 0 || val == nil {
				out[name] = val
				continue
			}
			sub, ok := projectValue(s.Selections, val)
			if !ok {
				return false
			}
			out[name] = sub
		case *plan.InlineFragment:
			if s.TypeCondition != "" {
				if tn, _ := respath.Typename(obj); tn != s.TypeCondition {
					continue
				}
			}
			if !project(s.Selections, obj, out) {
				return false
			}
		}
	}
	return true
}

func projectValue(sels plan.SelectionSet, v any) (any, bool) {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			if item == nil {
				continue
			}
			sub, ok := projectValue(sels, item)
			if !ok {
				return nil, false
			}
			out[i] = sub
		}
		return out, true
	case map[string]any:
		out := map[string]any{}
		if !project(sels, t, out) {
			return nil, false
		}
		return out, true
	}
	return nil, false
}
