// Package interpreter evaluates query plans: it drives fetches against
// sources, merges their results into one response tree, and streams
// incremental payloads for deferred blocks.
//
// Every node evaluation reads the current data and returns a delta; parents
// merge deltas after their children joined, so concurrent children never
// share a writable tree.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hanpama/fedgraph/internal/eventbus"
	"github.com/hanpama/fedgraph/internal/events"
	"github.com/hanpama/fedgraph/internal/metrics"
	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/respath"
	"github.com/hanpama/fedgraph/internal/response"
	"github.com/hanpama/fedgraph/internal/source"
)

// InvariantError reports a plan the interpreter cannot evaluate. It aborts
// the whole evaluation.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "plan invariant violated: " + e.Reason
}

func invariantf(format string, args ...any) error {
	return &InvariantError{Reason: fmt.Sprintf(format, args...)}
}

type Interpreter struct {
	fetcher        source.Fetcher
	logger         log.Logger
	metrics        *metrics.Metrics
	maxParallelism int64
}

type Option func(*Interpreter)

func WithLogger(l log.Logger) Option        { return func(in *Interpreter) { in.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(in *Interpreter) { in.metrics = m } }

// WithMaxParallelism caps the number of in-flight fetches of one evaluation.
// Zero means no cap.
func WithMaxParallelism(n int) Option { return func(in *Interpreter) { in.maxParallelism = int64(n) } }

func New(fetcher source.Fetcher, opts ...Option) *Interpreter {
	in := &Interpreter{fetcher: fetcher, logger: log.NewNopLogger()}
	for _, o := range opts {
		o(in)
	}
	if in.metrics == nil {
		in.metrics = metrics.New(nil)
	}
	return in
}

// Request is one plan evaluation.
type Request struct {
	Plan          *plan.Plan
	OperationName string
	Variables     map[string]any
}

// run is the per-evaluation state shared by every node.
type run struct {
	vars map[string]any
	sem  *semaphore.Weighted
}

func (in *Interpreter) newRun(vars map[string]any) *run {
	r := &run{vars: vars}
	if in.maxParallelism > 0 {
		r.sem = semaphore.NewWeighted(in.maxParallelism)
	}
	return r
}

// Execute evaluates a query or mutation plan and sends its payloads: one for
// a plain plan, a primary plus one or more incremental payloads for a Defer
// root. A non-nil error means the evaluation was aborted and the payloads
// sent so far are incomplete.
func (in *Interpreter) Execute(ctx context.Context, req Request, sender response.Sender) (err error) {
	start := time.Now()
	nerrs := 0
	eventbus.Publish(ctx, events.PlanStart{Plan: req.Plan.Name, OperationName: req.OperationName})
	counting := response.SenderFunc(func(p response.Payload) error {
		nerrs += len(p.Errors)
		return sender.Send(p)
	})
	defer func() {
		in.observeFailure(err, req.Plan.Name)
		eventbus.Publish(ctx, events.PlanFinish{Plan: req.Plan.Name, Errors: nerrs, Err: err, Duration: time.Since(start)})
	}()

	r := in.newRun(req.Variables)
	root := req.Plan.Node
	if c, ok := root.(*plan.Condition); ok {
		root = c.IfClause
		if !conditionValue(r.vars, c.Condition) {
			root = c.ElseClause
		}
	}

	switch n := root.(type) {
	case *plan.Defer:
		return in.executeDefer(ctx, r, n, counting)
	case *plan.Subscription:
		return invariantf("subscription plan %q must run through a subscription loop", req.Plan.Name)
	}

	data, errs, err := in.eval(ctx, r, root, nil, nil)
	if err != nil {
		return err
	}
	return counting.Send(response.Payload{Data: primaryData(data, errs), Errors: errs})
}

// ExecuteNode evaluates node against input and returns input merged with
// the node's output. input is not modified. Errors are rooted at the top of
// input.
func (in *Interpreter) ExecuteNode(ctx context.Context, node plan.Node, variables map[string]any, input any) (any, []response.Error, error) {
	delta, errs, err := in.eval(ctx, in.newRun(variables), node, input, nil)
	if err != nil {
		in.observeFailure(err, "")
		return nil, nil, err
	}
	return respath.DeepMerge(respath.Clone(input), delta), errs, nil
}

func (in *Interpreter) observeFailure(err error, planName string) {
	var ie *InvariantError
	if errors.As(err, &ie) {
		in.metrics.InvariantViolations.Inc()
		level.Error(in.logger).Log("msg", "plan invariant violated", "plan", planName, "err", err)
	}
}

// primaryData is null only when nothing was produced and errors explain why.
func primaryData(data any, errs []response.Error) any {
	if data == nil && len(errs) == 0 {
		return map[string]any{}
	}
	return data
}

func conditionValue(vars map[string]any, name string) bool {
	b, _ := vars[name].(bool)
	return b
}

// eval evaluates n against data, which it must not modify, and returns the
// delta to merge into data. at is the concrete path of data in the response.
func (in *Interpreter) eval(ctx context.Context, r *run, n plan.Node, data any, at []any) (any, []response.Error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	switch n := n.(type) {
	case nil:
		return nil, nil, nil
	case *plan.Fetch:
		return in.fetch(ctx, r, n, data, at)
	case *plan.Sequence:
		return in.sequence(ctx, r, n, data, at)
	case *plan.Parallel:
		return in.parallel(ctx, r, n, data, at)
	case *plan.Flatten:
		return in.flatten(ctx, r, n, data, at)
	case *plan.Condition:
		branch := n.ElseClause
		if conditionValue(r.vars, n.Condition) {
			branch = n.IfClause
		}
		return in.eval(ctx, r, branch, data, at)
	case *plan.Defer:
		return nil, nil, invariantf("Defer below the plan root at %s", respath.Format(at))
	case *plan.Subscription:
		return nil, nil, invariantf("Subscription below the plan root at %s", respath.Format(at))
	}
	return nil, nil, invariantf("unknown node %T", n)
}

func (in *Interpreter) sequence(ctx context.Context, r *run, n *plan.Sequence, data any, at []any) (any, []response.Error, error) {
	var (
		delta any
		errs  []response.Error
		cur   = data
		owned bool
	)
	for _, child := range n.Nodes {
		if child == nil {
			return nil, nil, invariantf("nil child in Sequence at %s", respath.Format(at))
		}
		d, e, err := in.eval(ctx, r, child, cur, at)
		if err != nil {
			return nil, nil, err
		}
		errs = append(errs, e...)
		if d == nil {
			continue
		}
		if !owned {
			cur, owned = respath.Clone(cur), true
		}
		cur = respath.DeepMerge(cur, respath.Clone(d))
		delta = respath.DeepMerge(delta, d)
	}
	return delta, errs, nil
}

func (in *Interpreter) parallel(ctx context.Context, r *run, n *plan.Parallel, data any, at []any) (any, []response.Error, error) {
	for _, child := range n.Nodes {
		if child == nil {
			return nil, nil, invariantf("nil child in Parallel at %s", respath.Format(at))
		}
	}
	deltas := make([]any, len(n.Nodes))
	errss := make([][]response.Error, len(n.Nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, child := range n.Nodes {
		g.Go(func() error {
			d, e, err := in.eval(gctx, r, child, data, at)
			deltas[i], errss[i] = d, e
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		delta any
		errs  []response.Error
	)
	for i := range n.Nodes {
		delta = respath.DeepMerge(delta, deltas[i])
		errs = append(errs, errss[i]...)
	}
	return delta, errs, nil
}

func (in *Interpreter) flatten(ctx context.Context, r *run, n *plan.Flatten, data any, at []any) (any, []response.Error, error) {
	if n.Node == nil {
		return nil, nil, invariantf("Flatten %s without node", n.Path)
	}
	var locs []respath.Location
	for _, loc := range respath.Locate(n.Path, data) {
		if loc.Value != nil {
			locs = append(locs, loc)
		}
	}
	if len(locs) == 0 {
		return nil, nil, nil
	}

	deltas := make([]any, len(locs))
	errss := make([][]response.Error, len(locs))
	g, gctx := errgroup.WithContext(ctx)
	for i, loc := range locs {
		g.Go(func() error {
			d, e, err := in.eval(gctx, r, n.Node, loc.Value, concat(at, loc.Path))
			deltas[i], errss[i] = d, e
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		delta any
		errs  []response.Error
	)
	for i, loc := range locs {
		if deltas[i] != nil {
			delta = respath.InsertAt(delta, loc.Path, deltas[i])
		}
		errs = append(errs, errss[i]...)
	}
	return delta, errs, nil
}

func concat(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
