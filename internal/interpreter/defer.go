package interpreter

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/respath"
	"github.com/hanpama/fedgraph/internal/response"
)

// blockResult is a finished deferred block waiting for delivery.
type blockResult struct {
	index int
	tree  any
	errs  []response.Error
}

// executeDefer delivers the primary payload, then every deferred block once
// all blocks it depends on have been delivered. Blocks without a pending
// dependency run concurrently; delivery is serialized by this goroutine.
func (in *Interpreter) executeDefer(ctx context.Context, r *run, d *plan.Defer, sender response.Sender) error {
	deps, err := d.DependencyIndex()
	if err != nil {
		return invariantf("%v", err)
	}
	for i, b := range d.Deferred {
		if b == nil {
			return invariantf("nil deferred block %d", i)
		}
	}

	primary, errs, err := in.eval(ctx, r, d.Primary.Node, nil, nil)
	if err != nil {
		return err
	}
	first := response.Payload{Data: primaryData(primary, errs), Errors: errs}
	if len(d.Deferred) > 0 {
		first.HasNext = response.Bool(true)
	}
	if err := sender.Send(first); err != nil {
		return err
	}
	if len(d.Deferred) == 0 {
		return nil
	}

	// trees[i] is written by block i before delivered[i] is closed and only
	// read by dependents after that.
	trees := make([]any, len(d.Deferred))
	delivered := make([]chan struct{}, len(d.Deferred))
	for i := range delivered {
		delivered[i] = make(chan struct{})
	}
	results := make(chan blockResult)

	g, gctx := errgroup.WithContext(ctx)
	for i, block := range d.Deferred {
		g.Go(func() error {
			for _, j := range deps[i] {
				select {
				case <-delivered[j]:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			base := respath.Clone(primary)
			for _, j := range deps[i] {
				base = respath.DeepMerge(base, respath.Clone(trees[j]))
			}
			delta, errs, err := in.eval(gctx, r, block.Node, base, nil)
			if err != nil {
				return err
			}
			select {
			case results <- blockResult{index: i, tree: respath.DeepMerge(base, delta), errs: errs}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	deliver := func() error {
		for remaining := len(d.Deferred); remaining > 0; remaining-- {
			var res blockResult
			select {
			case res = <-results:
			case <-gctx.Done():
				return gctx.Err()
			}
			trees[res.index] = res.tree
			payloads := blockPayloads(d.Deferred[res.index], res.tree, res.errs)
			for k := range payloads {
				payloads[k].HasNext = response.Bool(remaining > 1 || k < len(payloads)-1)
				if err := sender.Send(payloads[k]); err != nil {
					return err
				}
			}
			close(delivered[res.index])
		}
		return nil
	}
	g.Go(deliver)
	return g.Wait()
}

// blockPayloads builds one payload per location of the block's query path.
// Errors ride on the first payload; a block with no location still yields a
// payload so the stream can carry hasNext.
func blockPayloads(b *plan.DeferredNode, tree any, errs []response.Error) []response.Payload {
	var out []response.Payload
	for _, loc := range respath.Locate(b.QueryPath, tree) {
		path := loc.Path
		if path == nil {
			path = []any{}
		}
		out = append(out, response.Payload{Data: loc.Value, Path: path, Label: b.Label})
	}
	if len(out) == 0 {
		out = append(out, response.Payload{Path: []any{}, Label: b.Label})
	}
	out[0].Errors = errs
	return out
}
