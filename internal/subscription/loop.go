// Package subscription runs the per-subscription event loop: it forwards
// upstream events through the rest of a subscription plan to the client and
// ends the stream on client close, credential expiry or schema reload.
package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/hanpama/fedgraph/internal/metrics"
	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/response"
	"github.com/hanpama/fedgraph/internal/source"
)

// EventSource yields upstream events. The loop consumes it but never closes
// the underlying connection.
type EventSource interface {
	Events() <-chan source.Event
}

// Executor evaluates the rest of a subscription plan against one event.
type Executor interface {
	ExecuteNode(ctx context.Context, node plan.Node, variables map[string]any, input any) (any, []response.Error, error)
}

// Sender is the client side of the stream. Close signals that no payload
// follows.
type Sender interface {
	response.Sender
	Close() error
}

type state int

const (
	stateIdle state = iota
	stateActive
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateActive:
		return "active"
	default:
		return "terminated"
	}
}

// signal is a wake-up reason, in priority order.
type signal int

const (
	sigClosed signal = iota
	sigExpired
	sigEvent
	sigConfigReload
	sigSchemaReload
)

// Loop is one subscription. All channels may be nil, which disables the
// corresponding signal.
type Loop struct {
	// Init delivers the upstream event source once the handshake completes.
	// Closing it without a value ends the loop.
	Init <-chan EventSource
	// Closed is closed when the client goes away.
	Closed <-chan struct{}
	Sender Sender

	ConfigReload <-chan struct{}
	SchemaReload <-chan struct{}
	// Expiry is when the caller's credential stops being valid. Zero means
	// never.
	Expiry time.Time

	Rest      plan.Node
	Variables map[string]any
	Executor  Executor

	Metrics *metrics.Metrics
	Logger  log.Logger

	state   state
	pending pending
}

// pending holds signals received while a higher-priority one was ready.
type pending struct {
	expired bool
	event   *source.Event
	drained bool
	config  bool
	schema  bool
}

// Run drives the loop until it terminates. It returns an error only when
// the rest of the plan could not be evaluated; client departure, upstream
// exhaustion and terminal reasons all end the loop with nil.
func (l *Loop) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := l.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	defer func() {
		level.Debug(logger).Log("msg", "subscription finished", "state", l.state)
		l.state = stateTerminated
		if err := l.Sender.Close(); err != nil {
			level.Debug(logger).Log("msg", "closing subscription sender", "err", err)
		}
	}()

	var src EventSource
	select {
	case <-l.Closed:
		return nil
	case <-ctx.Done():
		return nil
	case s, ok := <-l.Init:
		if !ok || s == nil {
			level.Debug(logger).Log("msg", "subscription handshake did not complete")
			return nil
		}
		src = s
	}

	l.state = stateActive
	m.Subscriptions.Activate()
	defer m.Subscriptions.Terminate()
	level.Debug(logger).Log("msg", "subscription active")

	var expiry <-chan time.Time
	if !l.Expiry.IsZero() {
		l.pending.expired = !time.Now().Before(l.Expiry)
		t := time.NewTimer(time.Until(l.Expiry))
		defer t.Stop()
		expiry = t.C
	}
	events := src.Events()

	for l.state == stateActive {
		sig := l.next(ctx, events, expiry)
		switch sig {
		case sigClosed:
			level.Debug(logger).Log("msg", "subscription closed by client")
			return nil
		case sigExpired:
			level.Info(logger).Log("msg", "subscription credential expired")
			l.terminal(response.NewError("subscription closed because the JWT has expired", response.CodeSubscriptionJWTExpired, nil))
			return nil
		case sigSchemaReload:
			level.Info(logger).Log("msg", "subscription terminated by schema reload")
			l.terminal(response.NewError("subscription has been closed due to a schema reload", response.CodeSubscriptionSchemaReload, nil))
			return nil
		case sigConfigReload:
			l.pending.config = false
			level.Info(logger).Log("msg", "configuration reloaded, subscription continues")
			err := l.Sender.Send(response.Payload{
				Path:    []any{},
				Errors:  []response.Error{response.NewError("configuration has been reloaded; the subscription continues", response.CodeSubscriptionConfigReload, nil)},
				HasNext: response.Bool(true),
			})
			if err != nil {
				level.Debug(logger).Log("msg", "client gone", "err", err)
				return nil
			}
		case sigEvent:
			if l.pending.drained {
				level.Debug(logger).Log("msg", "upstream subscription ended")
				return nil
			}
			ev := *l.pending.event
			l.pending.event = nil
			done, err := l.forward(ctx, ev, m, logger)
			if err != nil || done {
				return err
			}
		}
	}
	return nil
}

// next returns the highest-priority ready signal. Lower-priority signals
// received along the way stay pending for later iterations.
func (l *Loop) next(ctx context.Context, events <-chan source.Event, expiry <-chan time.Time) signal {
	for {
		select {
		case <-l.Closed:
			return sigClosed
		case <-ctx.Done():
			return sigClosed
		default:
		}
		if !l.pending.expired {
			select {
			case <-expiry:
				l.pending.expired = true
			default:
			}
		}
		if l.pending.expired {
			return sigExpired
		}
		if l.pending.event == nil && !l.pending.drained {
			select {
			case ev, ok := <-events:
				l.receive(ev, ok)
			default:
			}
		}
		if !l.pending.config {
			select {
			case <-l.ConfigReload:
				l.pending.config = true
			default:
			}
		}
		if !l.pending.schema {
			select {
			case <-l.SchemaReload:
				l.pending.schema = true
			default:
			}
		}
		switch {
		case l.pending.event != nil || l.pending.drained:
			return sigEvent
		case l.pending.config:
			return sigConfigReload
		case l.pending.schema:
			return sigSchemaReload
		}

		// Nothing ready: block on everything, then re-check priorities.
		select {
		case <-l.Closed:
			return sigClosed
		case <-ctx.Done():
			return sigClosed
		case <-expiry:
			l.pending.expired = true
		case ev, ok := <-events:
			l.receive(ev, ok)
		case <-l.ConfigReload:
			l.pending.config = true
		case <-l.SchemaReload:
			l.pending.schema = true
		}
	}
}

func (l *Loop) receive(ev source.Event, ok bool) {
	if !ok {
		l.pending.drained = true
		return
	}
	l.pending.event = &ev
}

// forward runs the rest of the plan on ev and sends the result. done
// reports that the loop must stop.
func (l *Loop) forward(ctx context.Context, ev source.Event, m *metrics.Metrics, logger log.Logger) (done bool, err error) {
	received := time.Now()
	if ev.Err != nil {
		level.Warn(logger).Log("msg", "upstream subscription failed", "err", ev.Err)
		l.terminal(response.NewError(fmt.Sprintf("subscription upstream failed: %v", ev.Err), response.CodeSubscriptionFetchError, nil))
		return true, nil
	}

	p := response.Payload{
		Data:       ev.Data,
		Path:       []any{},
		Errors:     ev.Errors,
		HasNext:    response.Bool(true),
		ReceivedAt: received,
	}
	if l.Rest != nil && ev.Data != nil {
		data, errs, err := l.Executor.ExecuteNode(ctx, l.Rest, l.Variables, ev.Data)
		if err != nil {
			level.Error(logger).Log("msg", "evaluating subscription event", "err", err)
			l.terminal(response.NewError("internal error while processing a subscription event", response.CodeInternalServerError, nil))
			return true, fmt.Errorf("subscription event: %w", err)
		}
		p.Data = data
		p.Errors = append(append([]response.Error(nil), ev.Errors...), errs...)
	}
	if err := l.Sender.Send(p); err != nil {
		level.Debug(logger).Log("msg", "client gone", "err", err)
		return true, nil
	}
	m.EventLatency.Observe(time.Since(p.ReceivedAt).Seconds())
	return false, nil
}

// terminal sends the last payload of the stream and ends the loop.
func (l *Loop) terminal(e response.Error) {
	_ = l.Sender.Send(response.Payload{
		Path:    []any{},
		Errors:  []response.Error{e},
		HasNext: response.Bool(false),
	})
	l.state = stateTerminated
}
