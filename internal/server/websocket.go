package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/fedgraph/internal/credential"
	"github.com/hanpama/fedgraph/internal/eventbus"
	"github.com/hanpama/fedgraph/internal/events"
	"github.com/hanpama/fedgraph/internal/gqlws"
	"github.com/hanpama/fedgraph/internal/interpreter"
	"github.com/hanpama/fedgraph/internal/plan"
	"github.com/hanpama/fedgraph/internal/response"
	"github.com/hanpama/fedgraph/internal/source"
	"github.com/hanpama/fedgraph/internal/subscription"
)

// session is one websocket connection. Operations run in their own
// goroutines; the read loop owns the operations map.
type session struct {
	h      *Handler
	conn   *gqlws.Conn
	logger log.Logger
	expiry time.Time

	mu  sync.Mutex
	ops map[string]context.CancelFunc
	wg  sync.WaitGroup
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		Subprotocols: []string{gqlws.Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(h.opt.CORS.AllowedOrigins) == 0 || originAllowed(h.opt.CORS, origin)
		},
	}
}

// serveWebsocket runs a graphql-transport-ws session until the client
// leaves and returns the status reported for the upgrade.
func (h *Handler) serveWebsocket(ctx context.Context, w http.ResponseWriter, r *http.Request) int {
	ws, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		level.Debug(h.opt.Logger).Log("msg", "websocket upgrade failed", "err", err)
		return http.StatusBadRequest
	}
	conn := gqlws.NewConn(ws)
	if ws.Subprotocol() != gqlws.Subprotocol {
		conn.Close(websocket.CloseProtocolError, "unsupported subprotocol")
		return http.StatusSwitchingProtocols
	}

	s := &session{h: h, conn: conn, logger: h.opt.Logger, ops: map[string]context.CancelFunc{}}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		conn.Close(websocket.CloseNormalClosure, "")
	}()

	ctx, ok := s.init(ctx)
	if !ok {
		return http.StatusSwitchingProtocols
	}
	s.serve(ctx)
	return http.StatusSwitchingProtocols
}

// init waits for connection_init and acknowledges it. The payload's
// Authorization entry bounds every subscription of the session and is
// forwarded to sources with the other forwarded headers.
func (s *session) init(ctx context.Context) (context.Context, bool) {
	if s.h.opt.InitTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.h.opt.InitTimeout))
	}
	msg, err := s.conn.Read()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && ce.Code == gqlws.CloseInvalidMessage {
			s.conn.Close(ce.Code, ce.Text)
		} else {
			s.conn.Close(gqlws.CloseInitTimeout, "Connection initialisation timeout")
		}
		return ctx, false
	}
	_ = s.conn.SetReadDeadline(time.Time{})
	if msg.Type != gqlws.ConnectionInit {
		s.conn.Close(gqlws.CloseUnauthorized, "Unauthorized")
		return ctx, false
	}

	var payload map[string]any
	if len(msg.Payload) > 0 {
		_ = json.Unmarshal(msg.Payload, &payload)
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	for k, v := range payload {
		sv, ok := v.(string)
		if !ok {
			continue
		}
		for _, fwd := range s.h.opt.ForwardHeaders {
			if strings.EqualFold(fwd, k) {
				md.Set(strings.ToLower(k), sv)
			}
		}
		if strings.EqualFold(k, "authorization") {
			exp, err := credential.Expiry(sv)
			if err != nil {
				s.conn.Close(gqlws.CloseForbidden, "Forbidden")
				return ctx, false
			}
			s.expiry = exp
		}
	}
	if err := s.conn.Write("", gqlws.ConnectionAck, nil); err != nil {
		return ctx, false
	}
	return metadata.NewOutgoingContext(ctx, md), true
}

func (s *session) serve(ctx context.Context) {
	for {
		msg, err := s.conn.Read()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == gqlws.CloseInvalidMessage {
				s.conn.Close(ce.Code, ce.Text)
			}
			return
		}
		switch msg.Type {
		case gqlws.Ping:
			_ = s.conn.Write("", gqlws.Pong, nil)
		case gqlws.Pong:
		case gqlws.ConnectionInit:
			s.conn.Close(gqlws.CloseTooManyInits, "Too many initialisation requests")
			return
		case gqlws.Subscribe:
			if msg.ID == "" {
				s.conn.Close(gqlws.CloseInvalidMessage, "subscribe without id")
				return
			}
			var req GraphQLRequest
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				s.conn.Close(gqlws.CloseInvalidMessage, "invalid subscribe payload")
				return
			}
			if !s.start(ctx, msg.ID, req) {
				s.conn.Close(gqlws.CloseSubscriberExists, "Subscriber for "+msg.ID+" already exists")
				return
			}
		case gqlws.Complete:
			s.stop(msg.ID)
		default:
			s.conn.Close(gqlws.CloseInvalidMessage, "unexpected message "+msg.Type)
			return
		}
	}
}

func (s *session) start(ctx context.Context, id string, req GraphQLRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[id]; exists {
		return false
	}
	opCtx, cancel := context.WithCancel(ctx)
	s.ops[id] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.stop(id)
		s.run(opCtx, id, req)
	}()
	return true
}

func (s *session) stop(id string) {
	s.mu.Lock()
	cancel, ok := s.ops[id]
	delete(s.ops, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *session) sendErrors(id string, errs ...response.Error) {
	_ = s.conn.Write(id, gqlws.Error, errs)
}

// reserve takes a subscription slot. Every successful call must be paired
// with a decrement of h.open.
func (h *Handler) reserve() bool {
	limit := h.opt.MaxSubscriptions
	for {
		n := h.open.Load()
		if limit > 0 && n >= limit {
			return false
		}
		if h.open.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// run serves one operation: subscription plans through the event loop,
// everything else through a single evaluation.
func (s *session) run(ctx context.Context, id string, req GraphQLRequest) {
	p, perr := s.h.lookup(req)
	if perr != nil {
		s.sendErrors(id, *perr)
		return
	}
	sender := &wsSender{conn: s.conn, id: id, ctx: ctx}
	sub, ok := p.Node.(*plan.Subscription)
	if !ok {
		err := s.h.exec.Execute(ctx, interpreter.Request{Plan: p, OperationName: req.OperationName, Variables: req.Variables}, sender)
		if err != nil && ctx.Err() == nil {
			level.Error(s.logger).Log("msg", "plan evaluation aborted", "plan", p.Name, "err", err)
			s.sendErrors(id, abortError(err))
			return
		}
		sender.Close()
		return
	}

	m := s.h.opt.Metrics
	if !s.h.reserve() {
		s.sendErrors(id, response.NewError("too many open subscriptions", response.CodeSubscriptionLimitExceeded, nil))
		return
	}
	defer s.h.open.Dec()

	start := time.Now()
	eventbus.Publish(ctx, events.PlanStart{Plan: p.Name, OperationName: req.OperationName, Subscription: true})

	sender.subscription = true
	primary := source.Request{
		Target:        sub.Primary.ServiceName,
		Operation:     sub.Primary.Operation,
		OperationName: sub.Primary.OperationName,
		OperationKind: plan.OperationSubscription,
		Variables:     usedVariables(req.Variables, sub.Primary.VariableUsages),
	}
	loop := &subscription.Loop{
		Init:      subscription.Open(ctx, s.h.opt.Subscriber, primary),
		Closed:    ctx.Done(),
		Sender:    sender,
		Expiry:    s.expiry,
		Rest:      sub.Rest,
		Variables: req.Variables,
		Executor:  s.h.exec,
		Metrics:   m,
		Logger:    log.With(s.logger, "plan", p.Name, "subscription", id),
	}
	if b := s.h.opt.ConfigReloads; b != nil {
		ch, unsubscribe := b.Subscribe()
		defer unsubscribe()
		loop.ConfigReload = ch
	}
	if b := s.h.opt.SchemaReloads; b != nil {
		ch, unsubscribe := b.Subscribe()
		defer unsubscribe()
		loop.SchemaReload = ch
	}
	err := loop.Run(ctx)
	if err != nil {
		level.Error(s.logger).Log("msg", "subscription aborted", "plan", p.Name, "err", err)
	}
	eventbus.Publish(ctx, events.PlanFinish{Plan: p.Name, Err: err, Duration: time.Since(start)})
}

func usedVariables(vars map[string]any, usages []string) map[string]any {
	out := make(map[string]any, len(usages))
	for _, name := range usages {
		if v, ok := vars[name]; ok {
			out[name] = v
		}
	}
	return out
}

// wsSender writes payloads as next messages. Subscription payloads lose
// their root path and hasNext: next carries a plain execution result and
// complete ends the stream.
type wsSender struct {
	conn         *gqlws.Conn
	id           string
	ctx          context.Context
	subscription bool
	once         sync.Once
}

func (w *wsSender) Send(p response.Payload) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if w.subscription {
		p.Path = nil
		p.HasNext = nil
		if p.Data == nil && len(p.Errors) > 0 {
			return w.conn.Write(w.id, gqlws.Next, struct {
				Errors []response.Error `json:"errors"`
			}{p.Errors})
		}
	}
	return w.conn.Write(w.id, gqlws.Next, p)
}

// Close sends complete unless the client already completed the operation.
func (w *wsSender) Close() error {
	var err error
	w.once.Do(func() {
		if w.ctx.Err() == nil {
			err = w.conn.Write(w.id, gqlws.Complete, nil)
		}
	})
	return err
}
