package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hanpama/fedgraph/internal/gqlws"
	"github.com/hanpama/fedgraph/internal/response"
)

// Subscribe opens a graphql-transport-ws connection and starts req on it.
// Forwarded headers go both into the handshake and the connection_init
// payload.
func (s *Subgraph) Subscribe(ctx context.Context, req Request) (Stream, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("source %s: closed", s.name)
	}
	u, err := s.subscriptionURL(ctx)
	if err != nil {
		return nil, err
	}

	fwd := forwardedHeaders(ctx)
	header := http.Header{}
	fwd.apply(header)
	dialer := websocket.Dialer{Subprotocols: []string{gqlws.Subprotocol}, HandshakeTimeout: s.opts.Timeout}
	ws, _, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	conn := gqlws.NewConn(ws)

	initPayload := make(map[string]string, len(fwd))
	for k, vs := range fwd {
		if len(vs) > 0 {
			initPayload[k] = vs[0]
		}
	}
	if err := s.handshake(conn, initPayload); err != nil {
		conn.Close(websocket.CloseNormalClosure, "")
		return nil, err
	}

	id := uuid.NewString()
	if err := conn.Write(id, gqlws.Subscribe, wireRequest{Query: req.Operation, OperationName: req.OperationName, Variables: req.Variables}); err != nil {
		conn.Close(websocket.CloseNormalClosure, "")
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	st := &wsStream{
		id:     id,
		conn:   conn,
		events: make(chan Event),
		done:   make(chan struct{}),
		logger: log.With(s.logger, "subscription", id),
	}
	go st.read()
	return st, nil
}

func (s *Subgraph) handshake(conn *gqlws.Conn, payload map[string]string) error {
	if err := conn.Write("", gqlws.ConnectionInit, payload); err != nil {
		return fmt.Errorf("connection_init: %w", err)
	}
	if s.opts.Timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.Timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	msg, err := conn.Read()
	if err != nil {
		return fmt.Errorf("waiting for connection_ack: %w", err)
	}
	if msg.Type != gqlws.ConnectionAck {
		return fmt.Errorf("expected connection_ack, got %q", msg.Type)
	}
	return nil
}

func (s *Subgraph) subscriptionURL(ctx context.Context) (string, error) {
	if s.opts.SubscriptionURL != "" {
		return s.opts.SubscriptionURL, nil
	}
	if s.opts.Provider == nil {
		return "", fmt.Errorf("source %s: provider not configured", s.name)
	}
	endpoint, err := s.endpoint(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("source %s: endpoint %q: %w", s.name, endpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

type wsStream struct {
	id     string
	conn   *gqlws.Conn
	events chan Event
	done   chan struct{}
	once   sync.Once
	logger log.Logger
}

func (st *wsStream) Events() <-chan Event { return st.events }

func (st *wsStream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		_ = st.conn.Write(st.id, gqlws.Complete, nil)
		err = st.conn.Close(websocket.CloseNormalClosure, "")
	})
	return err
}

func (st *wsStream) read() {
	defer close(st.events)
	for {
		msg, err := st.conn.Read()
		if err != nil {
			select {
			case <-st.done:
			default:
				st.emit(Event{Err: fmt.Errorf("subscription connection: %w", err)})
			}
			return
		}
		if msg.ID != "" && msg.ID != st.id {
			continue
		}
		switch msg.Type {
		case gqlws.Next:
			var r Response
			if err := json.Unmarshal(msg.Payload, &r); err != nil {
				st.emit(Event{Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)})
				return
			}
			if !st.emit(Event{Response: r}) {
				return
			}
		case gqlws.Error:
			var errs []response.Error
			_ = json.Unmarshal(msg.Payload, &errs)
			reason := "subscription rejected"
			if len(errs) > 0 {
				reason = errs[0].Message
			}
			st.emit(Event{Response: Response{Errors: errs}, Err: fmt.Errorf("subscription rejected: %s", reason)})
			return
		case gqlws.Complete:
			return
		case gqlws.Ping:
			if err := st.conn.Write("", gqlws.Pong, nil); err != nil {
				level.Debug(st.logger).Log("msg", "writing pong", "err", err)
			}
		}
	}
}

func (st *wsStream) emit(ev Event) bool {
	select {
	case st.events <- ev:
		return true
	case <-st.done:
		return false
	}
}
