// Package gqlws implements the message layer of the graphql-transport-ws
// websocket protocol, shared by the client-facing subscription endpoint and
// the upstream subgraph client.
package gqlws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Subprotocol is negotiated in the websocket handshake.
const Subprotocol = "graphql-transport-ws"

// Message types.
const (
	ConnectionInit = "connection_init"
	ConnectionAck  = "connection_ack"
	Ping           = "ping"
	Pong           = "pong"
	Subscribe      = "subscribe"
	Next           = "next"
	Error          = "error"
	Complete       = "complete"
)

// Close codes defined by the protocol.
const (
	CloseInvalidMessage   = 4400
	CloseUnauthorized     = 4401
	CloseForbidden        = 4403
	CloseInitTimeout      = 4408
	CloseSubscriberExists = 4409
	CloseTooManyInits     = 4429
)

type Message struct {
	ID      string              `json:"id,omitempty"`
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

// Conn serializes writes to a websocket connection. Reads must come from a
// single goroutine.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Write sends a message with payload encoded as JSON. A nil payload is
// omitted.
func (c *Conn) Write(id, typ string, payload any) error {
	m := Message{ID: id, Type: typ}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		m.Payload = b
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// Read returns the next protocol message. Binary frames and undecodable
// text are reported as errors.
func (c *Conn) Read() (Message, error) {
	kind, b, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	if kind != websocket.TextMessage {
		return Message{}, &websocket.CloseError{Code: CloseInvalidMessage, Text: "binary frames are not supported"}
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil || m.Type == "" {
		return Message{}, &websocket.CloseError{Code: CloseInvalidMessage, Text: "invalid message"}
	}
	return m, nil
}

// SetReadDeadline bounds the next Read. A zero t removes the bound.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// Close sends a close frame with code and reason, then closes the
// connection.
func (c *Conn) Close(code int, reason string) error {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	return c.ws.Close()
}
